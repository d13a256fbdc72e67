package contentid

import (
	"context"

	"github.com/agenthands/ddcstore/pkg/core"
)

// Exister reports whether a blob is stored locally.
type Exister interface {
	Exists(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (bool, error)
}

// Resolution is the outcome of resolving one content id.
type Resolution struct {
	Blobs []core.BlobID
	// Compressed is true when Blobs came from the content id map and hold
	// compressed-buffer envelopes rather than the raw payload.
	Compressed bool
}

// Resolver maps content ids to the blobs that currently satisfy them.
type Resolver interface {
	// Resolve returns *core.ContentIDResolveError when nothing satisfies id.
	Resolve(ctx context.Context, ns core.NamespaceID, id core.ContentID) (Resolution, error)
}

type resolver struct {
	m     Map
	blobs Exister
}

func NewResolver(m Map, blobs Exister) Resolver {
	return &resolver{m: m, blobs: blobs}
}

// Resolve prefers mapped blobs and returns the first one that is present.
// When every mapped blob is gone the first mapping is returned, so a lost blob
// shows up as missing rather than as an unresolved content id. Without a
// mapping the raw payload's blob is tried.
func (r *resolver) Resolve(ctx context.Context, ns core.NamespaceID, id core.ContentID) (Resolution, error) {
	mapped, err := r.m.Get(ctx, ns, id)
	if err != nil {
		return Resolution{}, err
	}
	if len(mapped) > 0 {
		for _, blob := range mapped {
			ok, err := r.blobs.Exists(ctx, ns, blob)
			if err != nil {
				return Resolution{}, err
			}
			if ok {
				return Resolution{Blobs: []core.BlobID{blob}, Compressed: true}, nil
			}
		}
		return Resolution{Blobs: mapped[:1], Compressed: true}, nil
	}

	raw := id.AsBlobID()
	ok, err := r.blobs.Exists(ctx, ns, raw)
	if err != nil {
		return Resolution{}, err
	}
	if !ok {
		return Resolution{}, &core.ContentIDResolveError{Namespace: ns, ContentID: id}
	}
	return Resolution{Blobs: []core.BlobID{raw}}, nil
}
