// Package reference computes the closure of blobs reachable from an object
// through its attachments.
package reference

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/agenthands/ddcstore/pkg/blobstore"
	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// Result is a best-effort resolution. Blobs is the closure in discovery
// order with no duplicates, including blobs that are not stored locally;
// those are also listed in MissingBlobs.
type Result struct {
	Blobs                []core.BlobID
	UnresolvedContentIDs []core.ContentID
	MissingBlobs         []core.BlobID
}

// Complete reports whether every attachment resolved to a present blob.
func (r Result) Complete() bool {
	return len(r.UnresolvedContentIDs) == 0 && len(r.MissingBlobs) == 0
}

// Needs lists what a client must upload: content ids first, then blobs.
func (r Result) Needs() core.Needs {
	return core.NewNeeds(r.UnresolvedContentIDs, r.MissingBlobs)
}

// Resolver walks attachment graphs.
type Resolver interface {
	// Resolve never fails because data is missing; it reports what is
	// missing instead. Errors are I/O or integrity problems.
	Resolve(ctx context.Context, ns core.NamespaceID, root *cbobject.Object) (Result, error)
	// GetReferencedBlobs returns the closure or fails with
	// *core.PartialReferenceResolveError, then *core.ReferenceIsMissingBlobsError.
	GetReferencedBlobs(ctx context.Context, ns core.NamespaceID, root *cbobject.Object) ([]core.BlobID, error)
	// GetAttachments returns every attachment reachable from root, each once.
	GetAttachments(ctx context.Context, ns core.NamespaceID, root *cbobject.Object) ([]cbobject.Attachment, error)
}

type Config struct {
	// MaxParallel bounds the attachments processed at once; 0 means
	// runtime.NumCPU().
	MaxParallel int
	Log         *logrus.Logger
}

type resolver struct {
	blobs       blobstore.Store
	maxParallel int
	log         *logrus.Logger
}

func New(blobs blobstore.Store, cfg Config) Resolver {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = runtime.NumCPU()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	return &resolver{blobs: blobs, maxParallel: cfg.MaxParallel, log: cfg.Log}
}

type visitKey struct {
	kind cbobject.Kind
	hash [core.HashSize]byte
}

// branch is what processing one attachment produced. Each branch owns its
// result; merging happens on the calling goroutine.
type branch struct {
	blobs      []core.BlobID
	unresolved []core.ContentID
	// missing objects could not be expanded.
	missing  []core.BlobID
	children []cbobject.Attachment
}

type closure struct {
	attachments []cbobject.Attachment
	blobs       []core.BlobID
	unresolved  []core.ContentID
	missing     map[core.BlobID]struct{}
}

// walk expands the graph one level at a time. Every attachment is processed
// once even when several objects reference it.
func (r *resolver) walk(ctx context.Context, ns core.NamespaceID, root *cbobject.Object) (*closure, error) {
	w := &closure{missing: make(map[core.BlobID]struct{})}
	visited := make(map[visitKey]struct{})
	seenBlobs := make(map[core.BlobID]struct{})

	level := root.Attachments()
	for len(level) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var todo []cbobject.Attachment
		for _, a := range level {
			k := visitKey{a.Kind, a.Hash}
			if _, ok := visited[k]; ok {
				continue
			}
			visited[k] = struct{}{}
			todo = append(todo, a)
		}

		results := make([]branch, len(todo))
		p := pool.New().WithMaxGoroutines(r.maxParallel).WithContext(ctx).WithCancelOnError()
		for i, a := range todo {
			p.Go(func(ctx context.Context) error {
				b, err := r.process(ctx, ns, a)
				if err != nil {
					return err
				}
				results[i] = b
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			return nil, err
		}

		level = nil
		for i, b := range results {
			w.attachments = append(w.attachments, todo[i])
			for _, blob := range b.blobs {
				if _, ok := seenBlobs[blob]; !ok {
					seenBlobs[blob] = struct{}{}
					w.blobs = append(w.blobs, blob)
				}
			}
			w.unresolved = append(w.unresolved, b.unresolved...)
			for _, m := range b.missing {
				w.missing[m] = struct{}{}
			}
			level = append(level, b.children...)
		}
	}
	return w, nil
}

func (r *resolver) process(ctx context.Context, ns core.NamespaceID, a cbobject.Attachment) (branch, error) {
	switch a.Kind {
	case cbobject.KindBinaryAttachment:
		return branch{blobs: []core.BlobID{a.BlobID()}}, nil

	case cbobject.KindObjectAttachment:
		blob := a.BlobID()
		c, err := r.blobs.Get(ctx, ns, blob)
		if errors.Is(err, core.ErrNotFound) {
			return branch{blobs: []core.BlobID{blob}, missing: []core.BlobID{blob}}, nil
		}
		if err != nil {
			return branch{}, err
		}
		child, err := cbobject.Parse(c.Data)
		if err != nil {
			r.log.WithFields(logrus.Fields{"namespace": ns, "blob": blob, "error": err}).Warn("referenced object is not a valid object")
			return branch{}, fmt.Errorf("object attachment %s: %w", blob, err)
		}
		return branch{blobs: []core.BlobID{blob}, children: child.Attachments()}, nil

	case cbobject.KindContentIDAttachment:
		id := a.ContentID()
		res, err := r.blobs.Resolve(ctx, ns, id)
		var resolveErr *core.ContentIDResolveError
		if errors.As(err, &resolveErr) {
			return branch{unresolved: []core.ContentID{id}}, nil
		}
		if err != nil {
			return branch{}, err
		}
		return branch{blobs: res.Blobs}, nil

	default:
		return branch{}, fmt.Errorf("%w: %s is not an attachment", core.ErrInvalidInput, a.Kind)
	}
}

func (r *resolver) Resolve(ctx context.Context, ns core.NamespaceID, root *cbobject.Object) (Result, error) {
	w, err := r.walk(ctx, ns, root)
	if err != nil {
		return Result{}, err
	}

	// Objects that could not be fetched are already known to be missing.
	var check []core.BlobID
	for _, b := range w.blobs {
		if _, ok := w.missing[b]; !ok {
			check = append(check, b)
		}
	}
	unknown, err := r.blobs.FilterUnknown(ctx, ns, check)
	if err != nil {
		return Result{}, err
	}
	for _, b := range unknown {
		w.missing[b] = struct{}{}
	}

	res := Result{Blobs: w.blobs, UnresolvedContentIDs: w.unresolved}
	for _, b := range w.blobs {
		if _, ok := w.missing[b]; ok {
			res.MissingBlobs = append(res.MissingBlobs, b)
		}
	}
	return res, nil
}

func (r *resolver) GetReferencedBlobs(ctx context.Context, ns core.NamespaceID, root *cbobject.Object) ([]core.BlobID, error) {
	res, err := r.Resolve(ctx, ns, root)
	if err != nil {
		return nil, err
	}
	if len(res.UnresolvedContentIDs) > 0 {
		return nil, &core.PartialReferenceResolveError{Unresolved: res.UnresolvedContentIDs, Resolved: res.Blobs}
	}
	if len(res.MissingBlobs) > 0 {
		return nil, &core.ReferenceIsMissingBlobsError{Missing: res.MissingBlobs}
	}
	return res.Blobs, nil
}

func (r *resolver) GetAttachments(ctx context.Context, ns core.NamespaceID, root *cbobject.Object) ([]cbobject.Attachment, error) {
	w, err := r.walk(ctx, ns, root)
	if err != nil {
		return nil, err
	}
	return w.attachments, nil
}
