package blobstore

import (
	"context"
	"net/url"

	"github.com/agenthands/ddcstore/pkg/core"
)

// Backend is the physical storage of blob bytes. Implementations only store
// and fetch; hashing and indexing happen in Store.
type Backend interface {
	// Get returns *core.BlobNotFoundError when the blob is absent.
	Get(ctx context.Context, ns core.NamespaceID, blob core.BlobID) ([]byte, error)
	// Put is idempotent for an existing blob.
	Put(ctx context.Context, ns core.NamespaceID, blob core.BlobID, data []byte) error
	Exists(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (bool, error)
	Delete(ctx context.Context, ns core.NamespaceID, blob core.BlobID) error
	List(ctx context.Context, ns core.NamespaceID, fn func(core.BlobID) error) error
	// Namespaces lists the namespaces holding at least one blob, sorted.
	Namespaces(ctx context.Context) ([]core.NamespaceID, error)
	DeleteNamespace(ctx context.Context, ns core.NamespaceID) error
	Close() error
}

// Redirector is implemented by backends that can serve or accept bytes
// through a URI. A nil URI with a nil error means redirects are disabled.
type Redirector interface {
	GetRedirect(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (*url.URL, error)
	PutRedirect(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (*url.URL, error)
}

// CompactStats reports the work done by one compaction.
type CompactStats struct {
	PacksSwept     int
	BlocksMoved    int
	BytesReclaimed uint64
}

// Compactor is implemented by backends that leave garbage behind after
// deletes and reclaim it in a separate pass.
type Compactor interface {
	Compact(ctx context.Context) (CompactStats, error)
}
