package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime"

	"github.com/agenthands/ddcstore/pkg/blobindex"
	"github.com/agenthands/ddcstore/pkg/cidutil"
	"github.com/agenthands/ddcstore/pkg/contentid"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/transform"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// Contents is a blob read from the store. Either Data or RedirectURI is set.
type Contents struct {
	Blob        core.BlobID
	Data        []byte
	Length      int64
	RedirectURI *url.URL
	// Compressed is true when Data is a compressed-buffer envelope found
	// through the content id map.
	Compressed bool
}

type getOptions struct {
	redirect bool
}

// GetOption customises a read.
type GetOption func(*getOptions)

// WithRedirect asks for a redirect URI instead of the bytes when the backend
// can serve one.
func WithRedirect() GetOption {
	return func(o *getOptions) { o.redirect = true }
}

// Store is the namespace-scoped blob service.
type Store interface {
	contentid.Resolver

	Get(ctx context.Context, ns core.NamespaceID, blob core.BlobID, opts ...GetOption) (*Contents, error)
	// Put stores data. A zero expected id means the caller did not claim one.
	Put(ctx context.Context, ns core.NamespaceID, data []byte, expected core.BlobID) (core.BlobID, error)
	Exists(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (bool, error)
	// FilterUnknown returns the subset of blobs that are not stored, in input order.
	FilterUnknown(ctx context.Context, ns core.NamespaceID, blobs []core.BlobID) ([]core.BlobID, error)

	// GetCompressed returns the blob satisfying id, preferring a compressed
	// representation and falling back to the raw payload.
	GetCompressed(ctx context.Context, ns core.NamespaceID, id core.ContentID, opts ...GetOption) (*Contents, error)
	// PutCompressed stores a compressed-buffer envelope whose decoded payload
	// hashes to id and returns the blob id of the envelope.
	PutCompressed(ctx context.Context, ns core.NamespaceID, data []byte, id core.ContentID) (core.BlobID, error)

	// MaybePutWithRedirect returns an upload URI, or nil when the backend
	// only accepts bytes.
	MaybePutWithRedirect(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (*url.URL, error)

	Delete(ctx context.Context, ns core.NamespaceID, blob core.BlobID) error
	ListBlobs(ctx context.Context, ns core.NamespaceID, fn func(core.BlobID) error) error
	// Namespaces lists the namespaces that hold blobs, whether or not any
	// ref still points into them.
	Namespaces(ctx context.Context) ([]core.NamespaceID, error)
	DeleteNamespace(ctx context.Context, ns core.NamespaceID) error

	Backend() Backend
	Close() error
}

// Config wires a Store.
type Config struct {
	Backend    Backend
	ContentIDs contentid.Map
	// Index is optional. When set, every successful write is recorded for
	// Region.
	Index        blobindex.Index
	Region       string
	MaxBlobBytes uint64
	// MaxParallel bounds FilterUnknown; 0 means runtime.NumCPU().
	MaxParallel int
	Log         *logrus.Logger
}

type store struct {
	cfg      Config
	backend  Backend
	ids      contentid.Map
	resolver contentid.Resolver
	index    blobindex.Index
	log      *logrus.Logger
}

// New returns a Store over cfg.Backend.
func New(cfg Config) (Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("%w: blob backend not specified", core.ErrInvalidInput)
	}
	if cfg.ContentIDs == nil {
		return nil, fmt.Errorf("%w: content id map not specified", core.ErrInvalidInput)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = runtime.NumCPU()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	s := &store{
		cfg:     cfg,
		backend: cfg.Backend,
		ids:     cfg.ContentIDs,
		index:   cfg.Index,
		log:     cfg.Log,
	}
	s.resolver = contentid.NewResolver(cfg.ContentIDs, s)
	return s, nil
}

func (s *store) Backend() Backend { return s.backend }

func (s *store) Close() error { return s.backend.Close() }

func (s *store) Resolve(ctx context.Context, ns core.NamespaceID, id core.ContentID) (contentid.Resolution, error) {
	return s.resolver.Resolve(ctx, ns, id)
}

func (s *store) Get(ctx context.Context, ns core.NamespaceID, blob core.BlobID, opts ...GetOption) (*Contents, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.redirect {
		if r, ok := s.backend.(Redirector); ok {
			u, err := r.GetRedirect(ctx, ns, blob)
			if err != nil {
				return nil, err
			}
			if u != nil {
				return &Contents{Blob: blob, RedirectURI: u, Length: -1}, nil
			}
		}
	}

	data, err := s.backend.Get(ctx, ns, blob)
	if err != nil {
		return nil, err
	}
	return &Contents{Blob: blob, Data: data, Length: int64(len(data))}, nil
}

func (s *store) Put(ctx context.Context, ns core.NamespaceID, data []byte, expected core.BlobID) (core.BlobID, error) {
	if s.cfg.MaxBlobBytes > 0 && uint64(len(data)) > s.cfg.MaxBlobBytes {
		return core.BlobID{}, fmt.Errorf("%w: blob is %d bytes, limit is %d", core.ErrTooLarge, len(data), s.cfg.MaxBlobBytes)
	}

	actual := cidutil.BlobIDOf(data)
	if !expected.IsZero() && expected != actual {
		return core.BlobID{}, &core.HashMismatchError{Supplied: expected, Actual: actual}
	}

	if err := s.backend.Put(ctx, ns, actual, data); err != nil {
		return core.BlobID{}, fmt.Errorf("failed to store blob %s: %w", actual, err)
	}
	s.indexWrite(ctx, ns, actual)
	return actual, nil
}

// indexWrite records the local region. Index failures never fail the write.
func (s *store) indexWrite(ctx context.Context, ns core.NamespaceID, blob core.BlobID) {
	if s.index == nil || s.cfg.Region == "" {
		return
	}
	if err := s.index.AddBlobToIndex(ctx, ns, blob, s.cfg.Region); err != nil {
		s.log.WithFields(logrus.Fields{"namespace": ns, "blob": blob, "error": err}).Warn("failed to index blob")
	}
}

// indexObserved records a blob found in the backend that the index does not
// know about yet, such as one uploaded through a redirect.
func (s *store) indexObserved(ctx context.Context, ns core.NamespaceID, blob core.BlobID) {
	if s.index == nil || s.cfg.Region == "" {
		return
	}
	ok, err := s.index.BlobExistsInRegion(ctx, ns, blob, s.cfg.Region)
	if err != nil || ok {
		return
	}
	s.indexWrite(ctx, ns, blob)
}

func (s *store) Exists(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (bool, error) {
	return s.backend.Exists(ctx, ns, blob)
}

func (s *store) FilterUnknown(ctx context.Context, ns core.NamespaceID, blobs []core.BlobID) ([]core.BlobID, error) {
	present := make([]bool, len(blobs))

	p := pool.New().WithMaxGoroutines(s.cfg.MaxParallel).WithContext(ctx).WithCancelOnError()
	for i, b := range blobs {
		p.Go(func(ctx context.Context) error {
			ok, err := s.backend.Exists(ctx, ns, b)
			if err != nil {
				return err
			}
			present[i] = ok
			if ok {
				s.indexObserved(ctx, ns, b)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	var missing []core.BlobID
	for i, b := range blobs {
		if !present[i] {
			missing = append(missing, b)
		}
	}
	return missing, nil
}

func (s *store) GetCompressed(ctx context.Context, ns core.NamespaceID, id core.ContentID, opts ...GetOption) (*Contents, error) {
	mapped, err := s.ids.Get(ctx, ns, id)
	if err != nil {
		return nil, err
	}
	for _, b := range mapped {
		c, err := s.Get(ctx, ns, b, opts...)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.Compressed = true
		return c, nil
	}

	c, err := s.Get(ctx, ns, id.AsBlobID(), opts...)
	if errors.Is(err, core.ErrNotFound) {
		return nil, &core.ContentIDResolveError{Namespace: ns, ContentID: id}
	}
	return c, err
}

func (s *store) PutCompressed(ctx context.Context, ns core.NamespaceID, data []byte, id core.ContentID) (core.BlobID, error) {
	plain, err := transform.Decode(data)
	if err != nil {
		return core.BlobID{}, fmt.Errorf("%w: compressed buffer: %v", core.ErrInvalidInput, err)
	}
	if actual := cidutil.ContentIDOf(plain); actual != id {
		return core.BlobID{}, &core.HashMismatchError{Supplied: id, Actual: actual}
	}

	blob, err := s.Put(ctx, ns, data, core.BlobID{})
	if err != nil {
		return core.BlobID{}, err
	}
	if err := s.ids.Put(ctx, ns, id, blob); err != nil {
		return core.BlobID{}, err
	}
	return blob, nil
}

func (s *store) MaybePutWithRedirect(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (*url.URL, error) {
	r, ok := s.backend.(Redirector)
	if !ok {
		return nil, nil
	}
	// Nothing is indexed yet. The bytes arrive out of band and are indexed
	// when FilterUnknown first sees them.
	return r.PutRedirect(ctx, ns, blob)
}

func (s *store) Delete(ctx context.Context, ns core.NamespaceID, blob core.BlobID) error {
	if err := s.backend.Delete(ctx, ns, blob); err != nil {
		return err
	}
	if err := s.ids.DeleteByBlob(ctx, ns, blob); err != nil {
		return err
	}
	if s.index != nil && s.cfg.Region != "" {
		return s.index.RemoveBlobFromRegion(ctx, ns, blob, s.cfg.Region)
	}
	return nil
}

func (s *store) ListBlobs(ctx context.Context, ns core.NamespaceID, fn func(core.BlobID) error) error {
	return s.backend.List(ctx, ns, fn)
}

func (s *store) Namespaces(ctx context.Context) ([]core.NamespaceID, error) {
	return s.backend.Namespaces(ctx)
}

func (s *store) DeleteNamespace(ctx context.Context, ns core.NamespaceID) error {
	if s.index != nil {
		var blobs []core.BlobID
		if err := s.backend.List(ctx, ns, func(b core.BlobID) error {
			blobs = append(blobs, b)
			return nil
		}); err != nil {
			return err
		}
		for _, b := range blobs {
			if err := s.index.RemoveBlob(ctx, ns, b); err != nil {
				return err
			}
		}
	}
	if err := s.backend.DeleteNamespace(ctx, ns); err != nil {
		return err
	}
	return s.ids.DeleteNamespace(ctx, ns)
}
