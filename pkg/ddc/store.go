// Package ddc opens a complete reference/blob store: catalog, blob backend,
// content id map, blob index, resolver, ref service, batch executor and
// garbage collector.
package ddc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/agenthands/ddcstore/pkg/batch"
	"github.com/agenthands/ddcstore/pkg/blobindex"
	"github.com/agenthands/ddcstore/pkg/blobstore"
	"github.com/agenthands/ddcstore/pkg/catalog"
	"github.com/agenthands/ddcstore/pkg/contentid"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/gc"
	"github.com/agenthands/ddcstore/pkg/reference"
	"github.com/agenthands/ddcstore/pkg/refs"
	"github.com/sirupsen/logrus"
)

// Entries kept by the content id and blob index caches.
const cacheEntries = 4096

// Store is an opened node.
type Store interface {
	Blobs() blobstore.Store
	Refs() refs.Service
	Resolver() reference.Resolver
	Batch() batch.Executor
	Index() blobindex.Index
	GC() gc.Runner
	Config() Config
	Close() error
}

type options struct {
	log *logrus.Logger
}

type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(log *logrus.Logger) Option {
	return func(o *options) { o.log = log }
}

type store struct {
	cfg      Config
	catalog  catalog.Catalog
	blobs    blobstore.Store
	index    blobindex.Index
	resolver reference.Resolver
	refs     refs.Service
	batch    batch.Executor
	gc       gc.Runner
}

// Open opens or creates the store described by cfg. The garbage collector is
// not started; call GC().Start.
func Open(ctx context.Context, cfg Config, opts ...Option) (Store, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.New()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Defaults for directory layout; an empty Dir keeps the catalog in memory.
	if cfg.Dir != "" {
		if cfg.Catalog.Dir == "" {
			cfg.Catalog.Dir = filepath.Join(cfg.Dir, "catalog")
		}
		if cfg.Pack.Dir == "" {
			cfg.Pack.Dir = filepath.Join(cfg.Dir, "packs")
		}
		if cfg.Blobs.Dir == "" {
			cfg.Blobs.Dir = filepath.Join(cfg.Dir, "blobs")
		}
	}

	cat, err := catalog.Open(cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	s, err := wire(cfg, cat, o.log)
	if err != nil {
		cat.Close()
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"dir":     cfg.Dir,
		"catalog": cfg.Catalog.Backend,
		"blobs":   cfg.Blobs.Backend,
		"region":  cfg.Replication.LocalRegion,
	}).Info("store opened")
	return s, nil
}

func openBackend(cfg Config, cat catalog.Catalog, log *logrus.Logger) (blobstore.Backend, error) {
	switch cfg.Blobs.Backend {
	case "", core.BlobsPack:
		if cfg.Pack.Dir == "" {
			return nil, fmt.Errorf("%w: the pack backend needs a directory", core.ErrInvalidInput)
		}
		return blobstore.NewPackBackend(cat, cfg, log)
	case core.BlobsFS:
		return blobstore.NewFSBackend(cfg.Blobs.Dir, cfg.Blobs.RedirectBaseURL)
	case core.BlobsMemory:
		return blobstore.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("%w: unknown blob backend %q", core.ErrInvalidInput, cfg.Blobs.Backend)
	}
}

func wire(cfg Config, cat catalog.Catalog, log *logrus.Logger) (*store, error) {
	backend, err := openBackend(cfg, cat, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob backend: %w", err)
	}
	ids, err := contentid.NewMap(cat, cacheEntries)
	if err != nil {
		backend.Close()
		return nil, err
	}
	idx, err := blobindex.New(cat, cacheEntries)
	if err != nil {
		backend.Close()
		return nil, err
	}

	blobs, err := blobstore.New(blobstore.Config{
		Backend:      backend,
		ContentIDs:   ids,
		Index:        idx,
		Region:       cfg.Replication.LocalRegion,
		MaxBlobBytes: cfg.Limits.MaxBlobBytes,
		MaxParallel:  cfg.Refs.MaxParallelResolve,
		Log:          log,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	resolver := reference.New(blobs, reference.Config{MaxParallel: cfg.Refs.MaxParallelResolve, Log: log})

	regions := cfg.Replication.Regions
	if len(regions) == 0 && cfg.Replication.LocalRegion != "" {
		regions = []string{cfg.Replication.LocalRegion}
	}
	svc, err := refs.New(refs.NewRecords(cat), blobs, resolver, idx, refs.Config{
		InlineThreshold:    cfg.Refs.InlineThreshold,
		LastAccessQueue:    cfg.Refs.LastAccessQueue,
		LastAccessThrottle: cfg.Refs.LastAccessThrottle,
		LockStripes:        cfg.Refs.LockStripes,
		Regions:            regions,
		MaxParallel:        cfg.Replication.MaxParallel,
		Log:                log,
	})
	if err != nil {
		blobs.Close()
		return nil, err
	}

	return &store{
		cfg:      cfg,
		catalog:  cat,
		blobs:    blobs,
		index:    idx,
		resolver: resolver,
		refs:     svc,
		batch:    batch.New(svc, batch.Config{MaxOps: cfg.Limits.MaxBatchOps, MaxParallel: cfg.Refs.MaxParallelResolve, Log: log}),
		gc:       gc.NewRunner(gc.Config{GCConfig: cfg.GC, Region: cfg.Replication.LocalRegion, Log: log}, svc, blobs, idx),
	}, nil
}

func (s *store) Blobs() blobstore.Store       { return s.blobs }
func (s *store) Refs() refs.Service           { return s.refs }
func (s *store) Resolver() reference.Resolver { return s.resolver }
func (s *store) Batch() batch.Executor        { return s.batch }
func (s *store) Index() blobindex.Index       { return s.index }
func (s *store) GC() gc.Runner                { return s.gc }
func (s *store) Config() Config               { return s.cfg }

func (s *store) Close() error {
	s.gc.Stop()
	return errors.Join(s.refs.Close(), s.blobs.Close(), s.catalog.Close())
}
