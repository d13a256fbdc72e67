// Package gc expires unused refs, deletes blobs no ref reaches any more and
// compacts the blob backend.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agenthands/ddcstore/pkg/blobindex"
	"github.com/agenthands/ddcstore/pkg/blobstore"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/refs"
	"github.com/sirupsen/logrus"
)

// Result contains statistics from a GC run.
type Result struct {
	RefsDeleted    int
	BlobsDeleted   int
	PacksSwept     int
	BlocksMoved    int
	BytesReclaimed uint64
}

// Runner defines the GC interface.
type Runner interface {
	RunOnce(ctx context.Context) (Result, error)
	Start(ctx context.Context)
	Stop()
}

type Config struct {
	core.GCConfig
	// Region is where blob ages are read from the index.
	Region string
	Log    *logrus.Logger
}

type runner struct {
	cfg   Config
	refs  refs.Service
	blobs blobstore.Store
	index blobindex.Index
	log   *logrus.Logger
	now   func() time.Time

	mu      sync.Mutex
	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewRunner creates a GC runner. Without an index or region, blob ages are
// unknown and orphans are only swept when OrphanGrace is zero.
func NewRunner(cfg Config, svc refs.Service, blobs blobstore.Store, index blobindex.Index) Runner {
	if cfg.RunEvery == 0 {
		cfg.RunEvery = time.Hour
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	return &runner{
		cfg:   cfg,
		refs:  svc,
		blobs: blobs,
		index: index,
		log:   cfg.Log,
		now:   time.Now,
	}
}

func (r *runner) RunOnce(ctx context.Context) (Result, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	var res Result
	start := r.now()

	namespaces, err := r.namespaces(ctx)
	if err != nil {
		return res, err
	}
	for _, ns := range namespaces {
		policy := r.cfg.PolicyFor(ns)
		if policy.Disabled {
			continue
		}
		if err := r.collect(ctx, ns, policy, &res); err != nil {
			return res, fmt.Errorf("namespace %s: %w", ns, err)
		}
	}

	if c, ok := r.blobs.Backend().(blobstore.Compactor); ok {
		stats, err := c.Compact(ctx)
		if err != nil {
			return res, fmt.Errorf("compaction failed: %w", err)
		}
		res.PacksSwept = stats.PacksSwept
		res.BlocksMoved = stats.BlocksMoved
		res.BytesReclaimed = stats.BytesReclaimed
	}

	r.log.WithFields(logrus.Fields{
		"refs_deleted":    res.RefsDeleted,
		"blobs_deleted":   res.BlobsDeleted,
		"packs_swept":     res.PacksSwept,
		"blocks_moved":    res.BlocksMoved,
		"bytes_reclaimed": res.BytesReclaimed,
		"took":            r.now().Sub(start),
	}).Info("gc run finished")
	return res, nil
}

// namespaces merges the namespaces that have refs with those that only have
// blobs left, such as one whose refs were all dropped.
func (r *runner) namespaces(ctx context.Context) ([]core.NamespaceID, error) {
	withRefs, err := r.refs.GetNamespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ref namespaces: %w", err)
	}
	withBlobs, err := r.blobs.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blob namespaces: %w", err)
	}
	seen := make(map[core.NamespaceID]struct{}, len(withRefs)+len(withBlobs))
	var out []core.NamespaceID
	for _, ns := range append(withRefs, withBlobs...) {
		if _, ok := seen[ns]; ok {
			continue
		}
		seen[ns] = struct{}{}
		out = append(out, ns)
	}
	return out, nil
}

// collect expires the refs of ns and then sweeps its unreferenced blobs.
func (r *runner) collect(ctx context.Context, ns core.NamespaceID, policy core.NamespacePolicy, res *Result) error {
	markStart := r.now()
	var cutoff time.Time
	if policy.LastAccessCutoff > 0 {
		cutoff = markStart.Add(-policy.LastAccessCutoff)
	}

	live := make(map[core.BlobID]struct{})
	sweep := true
	mark := func(rec core.RefRecord) error {
		blobs, err := r.refs.RecordBlobs(ctx, rec)
		if err != nil {
			// Without the closure nothing in ns can be proven dead.
			r.log.WithFields(logrus.Fields{
				"namespace": ns,
				"bucket":    rec.Bucket,
				"key":       rec.Name,
				"error":     err,
			}).Warn("cannot resolve ref, skipping blob sweep")
			sweep = false
			return nil
		}
		for _, b := range blobs {
			live[b] = struct{}{}
		}
		return nil
	}

	err := r.refs.Records().IterateNamespace(ctx, ns, func(rec core.RefRecord) error {
		if !cutoff.IsZero() && rec.LastAccess.Before(cutoff) {
			ok, err := r.refs.Delete(ctx, ns, rec.Bucket, rec.Name)
			if err != nil {
				return err
			}
			if ok {
				res.RefsDeleted++
			}
			return nil
		}
		return mark(rec)
	})
	if err != nil {
		return err
	}
	if !sweep {
		return nil
	}

	var candidates []core.BlobID
	err = r.blobs.ListBlobs(ctx, ns, func(b core.BlobID) error {
		if _, ok := live[b]; !ok {
			candidates = append(candidates, b)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	// Refs written while marking may reference candidates.
	err = r.refs.Records().IterateNamespace(ctx, ns, func(rec core.RefRecord) error {
		if rec.LastAccess.Before(markStart) {
			return nil
		}
		return mark(rec)
	})
	if err != nil {
		return err
	}
	if !sweep {
		return nil
	}

	for _, b := range candidates {
		if _, ok := live[b]; ok {
			continue
		}
		old, err := r.pastGrace(ctx, ns, b, markStart)
		if err != nil {
			return err
		}
		if !old {
			continue
		}
		if err := r.blobs.Delete(ctx, ns, b); err != nil {
			return fmt.Errorf("delete blob %s: %w", b, err)
		}
		res.BlobsDeleted++
	}
	return nil
}

func (r *runner) pastGrace(ctx context.Context, ns core.NamespaceID, blob core.BlobID, now time.Time) (bool, error) {
	if r.cfg.OrphanGrace <= 0 {
		return true, nil
	}
	if r.index == nil || r.cfg.Region == "" {
		return false, nil
	}
	at, ok, err := r.index.IndexedAt(ctx, ns, blob, r.cfg.Region)
	if err != nil || !ok {
		return false, err
	}
	return now.Sub(at) >= r.cfg.OrphanGrace, nil
}

func (r *runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || !r.cfg.Enabled {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.cfg.RunEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.log.WithError(err).Error("gc run failed")
				}
			}
		}
	}(r.stopCh, r.done)
}

// Stop waits for a run in progress to finish.
func (r *runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.running = false
		close(r.stopCh)
		<-r.done
	}
}
