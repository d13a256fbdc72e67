// Package batch fans a list of ref operations out over the ref service and
// collects one result per operation.
package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"

	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/refs"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

type OpType string

const (
	OpGet  OpType = "GET"
	OpPut  OpType = "PUT"
	OpHead OpType = "HEAD"
)

// Op is one operation of a batch. OpID must be unique within the batch.
type Op struct {
	OpID               uint32
	Type               OpType
	Bucket             core.BucketID
	Key                core.RefID
	ResolveAttachments bool
	Payload            *cbobject.Object
	PayloadHash        core.BlobID
}

// Result is what the equivalent single operation would have answered.
type Result struct {
	OpID       uint32
	Response   *cbobject.Object
	StatusCode int
}

// Executor answers each op the way the single-op endpoint would. A PUT
// leaves the ref Pending until the finalize endpoint is called, and a HEAD
// that finds nothing answers {exists: false} with 404.
type Executor interface {
	// Execute runs every op concurrently. Only a malformed batch fails as a
	// whole; failures of single ops are reported in their Result.
	Execute(ctx context.Context, ns core.NamespaceID, ops []Op) (map[uint32]Result, error)
}

type Config struct {
	// MaxOps rejects larger batches; 0 means unlimited.
	MaxOps int
	// MaxParallel bounds the ops in flight; 0 means runtime.NumCPU().
	MaxParallel int
	Log         *logrus.Logger
}

type executor struct {
	refs refs.Service
	cfg  Config
	log  *logrus.Logger
}

func New(svc refs.Service, cfg Config) Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = runtime.NumCPU()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	return &executor{refs: svc, cfg: cfg, log: cfg.Log}
}

func (e *executor) Execute(ctx context.Context, ns core.NamespaceID, ops []Op) (map[uint32]Result, error) {
	if e.cfg.MaxOps > 0 && len(ops) > e.cfg.MaxOps {
		return nil, fmt.Errorf("%w: batch has %d ops, limit is %d", core.ErrTooLarge, len(ops), e.cfg.MaxOps)
	}
	seen := make(map[uint32]struct{}, len(ops))
	for _, op := range ops {
		if _, ok := seen[op.OpID]; ok {
			return nil, &core.DuplicateOpIDError{OpID: op.OpID}
		}
		seen[op.OpID] = struct{}{}
	}

	var results sync.Map
	p := pool.New().WithMaxGoroutines(e.cfg.MaxParallel)
	for _, op := range ops {
		p.Go(func() {
			results.Store(op.OpID, e.run(ctx, ns, op))
		})
	}
	p.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[uint32]Result, len(ops))
	results.Range(func(k, v any) bool {
		out[k.(uint32)] = v.(Result)
		return true
	})
	return out, nil
}

func (e *executor) run(ctx context.Context, ns core.NamespaceID, op Op) Result {
	resp, status, err := e.dispatch(ctx, ns, op)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"namespace": ns,
			"op":        op.OpID,
			"type":      op.Type,
			"bucket":    op.Bucket,
			"key":       op.Key,
			"error":     err,
		}).Debug("batch op failed")
		return Result{OpID: op.OpID, Response: ErrorObject(err), StatusCode: core.StatusCode(err)}
	}
	return Result{OpID: op.OpID, Response: resp, StatusCode: status}
}

func (e *executor) dispatch(ctx context.Context, ns core.NamespaceID, op Op) (*cbobject.Object, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if _, err := core.NewBucketID(string(op.Bucket)); err != nil {
		return nil, 0, err
	}
	if _, err := core.NewRefID(string(op.Key)); err != nil {
		return nil, 0, err
	}

	switch op.Type {
	case OpGet:
		ref, err := e.refs.Get(ctx, ns, op.Bucket, op.Key, refs.GetOptions{})
		if err != nil {
			return nil, 0, err
		}
		if op.ResolveAttachments {
			if _, err := e.refs.GetReferencedBlobs(ctx, ns, op.Bucket, op.Key, false); err != nil {
				return nil, 0, err
			}
		}
		obj, err := ref.Object()
		return obj, http.StatusOK, err

	case OpHead:
		err := e.refs.Head(ctx, ns, op.Bucket, op.Key)
		if absent(err) {
			obj, err := cbobject.NewBuilder().AddBool("exists", false).Build()
			return obj, http.StatusNotFound, err
		}
		if err != nil {
			return nil, 0, err
		}
		obj, err := cbobject.NewBuilder().AddBool("exists", true).Build()
		return obj, http.StatusOK, err

	case OpPut:
		if op.Payload == nil {
			return nil, 0, fmt.Errorf("%w: put op %d has no payload", core.ErrInvalidInput, op.OpID)
		}
		needs, err := e.refs.Put(ctx, ns, op.Bucket, op.Key, op.PayloadHash, op.Payload, refs.PutOptions{})
		if err != nil {
			return nil, 0, err
		}
		obj, err := NeedsObject(needs)
		return obj, http.StatusOK, err

	default:
		return nil, 0, fmt.Errorf("%w: unknown op type %q", core.ErrInvalidInput, op.Type)
	}
}

// absent reports whether a HEAD failed because the ref or part of its
// closure is not there.
func absent(err error) bool {
	var (
		notFound *core.RefNotFoundError
		partial  *core.PartialReferenceResolveError
		missing  *core.ReferenceIsMissingBlobsError
	)
	return errors.As(err, &notFound) || errors.As(err, &partial) || errors.As(err, &missing)
}
