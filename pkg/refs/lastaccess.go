package refs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agenthands/ddcstore/pkg/core"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

type refKey struct {
	ns     core.NamespaceID
	bucket core.BucketID
	key    core.RefID
}

type accessUpdate struct {
	ref  refKey
	blob core.BlobID
	at   time.Time
}

// accessTracker records last-access times off the read path. Updates are
// throttled per ref and dropped when the queue is full.
type accessTracker struct {
	queue    chan accessUpdate
	recent   *lru.Cache[refKey, time.Time]
	throttle time.Duration
	apply    func(context.Context, accessUpdate) error
	log      *logrus.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newAccessTracker(queueSize int, throttle time.Duration, apply func(context.Context, accessUpdate) error, log *logrus.Logger) (*accessTracker, error) {
	if queueSize <= 0 {
		queueSize = 1024
	}
	recent, err := lru.New[refKey, time.Time](max(queueSize*16, 4096))
	if err != nil {
		return nil, fmt.Errorf("failed to create last access cache: %w", err)
	}

	t := &accessTracker{
		queue:    make(chan accessUpdate, queueSize),
		recent:   recent,
		throttle: throttle,
		apply:    apply,
		log:      log,
	}
	t.wg.Add(1)
	go t.run()
	return t, nil
}

func (t *accessTracker) run() {
	defer t.wg.Done()
	for u := range t.queue {
		if err := t.apply(context.Background(), u); err != nil {
			t.log.WithFields(logrus.Fields{
				"namespace": u.ref.ns,
				"bucket":    u.ref.bucket,
				"key":       u.ref.key,
				"error":     err,
			}).Warn("failed to update last access")
		}
	}
}

// touch never blocks.
func (t *accessTracker) touch(rec core.RefRecord, at time.Time) {
	k := refKey{rec.Namespace, rec.Bucket, rec.Name}
	if last, ok := t.recent.Get(k); ok && at.Sub(last) < t.throttle {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- accessUpdate{ref: k, blob: rec.BlobIdentifier, at: at}:
		t.recent.Add(k, at)
	default:
		t.log.WithFields(logrus.Fields{
			"namespace": rec.Namespace,
			"bucket":    rec.Bucket,
			"key":       rec.Name,
		}).Debug("last access queue full, dropping update")
	}
}

// close drains the queue and waits for pending updates.
func (t *accessTracker) close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()
	t.wg.Wait()
}
