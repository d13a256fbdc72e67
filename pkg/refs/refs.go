// Package refs implements the ref lifecycle: a ref is written Pending by Put,
// becomes visible once Finalize finds its whole attachment graph, and is
// removed by Delete. Blob reclamation is left to garbage collection.
package refs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/agenthands/ddcstore/pkg/blobindex"
	"github.com/agenthands/ddcstore/pkg/blobstore"
	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/reference"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

type PutOptions struct {
	AllowOverwrite bool
}

// Field names accepted by GetOptions.Fields.
const (
	FieldName       = "name"
	FieldBucket     = "bucket"
	FieldNamespace  = "namespace"
	FieldBlob       = "blobIdentifier"
	FieldFinalized  = "isFinalized"
	FieldLastAccess = "lastAccess"
	FieldPayload    = "payload"
)

type GetOptions struct {
	// Fields limits what is loaded. Empty means everything; the payload is
	// only read when FieldPayload is requested.
	Fields         []string
	SkipLastAccess bool
}

func (o GetOptions) wants(field string) bool {
	if len(o.Fields) == 0 {
		return true
	}
	for _, f := range o.Fields {
		if strings.EqualFold(f, field) {
			return true
		}
	}
	return false
}

// Ref is a finalized record and, when requested, the object bytes.
type Ref struct {
	Record  core.RefRecord
	Payload []byte
}

// Object parses the payload.
func (r *Ref) Object() (*cbobject.Object, error) {
	if r.Payload == nil {
		return nil, fmt.Errorf("%w: payload was not loaded", core.ErrInvalidInput)
	}
	return cbobject.Parse(r.Payload)
}

// Metadata returns the selected record fields keyed by their wire names.
func (r *Ref) Metadata(fields []string) map[string]any {
	o := GetOptions{Fields: fields}
	m := make(map[string]any)
	if o.wants(FieldName) {
		m[FieldName] = r.Record.Name
	}
	if o.wants(FieldBucket) {
		m[FieldBucket] = r.Record.Bucket
	}
	if o.wants(FieldNamespace) {
		m[FieldNamespace] = r.Record.Namespace
	}
	if o.wants(FieldBlob) {
		m[FieldBlob] = r.Record.BlobIdentifier
	}
	if o.wants(FieldFinalized) {
		m[FieldFinalized] = r.Record.IsFinalized
	}
	if o.wants(FieldLastAccess) {
		m[FieldLastAccess] = r.Record.LastAccess
	}
	if o.wants(FieldPayload) && r.Payload != nil {
		m[FieldPayload] = r.Payload
	}
	return m
}

// Name addresses a ref inside a namespace as "bucket.key".
type Name struct {
	Bucket core.BucketID
	Key    core.RefID
}

func (n Name) String() string { return string(n.Bucket) + "." + string(n.Key) }

// ParseName parses "bucket.key". Exactly one '.' is allowed.
func ParseName(s string) (Name, error) {
	if strings.Count(s, ".") != 1 {
		return Name{}, &core.InvalidNameError{Kind: "name", Name: s, Reason: "expected bucket.key"}
	}
	b, k, _ := strings.Cut(s, ".")
	bucket, err := core.NewBucketID(b)
	if err != nil {
		return Name{}, err
	}
	key, err := core.NewRefID(k)
	if err != nil {
		return Name{}, err
	}
	return Name{Bucket: bucket, Key: key}, nil
}

// ReplicationState maps every blob of a ref to the regions holding it.
type ReplicationState map[core.BlobID]map[string]bool

// Service is the ref API.
type Service interface {
	// Put writes a Pending record and returns what is still missing. A
	// finalized record with another hash is only replaced with
	// AllowOverwrite; otherwise *core.RefAlreadyExistsError is returned.
	Put(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID, hash core.BlobID, obj *cbobject.Object, opts PutOptions) (core.Needs, error)
	// Finalize makes the ref visible when nothing is missing and returns
	// the remaining needs otherwise. Finalizing twice is a no-op.
	//
	// Writers racing on one key are serialized per key but not across the
	// Put and Finalize pair. A Pending record may be replaced by another
	// writer's Put, so the writer whose hash no longer matches gets
	// *core.ObjectHashMismatchError (400) and exactly one writer finalizes.
	Finalize(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID, hash core.BlobID) (core.Needs, error)

	// Get returns *core.RefNotFoundError for absent and Pending refs.
	Get(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID, opts GetOptions) (*Ref, error)
	// Head succeeds when the ref is finalized and its closure is present.
	Head(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID) error
	// Exists returns the names that Head rejects, in input order.
	Exists(ctx context.Context, ns core.NamespaceID, names []Name) ([]Name, error)

	Delete(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID) (bool, error)
	DeleteBucket(ctx context.Context, ns core.NamespaceID, bucket core.BucketID) (int, error)
	DropNamespace(ctx context.Context, ns core.NamespaceID) (int, error)

	GetNamespaces(ctx context.Context) ([]core.NamespaceID, error)
	// GetRecordsInBucket lists the finalized records of a bucket.
	GetRecordsInBucket(ctx context.Context, ns core.NamespaceID, bucket core.BucketID) ([]core.RefRecord, error)

	// GetReferencedBlobs returns the root blob, unless inlined, followed by
	// the closure. With ignoreMissing, absent blobs are listed instead of
	// failing the call.
	GetReferencedBlobs(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID, ignoreMissing bool) ([]core.BlobID, error)
	// RecordBlobs is the best-effort blob set of any record, Pending
	// included.
	RecordBlobs(ctx context.Context, rec core.RefRecord) ([]core.BlobID, error)
	GetReplicationState(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID) (ReplicationState, error)

	Records() Records
	Close() error
}

type Config struct {
	// Payloads up to InlineThreshold bytes are kept in the record itself.
	InlineThreshold    int
	LastAccessQueue    int
	LastAccessThrottle time.Duration
	LockStripes        int
	// Regions queried by GetReplicationState.
	Regions []string
	// MaxParallel bounds Exists and replication fan-out; 0 means
	// runtime.NumCPU().
	MaxParallel int
	Log         *logrus.Logger
}

type service struct {
	cfg      Config
	records  Records
	blobs    blobstore.Store
	resolver reference.Resolver
	index    blobindex.Index
	locks    *keyLocks
	access   *accessTracker
	log      *logrus.Logger
}

// New returns a Service. index may be nil when replication state is not
// needed.
func New(records Records, blobs blobstore.Store, resolver reference.Resolver, index blobindex.Index, cfg Config) (Service, error) {
	if records == nil || blobs == nil || resolver == nil {
		return nil, fmt.Errorf("%w: records, blobs and resolver are required", core.ErrInvalidInput)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = runtime.NumCPU()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}

	s := &service{
		cfg:      cfg,
		records:  records,
		blobs:    blobs,
		resolver: resolver,
		index:    index,
		locks:    newKeyLocks(cfg.LockStripes),
		log:      cfg.Log,
	}
	access, err := newAccessTracker(cfg.LastAccessQueue, cfg.LastAccessThrottle, s.applyAccess, cfg.Log)
	if err != nil {
		return nil, err
	}
	s.access = access
	return s, nil
}

func (s *service) Records() Records { return s.records }

func (s *service) Close() error {
	s.access.close()
	return nil
}

func (s *service) Put(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID, hash core.BlobID, obj *cbobject.Object, opts PutOptions) (core.Needs, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: nil object", core.ErrInvalidInput)
	}
	if actual := obj.Hash(); actual != hash {
		return nil, &core.HashMismatchError{Supplied: hash, Actual: actual}
	}

	unlock := s.locks.lock(ns, bucket, key)
	defer unlock()

	existing, ok, err := s.records.Get(ctx, ns, bucket, key)
	if err != nil {
		return nil, err
	}
	if ok && existing.IsFinalized && existing.BlobIdentifier != hash && !opts.AllowOverwrite {
		return nil, &core.RefAlreadyExistsError{Old: existing}
	}

	if ok && existing.IsFinalized && existing.BlobIdentifier == hash {
		// Same object again: keep it visible and report what it needs.
		res, err := s.resolver.Resolve(ctx, ns, obj)
		if err != nil {
			return nil, err
		}
		return res.Needs(), nil
	}

	payload := obj.Bytes()
	rec := core.RefRecord{
		Namespace:      ns,
		Bucket:         bucket,
		Name:           key,
		BlobIdentifier: hash,
		LastAccess:     time.Now(),
	}
	if len(payload) <= s.cfg.InlineThreshold {
		rec.InlinePayload = payload
	} else if _, err := s.blobs.Put(ctx, ns, payload, hash); err != nil {
		return nil, fmt.Errorf("failed to store object %s: %w", hash, err)
	}

	if err := s.records.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to write ref record: %w", err)
	}

	res, err := s.resolver.Resolve(ctx, ns, obj)
	if err != nil {
		return nil, err
	}
	needs := res.Needs()

	s.log.WithFields(logrus.Fields{
		"namespace": ns,
		"bucket":    bucket,
		"key":       key,
		"hash":      hash,
		"inline":    rec.InlinePayload != nil,
		"needs":     len(needs),
	}).Debug("put ref")
	return needs, nil
}

func (s *service) Finalize(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID, hash core.BlobID) (core.Needs, error) {
	unlock := s.locks.lock(ns, bucket, key)
	defer unlock()

	rec, ok, err := s.records.Get(ctx, ns, bucket, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &core.RefNotFoundError{Namespace: ns, Bucket: bucket, Key: key}
	}
	if rec.BlobIdentifier != hash {
		return nil, &core.ObjectHashMismatchError{Namespace: ns, Bucket: bucket, Key: key, Supplied: hash, Stored: rec.BlobIdentifier}
	}
	if rec.IsFinalized {
		return core.Needs{}, nil
	}

	payload, err := s.payload(ctx, rec)
	var missing *core.ReferenceIsMissingBlobsError
	if errors.As(err, &missing) {
		return core.NewNeeds(nil, missing.Missing), nil
	}
	if err != nil {
		return nil, err
	}
	obj, err := cbobject.Parse(payload)
	if err != nil {
		return nil, err
	}

	res, err := s.resolver.Resolve(ctx, ns, obj)
	if err != nil {
		return nil, err
	}
	if !res.Complete() {
		return res.Needs(), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec.IsFinalized = true
	rec.LastAccess = time.Now()
	if err := s.records.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to finalize ref record: %w", err)
	}

	s.log.WithFields(logrus.Fields{"namespace": ns, "bucket": bucket, "key": key, "hash": hash}).Debug("finalized ref")
	return core.Needs{}, nil
}

// payload returns the object bytes of rec.
func (s *service) payload(ctx context.Context, rec core.RefRecord) ([]byte, error) {
	if rec.InlinePayload != nil {
		return rec.InlinePayload, nil
	}
	c, err := s.blobs.Get(ctx, rec.Namespace, rec.BlobIdentifier)
	if errors.Is(err, core.ErrNotFound) {
		return nil, &core.ReferenceIsMissingBlobsError{Missing: []core.BlobID{rec.BlobIdentifier}}
	}
	if err != nil {
		return nil, err
	}
	return c.Data, nil
}

func (s *service) finalized(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID) (core.RefRecord, error) {
	rec, ok, err := s.records.Get(ctx, ns, bucket, key)
	if err != nil {
		return core.RefRecord{}, err
	}
	if !ok || !rec.IsFinalized {
		return core.RefRecord{}, &core.RefNotFoundError{Namespace: ns, Bucket: bucket, Key: key}
	}
	return rec, nil
}

func (s *service) Get(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID, opts GetOptions) (*Ref, error) {
	rec, err := s.finalized(ctx, ns, bucket, key)
	if err != nil {
		return nil, err
	}
	if !opts.SkipLastAccess {
		s.access.touch(rec, time.Now())
	}

	ref := &Ref{Record: rec}
	if opts.wants(FieldPayload) {
		if ref.Payload, err = s.payload(ctx, rec); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

func (s *service) Head(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID) error {
	_, err := s.GetReferencedBlobs(ctx, ns, bucket, key, false)
	return err
}

func (s *service) Exists(ctx context.Context, ns core.NamespaceID, names []Name) ([]Name, error) {
	found := make([]bool, len(names))

	p := pool.New().WithMaxGoroutines(s.cfg.MaxParallel).WithContext(ctx).WithCancelOnError()
	for i, n := range names {
		p.Go(func(ctx context.Context) error {
			err := s.Head(ctx, ns, n.Bucket, n.Key)
			switch {
			case err == nil:
				found[i] = true
			case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrUnresolved):
			default:
				return fmt.Errorf("%s: %w", n, err)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	var missing []Name
	for i, n := range names {
		if !found[i] {
			missing = append(missing, n)
		}
	}
	return missing, nil
}

func (s *service) Delete(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID) (bool, error) {
	unlock := s.locks.lock(ns, bucket, key)
	defer unlock()
	return s.records.Delete(ctx, ns, bucket, key)
}

func (s *service) DeleteBucket(ctx context.Context, ns core.NamespaceID, bucket core.BucketID) (int, error) {
	n, err := s.records.DeleteBucket(ctx, ns, bucket)
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"namespace": ns, "bucket": bucket, "deleted": n}).Info("deleted bucket")
	return n, nil
}

func (s *service) DropNamespace(ctx context.Context, ns core.NamespaceID) (int, error) {
	ok, err := s.records.HasNamespace(ctx, ns)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &core.NamespaceNotFoundError{Namespace: ns}
	}
	n, err := s.records.DeleteNamespace(ctx, ns)
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"namespace": ns, "deleted": n}).Info("dropped namespace")
	return n, nil
}

func (s *service) GetNamespaces(ctx context.Context) ([]core.NamespaceID, error) {
	return s.records.Namespaces(ctx)
}

func (s *service) GetRecordsInBucket(ctx context.Context, ns core.NamespaceID, bucket core.BucketID) ([]core.RefRecord, error) {
	ok, err := s.records.HasNamespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &core.NamespaceNotFoundError{Namespace: ns}
	}

	var out []core.RefRecord
	err = s.records.IterateBucket(ctx, ns, bucket, func(rec core.RefRecord) error {
		if rec.IsFinalized {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *service) GetReferencedBlobs(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID, ignoreMissing bool) ([]core.BlobID, error) {
	rec, err := s.finalized(ctx, ns, bucket, key)
	if err != nil {
		return nil, err
	}

	var out []core.BlobID
	if rec.InlinePayload == nil {
		out = append(out, rec.BlobIdentifier)
	}
	payload, err := s.payload(ctx, rec)
	if err != nil {
		var missing *core.ReferenceIsMissingBlobsError
		if ignoreMissing && errors.As(err, &missing) {
			return out, nil
		}
		return nil, err
	}
	obj, err := cbobject.Parse(payload)
	if err != nil {
		return nil, err
	}

	if ignoreMissing {
		res, err := s.resolver.Resolve(ctx, ns, obj)
		if err != nil {
			return nil, err
		}
		return append(out, res.Blobs...), nil
	}
	blobs, err := s.resolver.GetReferencedBlobs(ctx, ns, obj)
	if err != nil {
		return nil, err
	}
	return append(out, blobs...), nil
}

func (s *service) RecordBlobs(ctx context.Context, rec core.RefRecord) ([]core.BlobID, error) {
	var out []core.BlobID
	if rec.InlinePayload == nil {
		out = append(out, rec.BlobIdentifier)
	}
	payload, err := s.payload(ctx, rec)
	var missing *core.ReferenceIsMissingBlobsError
	if errors.As(err, &missing) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	obj, err := cbobject.Parse(payload)
	if err != nil {
		return nil, err
	}
	res, err := s.resolver.Resolve(ctx, rec.Namespace, obj)
	if err != nil {
		return nil, err
	}
	return append(out, res.Blobs...), nil
}

func (s *service) GetReplicationState(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID) (ReplicationState, error) {
	if s.index == nil {
		return nil, fmt.Errorf("%w: no blob index configured", core.ErrInvalidInput)
	}
	blobs, err := s.GetReferencedBlobs(ctx, ns, bucket, key, true)
	if err != nil {
		return nil, err
	}

	regions := s.cfg.Regions
	present := make([]bool, len(blobs)*len(regions))
	p := pool.New().WithMaxGoroutines(s.cfg.MaxParallel).WithContext(ctx).WithCancelOnError()
	for i, b := range blobs {
		for j, region := range regions {
			p.Go(func(ctx context.Context) error {
				ok, err := s.index.BlobExistsInRegion(ctx, ns, b, region)
				if err != nil {
					return err
				}
				present[i*len(regions)+j] = ok
				return nil
			})
		}
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	state := make(ReplicationState, len(blobs))
	for i, b := range blobs {
		row := make(map[string]bool, len(regions))
		for j, region := range regions {
			row[region] = present[i*len(regions)+j]
		}
		state[b] = row
	}
	return state, nil
}

// applyAccess writes a queued last-access update unless the ref changed
// since it was read.
func (s *service) applyAccess(ctx context.Context, u accessUpdate) error {
	unlock := s.locks.lock(u.ref.ns, u.ref.bucket, u.ref.key)
	defer unlock()

	rec, ok, err := s.records.Get(ctx, u.ref.ns, u.ref.bucket, u.ref.key)
	if err != nil || !ok {
		return err
	}
	if !rec.IsFinalized || rec.BlobIdentifier != u.blob || !u.at.After(rec.LastAccess) {
		return nil
	}
	rec.LastAccess = u.at
	return s.records.Put(ctx, rec)
}
