package refs

import (
	"context"
	"fmt"
	"time"

	"github.com/agenthands/ddcstore/pkg/catalog"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

var (
	PrefixRef       = []byte("ref:")
	PrefixNamespace = []byte("refns:")
)

// Records persists ref records in the catalog, one CBOR value per
// (namespace, bucket, key). Names are validated and never contain ':'.
type Records interface {
	Get(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID) (core.RefRecord, bool, error)
	Put(ctx context.Context, rec core.RefRecord) error
	Delete(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID) (bool, error)
	DeleteBucket(ctx context.Context, ns core.NamespaceID, bucket core.BucketID) (int, error)
	DeleteNamespace(ctx context.Context, ns core.NamespaceID) (int, error)

	Namespaces(ctx context.Context) ([]core.NamespaceID, error)
	HasNamespace(ctx context.Context, ns core.NamespaceID) (bool, error)
	IterateBucket(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, fn func(core.RefRecord) error) error
	IterateNamespace(ctx context.Context, ns core.NamespaceID, fn func(core.RefRecord) error) error
}

var (
	recordEnc cbor.EncMode
	recordDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if recordEnc, err = opts.EncMode(); err != nil {
		panic("refs: record encoder: " + err.Error())
	}
	if recordDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("refs: record decoder: " + err.Error())
	}
}

type kvRecords struct {
	kv catalog.KV
}

// NewRecords returns Records stored in kv.
func NewRecords(kv catalog.KV) Records {
	return &kvRecords{kv: kv}
}

func namespacePrefix(ns core.NamespaceID) []byte {
	return catalog.NamespacePrefix(PrefixRef, ns)
}

func bucketPrefix(ns core.NamespaceID, bucket core.BucketID) []byte {
	return catalog.Key(namespacePrefix(ns), []byte(bucket), []byte{':'})
}

func recordKey(ns core.NamespaceID, bucket core.BucketID, key core.RefID) []byte {
	return catalog.Key(bucketPrefix(ns, bucket), []byte(key))
}

func namespaceKey(ns core.NamespaceID) []byte {
	return catalog.Key(PrefixNamespace, []byte(ns))
}

func decodeRecord(val []byte) (core.RefRecord, error) {
	var rec core.RefRecord
	if err := recordDec.Unmarshal(val, &rec); err != nil {
		return core.RefRecord{}, fmt.Errorf("%w: ref record: %v", core.ErrCorrupt, err)
	}
	return rec, nil
}

func (r *kvRecords) Get(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID) (core.RefRecord, bool, error) {
	val, ok, err := r.kv.Get(ctx, recordKey(ns, bucket, key))
	if err != nil || !ok {
		return core.RefRecord{}, false, err
	}
	rec, err := decodeRecord(val)
	if err != nil {
		return core.RefRecord{}, false, err
	}
	return rec, true, nil
}

func (r *kvRecords) Put(ctx context.Context, rec core.RefRecord) error {
	if rec.LastAccess.IsZero() {
		rec.LastAccess = time.Now()
	}
	rec.LastAccess = rec.LastAccess.UTC()
	val, err := recordEnc.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode ref record: %w", err)
	}

	batch := r.kv.NewBatch()
	defer batch.Close()
	if err := batch.Set(recordKey(rec.Namespace, rec.Bucket, rec.Name), val); err != nil {
		return err
	}
	if err := batch.Set(namespaceKey(rec.Namespace), nil); err != nil {
		return err
	}
	return batch.Commit()
}

func (r *kvRecords) Delete(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, key core.RefID) (bool, error) {
	k := recordKey(ns, bucket, key)
	_, ok, err := r.kv.Get(ctx, k)
	if err != nil || !ok {
		return false, err
	}
	if err := r.kv.Delete(ctx, k); err != nil {
		return false, err
	}
	return true, nil
}

func (r *kvRecords) deletePrefix(ctx context.Context, prefix []byte, extra ...[]byte) (int, error) {
	var keys [][]byte
	err := r.kv.IteratePrefix(ctx, prefix, func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return 0, err
	}

	batch := r.kv.NewBatch()
	defer batch.Close()
	for _, k := range append(keys, extra...) {
		if err := batch.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *kvRecords) DeleteBucket(ctx context.Context, ns core.NamespaceID, bucket core.BucketID) (int, error) {
	return r.deletePrefix(ctx, bucketPrefix(ns, bucket))
}

func (r *kvRecords) DeleteNamespace(ctx context.Context, ns core.NamespaceID) (int, error) {
	return r.deletePrefix(ctx, namespacePrefix(ns), namespaceKey(ns))
}

func (r *kvRecords) Namespaces(ctx context.Context) ([]core.NamespaceID, error) {
	var out []core.NamespaceID
	err := r.kv.IteratePrefix(ctx, PrefixNamespace, func(key, _ []byte) error {
		out = append(out, core.NamespaceID(key[len(PrefixNamespace):]))
		return nil
	})
	return out, err
}

func (r *kvRecords) HasNamespace(ctx context.Context, ns core.NamespaceID) (bool, error) {
	_, ok, err := r.kv.Get(ctx, namespaceKey(ns))
	return ok, err
}

func (r *kvRecords) iterate(ctx context.Context, prefix []byte, fn func(core.RefRecord) error) error {
	// Decode everything first so fn may write to the catalog.
	var recs []core.RefRecord
	err := r.kv.IteratePrefix(ctx, prefix, func(_, val []byte) error {
		rec, err := decodeRecord(val)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *kvRecords) IterateBucket(ctx context.Context, ns core.NamespaceID, bucket core.BucketID, fn func(core.RefRecord) error) error {
	return r.iterate(ctx, bucketPrefix(ns, bucket), fn)
}

func (r *kvRecords) IterateNamespace(ctx context.Context, ns core.NamespaceID, fn func(core.RefRecord) error) error {
	return r.iterate(ctx, namespacePrefix(ns), fn)
}
