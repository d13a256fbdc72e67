package refs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agenthands/ddcstore/pkg/blobindex"
	"github.com/agenthands/ddcstore/pkg/blobstore"
	"github.com/agenthands/ddcstore/pkg/catalog"
	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/cidutil"
	"github.com/agenthands/ddcstore/pkg/contentid"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/reference"
	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ns     = core.NamespaceID("test")
	bucket = core.BucketID("bucket")
)

type fixture struct {
	svc   Service
	blobs blobstore.Store
	index blobindex.Index
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	cat, err := catalog.Open(core.CatalogConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	ids, err := contentid.NewMap(cat, 16)
	require.NoError(t, err)
	idx, err := blobindex.New(cat, 16)
	require.NoError(t, err)
	blobs, err := blobstore.New(blobstore.Config{
		Backend:    blobstore.NewMemoryBackend(),
		ContentIDs: ids,
		Index:      idx,
		Region:     "local",
	})
	require.NoError(t, err)

	svc, err := New(NewRecords(cat), blobs, reference.New(blobs, reference.Config{}), idx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return &fixture{svc: svc, blobs: blobs, index: idx}
}

func (f *fixture) putBlob(t *testing.T, data string) core.BlobID {
	t.Helper()
	id, err := f.blobs.Put(context.Background(), ns, []byte(data), core.BlobID{})
	require.NoError(t, err)
	return id
}

func (f *fixture) putRef(t *testing.T, key core.RefID, obj *cbobject.Object) {
	t.Helper()
	ctx := context.Background()
	needs, err := f.svc.Put(ctx, ns, bucket, key, obj.Hash(), obj, PutOptions{})
	require.NoError(t, err)
	require.Empty(t, needs)
	needs, err = f.svc.Finalize(ctx, ns, bucket, key, obj.Hash())
	require.NoError(t, err)
	require.Empty(t, needs)
}

func TestPutFinalizeGet(t *testing.T) {
	f := newFixture(t, Config{InlineThreshold: 1 << 10})
	ctx := context.Background()

	leaf := cidutil.BlobIDOf([]byte("leaf"))
	obj := cbobject.NewBuilder().
		AddString("name", "asset").
		AddBinaryAttachment("data", leaf).
		MustBuild()

	needs, err := f.svc.Put(ctx, ns, bucket, "k", obj.Hash(), obj, PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.Needs{core.BlobHash(leaf)}, needs)

	_, err = f.svc.Get(ctx, ns, bucket, "k", GetOptions{})
	var notFound *core.RefNotFoundError
	require.ErrorAs(t, err, &notFound, "a pending ref is not visible")

	needs, err = f.svc.Finalize(ctx, ns, bucket, "k", obj.Hash())
	require.NoError(t, err)
	assert.Equal(t, core.Needs{core.BlobHash(leaf)}, needs)

	f.putBlob(t, "leaf")
	needs, err = f.svc.Finalize(ctx, ns, bucket, "k", obj.Hash())
	require.NoError(t, err)
	assert.Empty(t, needs)

	ref, err := f.svc.Get(ctx, ns, bucket, "k", GetOptions{})
	require.NoError(t, err)
	assert.True(t, ref.Record.IsFinalized)
	assert.Equal(t, obj.Bytes(), ref.Payload)
	got, err := ref.Object()
	require.NoError(t, err)
	assert.True(t, obj.Equal(got))

	// Finalize is idempotent.
	needs, err = f.svc.Finalize(ctx, ns, bucket, "k", obj.Hash())
	require.NoError(t, err)
	assert.Empty(t, needs)
}

func TestPutHashMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	obj := cbobject.NewBuilder().AddInteger("n", 1).MustBuild()

	_, err := f.svc.Put(context.Background(), ns, bucket, "k", core.BlobID{1}, obj, PutOptions{})
	var mismatch *core.HashMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, [core.HashSize]byte(obj.Hash()), mismatch.Actual)
}

func TestFinalizeErrors(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	obj := cbobject.NewBuilder().AddInteger("n", 1).MustBuild()

	_, err := f.svc.Finalize(ctx, ns, bucket, "absent", obj.Hash())
	var notFound *core.RefNotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = f.svc.Put(ctx, ns, bucket, "k", obj.Hash(), obj, PutOptions{})
	require.NoError(t, err)
	_, err = f.svc.Finalize(ctx, ns, bucket, "k", core.BlobID{9})
	var mismatch *core.ObjectHashMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, obj.Hash(), mismatch.Stored)
}

func TestOverwriteConflict(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := cbobject.NewBuilder().AddString("v", "a").MustBuild()
	b := cbobject.NewBuilder().AddString("v", "b").MustBuild()

	f.putRef(t, "k", a)

	_, err := f.svc.Put(ctx, ns, bucket, "k", b.Hash(), b, PutOptions{})
	var conflict *core.RefAlreadyExistsError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, a.Hash(), conflict.Old.BlobIdentifier)
	assert.Equal(t, 409, core.StatusCode(err))

	ref, err := f.svc.Get(ctx, ns, bucket, "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), ref.Record.BlobIdentifier, "the conflicting put must not change the ref")

	// Re-putting the same object is not a conflict.
	needs, err := f.svc.Put(ctx, ns, bucket, "k", a.Hash(), a, PutOptions{})
	require.NoError(t, err)
	assert.Empty(t, needs)
	_, err = f.svc.Get(ctx, ns, bucket, "k", GetOptions{})
	require.NoError(t, err)

	_, err = f.svc.Put(ctx, ns, bucket, "k", b.Hash(), b, PutOptions{AllowOverwrite: true})
	require.NoError(t, err)
	_, err = f.svc.Finalize(ctx, ns, bucket, "k", b.Hash())
	require.NoError(t, err)

	ref, err = f.svc.Get(ctx, ns, bucket, "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, b.Hash(), ref.Record.BlobIdentifier)
}

func TestPendingRefCanBeReplaced(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := cbobject.NewBuilder().AddBinaryAttachment("x", core.BlobID{1}).MustBuild()
	b := cbobject.NewBuilder().AddString("v", "b").MustBuild()

	needs, err := f.svc.Put(ctx, ns, bucket, "k", a.Hash(), a, PutOptions{})
	require.NoError(t, err)
	require.Len(t, needs, 1)

	_, err = f.svc.Put(ctx, ns, bucket, "k", b.Hash(), b, PutOptions{})
	require.NoError(t, err)
}

func TestInlineThreshold(t *testing.T) {
	f := newFixture(t, Config{InlineThreshold: 64})
	ctx := context.Background()

	small := cbobject.NewBuilder().AddString("v", "small").MustBuild()
	large := cbobject.NewBuilder().AddBytes("v", bytes.Repeat([]byte{7}, 256)).MustBuild()
	f.putRef(t, "small", small)
	f.putRef(t, "large", large)

	ref, err := f.svc.Get(ctx, ns, bucket, "small", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, small.Bytes(), ref.Record.InlinePayload)
	ok, err := f.blobs.Exists(ctx, ns, small.Hash())
	require.NoError(t, err)
	assert.False(t, ok, "inlined payloads are not stored as blobs")

	ref, err = f.svc.Get(ctx, ns, bucket, "large", GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, ref.Record.InlinePayload)
	assert.Equal(t, large.Bytes(), ref.Payload)

	blobs, err := f.svc.GetReferencedBlobs(ctx, ns, bucket, "large", false)
	require.NoError(t, err)
	assert.Equal(t, []core.BlobID{large.Hash()}, blobs)

	blobs, err = f.svc.GetReferencedBlobs(ctx, ns, bucket, "small", false)
	require.NoError(t, err)
	assert.Empty(t, blobs)

	meta, err := f.svc.Get(ctx, ns, bucket, "large", GetOptions{Fields: []string{FieldBlob}})
	require.NoError(t, err)
	assert.Nil(t, meta.Payload)
	assert.Equal(t, map[string]any{FieldBlob: large.Hash()}, meta.Metadata([]string{FieldBlob}))
}

func TestGetReferencedBlobsMissing(t *testing.T) {
	f := newFixture(t, Config{InlineThreshold: 1 << 10})
	ctx := context.Background()

	leaf := f.putBlob(t, "leaf")
	obj := cbobject.NewBuilder().AddBinaryAttachment("data", leaf).MustBuild()
	f.putRef(t, "k", obj)
	require.NoError(t, f.blobs.Delete(ctx, ns, leaf))

	_, err := f.svc.GetReferencedBlobs(ctx, ns, bucket, "k", false)
	var missing *core.ReferenceIsMissingBlobsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []core.BlobID{leaf}, missing.Missing)
	assert.Error(t, f.svc.Head(ctx, ns, bucket, "k"))

	blobs, err := f.svc.GetReferencedBlobs(ctx, ns, bucket, "k", true)
	require.NoError(t, err)
	assert.Equal(t, []core.BlobID{leaf}, blobs)
}

func TestExists(t *testing.T) {
	f := newFixture(t, Config{InlineThreshold: 1 << 10})
	ctx := context.Background()

	f.putRef(t, "present", cbobject.NewBuilder().AddString("v", "x").MustBuild())
	pending := cbobject.NewBuilder().AddBinaryAttachment("x", core.BlobID{1}).MustBuild()
	_, err := f.svc.Put(ctx, ns, bucket, "pending", pending.Hash(), pending, PutOptions{})
	require.NoError(t, err)

	var names []Name
	for _, s := range []string{"bucket.present", "bucket.pending", "bucket.absent"} {
		n, err := ParseName(s)
		require.NoError(t, err)
		names = append(names, n)
	}

	missing, err := f.svc.Exists(ctx, ns, names)
	require.NoError(t, err)
	assert.Equal(t, names[1:], missing)
}

func TestParseName(t *testing.T) {
	n, err := ParseName("bucket.key")
	require.NoError(t, err)
	assert.Equal(t, Name{Bucket: "bucket", Key: "key"}, n)
	assert.Equal(t, "bucket.key", n.String())

	for _, bad := range []string{"nodot", "a.b.c", ".key", "bucket.", "bu cket.key"} {
		_, err := ParseName(bad)
		assert.ErrorIs(t, err, core.ErrInvalidInput, bad)
	}
}

func TestDeletes(t *testing.T) {
	f := newFixture(t, Config{InlineThreshold: 1 << 10})
	ctx := context.Background()

	for i, key := range []core.RefID{"a", "b", "c"} {
		f.putRef(t, key, cbobject.NewBuilder().AddInteger("i", int64(i)).MustBuild())
	}
	other := cbobject.NewBuilder().AddString("v", "other").MustBuild()
	needs, err := f.svc.Put(ctx, ns, "other", "k", other.Hash(), other, PutOptions{})
	require.NoError(t, err)
	require.Empty(t, needs)

	recs, err := f.svc.GetRecordsInBucket(ctx, ns, bucket)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	recs, err = f.svc.GetRecordsInBucket(ctx, ns, "other")
	require.NoError(t, err)
	assert.Empty(t, recs, "pending records are not listed")

	ok, err := f.svc.Delete(ctx, ns, bucket, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.svc.Delete(ctx, ns, bucket, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := f.svc.DeleteBucket(ctx, ns, bucket)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	namespaces, err := f.svc.GetNamespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.NamespaceID{ns}, namespaces)

	n, err = f.svc.DropNamespace(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.svc.DropNamespace(ctx, ns)
	var nsErr *core.NamespaceNotFoundError
	require.ErrorAs(t, err, &nsErr)
	_, err = f.svc.GetRecordsInBucket(ctx, ns, bucket)
	require.ErrorAs(t, err, &nsErr)
}

func TestReplicationState(t *testing.T) {
	f := newFixture(t, Config{InlineThreshold: 1 << 10, Regions: []string{"local", "remote"}})
	ctx := context.Background()

	a := f.putBlob(t, "a")
	b := f.putBlob(t, "b")
	require.NoError(t, f.index.AddBlobToIndex(ctx, ns, b, "remote"))
	f.putRef(t, "k", cbobject.NewBuilder().
		AddBinaryAttachment("a", a).
		AddBinaryAttachment("b", b).
		MustBuild())

	state, err := f.svc.GetReplicationState(ctx, ns, bucket, "k")
	require.NoError(t, err)
	assert.Equal(t, ReplicationState{
		a: {"local": true, "remote": false},
		b: {"local": true, "remote": true},
	}, state)
}

func TestLastAccessIsRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	obj := cbobject.NewBuilder().AddString("v", "x").MustBuild()
	f.putRef(t, "k", obj)

	records := f.svc.Records()
	rec, ok, err := records.Get(ctx, ns, bucket, "k")
	require.NoError(t, err)
	require.True(t, ok)
	old := time.Now().Add(-time.Hour)
	rec.LastAccess = old
	require.NoError(t, records.Put(ctx, rec))

	_, err = f.svc.Get(ctx, ns, bucket, "k", GetOptions{SkipLastAccess: true})
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, ns, bucket, "k", GetOptions{})
	require.NoError(t, err)
	require.NoError(t, f.svc.Close())

	rec, _, err = records.Get(ctx, ns, bucket, "k")
	require.NoError(t, err)
	assert.True(t, rec.LastAccess.After(old.Add(time.Minute)))
}

func TestCancelledFinalizeLeavesRefPending(t *testing.T) {
	f := newFixture(t, Config{})
	obj := cbobject.NewBuilder().AddString("v", "x").MustBuild()
	_, err := f.svc.Put(context.Background(), ns, bucket, "k", obj.Hash(), obj, PutOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.svc.Finalize(ctx, ns, bucket, "k", obj.Hash())
	require.True(t, errors.Is(err, context.Canceled))

	_, err = f.svc.Get(context.Background(), ns, bucket, "k", GetOptions{})
	var notFound *core.RefNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestConcurrentWritersOnDistinctKeys(t *testing.T) {
	f := newFixture(t, Config{InlineThreshold: 32})
	ctx := context.Background()
	const writers = 32

	p := pool.NewWithResults[error]()
	for i := range writers {
		p.Go(func() error {
			key := core.RefID(fmt.Sprintf("k%d", i))
			obj := cbobject.NewBuilder().AddInteger("i", int64(i)).AddString("pad", fmt.Sprintf("%064d", i)).MustBuild()
			needs, err := f.svc.Put(ctx, ns, bucket, key, obj.Hash(), obj, PutOptions{})
			if err != nil {
				return err
			}
			if len(needs) != 0 {
				return fmt.Errorf("%s: unexpected needs %v", key, needs)
			}
			if _, err := f.svc.Finalize(ctx, ns, bucket, key, obj.Hash()); err != nil {
				return err
			}
			ref, err := f.svc.Get(ctx, ns, bucket, key, GetOptions{})
			if err != nil {
				return err
			}
			if ref.Record.BlobIdentifier != obj.Hash() {
				return fmt.Errorf("%s: got %s, want %s", key, ref.Record.BlobIdentifier, obj.Hash())
			}
			return nil
		})
	}
	for _, err := range p.Wait() {
		assert.NoError(t, err)
	}

	records, err := f.svc.GetRecordsInBucket(ctx, ns, bucket)
	require.NoError(t, err)
	assert.Len(t, records, writers)
}

func TestConcurrentWritersOnSameKey(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	const writers = 16

	type outcome struct {
		hash core.BlobID
		err  error
	}
	p := pool.NewWithResults[outcome]()
	for i := range writers {
		p.Go(func() outcome {
			obj := cbobject.NewBuilder().AddInteger("writer", int64(i)).MustBuild()
			if _, err := f.svc.Put(ctx, ns, bucket, "k", obj.Hash(), obj, PutOptions{}); err != nil {
				return outcome{hash: obj.Hash(), err: err}
			}
			_, err := f.svc.Finalize(ctx, ns, bucket, "k", obj.Hash())
			return outcome{hash: obj.Hash(), err: err}
		})
	}

	var winners []core.BlobID
	for _, o := range p.Wait() {
		if o.err == nil {
			winners = append(winners, o.hash)
			continue
		}
		var (
			conflict *core.RefAlreadyExistsError
			mismatch *core.ObjectHashMismatchError
		)
		switch {
		case errors.As(o.err, &conflict):
			assert.Equal(t, 409, core.StatusCode(o.err))
		case errors.As(o.err, &mismatch):
			assert.Equal(t, 400, core.StatusCode(o.err))
		default:
			t.Errorf("unexpected error: %v", o.err)
		}
	}
	require.Len(t, winners, 1, "exactly one writer finalizes")

	ref, err := f.svc.Get(ctx, ns, bucket, "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, winners[0], ref.Record.BlobIdentifier)

	// Once finalized, late writers without AllowOverwrite never replace it.
	late := pool.New()
	for i := range writers {
		late.Go(func() {
			obj := cbobject.NewBuilder().AddInteger("late", int64(i)).MustBuild()
			_, err := f.svc.Put(ctx, ns, bucket, "k", obj.Hash(), obj, PutOptions{})
			var conflict *core.RefAlreadyExistsError
			assert.ErrorAs(t, err, &conflict)
		})
	}
	late.Wait()

	ref, err = f.svc.Get(ctx, ns, bucket, "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, winners[0], ref.Record.BlobIdentifier)
}
