package reference

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/agenthands/ddcstore/pkg/blobstore"
	"github.com/agenthands/ddcstore/pkg/catalog"
	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/cidutil"
	"github.com/agenthands/ddcstore/pkg/contentid"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ns = core.NamespaceID("test")

func newStore(t *testing.T) blobstore.Store {
	t.Helper()
	cat, err := catalog.Open(core.CatalogConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	ids, err := contentid.NewMap(cat, 16)
	require.NoError(t, err)
	s, err := blobstore.New(blobstore.Config{Backend: blobstore.NewMemoryBackend(), ContentIDs: ids})
	require.NoError(t, err)
	return s
}

func putBlob(t *testing.T, s blobstore.Store, data string) core.BlobID {
	t.Helper()
	id, err := s.Put(context.Background(), ns, []byte(data), core.BlobID{})
	require.NoError(t, err)
	return id
}

func putObject(t *testing.T, s blobstore.Store, o *cbobject.Object) core.BlobID {
	t.Helper()
	id, err := s.Put(context.Background(), ns, o.Bytes(), o.Hash())
	require.NoError(t, err)
	return id
}

func TestDiamondIsCountedOnce(t *testing.T) {
	s := newStore(t)
	r := New(s, Config{MaxParallel: 2})
	ctx := context.Background()

	shared := putBlob(t, s, "shared leaf")
	leftOnly := putBlob(t, s, "left leaf")
	left := putObject(t, s, cbobject.NewBuilder().
		AddBinaryAttachment("leaf", shared).
		AddBinaryAttachment("own", leftOnly).
		MustBuild())
	right := putObject(t, s, cbobject.NewBuilder().
		AddBinaryAttachment("leaf", shared).
		MustBuild())
	root := cbobject.NewBuilder().
		AddObjectAttachment("left", left).
		AddObjectAttachment("right", right).
		AddBinaryAttachment("direct", shared).
		MustBuild()

	blobs, err := r.GetReferencedBlobs(ctx, ns, root)
	require.NoError(t, err)
	assert.Equal(t, []core.BlobID{left, right, shared, leftOnly}, blobs)

	atts, err := r.GetAttachments(ctx, ns, root)
	require.NoError(t, err)
	assert.Len(t, atts, 4)
}

func TestDeepGraph(t *testing.T) {
	s := newStore(t)
	r := New(s, Config{})
	ctx := context.Background()

	want := []core.BlobID{}
	leaf := putBlob(t, s, "bottom")
	child := cbobject.NewBuilder().AddBinaryAttachment("leaf", leaf).MustBuild()
	var chain []core.BlobID
	for i := 0; i < 10; i++ {
		id := putObject(t, s, child)
		chain = append(chain, id)
		child = cbobject.NewBuilder().AddObjectAttachment("next", id).AddInteger("depth", int64(i)).MustBuild()
	}
	for i := len(chain) - 1; i >= 0; i-- {
		want = append(want, chain[i])
	}
	want = append(want, leaf)

	blobs, err := r.GetReferencedBlobs(ctx, ns, child)
	require.NoError(t, err)
	assert.Equal(t, want, blobs)
}

func TestPartialResolution(t *testing.T) {
	s := newStore(t)
	r := New(s, Config{MaxParallel: 3})
	ctx := context.Background()

	b := cbobject.NewBuilder()
	var present []core.BlobID
	for i := 0; i < 4; i++ {
		id := putBlob(t, s, fmt.Sprintf("blob %d", i))
		present = append(present, id)
		b.AddBinaryAttachment(fmt.Sprintf("b%d", i), id)
	}
	lost := core.ContentID{0xde, 0xad}
	b.AddContentIDAttachment("content", lost)
	root := b.MustBuild()

	res, err := r.Resolve(ctx, ns, root)
	require.NoError(t, err)
	assert.Equal(t, []core.ContentID{lost}, res.UnresolvedContentIDs)
	assert.Equal(t, present, res.Blobs)
	assert.Empty(t, res.MissingBlobs)
	assert.Equal(t, core.Needs{core.ContentIDHash(lost)}, res.Needs())

	_, err = r.GetReferencedBlobs(ctx, ns, root)
	var partial *core.PartialReferenceResolveError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, []core.ContentID{lost}, partial.Unresolved)
	assert.Equal(t, present, partial.Resolved)
}

func TestMissingBlobs(t *testing.T) {
	s := newStore(t)
	r := New(s, Config{})
	ctx := context.Background()

	here := putBlob(t, s, "here")
	gone := cidutil.BlobIDOf([]byte("never uploaded"))
	goneObject := cidutil.BlobIDOf([]byte("object never uploaded"))
	root := cbobject.NewBuilder().
		AddBinaryAttachment("here", here).
		AddBinaryAttachment("gone", gone).
		AddObjectAttachment("obj", goneObject).
		MustBuild()

	res, err := r.Resolve(ctx, ns, root)
	require.NoError(t, err)
	assert.Empty(t, res.UnresolvedContentIDs)
	assert.Equal(t, []core.BlobID{here, gone, goneObject}, res.Blobs)
	assert.ElementsMatch(t, []core.BlobID{gone, goneObject}, res.MissingBlobs)
	assert.False(t, res.Complete())

	_, err = r.GetReferencedBlobs(ctx, ns, root)
	var missing *core.ReferenceIsMissingBlobsError
	require.True(t, errors.As(err, &missing))
	assert.ElementsMatch(t, []core.BlobID{gone, goneObject}, missing.Missing)
}

func TestUnresolvedTakesPrecedence(t *testing.T) {
	s := newStore(t)
	r := New(s, Config{})
	root := cbobject.NewBuilder().
		AddBinaryAttachment("gone", core.BlobID{1}).
		AddContentIDAttachment("cid", core.ContentID{2}).
		MustBuild()

	_, err := r.GetReferencedBlobs(context.Background(), ns, root)
	var partial *core.PartialReferenceResolveError
	assert.True(t, errors.As(err, &partial))
}

func TestContentIDAttachments(t *testing.T) {
	s := newStore(t)
	r := New(s, Config{})
	ctx := context.Background()

	// Raw payload stored under the hash of its bytes.
	raw := []byte("raw payload")
	rawBlob := putBlob(t, s, string(raw))

	// Compressed payload mapped through the content id map.
	plain := []byte("compressed payload compressed payload compressed payload")
	env, err := transform.NewZstd(1).Encode(plain)
	require.NoError(t, err)
	compressed, err := s.PutCompressed(ctx, ns, env, cidutil.ContentIDOf(plain))
	require.NoError(t, err)

	root := cbobject.NewBuilder().
		AddContentIDAttachment("raw", core.ContentIDFromBlobID(rawBlob)).
		AddContentIDAttachment("compressed", cidutil.ContentIDOf(plain)).
		MustBuild()

	blobs, err := r.GetReferencedBlobs(ctx, ns, root)
	require.NoError(t, err)
	assert.Equal(t, []core.BlobID{rawBlob, compressed}, blobs)

	// A mapped blob that disappeared is missing, not unresolved.
	require.NoError(t, s.Backend().Delete(ctx, ns, compressed))
	res, err := r.Resolve(ctx, ns, root)
	require.NoError(t, err)
	assert.Empty(t, res.UnresolvedContentIDs)
	assert.Equal(t, []core.BlobID{compressed}, res.MissingBlobs)
}

func TestCorruptObjectFails(t *testing.T) {
	s := newStore(t)
	r := New(s, Config{})
	notAnObject := putBlob(t, s, "plain text, not an object")
	root := cbobject.NewBuilder().AddObjectAttachment("obj", notAnObject).MustBuild()

	_, err := r.Resolve(context.Background(), ns, root)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestCancelledResolution(t *testing.T) {
	s := newStore(t)
	r := New(s, Config{})
	leaf := putBlob(t, s, "leaf")
	root := cbobject.NewBuilder().AddBinaryAttachment("leaf", leaf).MustBuild()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, ns, root)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNoAttachments(t *testing.T) {
	s := newStore(t)
	r := New(s, Config{})
	root := cbobject.NewBuilder().AddString("just", "data").MustBuild()

	blobs, err := r.GetReferencedBlobs(context.Background(), ns, root)
	require.NoError(t, err)
	assert.Empty(t, blobs)
}
