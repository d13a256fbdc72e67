package blobindex

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/agenthands/ddcstore/pkg/catalog"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIndex(t *testing.T, cacheSize int) Index {
	t.Helper()
	kv, err := catalog.OpenPebble("")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	idx, err := New(kv, cacheSize)
	require.NoError(t, err)
	return idx
}

func TestIndexRegions(t *testing.T) {
	for _, size := range []int{0, 16} {
		idx := newIndex(t, size)
		ctx := context.Background()
		blob := core.BlobID{0x3a, 0x3a} // contains ':' bytes on purpose
		other := core.BlobID{0x01}

		require.NoError(t, idx.AddBlobToIndex(ctx, "ns", blob, "us-east"))
		require.NoError(t, idx.AddBlobToIndex(ctx, "ns", blob, "eu-west"))
		require.NoError(t, idx.AddBlobToIndex(ctx, "ns", other, "us-east"))

		ok, err := idx.BlobExistsInRegion(ctx, "ns", blob, "us-east")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = idx.BlobExistsInRegion(ctx, "ns", blob, "ap-south")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = idx.BlobExistsInRegion(ctx, "other-ns", blob, "us-east")
		require.NoError(t, err)
		assert.False(t, ok, "namespaces never share index entries")

		regions, err := idx.GetBlobRegions(ctx, "ns", blob)
		require.NoError(t, err)
		sort.Strings(regions)
		assert.Equal(t, []string{"eu-west", "us-east"}, regions)

		require.NoError(t, idx.RemoveBlobFromRegion(ctx, "ns", blob, "us-east"))
		ok, err = idx.BlobExistsInRegion(ctx, "ns", blob, "us-east")
		require.NoError(t, err)
		assert.False(t, ok, "removed region must not be served from the cache")

		require.NoError(t, idx.RemoveBlob(ctx, "ns", blob))
		regions, err = idx.GetBlobRegions(ctx, "ns", blob)
		require.NoError(t, err)
		assert.Empty(t, regions)

		ok, err = idx.BlobExistsInRegion(ctx, "ns", other, "us-east")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestIndexRejectsEmptyRegion(t *testing.T) {
	idx := newIndex(t, 4)
	err := idx.AddBlobToIndex(context.Background(), "ns", core.BlobID{1}, "")
	require.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestIndexInvalidate(t *testing.T) {
	kv, err := catalog.OpenPebble("")
	require.NoError(t, err)
	defer kv.Close()

	idx, err := New(kv, 8)
	require.NoError(t, err)
	ctx := context.Background()
	blob := core.BlobID{7}

	require.NoError(t, idx.AddBlobToIndex(ctx, "ns", blob, "r1"))
	// Remove behind the cache's back, then invalidate.
	require.NoError(t, kv.Delete(ctx, regionKey("ns", blob, "r1")))

	ok, _ := idx.BlobExistsInRegion(ctx, "ns", blob, "r1")
	assert.True(t, ok, "stale positive answer is expected before invalidation")

	idx.Invalidate("ns", blob)
	ok, _ = idx.BlobExistsInRegion(ctx, "ns", blob, "r1")
	assert.False(t, ok)
}

func TestIndexedAt(t *testing.T) {
	idx := newIndex(t, 0)
	ctx := context.Background()
	blob := core.BlobID{0x42}

	_, ok, err := idx.IndexedAt(ctx, "ns", blob, "us-east")
	require.NoError(t, err)
	assert.False(t, ok)

	before := time.Now()
	require.NoError(t, idx.AddBlobToIndex(ctx, "ns", blob, "us-east"))

	at, ok, err := idx.IndexedAt(ctx, "ns", blob, "us-east")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, at.Before(before.Add(-time.Second)))
}
