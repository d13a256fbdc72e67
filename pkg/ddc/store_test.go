package ddc

import (
	"context"
	"net/http"
	"testing"

	"github.com/agenthands/ddcstore/pkg/batch"
	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/cidutil"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/refs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.Chunking = ChunkingConfig{Min: 64, Avg: 128, Max: 256}
	cfg.Pack.TargetPackBytes = 4 * KiB
	cfg.Pack.SealFsync = false
	cfg.Refs.InlineThreshold = 64
	cfg.GC.Enabled = false
	return cfg
}

func openStore(t *testing.T, cfg Config) Store {
	t.Helper()
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	return s
}

func TestPutUploadFinalizeGet(t *testing.T) {
	for _, backend := range []string{core.BlobsPack, core.BlobsFS, core.BlobsMemory} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			cfg.Blobs.Backend = backend
			s := openStore(t, cfg)
			defer s.Close()
			ctx := context.Background()

			x := []byte("compiled shader bytes")
			xID := cidutil.BlobIDOf(x)
			obj := cbobject.NewBuilder().AddBinaryAttachment("bin", xID).MustBuild()

			needs, err := s.Refs().Put(ctx, "game", "shaders", "abc", obj.Hash(), obj, refs.PutOptions{})
			require.NoError(t, err)
			assert.Equal(t, core.Needs{core.BlobHash(xID)}, needs)

			_, err = s.Blobs().Put(ctx, "game", x, xID)
			require.NoError(t, err)

			needs, err = s.Refs().Finalize(ctx, "game", "shaders", "abc", obj.Hash())
			require.NoError(t, err)
			assert.Empty(t, needs)

			ref, err := s.Refs().Get(ctx, "game", "shaders", "abc", refs.GetOptions{})
			require.NoError(t, err)
			got, err := ref.Object()
			require.NoError(t, err)
			blob, ok := got.SingleBinaryAttachment()
			require.True(t, ok)
			c, err := s.Blobs().Get(ctx, "game", blob)
			require.NoError(t, err)
			assert.Equal(t, x, c.Data)

			state, err := s.Refs().GetReplicationState(ctx, "game", "shaders", "abc")
			require.NoError(t, err)
			assert.Equal(t, refs.ReplicationState{xID: {"local": true}}, state)
		})
	}
}

func TestMissingBlobInBatch(t *testing.T) {
	s := openStore(t, testConfig(t.TempDir()))
	defer s.Close()
	ctx := context.Background()

	leaf, err := s.Blobs().Put(ctx, "game", []byte("leaf"), core.BlobID{})
	require.NoError(t, err)
	obj := cbobject.NewBuilder().AddBinaryAttachment("data", leaf).MustBuild()
	_, err = s.Refs().Put(ctx, "game", "b", "k", obj.Hash(), obj, refs.PutOptions{})
	require.NoError(t, err)
	_, err = s.Refs().Finalize(ctx, "game", "b", "k", obj.Hash())
	require.NoError(t, err)
	require.NoError(t, s.Blobs().Delete(ctx, "game", leaf))

	ok := cbobject.NewBuilder().AddString("v", "fine").MustBuild()
	results, err := s.Batch().Execute(ctx, "game", []batch.Op{
		{OpID: 1, Type: batch.OpPut, Bucket: "b", Key: "fine", Payload: ok, PayloadHash: ok.Hash()},
		{OpID: 2, Type: batch.OpGet, Bucket: "b", Key: "k", ResolveAttachments: true},
		{OpID: 3, Type: batch.OpHead, Bucket: "b", Key: "fine"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, results[1].StatusCode)
	assert.Equal(t, http.StatusNotFound, results[2].StatusCode)
	title, _ := results[2].Response.Find("title")
	assert.Equal(t, "reference-missing-blobs", title.String)
}

func TestReopen(t *testing.T) {
	for _, catalogBackend := range []string{core.CatalogPebble, core.CatalogBadger} {
		t.Run(catalogBackend, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			cfg.Catalog.Backend = catalogBackend
			ctx := context.Background()

			s := openStore(t, cfg)
			data := make([]byte, 8*KiB)
			for i := range data {
				data[i] = byte(i * 7)
			}
			id, err := s.Blobs().Put(ctx, "game", data, core.BlobID{})
			require.NoError(t, err)
			obj := cbobject.NewBuilder().AddBinaryAttachment("data", id).AddBytes("pad", make([]byte, 128)).MustBuild()
			_, err = s.Refs().Put(ctx, "game", "b", "k", obj.Hash(), obj, refs.PutOptions{})
			require.NoError(t, err)
			_, err = s.Refs().Finalize(ctx, "game", "b", "k", obj.Hash())
			require.NoError(t, err)
			require.NoError(t, s.Close())

			s = openStore(t, cfg)
			defer s.Close()
			blobs, err := s.Refs().GetReferencedBlobs(ctx, "game", "b", "k", false)
			require.NoError(t, err)
			assert.Equal(t, []core.BlobID{obj.Hash(), id}, blobs)

			c, err := s.Blobs().Get(ctx, "game", id)
			require.NoError(t, err)
			assert.Equal(t, data, c.Data)
		})
	}
}

func TestOpenRejectsUnknownBackends(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Blobs.Backend = "tape"
	_, err := Open(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidInput)

	cfg = testConfig(t.TempDir())
	cfg.Catalog.Backend = "sqlite"
	_, err = Open(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
