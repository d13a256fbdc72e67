package pack_test

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/agenthands/ddcstore/internal/testkit"
	"github.com/agenthands/ddcstore/pkg/cidutil"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/pack"
)

func newTestManager(t testing.TB, dir string, targetPack uint64) pack.Manager {
	t.Helper()
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "ddc-pack-*")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { os.RemoveAll(dir) })
	}
	if targetPack == 0 {
		targetPack = 4096
	}

	mgr, err := pack.NewManager(core.PackConfig{Dir: dir, TargetPackBytes: targetPack}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

type storedBlock struct {
	packID uint64
	cid    core.CID
	data   []byte
}

func putRandom(t *testing.T, mgr pack.Manager, seed int64, n, size int) []storedBlock {
	t.Helper()
	ctx := context.Background()
	b := cidutil.NewBuilder()
	rng := testkit.RNG(seed)

	var out []storedBlock
	for i := 0; i < n; i++ {
		data := testkit.RandomBytes(rng, size)
		c, _ := b.ChunkCID(data)
		pid, err := mgr.PutBlock(ctx, c, data)
		if err != nil {
			t.Fatalf("PutBlock %d: %v", i, err)
		}
		out = append(out, storedBlock{pid, c, data})
	}
	return out
}

func TestPackManager_PutGetAndRotate(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "", 1024)

	first := putRandom(t, mgr, 1, 1, 64)[0]
	got, err := mgr.GetBlock(ctx, first.packID, first.cid)
	if err != nil || string(got) != string(first.data) {
		t.Fatalf("GetBlock from active pack: %v", err)
	}

	pack1 := mgr.CurrentPackID()
	putRandom(t, mgr, 2, 1, 1025)
	if err := mgr.SealAndRotateIfNeeded(ctx); err != nil {
		t.Fatalf("SealAndRotateIfNeeded: %v", err)
	}
	if mgr.CurrentPackID() == pack1 {
		t.Fatal("expected pack ID to change after rotation")
	}

	got, err = mgr.GetBlock(ctx, pack1, first.cid)
	if err != nil || string(got) != string(first.data) {
		t.Fatalf("block unreadable from sealed pack: %v", err)
	}

	info, err := mgr.Stat(pack1)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Sealed || info.Size < 1025 {
		t.Errorf("unexpected pack info %+v", info)
	}
}

func TestPackManager_BelowThresholdDoesNotRotate(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "", 1<<20)

	putRandom(t, mgr, 3, 2, 100)
	id := mgr.CurrentPackID()
	if err := mgr.SealAndRotateIfNeeded(ctx); err != nil {
		t.Fatal(err)
	}
	if mgr.CurrentPackID() != id {
		t.Error("rotation happened below the target size")
	}
}

func TestPackManager_SealEmptyIsNoop(t *testing.T) {
	mgr := newTestManager(t, "", 0)
	id := mgr.CurrentPackID()
	if err := mgr.SealActivePack(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mgr.CurrentPackID() != id || len(mgr.ListSealedPacks()) != 0 {
		t.Error("sealing an empty pack should not rotate")
	}
}

func TestPackManager_IteratePackBlocks(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "", 0)

	stored := putRandom(t, mgr, 100, 10, 256)
	packID := mgr.CurrentPackID()
	if err := mgr.SealActivePack(ctx); err != nil {
		t.Fatal(err)
	}

	got := make(map[string]struct{})
	err := mgr.IteratePackBlocks(ctx, packID, func(c core.CID) error {
		got[string(c.Bytes)] = struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePackBlocks: %v", err)
	}
	for _, s := range stored {
		if _, ok := got[string(s.cid.Bytes)]; !ok {
			t.Errorf("missing CID from iteration")
		}
	}

	sentinel := errors.New("callback error")
	if err := mgr.IteratePackBlocks(ctx, packID, func(core.CID) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel error, got: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := mgr.IteratePackBlocks(cctx, packID, func(core.CID) error { return nil }); err == nil {
		t.Error("expected error from cancelled context")
	}

	if err := mgr.IteratePackBlocks(ctx, mgr.CurrentPackID(), func(core.CID) error { return nil }); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound for active pack, got %v", err)
	}
}

func TestPackManager_RemovePack(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "", 0)

	s := putRandom(t, mgr, 5, 1, 64)[0]
	if err := mgr.SealActivePack(ctx); err != nil {
		t.Fatal(err)
	}

	if err := mgr.RemovePack(s.packID); err != nil {
		t.Fatal(err)
	}
	for _, id := range mgr.ListSealedPacks() {
		if id == s.packID {
			t.Error("removed pack still in sealed list")
		}
	}
	if _, err := mgr.GetBlock(ctx, s.packID, s.cid); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := mgr.RemovePack(mgr.CurrentPackID()); err == nil {
		t.Error("expected error when removing active pack")
	}
	if err := mgr.RemovePack(9999); err == nil {
		t.Error("expected error when removing nonexistent pack")
	}
}

func TestPackManager_InvalidInput(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "", 0)

	if _, err := mgr.PutBlock(ctx, core.CID{Bytes: []byte("not-a-cid")}, []byte("x")); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := mgr.GetBlock(ctx, mgr.CurrentPackID(), core.CID{Bytes: []byte("not-a-cid")}); err == nil {
		t.Error("expected error for invalid CID")
	}
	if _, err := pack.NewManager(core.PackConfig{}, nil); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty dir, got %v", err)
	}
}

func TestPackManager_Dedupe(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "", 0)

	s := putRandom(t, mgr, 6, 1, 128)[0]
	pid, err := mgr.PutBlock(ctx, s.cid, s.data)
	if err != nil || pid != s.packID {
		t.Fatalf("duplicate put: pid=%d err=%v", pid, err)
	}
	if err := mgr.SealActivePack(ctx); err != nil {
		t.Fatal(err)
	}

	count := 0
	_ = mgr.IteratePackBlocks(ctx, s.packID, func(core.CID) error {
		count++
		return nil
	})
	if count != 1 {
		t.Errorf("expected 1 block after duplicate put, got %d", count)
	}
}

func TestPackManager_ReopenDiscoversPacks(t *testing.T) {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "ddc-pack-discovery-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := core.PackConfig{Dir: dir, TargetPackBytes: 4096}
	mgr1, err := pack.NewManager(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	var stored []storedBlock
	for cycle := 0; cycle < 3; cycle++ {
		stored = append(stored, putRandom(t, mgr1, int64(900+cycle), 5, 300)...)
		if err := mgr1.SealActivePack(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// The last blocks stay in the active pack; Close finalizes it.
	stored = append(stored, putRandom(t, mgr1, 999, 2, 300)...)
	if err := mgr1.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr1.PutBlock(ctx, stored[0].cid, stored[0].data); !errors.Is(err, core.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}

	mgr2, err := pack.NewManager(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr2.Close()

	sealed := mgr2.ListSealedPacks()
	if len(sealed) != 4 {
		t.Errorf("expected 4 sealed packs after reopen, got %d", len(sealed))
	}
	if !sort.SliceIsSorted(sealed, func(i, j int) bool { return sealed[i] < sealed[j] }) {
		t.Error("ListSealedPacks should return sorted IDs")
	}

	for i, sb := range stored {
		got, err := mgr2.GetBlock(ctx, sb.packID, sb.cid)
		if err != nil {
			t.Errorf("block %d unreadable after reopen: %v", i, err)
			continue
		}
		if string(got) != string(sb.data) {
			t.Errorf("block %d data mismatch after reopen", i)
		}
	}
}

func TestPackManager_ConcurrentPutAndGet(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "", 64*1024)
	b := cidutil.NewBuilder()

	const writers = 4
	const perWriter = 20

	results := make([][]storedBlock, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		rng := testkit.RNG(int64(w + 600))
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				data := testkit.RandomBytes(rng, 256+rng.Intn(256))
				c, _ := b.ChunkCID(data)
				pid, err := mgr.PutBlock(ctx, c, data)
				if err != nil {
					t.Errorf("writer %d block %d: %v", w, i, err)
					return
				}
				results[w] = append(results[w], storedBlock{pid, c, data})
				if i%5 == 0 {
					_ = mgr.SealAndRotateIfNeeded(ctx)
				}
			}
		}()
	}
	wg.Wait()

	for w, wr := range results {
		for i, r := range wr {
			got, err := mgr.GetBlock(ctx, r.packID, r.cid)
			if err != nil {
				t.Errorf("reader w=%d i=%d: %v", w, i, err)
				continue
			}
			if string(got) != string(r.data) {
				t.Errorf("reader w=%d i=%d: data mismatch", w, i)
			}
		}
	}
}
