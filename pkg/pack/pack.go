package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agenthands/ddcstore/pkg/core"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-car/v2/blockstore"
	"github.com/sirupsen/logrus"
)

// Info describes one pack file.
type Info struct {
	ID      uint64
	Size    uint64
	ModTime time.Time
	Sealed  bool
}

// Manager stores encoded chunk blocks in rotating CARv2 pack files.
type Manager interface {
	PutBlock(ctx context.Context, c core.CID, stored []byte) (uint64, error)
	GetBlock(ctx context.Context, packID uint64, c core.CID) ([]byte, error)
	SealAndRotateIfNeeded(ctx context.Context) error
	CurrentPackID() uint64
	IteratePackBlocks(ctx context.Context, packID uint64, fn func(c core.CID) error) error
	Stat(packID uint64) (Info, error)

	ListSealedPacks() []uint64
	RemovePack(packID uint64) error
	SealActivePack(ctx context.Context) error

	Close() error
}

type packManager struct {
	cfg core.PackConfig
	log *logrus.Logger

	mu     sync.RWMutex
	closed bool

	currentID uint64
	active    *blockstore.ReadWrite
	// blocks written to the active pack since it was opened
	activeBlocks int

	sealed map[uint64]*blockstore.ReadOnly
}

// NewManager opens or creates the pack directory. Every pack found on disk is
// treated as sealed and a fresh active pack is started.
func NewManager(cfg core.PackConfig, log *logrus.Logger) (Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: pack directory not specified", core.ErrInvalidInput)
	}
	if log == nil {
		log = logrus.New()
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pack directory: %w", err)
	}

	m := &packManager{
		cfg:    cfg,
		log:    log,
		sealed: make(map[uint64]*blockstore.ReadOnly),
	}

	if err := m.discoverPacks(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *packManager) discoverPacks() error {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return err
	}

	var packIDs []uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "pack-") || !strings.HasSuffix(name, ".car") {
			continue
		}

		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "pack-"), ".car"), 16, 64)
		if err != nil {
			continue
		}
		packIDs = append(packIDs, id)
	}

	sort.Slice(packIDs, func(i, j int) bool { return packIDs[i] < packIDs[j] })

	for _, id := range packIDs {
		bs, err := blockstore.OpenReadOnly(m.packPath(id))
		if err != nil {
			return fmt.Errorf("failed to open sealed pack %d: %w", id, err)
		}
		m.sealed[id] = bs
		m.currentID = id
	}

	m.log.WithFields(logrus.Fields{"dir": m.cfg.Dir, "packs": len(packIDs)}).Debug("discovered packs")

	m.currentID++
	return m.openActive(m.currentID)
}

func (m *packManager) openActive(id uint64) error {
	bs, err := blockstore.OpenReadWrite(m.packPath(id), []cid.Cid{})
	if err != nil {
		return fmt.Errorf("failed to create active pack %d: %w", id, err)
	}

	m.active = bs
	m.activeBlocks = 0
	return nil
}

func (m *packManager) packPath(id uint64) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("pack-%016x.car", id))
}

func (m *packManager) CurrentPackID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentID
}

func (m *packManager) PutBlock(ctx context.Context, c core.CID, stored []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, core.ErrClosed
	}

	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid CID: %v", core.ErrInvalidInput, err)
	}

	has, err := m.active.Has(ctx, id)
	if err != nil {
		return 0, err
	}
	if has {
		return m.currentID, nil
	}

	blk, err := blocks.NewBlockWithCid(stored, id)
	if err != nil {
		return 0, err
	}

	if err := m.active.Put(ctx, blk); err != nil {
		return 0, err
	}
	m.activeBlocks++

	return m.currentID, nil
}

func (m *packManager) GetBlock(ctx context.Context, packID uint64, c core.CID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, core.ErrClosed
	}

	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid CID: %v", core.ErrInvalidInput, err)
	}

	var bs interface {
		Get(context.Context, cid.Cid) (blocks.Block, error)
	}

	if packID == m.currentID {
		bs = m.active
	} else {
		rbs, ok := m.sealed[packID]
		if !ok {
			return nil, fmt.Errorf("%w: pack %d not found", core.ErrNotFound, packID)
		}
		bs = rbs
	}

	blk, err := bs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrNotFound, err)
	}

	return blk.RawData(), nil
}

func (m *packManager) SealAndRotateIfNeeded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}

	fi, err := os.Stat(m.packPath(m.currentID))
	if err != nil {
		return err
	}

	if uint64(fi.Size()) < m.cfg.TargetPackBytes {
		return nil
	}

	return m.sealLocked()
}

func (m *packManager) SealActivePack(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	if m.activeBlocks == 0 {
		return nil
	}

	return m.sealLocked()
}

func (m *packManager) sealLocked() error {
	if err := m.active.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize active pack: %w", err)
	}
	if m.cfg.SealFsync {
		if err := syncFile(m.packPath(m.currentID)); err != nil {
			return err
		}
	}

	bs, err := blockstore.OpenReadOnly(m.packPath(m.currentID))
	if err != nil {
		return fmt.Errorf("failed to open sealed pack: %w", err)
	}
	m.sealed[m.currentID] = bs

	m.log.WithFields(logrus.Fields{"pack": m.currentID, "blocks": m.activeBlocks}).Debug("sealed pack")

	m.currentID++
	return m.openActive(m.currentID)
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func (m *packManager) ListSealedPacks() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]uint64, 0, len(m.sealed))
	for id := range m.sealed {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (m *packManager) Stat(packID uint64) (Info, error) {
	m.mu.RLock()
	_, sealed := m.sealed[packID]
	active := packID == m.currentID
	m.mu.RUnlock()

	if !sealed && !active {
		return Info{}, fmt.Errorf("%w: pack %d not found", core.ErrNotFound, packID)
	}
	fi, err := os.Stat(m.packPath(packID))
	if err != nil {
		return Info{}, err
	}
	return Info{ID: packID, Size: uint64(fi.Size()), ModTime: fi.ModTime(), Sealed: sealed}, nil
}

// IteratePackBlocks reads the CAR blocks linearly instead of parsing the
// go-car/v2 index because the index constructor forces all CID results to use
// the raw codec, losing codecs like DagCBOR.
func (m *packManager) IteratePackBlocks(ctx context.Context, packID uint64, fn func(c core.CID) error) error {
	m.mu.RLock()
	_, ok := m.sealed[packID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: pack %d is not sealed or doesn't exist", core.ErrNotFound, packID)
	}

	f, err := os.Open(m.packPath(packID))
	if err != nil {
		return fmt.Errorf("failed to open pack %d: %w", packID, err)
	}
	defer f.Close()

	br, err := carv2.NewBlockReader(f, carv2.WithTrustedCAR(true))
	if err != nil {
		return fmt.Errorf("failed to create block reader for pack %d: %w", packID, err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		blk, err := br.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read block from pack %d: %w", packID, err)
		}

		if err := fn(core.CID{Bytes: blk.Cid().Bytes()}); err != nil {
			return err
		}
	}
}

func (m *packManager) RemovePack(packID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bs, ok := m.sealed[packID]
	if ok {
		delete(m.sealed, packID)
		bs.Close()
	} else if packID == m.currentID {
		return fmt.Errorf("%w: cannot remove active pack", core.ErrInvalidInput)
	}

	if err := os.Remove(m.packPath(packID)); err != nil {
		return err
	}
	m.log.WithField("pack", packID).Debug("removed pack")
	return nil
}

func (m *packManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []string
	if m.active != nil {
		if err := m.active.Finalize(); err != nil {
			errs = append(errs, fmt.Sprintf("active pack %d: %v", m.currentID, err))
		}
	}

	for id, bs := range m.sealed {
		if err := bs.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("pack %d: %v", id, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing pack manager: %s", strings.Join(errs, "; "))
	}
	return nil
}
