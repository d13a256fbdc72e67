package blobstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/agenthands/ddcstore/pkg/catalog"
	"github.com/agenthands/ddcstore/pkg/chunker"
	"github.com/agenthands/ddcstore/pkg/cidutil"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/manifest"
	"github.com/agenthands/ddcstore/pkg/pack"
	"github.com/agenthands/ddcstore/pkg/transform"
	"github.com/sirupsen/logrus"
)

// compactThreshold is the live fraction below which a sealed pack is rewritten.
const compactThreshold = 0.5

// packBackend splits blobs into content-defined chunks, stores every distinct
// chunk once in CARv2 pack files and keeps a manifest per blob.
type packBackend struct {
	chunker   chunker.Chunker
	cidHub    cidutil.Builder
	manifests manifest.Codec
	packs     pack.Manager
	catalog   catalog.Catalog
	transform transform.Transform
	log       *logrus.Logger

	// writeMu serialises writers with compaction; a put that dedupes against
	// an existing chunk must not race the pack holding it being swept.
	writeMu sync.Mutex
}

// NewPackBackend opens the pack directory from cfg.Pack (default
// <cfg.Dir>/packs). The catalog is shared and is not closed by the backend.
func NewPackBackend(cat catalog.Catalog, cfg core.Config, log *logrus.Logger) (Backend, error) {
	if log == nil {
		log = logrus.New()
	}
	if cfg.Pack.Dir == "" {
		cfg.Pack.Dir = filepath.Join(cfg.Dir, "packs")
	}

	tr, err := transform.New(cfg.Transform)
	if err != nil {
		return nil, err
	}

	pm, err := pack.NewManager(cfg.Pack, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open pack manager: %w", err)
	}

	return &packBackend{
		chunker: chunker.NewChunker(chunker.Config{
			Min:           cfg.Chunking.Min,
			Avg:           cfg.Chunking.Avg,
			Max:           cfg.Chunking.Max,
			Normalization: cfg.Chunking.Normalization,
		}),
		cidHub:    cidutil.NewBuilder(),
		manifests: manifest.NewCodec(cfg.Limits),
		packs:     pm,
		catalog:   cat,
		transform: tr,
		log:       log,
	}, nil
}

func (p *packBackend) Close() error {
	return p.packs.Close()
}

func (p *packBackend) Put(ctx context.Context, ns core.NamespaceID, blob core.BlobID, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, ok, err := p.catalog.GetManifestForBlob(ctx, ns, blob); err != nil || ok {
		return err
	}

	chunks, err := p.chunker.Split(ctx, data)
	if err != nil {
		return err
	}

	batch := p.catalog.NewBatch()
	defer batch.Close()

	refs := make([]manifest.ChunkRef, 0, len(chunks))
	for _, c := range chunks {
		cid, err := p.cidHub.ChunkCID(c)
		if err != nil {
			return err
		}
		if err := p.putBlock(ctx, batch, cid, c); err != nil {
			return err
		}
		refs = append(refs, manifest.ChunkRef{CID: cid, Len: uint32(len(c))})
	}

	m := &manifest.BlobManifest{
		Version: 1,
		Blob:    blob,
		Length:  uint64(len(data)),
		Chunks:  refs,
	}
	mBytes, err := p.manifests.Encode(m)
	if err != nil {
		return err
	}
	mCID, err := p.cidHub.ManifestCID(mBytes)
	if err != nil {
		return err
	}
	if err := p.putBlock(ctx, batch, mCID, mBytes); err != nil {
		return err
	}

	if err := p.catalog.PutManifestForBlob(batch, ns, blob, mCID); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	if err := p.packs.SealAndRotateIfNeeded(ctx); err != nil {
		p.log.WithError(err).Warn("failed to rotate pack")
	}
	return nil
}

// putBlock stores plain under cid unless the catalog already knows it.
func (p *packBackend) putBlock(ctx context.Context, batch catalog.Batch, cid core.CID, plain []byte) error {
	_, exists, err := p.catalog.GetPackForCID(ctx, cid)
	if err != nil || exists {
		return err
	}
	stored, err := p.transform.Encode(plain)
	if err != nil {
		return err
	}
	packID, err := p.packs.PutBlock(ctx, cid, stored)
	if err != nil {
		return err
	}
	return p.catalog.PutPackForCID(batch, cid, packID)
}

// readBlock loads and verifies the plaintext of cid.
func (p *packBackend) readBlock(ctx context.Context, cid core.CID) ([]byte, error) {
	packID, ok, err := p.catalog.GetPackForCID(ctx, cid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: block %x is not in any pack", core.ErrCorrupt, cid.Bytes)
	}
	stored, err := p.packs.GetBlock(ctx, packID, cid)
	if err != nil {
		return nil, err
	}
	plain, err := transform.Decode(stored)
	if err != nil {
		return nil, err
	}
	if err := p.cidHub.Verify(cid, plain); err != nil {
		return nil, err
	}
	return plain, nil
}

func (p *packBackend) loadManifest(ctx context.Context, mCID core.CID) (*manifest.BlobManifest, error) {
	mBytes, err := p.readBlock(ctx, mCID)
	if err != nil {
		return nil, err
	}
	return p.manifests.Decode(mBytes)
}

func (p *packBackend) Get(ctx context.Context, ns core.NamespaceID, blob core.BlobID) ([]byte, error) {
	mCID, ok, err := p.catalog.GetManifestForBlob(ctx, ns, blob)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &core.BlobNotFoundError{Namespace: ns, Blob: blob}
	}

	m, err := p.loadManifest(ctx, mCID)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", blob, err)
	}
	if m.Blob != blob {
		return nil, fmt.Errorf("%w: manifest for %s describes %s", core.ErrCorrupt, blob, m.Blob)
	}

	out := make([]byte, 0, m.Length)
	for _, c := range m.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plain, err := p.readBlock(ctx, c.CID)
		if err != nil {
			return nil, fmt.Errorf("blob %s: %w", blob, err)
		}
		out = append(out, plain...)
	}
	return out, nil
}

func (p *packBackend) Exists(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (bool, error) {
	_, ok, err := p.catalog.GetManifestForBlob(ctx, ns, blob)
	return ok, err
}

// Delete drops the blob's manifest mapping. Its blocks stay in the packs
// until the next Compact.
func (p *packBackend) Delete(ctx context.Context, ns core.NamespaceID, blob core.BlobID) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	ok, err := p.Exists(ctx, ns, blob)
	if err != nil {
		return err
	}
	if !ok {
		return &core.BlobNotFoundError{Namespace: ns, Blob: blob}
	}
	return p.catalog.DeleteManifestForBlob(ctx, ns, blob)
}

func (p *packBackend) List(ctx context.Context, ns core.NamespaceID, fn func(core.BlobID) error) error {
	return p.catalog.IterateBlobs(ctx, ns, func(blob core.BlobID, _ core.CID) error {
		return fn(blob)
	})
}

func (p *packBackend) Namespaces(ctx context.Context) ([]core.NamespaceID, error) {
	seen := make(map[core.NamespaceID]struct{})
	err := p.catalog.IterateAllManifests(ctx, func(ns core.NamespaceID, _ core.BlobID, _ core.CID) error {
		seen[ns] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]core.NamespaceID, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (p *packBackend) DeleteNamespace(ctx context.Context, ns core.NamespaceID) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	var blobs []core.BlobID
	if err := p.List(ctx, ns, func(b core.BlobID) error {
		blobs = append(blobs, b)
		return nil
	}); err != nil {
		return err
	}

	batch := p.catalog.NewBatch()
	defer batch.Close()
	for _, b := range blobs {
		if err := batch.Delete(catalog.Key(catalog.NamespacePrefix(catalog.PrefixB2M, ns), b[:])); err != nil {
			return err
		}
	}
	return batch.Commit()
}

// Compact marks every block reachable from a manifest, rewrites sealed packs
// whose live fraction is below compactThreshold and removes packs with no
// live blocks.
func (p *packBackend) Compact(ctx context.Context) (CompactStats, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	var res CompactStats

	live, err := p.mark(ctx)
	if err != nil {
		return res, fmt.Errorf("mark phase failed: %w", err)
	}

	liveByPack := make(map[uint64][]core.CID)
	for key := range live {
		c := core.CID{Bytes: []byte(key)}
		pid, ok, err := p.catalog.GetPackForCID(ctx, c)
		if err != nil {
			return res, err
		}
		if ok {
			liveByPack[pid] = append(liveByPack[pid], c)
		}
	}

	var toCompact, toSweep []uint64
	for _, pid := range p.packs.ListSealedPacks() {
		total := 0
		if err := p.packs.IteratePackBlocks(ctx, pid, func(core.CID) error {
			total++
			return nil
		}); err != nil {
			return res, err
		}

		liveCount := len(liveByPack[pid])
		switch {
		case total == 0 || liveCount == 0:
			toSweep = append(toSweep, pid)
		case float64(liveCount)/float64(total) < compactThreshold:
			toCompact = append(toCompact, pid)
		}
	}

	for _, pid := range toCompact {
		moved, err := p.compactPack(ctx, pid, liveByPack[pid])
		if err != nil {
			return res, fmt.Errorf("compaction failed for pack %d: %w", pid, err)
		}
		res.BlocksMoved += moved
		toSweep = append(toSweep, pid)
	}

	if res.BlocksMoved > 0 {
		if err := p.packs.SealActivePack(ctx); err != nil {
			return res, err
		}
	}

	for _, pid := range toSweep {
		info, err := p.packs.Stat(pid)
		if err != nil {
			return res, err
		}
		if err := p.dropPackMappings(ctx, pid); err != nil {
			return res, err
		}
		if err := p.packs.RemovePack(pid); err != nil {
			return res, err
		}
		res.PacksSwept++
		res.BytesReclaimed += info.Size
	}

	p.log.WithFields(logrus.Fields{
		"packs_swept":  res.PacksSwept,
		"blocks_moved": res.BlocksMoved,
		"bytes":        res.BytesReclaimed,
	}).Debug("compacted packs")
	return res, nil
}

// mark returns the set of live block CIDs keyed by their bytes.
func (p *packBackend) mark(ctx context.Context) (map[string]struct{}, error) {
	live := make(map[string]struct{})
	seen := make(map[string]struct{})

	err := p.catalog.IterateAllManifests(ctx, func(_ core.NamespaceID, blob core.BlobID, mCID core.CID) error {
		key := string(mCID.Bytes)
		live[key] = struct{}{}
		// Namespaces storing the same blob share one manifest.
		if _, ok := seen[key]; ok {
			return nil
		}
		seen[key] = struct{}{}

		m, err := p.loadManifest(ctx, mCID)
		if err != nil {
			return fmt.Errorf("blob %s: %w", blob, err)
		}
		for _, c := range m.Chunks {
			live[string(c.CID.Bytes)] = struct{}{}
		}
		return nil
	})
	return live, err
}

func (p *packBackend) compactPack(ctx context.Context, packID uint64, toMove []core.CID) (int, error) {
	batch := p.catalog.NewBatch()
	defer batch.Close()

	moved := 0
	for _, c := range toMove {
		stored, err := p.packs.GetBlock(ctx, packID, c)
		if err != nil {
			return moved, err
		}
		newPackID, err := p.packs.PutBlock(ctx, c, stored)
		if err != nil {
			return moved, err
		}
		if err := p.catalog.PutPackForCID(batch, c, newPackID); err != nil {
			return moved, err
		}
		moved++
	}

	if err := batch.Commit(); err != nil {
		return moved, err
	}
	return moved, nil
}

// dropPackMappings removes catalog entries still pointing at packID so later
// puts do not dedupe against blocks that are about to disappear.
func (p *packBackend) dropPackMappings(ctx context.Context, packID uint64) error {
	batch := p.catalog.NewBatch()
	defer batch.Close()

	err := p.packs.IteratePackBlocks(ctx, packID, func(c core.CID) error {
		pid, ok, err := p.catalog.GetPackForCID(ctx, c)
		if err != nil {
			return err
		}
		if ok && pid == packID {
			return batch.Delete(catalog.Key(catalog.PrefixC2P, c.Bytes))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return batch.Commit()
}
