package catalog

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/agenthands/ddcstore/pkg/core"
)

var (
	PrefixC2P = []byte("c2p:")
	PrefixB2M = []byte("b2m:")
)

// KV is the ordered key/value store every metadata table lives in.
type KV interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Set(ctx context.Context, key, val []byte) error
	Delete(ctx context.Context, key []byte) error
	// IteratePrefix visits every key starting with prefix in key order. The
	// slices passed to fn are only valid for the duration of the call.
	IteratePrefix(ctx context.Context, prefix []byte, fn func(key, val []byte) error) error
	NewBatch() Batch
	Close() error
}

// Batch groups writes that become visible together on Commit.
type Batch interface {
	Set(key, val []byte) error
	Delete(key []byte) error
	Commit() error
	Close() error
}

// Catalog is the KV plus the tables owned by the pack blob backend.
type Catalog interface {
	KV

	GetPackForCID(ctx context.Context, cid core.CID) (uint64, bool, error)
	PutPackForCID(batch Batch, cid core.CID, packID uint64) error

	GetManifestForBlob(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (core.CID, bool, error)
	PutManifestForBlob(batch Batch, ns core.NamespaceID, blob core.BlobID, manifest core.CID) error
	DeleteManifestForBlob(ctx context.Context, ns core.NamespaceID, blob core.BlobID) error
	IterateBlobs(ctx context.Context, ns core.NamespaceID, fn func(blob core.BlobID, manifest core.CID) error) error
	IterateAllManifests(ctx context.Context, fn func(ns core.NamespaceID, blob core.BlobID, manifest core.CID) error) error
}

// Open opens the catalog backend named in cfg. An empty Dir keeps everything
// in memory.
func Open(cfg core.CatalogConfig) (Catalog, error) {
	var (
		kv  KV
		err error
	)
	switch cfg.Backend {
	case "", core.CatalogPebble:
		kv, err = OpenPebble(cfg.Dir)
	case core.CatalogBadger:
		kv, err = OpenBadger(cfg.Dir)
	default:
		return nil, fmt.Errorf("%w: unknown catalog backend %q", core.ErrInvalidInput, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return &catalog{KV: kv}, nil
}

// Wrap adds the pack tables to an existing KV.
func Wrap(kv KV) Catalog {
	return &catalog{KV: kv}
}

type catalog struct {
	KV
}

func (c *catalog) GetPackForCID(ctx context.Context, cid core.CID) (uint64, bool, error) {
	val, ok, err := c.Get(ctx, Key(PrefixC2P, cid.Bytes))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(val) != 8 {
		return 0, false, fmt.Errorf("%w: invalid pack ID length", core.ErrCorrupt)
	}
	return binary.BigEndian.Uint64(val), true, nil
}

func (c *catalog) PutPackForCID(batch Batch, cid core.CID, packID uint64) error {
	key := Key(PrefixC2P, cid.Bytes)
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, packID)

	if batch != nil {
		return batch.Set(key, val)
	}
	return c.Set(context.Background(), key, val)
}

func (c *catalog) GetManifestForBlob(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (core.CID, bool, error) {
	val, ok, err := c.Get(ctx, blobKey(ns, blob))
	if err != nil || !ok {
		return core.CID{}, false, err
	}
	return core.CID{Bytes: val}, true, nil
}

func (c *catalog) PutManifestForBlob(batch Batch, ns core.NamespaceID, blob core.BlobID, manifest core.CID) error {
	k := blobKey(ns, blob)
	if batch != nil {
		return batch.Set(k, manifest.Bytes)
	}
	return c.Set(context.Background(), k, manifest.Bytes)
}

func (c *catalog) DeleteManifestForBlob(ctx context.Context, ns core.NamespaceID, blob core.BlobID) error {
	return c.Delete(ctx, blobKey(ns, blob))
}

func (c *catalog) IterateBlobs(ctx context.Context, ns core.NamespaceID, fn func(blob core.BlobID, manifest core.CID) error) error {
	prefix := NamespacePrefix(PrefixB2M, ns)
	return c.IteratePrefix(ctx, prefix, func(key, val []byte) error {
		rest := key[len(prefix):]
		if len(rest) != core.HashSize {
			return fmt.Errorf("%w: malformed blob key", core.ErrCorrupt)
		}
		var blob core.BlobID
		copy(blob[:], rest)
		return fn(blob, core.CID{Bytes: append([]byte(nil), val...)})
	})
}

func (c *catalog) IterateAllManifests(ctx context.Context, fn func(ns core.NamespaceID, blob core.BlobID, manifest core.CID) error) error {
	return c.IteratePrefix(ctx, PrefixB2M, func(key, val []byte) error {
		rest := key[len(PrefixB2M):]
		if len(rest) < core.HashSize+1 || rest[len(rest)-core.HashSize-1] != ':' {
			return fmt.Errorf("%w: malformed blob key", core.ErrCorrupt)
		}
		ns := core.NamespaceID(rest[:len(rest)-core.HashSize-1])
		var blob core.BlobID
		copy(blob[:], rest[len(rest)-core.HashSize:])
		return fn(ns, blob, core.CID{Bytes: append([]byte(nil), val...)})
	})
}

func blobKey(ns core.NamespaceID, blob core.BlobID) []byte {
	return Key(NamespacePrefix(PrefixB2M, ns), blob[:])
}

// Key concatenates prefix and suffix into a fresh slice.
func Key(prefix []byte, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}
	k := make([]byte, 0, n)
	k = append(k, prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

// NamespacePrefix returns "<prefix><ns>:". Namespace names never contain ':'.
func NamespacePrefix(prefix []byte, ns core.NamespaceID) []byte {
	return Key(prefix, []byte(ns), []byte{':'})
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res[:i+1]
		}
	}
	return nil
}
