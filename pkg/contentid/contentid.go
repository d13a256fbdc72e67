package contentid

import (
	"context"
	"fmt"

	"github.com/agenthands/ddcstore/pkg/catalog"
	"github.com/agenthands/ddcstore/pkg/core"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	PrefixContentID = []byte("cid:")
	PrefixReverse   = []byte("cidr:")
)

// Map records which blobs satisfy a content id. A content id may map to more
// than one blob, for example the same payload compressed with two algorithms.
type Map interface {
	Put(ctx context.Context, ns core.NamespaceID, id core.ContentID, blob core.BlobID) error
	// Get returns the mapped blobs, or nil when id has no mapping.
	Get(ctx context.Context, ns core.NamespaceID, id core.ContentID) ([]core.BlobID, error)
	Delete(ctx context.Context, ns core.NamespaceID, id core.ContentID) error
	// DeleteByBlob drops every mapping that points at blob.
	DeleteByBlob(ctx context.Context, ns core.NamespaceID, blob core.BlobID) error
	// DeleteNamespace drops every mapping of ns.
	DeleteNamespace(ctx context.Context, ns core.NamespaceID) error
	Invalidate(ns core.NamespaceID, id core.ContentID)
}

type cacheKey struct {
	ns core.NamespaceID
	id core.ContentID
}

type kvMap struct {
	kv    catalog.KV
	cache *lru.Cache[cacheKey, []core.BlobID]
}

// NewMap returns a Map stored in kv with an LRU of cacheSize entries in front
// of it; 0 disables the cache.
func NewMap(kv catalog.KV, cacheSize int) (Map, error) {
	m := &kvMap{kv: kv}
	if cacheSize > 0 {
		c, err := lru.New[cacheKey, []core.BlobID](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create content id cache: %w", err)
		}
		m.cache = c
	}
	return m, nil
}

func forwardPrefix(ns core.NamespaceID, id core.ContentID) []byte {
	return catalog.Key(catalog.NamespacePrefix(PrefixContentID, ns), id[:])
}

func reversePrefix(ns core.NamespaceID, blob core.BlobID) []byte {
	return catalog.Key(catalog.NamespacePrefix(PrefixReverse, ns), blob[:])
}

func (m *kvMap) Put(ctx context.Context, ns core.NamespaceID, id core.ContentID, blob core.BlobID) error {
	b := m.kv.NewBatch()
	defer b.Close()

	if err := b.Set(catalog.Key(forwardPrefix(ns, id), blob[:]), nil); err != nil {
		return err
	}
	if err := b.Set(catalog.Key(reversePrefix(ns, blob), id[:]), nil); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("failed to map content id %s: %w", id, err)
	}
	m.Invalidate(ns, id)
	return nil
}

func (m *kvMap) Get(ctx context.Context, ns core.NamespaceID, id core.ContentID) ([]core.BlobID, error) {
	key := cacheKey{ns, id}
	if m.cache != nil {
		if blobs, ok := m.cache.Get(key); ok {
			return append([]core.BlobID(nil), blobs...), nil
		}
	}

	prefix := forwardPrefix(ns, id)
	var blobs []core.BlobID
	err := m.kv.IteratePrefix(ctx, prefix, func(k, _ []byte) error {
		rest := k[len(prefix):]
		if len(rest) != core.HashSize {
			return fmt.Errorf("%w: malformed content id key", core.ErrCorrupt)
		}
		var b core.BlobID
		copy(b[:], rest)
		blobs = append(blobs, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(blobs) > 0 && m.cache != nil {
		m.cache.Add(key, append([]core.BlobID(nil), blobs...))
	}
	return blobs, nil
}

func (m *kvMap) Delete(ctx context.Context, ns core.NamespaceID, id core.ContentID) error {
	blobs, err := m.Get(ctx, ns, id)
	if err != nil {
		return err
	}
	b := m.kv.NewBatch()
	defer b.Close()
	for _, blob := range blobs {
		if err := b.Delete(catalog.Key(forwardPrefix(ns, id), blob[:])); err != nil {
			return err
		}
		if err := b.Delete(catalog.Key(reversePrefix(ns, blob), id[:])); err != nil {
			return err
		}
	}
	if err := b.Commit(); err != nil {
		return err
	}
	m.Invalidate(ns, id)
	return nil
}

func (m *kvMap) DeleteByBlob(ctx context.Context, ns core.NamespaceID, blob core.BlobID) error {
	prefix := reversePrefix(ns, blob)
	var ids []core.ContentID
	err := m.kv.IteratePrefix(ctx, prefix, func(k, _ []byte) error {
		rest := k[len(prefix):]
		if len(rest) != core.HashSize {
			return fmt.Errorf("%w: malformed content id key", core.ErrCorrupt)
		}
		var id core.ContentID
		copy(id[:], rest)
		ids = append(ids, id)
		return nil
	})
	if err != nil || len(ids) == 0 {
		return err
	}

	b := m.kv.NewBatch()
	defer b.Close()
	for _, id := range ids {
		if err := b.Delete(catalog.Key(forwardPrefix(ns, id), blob[:])); err != nil {
			return err
		}
		if err := b.Delete(catalog.Key(prefix, id[:])); err != nil {
			return err
		}
	}
	if err := b.Commit(); err != nil {
		return err
	}
	for _, id := range ids {
		m.Invalidate(ns, id)
	}
	return nil
}

func (m *kvMap) DeleteNamespace(ctx context.Context, ns core.NamespaceID) error {
	b := m.kv.NewBatch()
	defer b.Close()
	for _, p := range [][]byte{PrefixContentID, PrefixReverse} {
		err := m.kv.IteratePrefix(ctx, catalog.NamespacePrefix(p, ns), func(k, _ []byte) error {
			return b.Delete(k)
		})
		if err != nil {
			return err
		}
	}
	if err := b.Commit(); err != nil {
		return err
	}
	if m.cache != nil {
		for _, k := range m.cache.Keys() {
			if k.ns == ns {
				m.cache.Remove(k)
			}
		}
	}
	return nil
}

func (m *kvMap) Invalidate(ns core.NamespaceID, id core.ContentID) {
	if m.cache != nil {
		m.cache.Remove(cacheKey{ns, id})
	}
}
