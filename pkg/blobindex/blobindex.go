package blobindex

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/agenthands/ddcstore/pkg/catalog"
	"github.com/agenthands/ddcstore/pkg/core"
	lru "github.com/hashicorp/golang-lru/v2"
)

var PrefixBlobIndex = []byte("bi:")

// Index tracks which regions are known to hold a blob. It is informational:
// the blob store writes entries after a successful put and readers only query.
type Index interface {
	AddBlobToIndex(ctx context.Context, ns core.NamespaceID, blob core.BlobID, region string) error
	RemoveBlobFromRegion(ctx context.Context, ns core.NamespaceID, blob core.BlobID, region string) error
	RemoveBlob(ctx context.Context, ns core.NamespaceID, blob core.BlobID) error
	BlobExistsInRegion(ctx context.Context, ns core.NamespaceID, blob core.BlobID, region string) (bool, error)
	GetBlobRegions(ctx context.Context, ns core.NamespaceID, blob core.BlobID) ([]string, error)
	// IndexedAt returns when blob was last recorded for region.
	IndexedAt(ctx context.Context, ns core.NamespaceID, blob core.BlobID, region string) (time.Time, bool, error)
	// Invalidate drops cached answers for blob.
	Invalidate(ns core.NamespaceID, blob core.BlobID)
}

type cacheKey struct {
	ns     core.NamespaceID
	blob   core.BlobID
	region string
}

type index struct {
	kv    catalog.KV
	cache *lru.Cache[cacheKey, bool]
}

// New returns an Index stored in kv. cacheSize bounds the number of remembered
// positive lookups; 0 disables the cache.
func New(kv catalog.KV, cacheSize int) (Index, error) {
	idx := &index{kv: kv}
	if cacheSize > 0 {
		c, err := lru.New[cacheKey, bool](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob index cache: %w", err)
		}
		idx.cache = c
	}
	return idx, nil
}

func blobPrefix(ns core.NamespaceID, blob core.BlobID) []byte {
	return catalog.Key(catalog.NamespacePrefix(PrefixBlobIndex, ns), blob[:], []byte{':'})
}

func regionKey(ns core.NamespaceID, blob core.BlobID, region string) []byte {
	return catalog.Key(blobPrefix(ns, blob), []byte(region))
}

func (i *index) AddBlobToIndex(ctx context.Context, ns core.NamespaceID, blob core.BlobID, region string) error {
	if region == "" {
		return fmt.Errorf("%w: empty region", core.ErrInvalidInput)
	}
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(time.Now().UnixNano()))
	if err := i.kv.Set(ctx, regionKey(ns, blob, region), val); err != nil {
		return fmt.Errorf("failed to index blob %s: %w", blob, err)
	}
	if i.cache != nil {
		i.cache.Add(cacheKey{ns, blob, region}, true)
	}
	return nil
}

func (i *index) RemoveBlobFromRegion(ctx context.Context, ns core.NamespaceID, blob core.BlobID, region string) error {
	i.invalidateRegion(ns, blob, region)
	return i.kv.Delete(ctx, regionKey(ns, blob, region))
}

func (i *index) RemoveBlob(ctx context.Context, ns core.NamespaceID, blob core.BlobID) error {
	regions, err := i.GetBlobRegions(ctx, ns, blob)
	if err != nil {
		return err
	}
	for _, r := range regions {
		if err := i.RemoveBlobFromRegion(ctx, ns, blob, r); err != nil {
			return err
		}
	}
	return nil
}

func (i *index) BlobExistsInRegion(ctx context.Context, ns core.NamespaceID, blob core.BlobID, region string) (bool, error) {
	key := cacheKey{ns, blob, region}
	if i.cache != nil {
		if ok, hit := i.cache.Get(key); hit {
			return ok, nil
		}
	}

	_, ok, err := i.kv.Get(ctx, regionKey(ns, blob, region))
	if err != nil {
		return false, err
	}
	// Only positive answers are cached; a blob may arrive in a region at any time.
	if ok && i.cache != nil {
		i.cache.Add(key, true)
	}
	return ok, nil
}

func (i *index) GetBlobRegions(ctx context.Context, ns core.NamespaceID, blob core.BlobID) ([]string, error) {
	prefix := blobPrefix(ns, blob)
	var regions []string
	err := i.kv.IteratePrefix(ctx, prefix, func(key, _ []byte) error {
		regions = append(regions, string(bytes.Clone(key[len(prefix):])))
		return nil
	})
	return regions, err
}

func (i *index) IndexedAt(ctx context.Context, ns core.NamespaceID, blob core.BlobID, region string) (time.Time, bool, error) {
	val, ok, err := i.kv.Get(ctx, regionKey(ns, blob, region))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	if len(val) != 8 {
		return time.Time{}, false, fmt.Errorf("%w: invalid blob index entry for %s", core.ErrCorrupt, blob)
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(val))), true, nil
}

func (i *index) Invalidate(ns core.NamespaceID, blob core.BlobID) {
	if i.cache == nil {
		return
	}
	for _, k := range i.cache.Keys() {
		if k.ns == ns && k.blob == blob {
			i.cache.Remove(k)
		}
	}
}

func (i *index) invalidateRegion(ns core.NamespaceID, blob core.BlobID, region string) {
	if i.cache != nil {
		i.cache.Remove(cacheKey{ns, blob, region})
	}
}
