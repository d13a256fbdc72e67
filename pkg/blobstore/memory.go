package blobstore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/agenthands/ddcstore/pkg/core"
)

type memoryBackend struct {
	mu    sync.RWMutex
	blobs map[core.NamespaceID]map[core.BlobID][]byte
}

// NewMemoryBackend returns a Backend that keeps blobs in process memory.
func NewMemoryBackend() Backend {
	return &memoryBackend{blobs: make(map[core.NamespaceID]map[core.BlobID][]byte)}
}

func (m *memoryBackend) Get(ctx context.Context, ns core.NamespaceID, blob core.BlobID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[ns][blob]
	if !ok {
		return nil, &core.BlobNotFoundError{Namespace: ns, Blob: blob}
	}
	return bytes.Clone(data), nil
}

func (m *memoryBackend) Put(ctx context.Context, ns core.NamespaceID, blob core.BlobID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	blobs, ok := m.blobs[ns]
	if !ok {
		blobs = make(map[core.BlobID][]byte)
		m.blobs[ns] = blobs
	}
	if _, ok := blobs[blob]; !ok {
		blobs[blob] = bytes.Clone(data)
	}
	return nil
}

func (m *memoryBackend) Exists(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[ns][blob]
	return ok, nil
}

func (m *memoryBackend) Delete(ctx context.Context, ns core.NamespaceID, blob core.BlobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[ns][blob]; !ok {
		return &core.BlobNotFoundError{Namespace: ns, Blob: blob}
	}
	delete(m.blobs[ns], blob)
	return nil
}

func (m *memoryBackend) List(ctx context.Context, ns core.NamespaceID, fn func(core.BlobID) error) error {
	m.mu.RLock()
	ids := make([]core.BlobID, 0, len(m.blobs[ns]))
	for id := range m.blobs[ns] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryBackend) Namespaces(ctx context.Context) ([]core.NamespaceID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.NamespaceID
	for ns, blobs := range m.blobs {
		if len(blobs) > 0 {
			out = append(out, ns)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memoryBackend) DeleteNamespace(ctx context.Context, ns core.NamespaceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ns)
	return nil
}

func (m *memoryBackend) Close() error { return nil }
