package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/agenthands/ddcstore/pkg/core"
)

// fsBackend stores every blob as a file.
//
// Layout (namespace-isolated):
//
//	root/<namespace>/objects/ab/cdef...
type fsBackend struct {
	root     string
	redirect *url.URL
}

// NewFSBackend returns a Backend rooted at dir. When redirectBase is not
// empty, redirect URIs are built by appending the blob's relative path to it.
func NewFSBackend(dir, redirectBase string) (Backend, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: blob directory not specified", core.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	b := &fsBackend{root: dir}
	if redirectBase != "" {
		u, err := url.Parse(redirectBase)
		if err != nil {
			return nil, fmt.Errorf("%w: redirect base url: %v", core.ErrInvalidInput, err)
		}
		b.redirect = u
	}
	return b, nil
}

func (b *fsBackend) objectsDir(ns core.NamespaceID) string {
	return filepath.Join(b.root, string(ns), "objects")
}

// objectPath shards by the first byte of the hash: objects/ab/cdef...
func (b *fsBackend) objectPath(ns core.NamespaceID, blob core.BlobID) string {
	h := blob.String()
	return filepath.Join(b.objectsDir(ns), h[:2], h[2:])
}

func (b *fsBackend) Get(ctx context.Context, ns core.NamespaceID, blob core.BlobID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.objectPath(ns, blob))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &core.BlobNotFoundError{Namespace: ns, Blob: blob}
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

func (b *fsBackend) Put(ctx context.Context, ns core.NamespaceID, blob core.BlobID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := b.objectPath(ns, blob)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial blob.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit blob: %w", err)
	}
	return nil
}

func (b *fsBackend) Exists(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(b.objectPath(ns, blob))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (b *fsBackend) Delete(ctx context.Context, ns core.NamespaceID, blob core.BlobID) error {
	err := os.Remove(b.objectPath(ns, blob))
	if errors.Is(err, fs.ErrNotExist) {
		return &core.BlobNotFoundError{Namespace: ns, Blob: blob}
	}
	return err
}

func (b *fsBackend) List(ctx context.Context, ns core.NamespaceID, fn func(core.BlobID) error) error {
	root := b.objectsDir(ns)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		shard := filepath.Base(filepath.Dir(path))
		id, perr := core.ParseBlobID(shard + d.Name())
		if perr != nil {
			// temp files and strays
			return nil
		}
		return fn(id)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Namespaces lists the top-level directories that hold an objects tree.
// os.ReadDir returns them sorted.
func (b *fsBackend) Namespaces(ctx context.Context) ([]core.NamespaceID, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob directory: %w", err)
	}
	var out []core.NamespaceID
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		ns, err := core.NewNamespaceID(e.Name())
		if err != nil {
			continue
		}
		if _, err := os.Stat(b.objectsDir(ns)); err == nil {
			out = append(out, ns)
		}
	}
	return out, nil
}

func (b *fsBackend) DeleteNamespace(ctx context.Context, ns core.NamespaceID) error {
	return os.RemoveAll(filepath.Join(b.root, string(ns)))
}

func (b *fsBackend) Close() error { return nil }

func (b *fsBackend) redirectURL(ns core.NamespaceID, blob core.BlobID) *url.URL {
	h := blob.String()
	return b.redirect.JoinPath(string(ns), "objects", h[:2], h[2:])
}

func (b *fsBackend) GetRedirect(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (*url.URL, error) {
	if b.redirect == nil {
		return nil, nil
	}
	ok, err := b.Exists(ctx, ns, blob)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &core.BlobNotFoundError{Namespace: ns, Blob: blob}
	}
	return b.redirectURL(ns, blob), nil
}

func (b *fsBackend) PutRedirect(ctx context.Context, ns core.NamespaceID, blob core.BlobID) (*url.URL, error) {
	if b.redirect == nil {
		return nil, nil
	}
	return b.redirectURL(ns, blob), nil
}
