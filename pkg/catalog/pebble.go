package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type pebbleKV struct {
	db *pebble.DB
}

// OpenPebble opens a Pebble-based KV in dir, or in memory when dir is empty.
func OpenPebble(dir string) (KV, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &pebbleKV{db: db}, nil
}

func (p *pebbleKV) Close() error {
	return p.db.Close()
}

func (p *pebbleKV) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	val, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()

	res := make([]byte, len(val))
	copy(res, val)
	return res, true, nil
}

func (p *pebbleKV) Set(ctx context.Context, key, val []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.db.Set(key, val, pebble.Sync)
}

func (p *pebbleKV) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.db.Delete(key, pebble.Sync)
}

func (p *pebbleKV) IteratePrefix(ctx context.Context, prefix []byte, fn func(key, val []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementByte(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *pebbleKV) NewBatch() Batch {
	return &pebbleBatch{b: p.db.NewBatch()}
}

type pebbleBatch struct {
	b *pebble.Batch
}

func (b *pebbleBatch) Set(key, val []byte) error { return b.b.Set(key, val, nil) }
func (b *pebbleBatch) Delete(key []byte) error   { return b.b.Delete(key, nil) }
func (b *pebbleBatch) Commit() error             { return b.b.Commit(pebble.Sync) }
func (b *pebbleBatch) Close() error              { return b.b.Close() }
