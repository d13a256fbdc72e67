package chunker

import (
	"bytes"
	"context"
	"testing"

	"github.com/agenthands/ddcstore/internal/testkit"
)

func TestFastCDCChunker(t *testing.T) {
	cfg := Config{
		Min: 64, // FastCDC min block size is 64
		Avg: 128,
		Max: 256,
	}
	c := NewChunker(cfg)
	ctx := context.Background()

	t.Run("BasicSplit", func(t *testing.T) {
		data := testkit.RandomBytes(testkit.RNG(42), 10*1024)

		chunks, err := c.Split(ctx, data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var reassembled []byte
		for i, chunk := range chunks {
			if len(chunk) < cfg.Min && i != len(chunks)-1 {
				t.Errorf("chunk too small: %d < %d", len(chunk), cfg.Min)
			}
			if len(chunk) > cfg.Max {
				t.Errorf("chunk too large: %d > %d", len(chunk), cfg.Max)
			}
			reassembled = append(reassembled, chunk...)
		}

		if !bytes.Equal(data, reassembled) {
			t.Error("reassembled data does not match original")
		}
		if len(chunks) < 10 {
			t.Errorf("expected multiple chunks, got %d", len(chunks))
		}
	})

	t.Run("EmptyAndSmall", func(t *testing.T) {
		chunks, err := c.Split(ctx, nil)
		if err != nil || len(chunks) != 0 {
			t.Fatalf("expected no chunks for empty input, got %d (err=%v)", len(chunks), err)
		}

		small := []byte("tiny")
		chunks, err = c.Split(ctx, small)
		if err != nil || len(chunks) != 1 || !bytes.Equal(chunks[0], small) {
			t.Fatalf("expected a single chunk, got %d (err=%v)", len(chunks), err)
		}
	})

	t.Run("Cancellation", func(t *testing.T) {
		data := testkit.RandomBytes(testkit.RNG(42), 1024*1024)

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		if _, err := c.Split(cctx, data); err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("Determinism", func(t *testing.T) {
		data := testkit.RandomBytes(testkit.RNG(42), 64*1024)

		chunks1, _ := c.Split(ctx, data)
		chunks2, _ := c.Split(ctx, data)

		if len(chunks1) != len(chunks2) {
			t.Fatalf("determinism failed: chunk counts differ (%d vs %d)", len(chunks1), len(chunks2))
		}
		for i := range chunks1 {
			if len(chunks1[i]) != len(chunks2[i]) {
				t.Fatalf("determinism failed at chunk %d: %d vs %d", i, len(chunks1[i]), len(chunks2[i]))
			}
		}
	})

	t.Run("ShiftResistance", func(t *testing.T) {
		r := testkit.RNG(9)
		base := testkit.RandomBytes(r, 32*1024)
		mutated := testkit.MutateBytes(r, base, 1)

		a, _ := c.Split(ctx, base)
		b, _ := c.Split(ctx, mutated)

		seen := make(map[string]struct{}, len(a))
		for _, ch := range a {
			seen[string(ch)] = struct{}{}
		}
		shared := 0
		for _, ch := range b {
			if _, ok := seen[string(ch)]; ok {
				shared++
			}
		}
		if shared < len(a)/2 {
			t.Errorf("expected most chunks to survive a single edit, shared %d of %d", shared, len(a))
		}
	})
}
