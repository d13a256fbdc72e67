package chunker

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/jotfs/fastcdc-go"
)

// Config defines the chunking parameters.
type Config struct {
	Min           int
	Avg           int
	Max           int
	Normalization int
}

// Chunker splits a blob into content-defined chunks.
type Chunker interface {
	// Split returns consecutive sub-slices of data. Their concatenation is
	// data; an empty blob has no chunks.
	Split(ctx context.Context, data []byte) ([][]byte, error)
}

type fastCDCChunker struct {
	cfg Config
}

// NewChunker returns a new Chunker implementation.
func NewChunker(cfg Config) Chunker {
	return &fastCDCChunker{cfg: cfg}
}

func (c *fastCDCChunker) Split(ctx context.Context, data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	// Small blobs are stored as one chunk.
	if len(data) <= c.cfg.Min {
		return [][]byte{data}, nil
	}

	opts := fastcdc.Options{
		MinSize:     c.cfg.Min,
		AverageSize: c.cfg.Avg,
		MaxSize:     c.cfg.Max,
	}
	if c.cfg.Normalization > 0 {
		opts.Normalization = c.cfg.Normalization
	}
	cdc, err := fastcdc.NewChunker(bytes.NewReader(data), opts)
	if err != nil {
		return nil, err
	}

	var out [][]byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := cdc.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, data[chunk.Offset:chunk.Offset+chunk.Length])
	}
}
