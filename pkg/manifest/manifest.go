package manifest

import (
	"fmt"

	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

// ChunkRef references a chunk by its CID and its plaintext length.
type ChunkRef struct {
	CID core.CID `cbor:"cid"`
	Len uint32   `cbor:"len"`
}

// BlobManifest lists the chunks that make up one blob in the pack backend.
type BlobManifest struct {
	Version uint16      `cbor:"version"`
	Blob    core.BlobID `cbor:"blob"`
	Length  uint64      `cbor:"length"`
	Chunks  []ChunkRef  `cbor:"chunks"`
}

// Codec defines the interface for manifest encoding/decoding and validation.
type Codec interface {
	Encode(m *BlobManifest) ([]byte, error)
	Decode(b []byte) (*BlobManifest, error)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Canonical encoding keeps manifest bytes stable across writers.
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("manifest: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
	if err != nil {
		panic("manifest: CBOR decoder initialization failed: " + err.Error())
	}
}

type codec struct {
	limits core.LimitsConfig
}

// NewCodec returns a new Codec implementation.
func NewCodec(limits core.LimitsConfig) Codec {
	return &codec{limits: limits}
}

func (c *codec) Encode(m *BlobManifest) ([]byte, error) {
	if err := c.validate(m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}

	return encMode.Marshal(m)
}

func (c *codec) Decode(b []byte) (*BlobManifest, error) {
	var m BlobManifest
	if err := decMode.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal manifest: %v", core.ErrCorrupt, err)
	}

	if err := c.validate(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}

	return &m, nil
}

func (c *codec) validate(m *BlobManifest) error {
	if m.Version != 1 {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}

	if uint32(len(m.Chunks)) > c.limits.MaxChunksPerObject && c.limits.MaxChunksPerObject > 0 {
		return fmt.Errorf("too many chunks: %d > %d", len(m.Chunks), c.limits.MaxChunksPerObject)
	}

	var sumLength uint64
	for i, chunk := range m.Chunks {
		if len(chunk.CID.Bytes) == 0 {
			return fmt.Errorf("chunk %d has empty CID", i)
		}
		if chunk.Len == 0 {
			return fmt.Errorf("chunk %d is empty", i)
		}
		sumLength += uint64(chunk.Len)
	}

	if sumLength != m.Length {
		return fmt.Errorf("length mismatch: manifest says %d, chunks sum to %d", m.Length, sumLength)
	}

	if c.limits.MaxBlobBytes > 0 && m.Length > c.limits.MaxBlobBytes {
		return fmt.Errorf("blob too large: %d > %d", m.Length, c.limits.MaxBlobBytes)
	}

	return nil
}
