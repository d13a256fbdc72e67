package cidutil

import (
	"bytes"
	"fmt"

	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// IoHash returns the BLAKE3 digest of data truncated to core.HashSize bytes.
func IoHash(data []byte) [core.HashSize]byte {
	sum := blake3.Sum256(data)
	var out [core.HashSize]byte
	copy(out[:], sum[:core.HashSize])
	return out
}

// BlobIDOf hashes data as a blob.
func BlobIDOf(data []byte) core.BlobID { return core.BlobID(IoHash(data)) }

// ContentIDOf hashes decompressed payload bytes.
func ContentIDOf(data []byte) core.ContentID { return core.ContentID(IoHash(data)) }

// Hasher is a streaming IoHash.
type Hasher struct {
	h *blake3.Hasher
}

func NewHasher() *Hasher { return &Hasher{h: blake3.New()} }

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

func (h *Hasher) Sum() [core.HashSize]byte {
	var out [core.HashSize]byte
	copy(out[:], h.h.Sum(nil)[:core.HashSize])
	return out
}

// Builder defines the interface for creating and verifying pack block CIDs.
type Builder interface {
	ChunkCID(plain []byte) (core.CID, error)
	ManifestCID(dagCbor []byte) (core.CID, error)
	Verify(c core.CID, plain []byte) error
}

type builder struct{}

// NewBuilder returns a CID builder that addresses blocks with BLAKE3-256
// multihashes.
func NewBuilder() Builder {
	return &builder{}
}

func (b *builder) ChunkCID(plain []byte) (core.CID, error) {
	return b.buildCID(cid.Raw, plain)
}

func (b *builder) ManifestCID(dagCbor []byte) (core.CID, error) {
	return b.buildCID(cid.DagCBOR, dagCbor)
}

func (b *builder) buildCID(codec uint64, data []byte) (core.CID, error) {
	sum := blake3.Sum256(data)
	mh, err := multihash.Encode(sum[:], multihash.BLAKE3)
	if err != nil {
		return core.CID{}, fmt.Errorf("failed to compute multihash: %w", err)
	}

	c := cid.NewCidV1(codec, mh)
	return core.CID{Bytes: c.Bytes()}, nil
}

func (b *builder) Verify(c core.CID, plain []byte) error {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return fmt.Errorf("%w: invalid CID bytes: %v", core.ErrCorrupt, err)
	}

	prefix := id.Prefix()
	var digest []byte
	if prefix.MhType == multihash.BLAKE3 {
		sum := blake3.Sum256(plain)
		digest, err = multihash.Encode(sum[:], multihash.BLAKE3)
	} else {
		digest, err = multihash.Sum(plain, prefix.MhType, prefix.MhLength)
	}
	if err != nil {
		return fmt.Errorf("failed to compute multihash for verification: %w", err)
	}

	if !bytes.Equal(id.Hash(), digest) {
		return fmt.Errorf("%w: CID mismatch", core.ErrCorrupt)
	}

	return nil
}
