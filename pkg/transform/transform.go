package transform

import (
	"encoding/binary"
	"fmt"

	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Envelope layout: magic(4) version(1) flags(1) alg(1) rawLen(8) payload.
const (
	Magic      = "DDCB"
	Version    = 1
	HeaderSize = 15
)

const (
	FlagCompressed = 1 << 0
)

// maxLZ4Ratio bounds the expansion of an lz4 block.
const maxLZ4Ratio = 255

// Alg identifies the compression algorithm of an envelope. The values are
// part of the stored format.
type Alg uint8

const (
	AlgNone Alg = 0
	AlgZstd Alg = 1
	AlgLZ4  Alg = 2
)

func (a Alg) String() string {
	switch a {
	case AlgNone:
		return core.TransformNone
	case AlgZstd:
		return core.TransformZstd
	case AlgLZ4:
		return core.TransformLZ4
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlg parses an algorithm name.
func ParseAlg(name string) (Alg, error) {
	switch name {
	case core.TransformNone:
		return AlgNone, nil
	case core.TransformZstd:
		return AlgZstd, nil
	case core.TransformLZ4:
		return AlgLZ4, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression %q", core.ErrInvalidInput, name)
	}
}

// Transform defines the interface for encoding/decoding compressed buffers.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// New returns the transform named in cfg.
func New(cfg core.TransformConfig) (Transform, error) {
	alg, err := ParseAlg(cfg.Name)
	if err != nil {
		return nil, err
	}
	switch alg {
	case AlgZstd:
		level := cfg.ZstdLevel
		if level == 0 {
			level = int(zstd.SpeedDefault)
		}
		return NewZstd(level), nil
	case AlgLZ4:
		return NewLZ4(), nil
	default:
		return NewNone(), nil
	}
}

// zstdDecoder is shared by every Decode call; zstd.Decoder is safe for
// concurrent DecodeAll.
var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transform: zstd decoder initialization failed: " + err.Error())
	}
}

// None stores payloads uncompressed inside the envelope.
type noneTransform struct{}

func NewNone() Transform {
	return &noneTransform{}
}

func (t *noneTransform) Name() string                         { return core.TransformNone }
func (t *noneTransform) Encode(plain []byte) ([]byte, error)  { return wrap(0, AlgNone, len(plain), plain), nil }
func (t *noneTransform) Decode(stored []byte) ([]byte, error) { return Decode(stored) }

// Zstd transform applies zstd compression.
type zstdTransform struct {
	encoder *zstd.Encoder
}

func NewZstd(level int) Transform {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd writer: %v", err))
	}
	return &zstdTransform{encoder: enc}
}

func (t *zstdTransform) Name() string { return core.TransformZstd }

func (t *zstdTransform) Encode(plain []byte) ([]byte, error) {
	compressed := t.encoder.EncodeAll(plain, nil)
	return wrap(FlagCompressed, AlgZstd, len(plain), compressed), nil
}

func (t *zstdTransform) Decode(stored []byte) ([]byte, error) { return Decode(stored) }

// LZ4 transform applies lz4 block compression, falling back to an
// uncompressed envelope for incompressible input.
type lz4Transform struct{}

func NewLZ4() Transform {
	return &lz4Transform{}
}

func (t *lz4Transform) Name() string { return core.TransformLZ4 }

func (t *lz4Transform) Encode(plain []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(plain)))
	written, err := lz4.CompressBlock(plain, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(plain) {
		return wrap(0, AlgNone, len(plain), plain), nil
	}
	return wrap(FlagCompressed, AlgLZ4, len(plain), dst[:written]), nil
}

func (t *lz4Transform) Decode(stored []byte) ([]byte, error) { return Decode(stored) }

func wrap(flags byte, alg Alg, rawLen int, payload []byte) []byte {
	envelope := make([]byte, HeaderSize, HeaderSize+len(payload))
	copy(envelope, Magic)
	envelope[4] = Version
	envelope[5] = flags
	envelope[6] = byte(alg)
	binary.BigEndian.PutUint64(envelope[7:HeaderSize], uint64(rawLen))
	return append(envelope, payload...)
}

// Header is the parsed envelope prefix.
type Header struct {
	Flags  byte
	Alg    Alg
	RawLen uint64
}

// ParseHeader validates the envelope prefix of stored.
func ParseHeader(stored []byte) (Header, error) {
	if len(stored) < HeaderSize {
		return Header{}, fmt.Errorf("%w: buffer too small for envelope", core.ErrCorrupt)
	}
	if string(stored[:4]) != Magic {
		return Header{}, fmt.Errorf("%w: invalid magic", core.ErrCorrupt)
	}
	if stored[4] != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", core.ErrCorrupt, stored[4])
	}
	return Header{
		Flags:  stored[5],
		Alg:    Alg(stored[6]),
		RawLen: binary.BigEndian.Uint64(stored[7:HeaderSize]),
	}, nil
}

// IsEnvelope reports whether b starts with a valid envelope header.
func IsEnvelope(b []byte) bool {
	_, err := ParseHeader(b)
	return err == nil
}

// Decode returns the decompressed payload of any envelope, whatever
// transform produced it.
func Decode(stored []byte) ([]byte, error) {
	h, err := ParseHeader(stored)
	if err != nil {
		return nil, err
	}
	payload := stored[HeaderSize:]

	if h.Flags&FlagCompressed == 0 {
		if uint64(len(payload)) != h.RawLen {
			return nil, fmt.Errorf("%w: payload is %d bytes, header says %d", core.ErrCorrupt, len(payload), h.RawLen)
		}
		return payload, nil
	}

	switch h.Alg {
	case AlgZstd:
		out, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", core.ErrCorrupt, err)
		}
		if uint64(len(out)) != h.RawLen {
			return nil, fmt.Errorf("%w: zstd produced %d bytes, header says %d", core.ErrCorrupt, len(out), h.RawLen)
		}
		return out, nil
	case AlgLZ4:
		if h.RawLen > uint64(len(payload))*maxLZ4Ratio {
			return nil, fmt.Errorf("%w: lz4 header length %d exceeds the block bound", core.ErrCorrupt, h.RawLen)
		}
		out := make([]byte, h.RawLen)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", core.ErrCorrupt, err)
		}
		if uint64(n) != h.RawLen {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, header says %d", core.ErrCorrupt, n, h.RawLen)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrCorrupt, h.Alg)
	}
}
