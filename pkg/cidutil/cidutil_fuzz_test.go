package cidutil

import (
	"testing"

	"github.com/agenthands/ddcstore/pkg/core"
)

func FuzzCIDVerify(f *testing.F) {
	builder := NewBuilder()

	payload := []byte("hello world payload")
	good, _ := builder.ChunkCID(payload)
	f.Add(good.Bytes, payload)

	flipped := append([]byte(nil), good.Bytes...)
	flipped[3] ^= 0x01
	f.Add(flipped, payload)
	f.Add(good.Bytes, []byte("hello world paylaod"))
	f.Add([]byte("not a cid at all"), payload)
	f.Add([]byte{}, payload)

	f.Fuzz(func(t *testing.T, cidBytes []byte, data []byte) {
		_ = builder.Verify(core.CID{Bytes: cidBytes}, data)
	})
}

func FuzzHasherSplit(f *testing.F) {
	f.Add([]byte("compiled shader bytecode"), uint16(7))
	f.Add([]byte{}, uint16(0))

	f.Fuzz(func(t *testing.T, data []byte, split uint16) {
		at := int(split)
		if at > len(data) {
			at = len(data)
		}
		h := NewHasher()
		_, _ = h.Write(data[:at])
		_, _ = h.Write(data[at:])
		if h.Sum() != IoHash(data) {
			t.Fatalf("split at %d changed the hash", at)
		}
	})
}
