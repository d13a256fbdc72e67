package blobstore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/agenthands/ddcstore/pkg/cidutil"
	"github.com/agenthands/ddcstore/pkg/core"
	"pgregory.net/rapid"
)

// A put succeeds only when the claimed id is the hash of the bytes, and a
// successful put is readable under exactly that id.
func TestContentAddressingProperty(t *testing.T) {
	for _, kind := range []string{core.BlobsMemory, core.BlobsPack} {
		t.Run(kind, func(t *testing.T) {
			s := newTestStore(t, kind)
			ctx := context.Background()

			rapid.Check(t, func(rt *rapid.T) {
				data := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(rt, "data")
				actual := cidutil.BlobIDOf(data)

				var claimed core.BlobID
				if rapid.Bool().Draw(rt, "honest") {
					claimed = actual
				} else {
					raw := rapid.SliceOfN(rapid.Byte(), core.HashSize, core.HashSize).Draw(rt, "claimed")
					copy(claimed[:], raw)
				}

				id, err := s.Put(ctx, "prop", data, claimed)
				if claimed != actual && !claimed.IsZero() {
					var mismatch *core.HashMismatchError
					if !errors.As(err, &mismatch) {
						rt.Fatalf("expected hash mismatch, got %v", err)
					}
					return
				}
				if err != nil {
					rt.Fatalf("put failed: %v", err)
				}
				if id != actual {
					rt.Fatalf("put returned %s, want %s", id, actual)
				}

				got, err := s.Get(ctx, "prop", id)
				if err != nil {
					rt.Fatalf("get failed: %v", err)
				}
				if !bytes.Equal(got.Data, data) {
					rt.Fatalf("read back %d bytes, want %d", len(got.Data), len(data))
				}
			})
		})
	}
}
