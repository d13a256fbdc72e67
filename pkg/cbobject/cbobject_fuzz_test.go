package cbobject

import (
	"testing"

	"github.com/agenthands/ddcstore/pkg/core"
)

func FuzzParse(f *testing.F) {
	f.Add(NewBuilder().AddString("a", "b").MustBuild().Bytes())
	f.Add(NewBuilder().AddBinaryAttachment("x", core.BlobID{1}).AddArray("l", Integer(-1)).MustBuild().Bytes())
	f.Add([]byte{})
	f.Add([]byte{0xd9, 0x69, 0x79, 0x80})

	f.Fuzz(func(t *testing.T, data []byte) {
		o, err := Parse(data)
		if err != nil {
			return
		}
		// Anything accepted must survive a round trip unchanged.
		again, err := Parse(o.Bytes())
		if err != nil {
			t.Fatalf("re-parse of accepted object failed: %v", err)
		}
		if again.Hash() != o.Hash() {
			t.Fatalf("hash changed across round trip")
		}
		_ = o.Attachments()
	})
}
