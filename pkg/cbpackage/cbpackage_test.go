package cbpackage

import (
	"errors"
	"sync"
	"testing"

	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/cidutil"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageRoundTrip(t *testing.T) {
	a, b := []byte("first attachment"), []byte("second attachment")
	root := cbobject.NewBuilder().
		AddBinaryAttachment("a", cidutil.BlobIDOf(a)).
		AddBinaryAttachment("b", cidutil.BlobIDOf(b)).
		MustBuild()

	builder := NewBuilder(root)
	var wg sync.WaitGroup
	for _, data := range [][]byte{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			builder.AddAttachment(cidutil.BlobIDOf(data), 0, data)
		}()
	}
	wg.Wait()
	builder.AddError(core.BlobID{0xee}, errors.New("blob missing"))

	encoded, err := builder.Bytes()
	require.NoError(t, err)

	// Concurrent adds must not change the encoding.
	again, err := builder.Bytes()
	require.NoError(t, err)
	assert.Equal(t, encoded, again)

	pkg, err := Parse(encoded)
	require.NoError(t, err)
	assert.Equal(t, root.Hash(), pkg.RootHash())
	require.Len(t, pkg.Attachments(), 3)

	var errorSeen bool
	for _, att := range pkg.Attachments() {
		if att.Flags.Has(FlagIsError) {
			errorSeen = true
			o, err := cbobject.Parse(att.Data)
			require.NoError(t, err)
			msg, ok := o.Find("error")
			require.True(t, ok)
			assert.Equal(t, "blob missing", msg.String)
			continue
		}
		assert.Equal(t, core.BlobID(att.Hash), cidutil.BlobIDOf(att.Data))
	}
	assert.True(t, errorSeen)
}

func TestParseRejectsBadRoot(t *testing.T) {
	root := cbobject.NewBuilder().AddString("x", "y").MustBuild()
	other := cbobject.NewBuilder().AddString("x", "z").MustBuild()

	data, err := encMode.Marshal(wirePackage{
		Root: Attachment{Hash: other.Hash(), Flags: FlagIsObject, Data: root.Bytes()},
	})
	require.NoError(t, err)
	_, err = Parse(data)
	var mismatch *core.HashMismatchError
	assert.True(t, errors.As(err, &mismatch))

	data, err = encMode.Marshal(wirePackage{
		Root: Attachment{Hash: root.Hash(), Flags: 0, Data: root.Bytes()},
	})
	require.NoError(t, err)
	_, err = Parse(data)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = Parse([]byte("not cbor at all"))
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}
