// Package cbpackage bundles a root object with the contents of its
// attachments so a client can fetch or upload a whole graph in one body.
package cbpackage

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

// Flags describe one attachment of a package.
type Flags uint8

const (
	FlagIsObject Flags = 1 << iota
	FlagIsCompressed
	FlagIsError
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Attachment is one entry of a package. For compressed attachments Hash is
// the content id of the decoded payload; otherwise it is the blob id of Data.
// Error attachments carry an object with "error" and "hash" fields.
type Attachment struct {
	Hash  [core.HashSize]byte `cbor:"1,keyasint"`
	Flags Flags               `cbor:"2,keyasint"`
	Data  []byte              `cbor:"3,keyasint"`
}

type wirePackage struct {
	Root        Attachment   `cbor:"1,keyasint"`
	Attachments []Attachment `cbor:"2,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cbpackage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
	if err != nil {
		panic("cbpackage: CBOR decoder initialization failed: " + err.Error())
	}
}

// Builder collects attachments. It is safe for concurrent use so attachments
// can be fetched in parallel.
type Builder struct {
	root *cbobject.Object

	mu          sync.Mutex
	attachments []Attachment
}

func NewBuilder(root *cbobject.Object) *Builder {
	return &Builder{root: root}
}

func (b *Builder) AddAttachment(hash [core.HashSize]byte, flags Flags, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachments = append(b.attachments, Attachment{Hash: hash, Flags: flags, Data: data})
}

// AddError records that an attachment could not be fetched.
func (b *Builder) AddError(hash [core.HashSize]byte, cause error) {
	o := cbobject.NewBuilder().
		AddString("error", cause.Error()).
		AddString("hash", core.BlobID(hash).String()).
		MustBuild()
	b.AddAttachment(hash, FlagIsError|FlagIsObject, o.Bytes())
}

// Bytes encodes the package. Attachments are ordered by hash.
func (b *Builder) Bytes() ([]byte, error) {
	b.mu.Lock()
	atts := make([]Attachment, len(b.attachments))
	copy(atts, b.attachments)
	b.mu.Unlock()

	sort.Slice(atts, func(i, j int) bool { return bytes.Compare(atts[i].Hash[:], atts[j].Hash[:]) < 0 })
	return encMode.Marshal(wirePackage{
		Root:        Attachment{Hash: b.root.Hash(), Flags: FlagIsObject, Data: b.root.Bytes()},
		Attachments: atts,
	})
}

// Package is a decoded package.
type Package struct {
	root        *cbobject.Object
	attachments []Attachment
}

// Parse decodes a package and checks that the root hash matches its object.
func Parse(data []byte) (*Package, error) {
	var w wirePackage
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: decode package: %v", core.ErrInvalidInput, err)
	}
	if !w.Root.Flags.Has(FlagIsObject) || w.Root.Flags.Has(FlagIsError) {
		return nil, fmt.Errorf("%w: package root must be an object", core.ErrInvalidInput)
	}
	root, err := cbobject.Parse(w.Root.Data)
	if err != nil {
		return nil, fmt.Errorf("package root: %w", err)
	}
	if root.Hash() != core.BlobID(w.Root.Hash) {
		return nil, &core.HashMismatchError{Supplied: w.Root.Hash, Actual: root.Hash()}
	}
	return &Package{root: root, attachments: w.Attachments}, nil
}

func (p *Package) Root() *cbobject.Object { return p.root }

func (p *Package) RootHash() core.BlobID { return p.root.Hash() }

func (p *Package) Attachments() []Attachment { return p.attachments }
