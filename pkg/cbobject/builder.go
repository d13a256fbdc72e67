package cbobject

import (
	"github.com/agenthands/ddcstore/pkg/core"
)

// Builder appends fields in order and encodes the object on Build.
type Builder struct {
	fields []Field
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Add(name string, v Value) *Builder {
	b.fields = append(b.fields, Field{Name: name, Value: v})
	return b
}

func (b *Builder) AddNull(name string) *Builder             { return b.Add(name, Null()) }
func (b *Builder) AddBool(name string, v bool) *Builder     { return b.Add(name, Bool(v)) }
func (b *Builder) AddInteger(name string, v int64) *Builder { return b.Add(name, Integer(v)) }
func (b *Builder) AddUint(name string, v uint64) *Builder   { return b.Add(name, Uint(v)) }
func (b *Builder) AddFloat(name string, v float64) *Builder { return b.Add(name, Float(v)) }
func (b *Builder) AddString(name, v string) *Builder        { return b.Add(name, String(v)) }
func (b *Builder) AddBytes(name string, v []byte) *Builder  { return b.Add(name, Bytes(v)) }
func (b *Builder) AddArray(name string, vs ...Value) *Builder {
	return b.Add(name, Array(vs...))
}
func (b *Builder) AddObject(name string, o *Object) *Builder { return b.Add(name, Nested(o)) }

func (b *Builder) AddBinaryAttachment(name string, blob core.BlobID) *Builder {
	return b.Add(name, BinaryAttachment(blob))
}

func (b *Builder) AddObjectAttachment(name string, blob core.BlobID) *Builder {
	return b.Add(name, ObjectAttachment(blob))
}

func (b *Builder) AddContentIDAttachment(name string, id core.ContentID) *Builder {
	return b.Add(name, ContentIDAttachment(id))
}

// Build encodes the fields added so far.
func (b *Builder) Build() (*Object, error) {
	fields := make([]Field, len(b.fields))
	copy(fields, b.fields)
	return New(fields...)
}

// MustBuild is Build for fixed objects known to be valid.
func (b *Builder) MustBuild() *Object {
	o, err := b.Build()
	if err != nil {
		panic(err)
	}
	return o
}
