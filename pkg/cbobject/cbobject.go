// Package cbobject implements the structured object: an ordered document of
// named fields whose attachment fields are the edges of the blob graph.
//
// The wire format is deterministic CBOR. An object is tag 27001 wrapping an
// array of [name, value] pairs; attachments are tags 27002 (binary), 27003
// (object) and 27004 (content id) wrapping the 20 byte hash.
package cbobject

import (
	"bytes"
	"fmt"
	"math"

	"github.com/agenthands/ddcstore/pkg/cidutil"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

// CBOR tag numbers of the wire format.
const (
	TagObject           = 27001
	TagBinaryAttachment = 27002
	TagObjectAttachment = 27003
	TagContentID        = 27004
)

// MaxDepth bounds nesting of inline objects and arrays.
const MaxDepth = 64

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cbobject: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  MaxDepth*2 + 4,
		MaxArrayElements: 1 << 20,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("cbobject: CBOR decoder initialization failed: " + err.Error())
	}
}

// Kind is the type of a field value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInteger // fits in int64
	KindUint    // above math.MaxInt64
	KindFloat
	KindString
	KindBytes
	KindArray
	KindObject
	KindBinaryAttachment
	KindObjectAttachment
	KindContentIDAttachment
)

var kindNames = [...]string{
	KindNull:                "null",
	KindBool:                "bool",
	KindInteger:             "integer",
	KindUint:                "uint",
	KindFloat:               "float",
	KindString:              "string",
	KindBytes:               "bytes",
	KindArray:               "array",
	KindObject:              "object",
	KindBinaryAttachment:    "binary-attachment",
	KindObjectAttachment:    "object-attachment",
	KindContentIDAttachment: "content-id-attachment",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// IsAttachment reports whether values of this kind reference other content.
func (k Kind) IsAttachment() bool {
	return k == KindBinaryAttachment || k == KindObjectAttachment || k == KindContentIDAttachment
}

// Value is one field value. Only the member matching Kind is meaningful.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Uint   uint64
	Float  float64
	String string
	Bytes  []byte
	Array  []Value
	Object *Object
	Hash   [core.HashSize]byte
}

func Null() Value             { return Value{Kind: KindNull} }
func Bool(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func Integer(i int64) Value   { return Value{Kind: KindInteger, Int: i} }
func Float(f float64) Value   { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value   { return Value{Kind: KindString, String: s} }
func Bytes(b []byte) Value    { return Value{Kind: KindBytes, Bytes: b} }
func Array(vs ...Value) Value { return Value{Kind: KindArray, Array: vs} }
func Nested(o *Object) Value  { return Value{Kind: KindObject, Object: o} }

func BinaryAttachment(b core.BlobID) Value       { return Value{Kind: KindBinaryAttachment, Hash: b} }
func ObjectAttachment(b core.BlobID) Value       { return Value{Kind: KindObjectAttachment, Hash: b} }
func ContentIDAttachment(c core.ContentID) Value { return Value{Kind: KindContentIDAttachment, Hash: c} }

// Uint keeps values that fit in int64 as KindInteger so that a decoded
// object compares equal to the one that was built.
func Uint(u uint64) Value {
	if u <= math.MaxInt64 {
		return Integer(int64(u))
	}
	return Value{Kind: KindUint, Uint: u}
}

// Field is a named value.
type Field struct {
	Name  string
	Value Value
}

// Object is an ordered list of fields. Objects are immutable once built or
// parsed; the encoded form is computed once.
type Object struct {
	fields  []Field
	encoded []byte
}

// New builds an object from fields.
func New(fields ...Field) (*Object, error) {
	o := &Object{fields: fields}
	enc, err := o.encode()
	if err != nil {
		return nil, err
	}
	o.encoded = enc
	return o, nil
}

// Fields returns the fields in order. The slice must not be modified.
func (o *Object) Fields() []Field { return o.fields }

// Len returns the number of fields.
func (o *Object) Len() int { return len(o.fields) }

// Find returns the first field called name.
func (o *Object) Find(name string) (Value, bool) {
	for _, f := range o.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Bytes returns the canonical encoding.
func (o *Object) Bytes() []byte { return o.encoded }

// Hash returns the blob id of the canonical encoding.
func (o *Object) Hash() core.BlobID { return cidutil.BlobIDOf(o.encoded) }

// Equal reports whether both objects have the same encoding.
func (o *Object) Equal(other *Object) bool {
	return bytes.Equal(o.encoded, other.encoded)
}

func (o *Object) encode() ([]byte, error) {
	tree, err := objectTree(o, 0)
	if err != nil {
		return nil, err
	}
	b, err := encMode.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("%w: encode object: %v", core.ErrInvalidInput, err)
	}
	return b, nil
}

func objectTree(o *Object, depth int) (cbor.Tag, error) {
	if depth > MaxDepth {
		return cbor.Tag{}, fmt.Errorf("%w: object nesting exceeds %d", core.ErrInvalidInput, MaxDepth)
	}
	pairs := make([]any, 0, len(o.fields))
	for _, f := range o.fields {
		v, err := valueTree(f.Value, depth)
		if err != nil {
			return cbor.Tag{}, fmt.Errorf("field %q: %w", f.Name, err)
		}
		pairs = append(pairs, []any{f.Name, v})
	}
	return cbor.Tag{Number: TagObject, Content: pairs}, nil
}

func valueTree(v Value, depth int) (any, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return v.Bool, nil
	case KindInteger:
		return v.Int, nil
	case KindUint:
		return v.Uint, nil
	case KindFloat:
		return v.Float, nil
	case KindString:
		return v.String, nil
	case KindBytes:
		if v.Bytes == nil {
			return []byte{}, nil
		}
		return v.Bytes, nil
	case KindArray:
		if depth+1 > MaxDepth {
			return nil, fmt.Errorf("%w: array nesting exceeds %d", core.ErrInvalidInput, MaxDepth)
		}
		items := make([]any, 0, len(v.Array))
		for _, item := range v.Array {
			t, err := valueTree(item, depth+1)
			if err != nil {
				return nil, err
			}
			items = append(items, t)
		}
		return items, nil
	case KindObject:
		if v.Object == nil {
			return nil, fmt.Errorf("%w: nil nested object", core.ErrInvalidInput)
		}
		return objectTree(v.Object, depth+1)
	case KindBinaryAttachment:
		return cbor.Tag{Number: TagBinaryAttachment, Content: v.Hash[:]}, nil
	case KindObjectAttachment:
		return cbor.Tag{Number: TagObjectAttachment, Content: v.Hash[:]}, nil
	case KindContentIDAttachment:
		return cbor.Tag{Number: TagContentID, Content: v.Hash[:]}, nil
	default:
		return nil, fmt.Errorf("%w: unknown value kind %d", core.ErrInvalidInput, v.Kind)
	}
}

// Parse decodes an encoded object. Parsing re-encodes the result and rejects
// input that is not in canonical form, so Hash always matches the input.
func Parse(data []byte) (*Object, error) {
	var raw any
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode object: %v", core.ErrInvalidInput, err)
	}
	o, err := objectFromTree(raw, 0)
	if err != nil {
		return nil, err
	}
	enc, err := o.encode()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(enc, data) {
		return nil, fmt.Errorf("%w: object is not canonically encoded", core.ErrInvalidInput)
	}
	o.encoded = bytes.Clone(data)
	return o, nil
}

func objectFromTree(raw any, depth int) (*Object, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: object nesting exceeds %d", core.ErrInvalidInput, MaxDepth)
	}
	tag, ok := raw.(cbor.Tag)
	if !ok || tag.Number != TagObject {
		return nil, fmt.Errorf("%w: expected object tag %d", core.ErrInvalidInput, TagObject)
	}
	pairs, ok := tag.Content.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: object content must be an array", core.ErrInvalidInput)
	}

	o := &Object{fields: make([]Field, 0, len(pairs))}
	for i, p := range pairs {
		pair, ok := p.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("%w: field %d is not a [name, value] pair", core.ErrInvalidInput, i)
		}
		name, ok := pair[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: field %d name is not a string", core.ErrInvalidInput, i)
		}
		v, err := valueFromTree(pair[1], depth)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		o.fields = append(o.fields, Field{Name: name, Value: v})
	}
	return o, nil
}

func valueFromTree(raw any, depth int) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(v), nil
	case uint64:
		return Uint(v), nil
	case int64:
		return Integer(v), nil
	case float64:
		return Float(v), nil
	case string:
		return String(v), nil
	case []byte:
		return Bytes(v), nil
	case []any:
		if depth+1 > MaxDepth {
			return Value{}, fmt.Errorf("%w: array nesting exceeds %d", core.ErrInvalidInput, MaxDepth)
		}
		items := make([]Value, 0, len(v))
		for _, item := range v {
			iv, err := valueFromTree(item, depth+1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, iv)
		}
		return Array(items...), nil
	case cbor.Tag:
		switch v.Number {
		case TagObject:
			nested, err := objectFromTree(v, depth+1)
			if err != nil {
				return Value{}, err
			}
			enc, err := nested.encode()
			if err != nil {
				return Value{}, err
			}
			nested.encoded = enc
			return Nested(nested), nil
		case TagBinaryAttachment, TagObjectAttachment, TagContentID:
			h, ok := v.Content.([]byte)
			if !ok || len(h) != core.HashSize {
				return Value{}, fmt.Errorf("%w: attachment must be a %d byte string", core.ErrInvalidInput, core.HashSize)
			}
			val := Value{Kind: KindBinaryAttachment}
			switch v.Number {
			case TagObjectAttachment:
				val.Kind = KindObjectAttachment
			case TagContentID:
				val.Kind = KindContentIDAttachment
			}
			copy(val.Hash[:], h)
			return val, nil
		default:
			return Value{}, fmt.Errorf("%w: unsupported tag %d", core.ErrInvalidInput, v.Number)
		}
	default:
		return Value{}, fmt.Errorf("%w: unsupported value type %T", core.ErrInvalidInput, raw)
	}
}
