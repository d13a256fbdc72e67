package cbobject

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/agenthands/ddcstore/pkg/core"
)

// ToJSON renders o as a JSON object with fields in order. Attachments become
// their hex hash and byte strings become standard base64.
func ToJSON(o *Object) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeObjectJSON(&buf, o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeObjectJSON(buf *bytes.Buffer, o *Object) error {
	buf.WriteByte('{')
	for i, f := range o.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return err
		}
		buf.Write(name)
		buf.WriteByte(':')
		if err := writeValueJSON(buf, f.Value); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeValueJSON(buf *bytes.Buffer, v Value) error {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.Bool))
	case KindInteger:
		buf.WriteString(strconv.FormatInt(v.Int, 10))
	case KindUint:
		buf.WriteString(strconv.FormatUint(v.Uint, 10))
	case KindFloat:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return fmt.Errorf("%w: %v has no JSON form", core.ErrInvalidInput, v.Float)
		}
		buf.WriteString(strconv.FormatFloat(v.Float, 'g', -1, 64))
	case KindString:
		s, err := json.Marshal(v.String)
		if err != nil {
			return err
		}
		buf.Write(s)
	case KindBytes:
		buf.WriteByte('"')
		buf.WriteString(base64.StdEncoding.EncodeToString(v.Bytes))
		buf.WriteByte('"')
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.Array {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValueJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		return writeObjectJSON(buf, v.Object)
	case KindBinaryAttachment, KindObjectAttachment, KindContentIDAttachment:
		buf.WriteByte('"')
		buf.WriteString(hex.EncodeToString(v.Hash[:]))
		buf.WriteByte('"')
	default:
		return fmt.Errorf("%w: unknown value kind %d", core.ErrInvalidInput, v.Kind)
	}
	return nil
}

// FromJSON builds an object from a JSON object, keeping key order. Numbers
// that are integral become integers; everything else maps to the obvious
// kind. JSON cannot express attachments.
func FromJSON(data []byte) (*Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: json: %v", core.ErrInvalidInput, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: json payload must be an object", core.ErrInvalidInput)
	}
	fields, err := readFieldsJSON(dec, 0)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after json object", core.ErrInvalidInput)
	}
	return New(fields...)
}

// readFieldsJSON reads key/value pairs up to and including the closing '}'.
func readFieldsJSON(dec *json.Decoder, depth int) ([]Field, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: json nesting exceeds %d", core.ErrInvalidInput, MaxDepth)
	}
	var fields []Field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: json: %v", core.ErrInvalidInput, err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: json object key expected", core.ErrInvalidInput)
		}
		v, err := readValueJSON(dec, depth)
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Name: name, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: json: %v", core.ErrInvalidInput, err)
	}
	return fields, nil
}

func readValueJSON(dec *json.Decoder, depth int) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, fmt.Errorf("%w: json: %v", core.ErrInvalidInput, err)
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Integer(i), nil
		}
		if u, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
			return Uint(u), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: json number %s: %v", core.ErrInvalidInput, t, err)
		}
		return Float(f), nil
	case json.Delim:
		switch t {
		case '{':
			fields, err := readFieldsJSON(dec, depth+1)
			if err != nil {
				return Value{}, err
			}
			nested, err := New(fields...)
			if err != nil {
				return Value{}, err
			}
			return Nested(nested), nil
		case '[':
			if depth+1 > MaxDepth {
				return Value{}, fmt.Errorf("%w: json nesting exceeds %d", core.ErrInvalidInput, MaxDepth)
			}
			items := []Value{}
			for dec.More() {
				v, err := readValueJSON(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				items = append(items, v)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, fmt.Errorf("%w: json: %v", core.ErrInvalidInput, err)
			}
			return Array(items...), nil
		}
	}
	return Value{}, fmt.Errorf("%w: unexpected json token %v", core.ErrInvalidInput, tok)
}
