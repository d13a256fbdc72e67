package cbobject

import (
	"encoding/json"
	"fmt"
	"mime"

	"github.com/agenthands/ddcstore/pkg/cidutil"
	"github.com/agenthands/ddcstore/pkg/core"
)

// Media types accepted and produced for refs.
const (
	MediaTypeJSON             = "application/json"
	MediaTypeOctet            = "application/octet-stream"
	MediaTypeCompactBinary    = "application/x-ue-cb"
	MediaTypeCompactBinaryPkg = "application/x-ue-cbpkg"
	MediaTypeCompressedBuffer = "application/x-ue-comp"
	MediaTypeInlinedPayload   = "application/x-jupiter-inline"
	MediaTypeProblemJSON      = "application/problem+json"
)

// PutPayloadKind is the shape of a ref put body.
type PutPayloadKind uint8

const (
	KindJSON PutPayloadKind = iota
	KindCompactBinary
	KindOctet
)

func (k PutPayloadKind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindCompactBinary:
		return "compact-binary"
	case KindOctet:
		return "octet"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ContentType returns the media type of the kind.
func (k PutPayloadKind) ContentType() string {
	switch k {
	case KindJSON:
		return MediaTypeJSON
	case KindOctet:
		return MediaTypeOctet
	default:
		return MediaTypeCompactBinary
	}
}

// ParsePutPayloadKind maps a Content-Type header to a payload kind.
func ParsePutPayloadKind(contentType string) (PutPayloadKind, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return 0, fmt.Errorf("%w: content type %q: %v", core.ErrInvalidInput, contentType, err)
	}
	switch mt {
	case MediaTypeJSON:
		return KindJSON, nil
	case MediaTypeCompactBinary:
		return KindCompactBinary, nil
	case MediaTypeOctet:
		return KindOctet, nil
	default:
		return 0, fmt.Errorf("%w: unknown request type %q, use %s to submit a blob", core.ErrInvalidInput, mt, MediaTypeOctet)
	}
}

// Conversion is the canonical form of a put payload.
type Conversion struct {
	Object *Object
	// Blob, when not nil, is the raw payload that the object references and
	// that must be stored before the object is put.
	Blob []byte
	// BlobID is the id of Blob.
	BlobID core.BlobID
}

// ToObject converts a put payload into its canonical object. Compact binary
// is parsed as is. JSON and octet payloads are stored as a blob and wrapped
// in a small object whose single binary attachment points at it.
func ToObject(kind PutPayloadKind, data []byte) (Conversion, error) {
	switch kind {
	case KindCompactBinary:
		o, err := Parse(data)
		if err != nil {
			return Conversion{}, err
		}
		return Conversion{Object: o}, nil
	case KindJSON:
		if !json.Valid(data) {
			return Conversion{}, fmt.Errorf("%w: payload is not valid json", core.ErrInvalidInput)
		}
		blob := cidutil.BlobIDOf(data)
		o, err := NewBuilder().AddBinaryAttachment("", blob).Build()
		if err != nil {
			return Conversion{}, err
		}
		return Conversion{Object: o, Blob: data, BlobID: blob}, nil
	case KindOctet:
		blob := cidutil.BlobIDOf(data)
		o, err := NewBuilder().
			AddBinaryAttachment("RawHash", blob).
			AddInteger("RawSize", int64(len(data))).
			Build()
		if err != nil {
			return Conversion{}, err
		}
		return Conversion{Object: o, Blob: data, BlobID: blob}, nil
	default:
		return Conversion{}, fmt.Errorf("%w: unknown payload kind %d", core.ErrInvalidInput, kind)
	}
}
