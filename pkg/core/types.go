package core

import (
	"encoding/hex"
	"fmt"
	"time"
)

// HashSize is the size in bytes of blob and content identifiers (a BLAKE3
// digest truncated to 160 bits).
const HashSize = 20

// BlobID is the content hash of an immutable byte sequence. It is the only
// valid identity for a blob.
type BlobID [HashSize]byte

// ContentID is an indirect identifier: the hash of a payload's decompressed
// bytes. It may be satisfied by a compressed blob, a raw blob, or nothing.
type ContentID [HashSize]byte

func (b BlobID) String() string { return hex.EncodeToString(b[:]) }
func (b BlobID) IsZero() bool   { return b == BlobID{} }

func (b BlobID) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *BlobID) UnmarshalText(text []byte) error {
	id, err := ParseBlobID(string(text))
	if err != nil {
		return err
	}
	*b = id
	return nil
}

func (c ContentID) String() string { return hex.EncodeToString(c[:]) }
func (c ContentID) IsZero() bool   { return c == ContentID{} }

// AsBlobID reinterprets the content id as the blob id of the raw payload.
func (c ContentID) AsBlobID() BlobID { return BlobID(c) }

func (c ContentID) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ContentID) UnmarshalText(text []byte) error {
	id, err := ParseContentID(string(text))
	if err != nil {
		return err
	}
	*c = id
	return nil
}

// ContentIDFromBlobID returns the content id whose raw representation is b.
func ContentIDFromBlobID(b BlobID) ContentID { return ContentID(b) }

// ParseBlobID parses a 40 character hex string.
func ParseBlobID(s string) (BlobID, error) {
	var id BlobID
	if err := parseHash(s, id[:]); err != nil {
		return BlobID{}, err
	}
	return id, nil
}

// ParseContentID parses a 40 character hex string.
func ParseContentID(s string) (ContentID, error) {
	var id ContentID
	if err := parseHash(s, id[:]); err != nil {
		return ContentID{}, err
	}
	return id, nil
}

func parseHash(s string, dst []byte) error {
	if len(s) != HashSize*2 {
		return fmt.Errorf("%w: hash %q must be %d hex characters", ErrInvalidInput, s, HashSize*2)
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("%w: hash %q: %v", ErrInvalidInput, s, err)
	}
	return nil
}

// HashKind tells which identifier space a ContentHash belongs to.
type HashKind uint8

const (
	KindBlob HashKind = iota
	KindContent
)

func (k HashKind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindContent:
		return "content"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ContentHash is an entry of a "needs" list: either a blob the client must
// upload or a content id it must provide.
type ContentHash struct {
	Kind HashKind
	Hash [HashSize]byte
}

func BlobHash(b BlobID) ContentHash         { return ContentHash{Kind: KindBlob, Hash: b} }
func ContentIDHash(c ContentID) ContentHash { return ContentHash{Kind: KindContent, Hash: c} }

func (h ContentHash) String() string { return hex.EncodeToString(h.Hash[:]) }

func (h ContentHash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// Needs is the ordered list of identifiers still missing for a ref: content
// ids first, then blobs.
type Needs []ContentHash

// NewNeeds builds a needs list from the two missing sets.
func NewNeeds(contentIDs []ContentID, blobs []BlobID) Needs {
	n := make(Needs, 0, len(contentIDs)+len(blobs))
	for _, c := range contentIDs {
		n = append(n, ContentIDHash(c))
	}
	for _, b := range blobs {
		n = append(n, BlobHash(b))
	}
	return n
}

// NamespaceID is the top level isolation domain.
type NamespaceID string

// BucketID groups keys inside a namespace.
type BucketID string

// RefID is the name of a cached entry within a bucket.
type RefID string

const maxNameLen = 128

// NewNamespaceID validates s as a namespace name.
func NewNamespaceID(s string) (NamespaceID, error) {
	if err := validateName("namespace", s); err != nil {
		return "", err
	}
	return NamespaceID(s), nil
}

// NewBucketID validates s as a bucket name.
func NewBucketID(s string) (BucketID, error) {
	if err := validateName("bucket", s); err != nil {
		return "", err
	}
	return BucketID(s), nil
}

// NewRefID validates s as a ref key.
func NewRefID(s string) (RefID, error) {
	if err := validateName("key", s); err != nil {
		return "", err
	}
	return RefID(s), nil
}

func validateName(kind, s string) error {
	if len(s) == 0 || len(s) > maxNameLen {
		return &InvalidNameError{Kind: kind, Name: s, Reason: fmt.Sprintf("length must be between 1 and %d", maxNameLen)}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return &InvalidNameError{Kind: kind, Name: s, Reason: fmt.Sprintf("invalid character %q", c)}
		}
	}
	return nil
}

// RefRecord is the metadata kept for one (namespace, bucket, key).
type RefRecord struct {
	Namespace      NamespaceID `cbor:"ns"`
	Bucket         BucketID    `cbor:"bucket"`
	Name           RefID       `cbor:"name"`
	BlobIdentifier BlobID      `cbor:"blob"`
	InlinePayload  []byte      `cbor:"inline,omitempty"`
	IsFinalized    bool        `cbor:"finalized"`
	LastAccess     time.Time   `cbor:"last_access"`
}

// CID represents binary CID bytes of a block inside a pack file.
type CID struct {
	Bytes []byte
}
