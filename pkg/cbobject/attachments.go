package cbobject

import (
	"errors"

	"github.com/agenthands/ddcstore/pkg/core"
)

// Attachment is one attachment field found in an object.
type Attachment struct {
	Kind  Kind
	Hash  [core.HashSize]byte
	Field string
}

func (a Attachment) BlobID() core.BlobID       { return core.BlobID(a.Hash) }
func (a Attachment) ContentID() core.ContentID { return core.ContentID(a.Hash) }

// errStop ends an iteration early without reporting an error.
var errStop = errors.New("stop")

// IterateAttachments calls fn for every attachment in field order, descending
// into inline objects and arrays. Referenced objects are not fetched.
func (o *Object) IterateAttachments(fn func(Attachment) error) error {
	for _, f := range o.fields {
		if err := iterateValue(f.Name, f.Value, fn); err != nil {
			return err
		}
	}
	return nil
}

func iterateValue(name string, v Value, fn func(Attachment) error) error {
	switch {
	case v.Kind.IsAttachment():
		return fn(Attachment{Kind: v.Kind, Hash: v.Hash, Field: name})
	case v.Kind == KindArray:
		for _, item := range v.Array {
			if err := iterateValue(name, item, fn); err != nil {
				return err
			}
		}
	case v.Kind == KindObject && v.Object != nil:
		return v.Object.IterateAttachments(fn)
	}
	return nil
}

// Attachments returns every attachment in field order.
func (o *Object) Attachments() []Attachment {
	var out []Attachment
	_ = o.IterateAttachments(func(a Attachment) error {
		out = append(out, a)
		return nil
	})
	return out
}

// SingleBinaryAttachment returns the attachment when the object has exactly
// one attachment and it is a binary attachment.
func (o *Object) SingleBinaryAttachment() (core.BlobID, bool) {
	var (
		count int
		found *Attachment
	)
	err := o.IterateAttachments(func(a Attachment) error {
		count++
		if count > 1 {
			return errStop
		}
		if a.Kind == KindBinaryAttachment {
			found = &a
		}
		return nil
	})
	if err != nil || count != 1 || found == nil {
		return core.BlobID{}, false
	}
	return found.BlobID(), true
}
