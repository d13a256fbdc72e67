package batch

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/core"
)

// Field names of the compact binary request and response.
const (
	fieldOps                = "ops"
	fieldOpID               = "opId"
	fieldOp                 = "op"
	fieldBucket             = "bucket"
	fieldKey                = "key"
	fieldResolveAttachments = "resolveAttachments"
	fieldPayload            = "payload"
	fieldPayloadHash        = "payloadHash"
	fieldResults            = "results"
	fieldResponse           = "response"
	fieldStatusCode         = "statusCode"
)

// DecodeRequest reads the ops of a batch request object.
func DecodeRequest(req *cbobject.Object) ([]Op, error) {
	v, ok := req.Find(fieldOps)
	if !ok || v.Kind != cbobject.KindArray {
		return nil, fmt.Errorf("%w: batch request has no %q array", core.ErrInvalidInput, fieldOps)
	}

	ops := make([]Op, 0, len(v.Array))
	for i, item := range v.Array {
		if item.Kind != cbobject.KindObject {
			return nil, fmt.Errorf("%w: op %d is not an object", core.ErrInvalidInput, i)
		}
		op, err := decodeOp(item.Object)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeOp(o *cbobject.Object) (Op, error) {
	var op Op

	id, ok := o.Find(fieldOpID)
	if !ok || id.Kind != cbobject.KindInteger || id.Int < 0 || id.Int > math.MaxUint32 {
		return Op{}, fmt.Errorf("%w: missing or invalid %s", core.ErrInvalidInput, fieldOpID)
	}
	op.OpID = uint32(id.Int)

	typ, ok := o.Find(fieldOp)
	if !ok || typ.Kind != cbobject.KindString {
		return Op{}, fmt.Errorf("%w: missing %s", core.ErrInvalidInput, fieldOp)
	}
	op.Type = OpType(typ.String)

	if v, ok := o.Find(fieldBucket); ok && v.Kind == cbobject.KindString {
		op.Bucket = core.BucketID(v.String)
	}
	if v, ok := o.Find(fieldKey); ok && v.Kind == cbobject.KindString {
		op.Key = core.RefID(v.String)
	}
	if v, ok := o.Find(fieldResolveAttachments); ok && v.Kind == cbobject.KindBool {
		op.ResolveAttachments = v.Bool
	}
	if v, ok := o.Find(fieldPayload); ok && v.Kind == cbobject.KindObject {
		op.Payload = v.Object
	}
	if v, ok := o.Find(fieldPayloadHash); ok {
		if v.Kind != cbobject.KindBytes || len(v.Bytes) != core.HashSize {
			return Op{}, fmt.Errorf("%w: %s must be %d bytes", core.ErrInvalidInput, fieldPayloadHash, core.HashSize)
		}
		copy(op.PayloadHash[:], v.Bytes)
	} else if op.Payload != nil {
		op.PayloadHash = op.Payload.Hash()
	}
	return op, nil
}

// EncodeRequest builds the request object for ops.
func EncodeRequest(ops []Op) (*cbobject.Object, error) {
	items := make([]cbobject.Value, 0, len(ops))
	for _, op := range ops {
		b := cbobject.NewBuilder().
			AddInteger(fieldOpID, int64(op.OpID)).
			AddString(fieldOp, string(op.Type)).
			AddString(fieldBucket, string(op.Bucket)).
			AddString(fieldKey, string(op.Key)).
			AddBool(fieldResolveAttachments, op.ResolveAttachments)
		if op.Payload != nil {
			b.AddObject(fieldPayload, op.Payload).AddBytes(fieldPayloadHash, op.PayloadHash[:])
		}
		o, err := b.Build()
		if err != nil {
			return nil, err
		}
		items = append(items, cbobject.Nested(o))
	}
	return cbobject.NewBuilder().AddArray(fieldOps, items...).Build()
}

// EncodeResults builds the response object, ordered by op id.
func EncodeResults(results map[uint32]Result) (*cbobject.Object, error) {
	ids := make([]uint32, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	items := make([]cbobject.Value, 0, len(ids))
	for _, id := range ids {
		r := results[id]
		b := cbobject.NewBuilder().AddInteger(fieldOpID, int64(id))
		if r.Response != nil {
			b.AddObject(fieldResponse, r.Response)
		} else {
			b.AddNull(fieldResponse)
		}
		o, err := b.AddInteger(fieldStatusCode, int64(r.StatusCode)).Build()
		if err != nil {
			return nil, err
		}
		items = append(items, cbobject.Nested(o))
	}
	return cbobject.NewBuilder().AddArray(fieldResults, items...).Build()
}

// NeedsObject is the response of a put: {"needs": ["<hex>", ...]}.
func NeedsObject(needs core.Needs) (*cbobject.Object, error) {
	vs := make([]cbobject.Value, len(needs))
	for i, h := range needs {
		vs[i] = cbobject.String(h.String())
	}
	return cbobject.NewBuilder().AddArray("needs", vs...).Build()
}

// ErrorObject describes err the way the single-op endpoints do.
func ErrorObject(err error) *cbobject.Object {
	b := cbobject.NewBuilder().
		AddString("title", core.Title(err)).
		AddInteger("status", int64(core.StatusCode(err))).
		AddString("detail", err.Error())

	var conflict *core.RefAlreadyExistsError
	if errors.As(err, &conflict) {
		b.AddString("existingHash", conflict.Old.BlobIdentifier.String())
	}
	return b.MustBuild()
}
