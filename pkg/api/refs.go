package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/agenthands/ddcstore/pkg/batch"
	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/cbpackage"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/refs"
	"github.com/sourcegraph/conc/pool"
)

// Response formats of a ref get.
const (
	FormatJSON    = "json"
	FormatRaw     = "raw"
	FormatCB      = "cb"
	FormatPackage = "cbpkg"
	FormatInline  = "inline"
)

var formatsByMediaType = map[string]string{
	cbobject.MediaTypeJSON:             FormatJSON,
	cbobject.MediaTypeOctet:            FormatRaw,
	cbobject.MediaTypeCompactBinary:    FormatCB,
	cbobject.MediaTypeCompactBinaryPkg: FormatPackage,
	cbobject.MediaTypeInlinedPayload:   FormatInline,
}

// responseFormat picks the format from ?format= or, failing that, the first
// Accept entry we can produce. JSON is the default.
func responseFormat(r *http.Request) (string, error) {
	if f := r.URL.Query().Get("format"); f != "" {
		switch f {
		case FormatJSON, FormatRaw, FormatCB, FormatPackage, FormatInline:
			return f, nil
		}
		return "", fmt.Errorf("%w: unknown format %q", core.ErrInvalidInput, f)
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if f, ok := formatsByMediaType[mt]; ok {
			return f, nil
		}
	}
	return FormatJSON, nil
}

func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	namespaces, err := s.store.Refs().GetNamespaces(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	visible := make([]core.NamespaceID, 0, len(namespaces))
	for _, ns := range namespaces {
		if s.auth.Authorize(r, ns, ActionReadObject) == nil {
			visible = append(visible, ns)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": visible})
}

func (s *Server) handleEnumerateBucket(w http.ResponseWriter, r *http.Request) {
	ns, bucket, err := pathBucket(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionEnumerateBucket) {
		return
	}
	records, err := s.store.Refs().GetRecordsInBucket(r.Context(), ns, bucket)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	names := make([]core.RefID, len(records))
	for i, rec := range records {
		names[i] = rec.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": names})
}

func (s *Server) handleGetRef(w http.ResponseWriter, r *http.Request) {
	ns, bucket, key, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionReadObject) {
		return
	}
	format, err := responseFormat(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	ref, err := s.store.Refs().Get(ctx, ns, bucket, key, refs.GetOptions{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	obj, err := ref.Object()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(HeaderIoHash, ref.Record.BlobIdentifier.String())

	switch format {
	case FormatJSON:
		data, err := cbobject.ToJSON(obj)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeBytes(w, cbobject.MediaTypeJSON, data)
	case FormatCB:
		writeBytes(w, cbobject.MediaTypeCompactBinary, obj.Bytes())
	case FormatRaw:
		if blob, ok := obj.SingleBinaryAttachment(); ok {
			s.writeBlob(w, r, ns, blob)
			return
		}
		writeBytes(w, cbobject.MediaTypeOctet, obj.Bytes())
	case FormatInline:
		if blob, ok := obj.SingleBinaryAttachment(); ok {
			s.writeBlob(w, r, ns, blob)
			return
		}
		if len(obj.Attachments()) > 0 {
			s.writeError(w, r, fmt.Errorf("%w: object has more than a single binary attachment and cannot be inlined", core.ErrInvalidInput))
			return
		}
		writeBytes(w, cbobject.MediaTypeOctet, obj.Bytes())
	case FormatPackage:
		data, err := s.buildPackage(ctx, ns, obj)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeBytes(w, cbobject.MediaTypeCompactBinaryPkg, data)
	}
}

func (s *Server) writeBlob(w http.ResponseWriter, r *http.Request, ns core.NamespaceID, blob core.BlobID) {
	c, err := s.store.Blobs().Get(r.Context(), ns, blob)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBytes(w, cbobject.MediaTypeOctet, c.Data)
}

// buildPackage fetches every attachment reachable from root. Attachments
// that cannot be read become error entries instead of failing the request.
func (s *Server) buildPackage(ctx context.Context, ns core.NamespaceID, root *cbobject.Object) ([]byte, error) {
	atts, err := s.store.Resolver().GetAttachments(ctx, ns, root)
	if err != nil {
		return nil, err
	}
	b := cbpackage.NewBuilder(root)
	p := pool.New().WithMaxGoroutines(max(1, s.store.Config().Refs.MaxParallelResolve)).WithContext(ctx)
	for _, a := range atts {
		p.Go(func(ctx context.Context) error {
			switch a.Kind {
			case cbobject.KindContentIDAttachment:
				c, err := s.store.Blobs().GetCompressed(ctx, ns, a.ContentID())
				if err != nil {
					b.AddError(a.Hash, err)
					return nil
				}
				var flags cbpackage.Flags
				if c.Compressed {
					flags |= cbpackage.FlagIsCompressed
				}
				b.AddAttachment(a.Hash, flags, c.Data)
			default:
				c, err := s.store.Blobs().Get(ctx, ns, a.BlobID())
				if err != nil {
					b.AddError(a.Hash, err)
					return nil
				}
				var flags cbpackage.Flags
				if a.Kind == cbobject.KindObjectAttachment {
					flags |= cbpackage.FlagIsObject
				}
				b.AddAttachment(a.Hash, flags, c.Data)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return b.Bytes()
}

func (s *Server) handleHeadRef(w http.ResponseWriter, r *http.Request) {
	ns, bucket, key, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionReadObject) {
		return
	}
	if err := s.store.Refs().Head(r.Context(), ns, bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	ns, bucket, key, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionReadObject) {
		return
	}
	fields := r.URL.Query()["fields"]
	ref, err := s.store.Refs().Get(r.Context(), ns, bucket, key, refs.GetOptions{Fields: fields})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ref.Metadata(fields))
}

func (s *Server) handleReferences(w http.ResponseWriter, r *http.Request) {
	ns, bucket, key, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionReadObject) {
		return
	}
	ignoreMissing, _ := strconv.ParseBool(r.URL.Query().Get("ignoreMissing"))
	blobs, err := s.store.Refs().GetReferencedBlobs(r.Context(), ns, bucket, key, ignoreMissing)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"references": blobs})
}

func (s *Server) handleReplicationState(w http.ResponseWriter, r *http.Request) {
	ns, bucket, key, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionReadObject) {
		return
	}
	state, err := s.store.Refs().GetReplicationState(r.Context(), ns, bucket, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blobs": state})
}

type missingRef struct {
	Bucket core.BucketID `json:"bucket"`
	Key    core.RefID    `json:"key"`
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	ns, err := pathNamespace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionReadObject) {
		return
	}
	raw := r.URL.Query()["names"]
	names := make([]refs.Name, 0, len(raw))
	for _, n := range raw {
		name, err := refs.ParseName(n)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		names = append(names, name)
	}

	missing, err := s.store.Refs().Exists(r.Context(), ns, names)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]missingRef, len(missing))
	for i, m := range missing {
		out[i] = missingRef{Bucket: m.Bucket, Key: m.Key}
	}
	writeJSON(w, http.StatusOK, map[string]any{"missing": out})
}

func (s *Server) handlePutRef(w http.ResponseWriter, r *http.Request) {
	ns, bucket, key, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionWriteObject) {
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := refs.PutOptions{}
	opts.AllowOverwrite = flag(r.URL.Query().Get("allowOverwrite")) || flag(r.Header.Get(HeaderAllowOverwrite))

	ctx := r.Context()
	var obj *cbobject.Object
	contentType := r.Header.Get("Content-Type")
	if mt, _, _ := mime.ParseMediaType(contentType); mt == cbobject.MediaTypeCompactBinaryPkg {
		obj, err = s.storePackage(ctx, ns, body)
	} else {
		obj, err = s.storePayload(ctx, ns, contentType, r.Header.Get(HeaderIoHash), body)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	needs, err := s.store.Refs().Put(ctx, ns, bucket, key, obj.Hash(), obj, opts)
	var conflict *core.RefAlreadyExistsError
	if errors.As(err, &conflict) {
		s.writeConflict(w, r, conflict)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeNeeds(w, needs)
}

// storePayload converts a single-body put into its object, storing the raw
// payload as a blob when the object references it.
func (s *Server) storePayload(ctx context.Context, ns core.NamespaceID, contentType, hashHeader string, body []byte) (*cbobject.Object, error) {
	kind, err := cbobject.ParsePutPayloadKind(contentType)
	if err != nil {
		return nil, err
	}
	conv, err := cbobject.ToObject(kind, body)
	if err != nil {
		return nil, err
	}

	var claimed core.BlobID
	if hashHeader != "" {
		if claimed, err = core.ParseBlobID(hashHeader); err != nil {
			return nil, err
		}
	}
	if conv.Blob == nil {
		if !claimed.IsZero() && claimed != conv.Object.Hash() {
			return nil, &core.HashMismatchError{Supplied: claimed, Actual: conv.Object.Hash()}
		}
		return conv.Object, nil
	}
	if _, err := s.store.Blobs().Put(ctx, ns, conv.Blob, claimed); err != nil {
		return nil, err
	}
	return conv.Object, nil
}

// storePackage uploads the attachments of a package and returns its root.
func (s *Server) storePackage(ctx context.Context, ns core.NamespaceID, body []byte) (*cbobject.Object, error) {
	pkg, err := cbpackage.Parse(body)
	if err != nil {
		return nil, err
	}
	for _, a := range pkg.Attachments() {
		switch {
		case a.Flags.Has(cbpackage.FlagIsError):
			return nil, fmt.Errorf("%w: package attachment %s is an error entry", core.ErrInvalidInput, core.BlobID(a.Hash))
		case a.Flags.Has(cbpackage.FlagIsCompressed):
			if _, err := s.store.Blobs().PutCompressed(ctx, ns, a.Data, core.ContentID(a.Hash)); err != nil {
				return nil, err
			}
		default:
			if _, err := s.store.Blobs().Put(ctx, ns, a.Data, core.BlobID(a.Hash)); err != nil {
				return nil, err
			}
		}
	}
	return pkg.Root(), nil
}

// writeConflict answers 409 with the object that blocked the put.
func (s *Server) writeConflict(w http.ResponseWriter, r *http.Request, conflict *core.RefAlreadyExistsError) {
	payload := conflict.Old.InlinePayload
	if payload == nil {
		c, err := s.store.Blobs().Get(r.Context(), conflict.Old.Namespace, conflict.Old.BlobIdentifier)
		if err != nil {
			s.writeError(w, r, conflict)
			return
		}
		payload = c.Data
	}
	w.Header().Set("Content-Type", cbobject.MediaTypeCompactBinary)
	w.Header().Set(HeaderIoHash, conflict.Old.BlobIdentifier.String())
	w.WriteHeader(http.StatusConflict)
	_, _ = w.Write(payload)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	ns, bucket, key, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionWriteObject) {
		return
	}
	hash, err := core.ParseBlobID(r.PathValue("hash"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	needs, err := s.store.Refs().Finalize(r.Context(), ns, bucket, key, hash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeNeeds(w, needs)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	ns, err := pathNamespace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := cbobject.Parse(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ops, err := batch.DecodeRequest(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Every op kind in the batch needs its own capability.
	needed := map[Action]bool{}
	for _, op := range ops {
		if op.Type == batch.OpPut {
			needed[ActionWriteObject] = true
		} else {
			needed[ActionReadObject] = true
		}
	}
	for action := range needed {
		if !s.authorize(w, r, ns, action) {
			return
		}
	}

	results, err := s.store.Batch().Execute(r.Context(), ns, ops)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := batch.EncodeResults(results)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBytes(w, cbobject.MediaTypeCompactBinary, resp.Bytes())
}

func (s *Server) handleDeleteRef(w http.ResponseWriter, r *http.Request) {
	ns, bucket, key, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionDeleteObject) {
		return
	}
	ok, err := s.store.Refs().Delete(r.Context(), ns, bucket, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, &core.RefNotFoundError{Namespace: ns, Bucket: bucket, Key: key})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deletedCount": 1})
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	ns, bucket, err := pathBucket(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionDeleteBucket) {
		return
	}
	n, err := s.store.Refs().DeleteBucket(r.Context(), ns, bucket)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deletedCount": n})
}

func (s *Server) handleDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	ns, err := pathNamespace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionDeleteNamespace) {
		return
	}
	// Blobs stay until the collector finds them unreferenced.
	n, err := s.store.Refs().DropNamespace(r.Context(), ns)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deletedCount": n})
}

func writeNeeds(w http.ResponseWriter, needs core.Needs) {
	if needs == nil {
		needs = core.Needs{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"needs": needs})
}

func flag(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
