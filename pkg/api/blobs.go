package api

import (
	"mime"
	"net/http"
	"strconv"

	"github.com/agenthands/ddcstore/pkg/blobstore"
	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/core"
)

// handleGetBlob serves the blob satisfying a content id, compressed form
// first. With ?redirect=true a backend that supports it answers 302.
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	ns, err := pathNamespace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionReadObject) {
		return
	}
	id, err := core.ParseContentID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var opts []blobstore.GetOption
	if redirect, _ := strconv.ParseBool(r.URL.Query().Get("redirect")); redirect {
		opts = append(opts, blobstore.WithRedirect())
	}
	c, err := s.store.Blobs().GetCompressed(r.Context(), ns, id, opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(HeaderIoHash, c.Blob.String())
	if c.RedirectURI != nil {
		http.Redirect(w, r, c.RedirectURI.String(), http.StatusFound)
		return
	}
	contentType := cbobject.MediaTypeOctet
	if c.Compressed {
		contentType = cbobject.MediaTypeCompressedBuffer
	}
	writeBytes(w, contentType, c.Data)
}

// handlePutBlob stores a blob. A compressed-buffer body is stored under its
// content id; anything else must hash to the id in the path. With
// ?redirect=true the client may get an upload URI instead.
func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	ns, err := pathNamespace(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.authorize(w, r, ns, ActionWriteObject) {
		return
	}
	raw := r.PathValue("id")
	ctx := r.Context()

	if redirect, _ := strconv.ParseBool(r.URL.Query().Get("redirect")); redirect {
		blob, err := core.ParseBlobID(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		u, err := s.store.Blobs().MaybePutWithRedirect(ctx, ns, blob)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if u != nil {
			writeJSON(w, http.StatusOK, map[string]any{"identifier": blob, "uploadUri": u.String()})
			return
		}
	}

	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var blob core.BlobID
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == cbobject.MediaTypeCompressedBuffer {
		id, perr := core.ParseContentID(raw)
		if perr != nil {
			s.writeError(w, r, perr)
			return
		}
		blob, err = s.store.Blobs().PutCompressed(ctx, ns, body, id)
	} else {
		expected, perr := core.ParseBlobID(raw)
		if perr != nil {
			s.writeError(w, r, perr)
			return
		}
		blob, err = s.store.Blobs().Put(ctx, ns, body, expected)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identifier": blob})
}
