// Package api serves a store over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/ddc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// HeaderIoHash carries the hash of a returned or uploaded payload.
const HeaderIoHash = "X-Jupiter-IoHash"

// HeaderAllowOverwrite lets a ref PUT replace a finalized value, like the
// allowOverwrite query parameter.
const HeaderAllowOverwrite = "X-Jupiter-AllowOverwrite"

type Server struct {
	mux         *http.ServeMux
	store       ddc.Store
	auth        Authorizer
	log         *logrus.Logger
	bodyTimeout time.Duration
	maxBody     int64
	maxWrites   int64
	writes      *semaphore.Weighted
}

type Option func(*Server)

func WithLogger(log *logrus.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithAuthorizer replaces the static token authorizer built from the store
// config.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) { s.auth = a }
}

// WithBodyTimeout bounds how long a client may take to send a request body.
// Zero disables the deadline.
func WithBodyTimeout(d time.Duration) Option {
	return func(s *Server) { s.bodyTimeout = d }
}

// WithMaxInFlightWrites overrides the write concurrency bound from the store
// config. Zero removes the bound.
func WithMaxInFlightWrites(n int64) Option {
	return func(s *Server) { s.maxWrites = n }
}

func New(store ddc.Store, opts ...Option) *Server {
	cfg := store.Config()
	s := &Server{
		mux:         http.NewServeMux(),
		store:       store,
		auth:        NewStaticAuthorizer(cfg.API),
		log:         logrus.New(),
		bodyTimeout: time.Minute,
		maxBody:     int64(cfg.Limits.MaxBlobBytes),
		maxWrites:   cfg.API.MaxInFlightWrites,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxWrites > 0 {
		s.writes = semaphore.NewWeighted(s.maxWrites)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/v1/refs", s.handleListNamespaces)
	s.mux.HandleFunc("POST /api/v1/refs/{ns}", s.limitWrites(s.handleBatch))
	s.mux.HandleFunc("DELETE /api/v1/refs/{ns}", s.handleDeleteNamespace)
	s.mux.HandleFunc("GET /api/v1/refs/{ns}/exists", s.handleExists)
	s.mux.HandleFunc("GET /api/v1/refs/{ns}/{bucket}", s.handleEnumerateBucket)
	s.mux.HandleFunc("DELETE /api/v1/refs/{ns}/{bucket}", s.handleDeleteBucket)
	s.mux.HandleFunc("GET /api/v1/refs/{ns}/{bucket}/{key}", s.handleGetRef)
	s.mux.HandleFunc("HEAD /api/v1/refs/{ns}/{bucket}/{key}", s.handleHeadRef)
	s.mux.HandleFunc("PUT /api/v1/refs/{ns}/{bucket}/{key}", s.limitWrites(s.handlePutRef))
	s.mux.HandleFunc("DELETE /api/v1/refs/{ns}/{bucket}/{key}", s.handleDeleteRef)
	s.mux.HandleFunc("GET /api/v1/refs/{ns}/{bucket}/{key}/metadata", s.handleMetadata)
	s.mux.HandleFunc("GET /api/v1/refs/{ns}/{bucket}/{key}/references", s.handleReferences)
	s.mux.HandleFunc("GET /api/v1/refs/{ns}/{bucket}/{key}/replicationState", s.handleReplicationState)
	s.mux.HandleFunc("POST /api/v1/refs/{ns}/{bucket}/{key}/finalize/{hash}", s.limitWrites(s.handleFinalize))
	s.mux.HandleFunc("GET /api/v1/refs/{ns}/{bucket}/{key}/blobs/{id}", s.handleGetBlob)
	s.mux.HandleFunc("PUT /api/v1/refs/{ns}/{bucket}/{key}/blobs/{id}", s.limitWrites(s.handlePutBlob))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("request")
	s.mux.ServeHTTP(w, r)
}

// limitWrites rejects the request with 429 when every write slot is taken.
func (s *Server) limitWrites(h http.HandlerFunc) http.HandlerFunc {
	if s.writes == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.writes.TryAcquire(1) {
			s.writeError(w, r, &core.TooManyRequestsError{Resource: r.URL.Path})
			return
		}
		defer s.writes.Release(1)
		h(w, r)
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, ns core.NamespaceID, action Action) bool {
	if err := s.auth.Authorize(r, ns, action); err != nil {
		s.writeError(w, r, err)
		return false
	}
	return true
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := core.StatusCode(err)
	title := core.Title(err)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		status, title = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrForbidden):
		status, title = http.StatusForbidden, "forbidden"
	}

	entry := s.log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"error":  err,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}

	w.Header().Set("Content-Type", cbobject.MediaTypeProblemJSON)
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(problem{Title: title, Status: status, Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", cbobject.MediaTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBytes(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// readBody reads the request body within the body timeout and size limit.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if s.bodyTimeout > 0 {
		// Recorders and some wrappers cannot set deadlines; they read unbounded.
		_ = http.NewResponseController(w).SetReadDeadline(time.Now().Add(s.bodyTimeout))
	}
	body := io.Reader(r.Body)
	if s.maxBody > 0 {
		body = io.LimitReader(r.Body, s.maxBody+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, &core.ClientSendSlowError{Resource: r.URL.Path}
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if s.maxBody > 0 && int64(len(data)) > s.maxBody {
		return nil, fmt.Errorf("%w: request body exceeds %d bytes", core.ErrTooLarge, s.maxBody)
	}
	return data, nil
}

func pathNamespace(r *http.Request) (core.NamespaceID, error) {
	return core.NewNamespaceID(r.PathValue("ns"))
}

func pathBucket(r *http.Request) (core.NamespaceID, core.BucketID, error) {
	ns, err := pathNamespace(r)
	if err != nil {
		return "", "", err
	}
	bucket, err := core.NewBucketID(r.PathValue("bucket"))
	return ns, bucket, err
}

func pathRef(r *http.Request) (core.NamespaceID, core.BucketID, core.RefID, error) {
	ns, bucket, err := pathBucket(r)
	if err != nil {
		return "", "", "", err
	}
	key, err := core.NewRefID(r.PathValue("key"))
	return ns, bucket, key, err
}
