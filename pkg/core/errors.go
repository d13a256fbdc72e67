package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound     = errors.New("ddc: not found")
	ErrInvalidInput = errors.New("ddc: invalid input")
	ErrCorrupt      = errors.New("ddc: corrupt data")
	ErrConflict     = errors.New("ddc: conflict")
	ErrUnresolved   = errors.New("ddc: unresolved references")
	ErrThrottled    = errors.New("ddc: throttled")
	ErrTooLarge     = errors.New("ddc: too large")
	ErrClosed       = errors.New("ddc: store closed")
)

// NamespaceNotFoundError reports a namespace without any data.
type NamespaceNotFoundError struct {
	Namespace NamespaceID
}

func (e *NamespaceNotFoundError) Error() string {
	return fmt.Sprintf("namespace %s did not exist", e.Namespace)
}

func (e *NamespaceNotFoundError) Unwrap() error { return ErrNotFound }

// RefNotFoundError reports a ref that is absent or not yet finalized.
type RefNotFoundError struct {
	Namespace NamespaceID
	Bucket    BucketID
	Key       RefID
}

func (e *RefNotFoundError) Error() string {
	return fmt.Sprintf("object %s %s in namespace %s did not exist", e.Bucket, e.Key, e.Namespace)
}

func (e *RefNotFoundError) Unwrap() error { return ErrNotFound }

// BlobNotFoundError reports a blob missing from the local blob store.
type BlobNotFoundError struct {
	Namespace NamespaceID
	Blob      BlobID
}

func (e *BlobNotFoundError) Error() string {
	return fmt.Sprintf("blob %s in namespace %s not found", e.Blob, e.Namespace)
}

func (e *BlobNotFoundError) Unwrap() error { return ErrNotFound }

// ContentIDResolveError reports a content id that no blob currently satisfies.
type ContentIDResolveError struct {
	Namespace NamespaceID
	ContentID ContentID
}

func (e *ContentIDResolveError) Error() string {
	return fmt.Sprintf("content id %s in namespace %s could not be resolved", e.ContentID, e.Namespace)
}

func (e *ContentIDResolveError) Unwrap() error { return ErrNotFound }

// HashMismatchError is returned when supplied bytes do not hash to the
// identifier the caller claimed.
type HashMismatchError struct {
	Supplied [HashSize]byte
	Actual   [HashSize]byte
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("incorrect hash, got hash %q but hash of content was determined to be %q",
		BlobID(e.Supplied), BlobID(e.Actual))
}

func (e *HashMismatchError) Unwrap() error { return ErrInvalidInput }

// ObjectHashMismatchError is returned by Finalize when the hash disagrees with
// the stored record.
type ObjectHashMismatchError struct {
	Namespace NamespaceID
	Bucket    BucketID
	Key       RefID
	Supplied  BlobID
	Stored    BlobID
}

func (e *ObjectHashMismatchError) Error() string {
	return fmt.Sprintf("object %s %s in namespace %s has hash %s, finalize was called with %s",
		e.Bucket, e.Key, e.Namespace, e.Stored, e.Supplied)
}

func (e *ObjectHashMismatchError) Unwrap() error { return ErrInvalidInput }

// PartialReferenceResolveError names every content id that could not be
// resolved. Resolved holds the blobs that were found; it is not a complete
// closure.
type PartialReferenceResolveError struct {
	Unresolved []ContentID
	Resolved   []BlobID
}

func (e *PartialReferenceResolveError) Error() string {
	ids := make([]string, len(e.Unresolved))
	for i, c := range e.Unresolved {
		ids[i] = c.String()
	}
	return fmt.Sprintf("following content ids are invalid: %s", strings.Join(ids, ","))
}

func (e *PartialReferenceResolveError) Unwrap() error { return ErrUnresolved }

// ReferenceIsMissingBlobsError names blobs the graph references that are not
// present on this node.
type ReferenceIsMissingBlobsError struct {
	Missing []BlobID
}

func (e *ReferenceIsMissingBlobsError) Error() string {
	ids := make([]string, len(e.Missing))
	for i, b := range e.Missing {
		ids[i] = b.String()
	}
	return fmt.Sprintf("following blobs are missing: %s", strings.Join(ids, ","))
}

func (e *ReferenceIsMissingBlobsError) Unwrap() error { return ErrNotFound }

// RefAlreadyExistsError carries the finalized record that blocked a Put.
type RefAlreadyExistsError struct {
	Old RefRecord
}

func (e *RefAlreadyExistsError) Error() string {
	return fmt.Sprintf("object %s %s in namespace %s already exists with hash %s",
		e.Old.Bucket, e.Old.Name, e.Old.Namespace, e.Old.BlobIdentifier)
}

func (e *RefAlreadyExistsError) Unwrap() error { return ErrConflict }

// TooManyRequestsError asks the client to back off.
type TooManyRequestsError struct {
	Resource string
}

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("resource %s has too many requests", e.Resource)
}

func (e *TooManyRequestsError) Unwrap() error { return ErrThrottled }

// ClientSendSlowError is returned when a request body did not arrive in time.
type ClientSendSlowError struct {
	Resource string
}

func (e *ClientSendSlowError) Error() string {
	return fmt.Sprintf("client was sending data for %s too slowly", e.Resource)
}

func (e *ClientSendSlowError) Unwrap() error { return ErrThrottled }

// DuplicateOpIDError rejects a batch that reuses an op id.
type DuplicateOpIDError struct {
	OpID uint32
}

func (e *DuplicateOpIDError) Error() string {
	return fmt.Sprintf("duplicate op ids used for id: %d", e.OpID)
}

func (e *DuplicateOpIDError) Unwrap() error { return ErrInvalidInput }

// InvalidNameError rejects a malformed namespace, bucket or key.
type InvalidNameError struct {
	Kind   string
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.Name, e.Reason)
}

func (e *InvalidNameError) Unwrap() error { return ErrInvalidInput }

// StatusCode maps an error to the HTTP status the single-operation endpoints
// return for it.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var (
		conflict   *RefAlreadyExistsError
		tooMany    *TooManyRequestsError
		sendSlow   *ClientSendSlowError
		partial    *PartialReferenceResolveError
		missing    *ReferenceIsMissingBlobsError
		hash       *HashMismatchError
		objectHash *ObjectHashMismatchError
	)
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &tooMany):
		return http.StatusTooManyRequests
	case errors.As(err, &sendSlow):
		return http.StatusRequestTimeout
	case errors.As(err, &partial), errors.As(err, &missing):
		return http.StatusNotFound
	case errors.As(err, &hash), errors.As(err, &objectHash):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrCorrupt):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Title returns a short machine-stable problem title for err.
func Title(err error) string {
	var (
		nsErr      *NamespaceNotFoundError
		refErr     *RefNotFoundError
		blobErr    *BlobNotFoundError
		cidErr     *ContentIDResolveError
		hash       *HashMismatchError
		objectHash *ObjectHashMismatchError
		partial    *PartialReferenceResolveError
		missing    *ReferenceIsMissingBlobsError
		conflict   *RefAlreadyExistsError
		tooMany    *TooManyRequestsError
		sendSlow   *ClientSendSlowError
	)
	switch {
	case errors.As(err, &nsErr):
		return "namespace-not-found"
	case errors.As(err, &refErr):
		return "ref-not-found"
	case errors.As(err, &blobErr):
		return "blob-not-found"
	case errors.As(err, &cidErr):
		return "content-id-unresolved"
	case errors.As(err, &hash):
		return "hash-mismatch"
	case errors.As(err, &objectHash):
		return "object-hash-mismatch"
	case errors.As(err, &partial):
		return "partial-reference-resolve"
	case errors.As(err, &missing):
		return "reference-missing-blobs"
	case errors.As(err, &conflict):
		return "ref-already-exists"
	case errors.As(err, &tooMany):
		return "too-many-requests"
	case errors.As(err, &sendSlow):
		return "client-send-slow"
	case errors.Is(err, ErrInvalidInput):
		return "invalid-input"
	default:
		return "internal-error"
	}
}
