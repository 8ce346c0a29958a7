package simplepost

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrPostNotFound indicates a post was not found
	ErrPostNotFound = errors.New("post not found")

	// ErrUserNotFound indicates a user record was not found
	ErrUserNotFound = errors.New("user not found")

	// ErrBlobNotFound indicates a blob was not found in the blob store
	ErrBlobNotFound = errors.New("blob not found")

	// ErrPostExists indicates a post with the same id is already stored
	ErrPostExists = errors.New("post already exists")

	// ErrInconsistencyNotFound indicates a journal entry was not found
	ErrInconsistencyNotFound = errors.New("inconsistency not found")

	// ErrVersionConflict indicates a post was modified concurrently
	ErrVersionConflict = errors.New("post version conflict")

	// ErrInvalidInput is wrapped by every ValidationError
	ErrInvalidInput = errors.New("invalid input")

	// ErrForbidden is wrapped by every AuthorizationError
	ErrForbidden = errors.New("forbidden")
)

// ErrorKind is the closed set of failure classes exposed to callers.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindAuthorization ErrorKind = "authorization"
	KindStorage       ErrorKind = "storage"
	KindConsistency   ErrorKind = "consistency"
	KindUnknown       ErrorKind = "unknown"
)

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError reports that a referenced post, user or blob is absent.
type NotFoundError struct {
	Resource string
	ID       string
	Err      error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// AuthorizationError reports that the actor is not the post's creator.
type AuthorizationError struct {
	PostID  uuid.UUID
	ActorID uuid.UUID
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not allowed to modify post %s", e.ActorID, e.PostID)
}

func (e *AuthorizationError) Unwrap() error {
	return ErrForbidden
}

// StorageError represents a failed blob or metadata store operation after
// retries were exhausted.
type StorageError struct {
	Store   string // "blob" or "metadata"
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s store operation %s failed for key %s on backend %s: %v", e.Store, e.Op, e.Key, e.Backend, e.Err)
	}
	return fmt.Sprintf("%s store operation %s failed for key %s: %v", e.Store, e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConsistencyWarning describes drift left behind after the primary effect of
// an operation succeeded. It is logged and journaled, never returned.
type ConsistencyWarning struct {
	Kind    InconsistencyKind
	Op      string
	PostID  uuid.UUID
	UserID  uuid.UUID
	BlobKey string
	Err     error
}

func (w *ConsistencyWarning) Error() string {
	return fmt.Sprintf("consistency warning (%s) during %s: post=%s user=%s blob=%q: %v",
		w.Kind, w.Op, w.PostID, w.UserID, w.BlobKey, w.Err)
}

func (w *ConsistencyWarning) Unwrap() error {
	return w.Err
}

// KindOf classifies err into one of the exported error kinds.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		authErr       *AuthorizationError
		storageErr    *StorageError
		warning       *ConsistencyWarning
	)
	switch {
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &authErr):
		return KindAuthorization
	case errors.As(err, &notFoundErr):
		return KindNotFound
	case errors.As(err, &storageErr):
		return KindStorage
	case errors.As(err, &warning):
		return KindConsistency
	case errors.Is(err, ErrPostNotFound), errors.Is(err, ErrUserNotFound), errors.Is(err, ErrBlobNotFound):
		return KindNotFound
	}
	return KindUnknown
}

// IsRetryable reports whether a raw store error may succeed on a later attempt.
// Absence, conflicts and cancellation are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrPostNotFound),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrBlobNotFound),
		errors.Is(err, ErrInconsistencyNotFound),
		errors.Is(err, ErrPostExists),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
