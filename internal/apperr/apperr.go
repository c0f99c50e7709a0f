// Package apperr defines the error taxonomy shared by the document store,
// vault and workflow clients and how the HTTP layer reports each kind.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrConflict reports a write whose version precondition no longer matches
// the stored document. Nothing was written.
var ErrConflict = errors.New("document changed since it was read; reload and try again")

// ErrVersionRequired reports a mutation that did not name the version it
// was based on.
var ErrVersionRequired = errors.New("the version the edit is based on is required")

// ErrUnreachable reports a network-level failure of an optional source.
// Callers omit the signal instead of failing.
var ErrUnreachable = errors.New("source unreachable")

// ValidationError is raised locally, before any request is issued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// Invalid returns a *ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// RemoteError is any non-2xx answer from a backing API that has no more
// specific meaning.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("remote error: %d %s", e.Status, e.Message)
}

// HTTPStatus maps err to the status code the API answers with.
func HTTPStatus(err error) int {
	var (
		verr *ValidationError
		rerr *RemoteError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrVersionRequired):
		return http.StatusPreconditionRequired
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &rerr), errors.Is(err, ErrUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
