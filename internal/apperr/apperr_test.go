package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrConflict, http.StatusConflict},
		{fmt.Errorf("save settings: %w", ErrConflict), http.StatusConflict},
		{fmt.Errorf("draft 2025-03-01: %w", ErrVersionRequired), http.StatusPreconditionRequired},
		{Invalid("title", "required"), http.StatusBadRequest},
		{fmt.Errorf("add item: %w", Invalid("category", "unknown")), http.StatusBadRequest},
		{&RemoteError{Status: 500, Message: "boom"}, http.StatusBadGateway},
		{ErrUnreachable, http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestErrorStrings(t *testing.T) {
	if got, want := Invalid("title", "required").Error(), "title: required"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := (&RemoteError{Status: 404}).Error(), "remote error: 404 Not Found"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := (&RemoteError{Status: 422, Message: "Bad"}).Error(), "remote error: 422 Bad"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
