// Package store defines the versioned document store contract.
package store

import (
	"context"
)

// Document is the content of a stored file and the version it was read at.
type Document struct {
	Path    string
	Content []byte
	Version string
}

// Entry is one item of a directory listing.
type Entry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Type    string `json:"type"` // "file" or "dir"
	Version string `json:"sha,omitempty"`
}

// Versioned is a file store where every write is conditional on the version
// the caller last read.
type Versioned interface {
	// Read returns the document at path.
	// It must return (nil, nil) if the document does not exist.
	Read(ctx context.Context, path string) (*Document, error)
	// Write stores content at path if the stored version still equals
	// version and returns the new version. An empty version creates a
	// document that does not exist yet. A precondition mismatch returns an
	// error wrapping apperr.ErrConflict and leaves the document unchanged.
	// Versions are content hashes, so a write of identical content succeeds
	// and returns the version it was given.
	Write(ctx context.Context, path string, content []byte, version, message string) (string, error)
	// List returns the entries of dir. A missing directory yields an empty
	// list.
	List(ctx context.Context, dir string) ([]Entry, error)
}
