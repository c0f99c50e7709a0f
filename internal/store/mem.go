package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
)

// Mem is an in-memory Versioned store. Versions are git blob hashes, the
// same tokens the GitHub contents API hands out.
type Mem struct {
	mu     sync.Mutex
	files  map[string][]byte
	writes int
}

// NewMem returns an empty Mem.
func NewMem() *Mem {
	return &Mem{files: make(map[string][]byte)}
}

var _ Versioned = (*Mem)(nil)

// BlobVersion returns the git blob hash of content.
func BlobVersion(content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// Read returns the document at p or (nil, nil).
func (m *Mem) Read(_ context.Context, p string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[clean(p)]
	if !ok {
		return nil, nil
	}
	return &Document{Path: clean(p), Content: slices.Clone(b), Version: BlobVersion(b)}, nil
}

// Write stores content at p if version matches.
func (m *Mem) Write(_ context.Context, p string, content []byte, version, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	cur, ok := m.files[p]
	switch {
	case !ok && version != "":
		return "", fmt.Errorf("write %s: %w", p, apperr.ErrConflict)
	case ok && version != BlobVersion(cur):
		return "", fmt.Errorf("write %s: %w", p, apperr.ErrConflict)
	}
	m.files[p] = slices.Clone(content)
	m.writes++
	return BlobVersion(content), nil
}

// List returns the direct children of dir sorted by name.
func (m *Mem) List(_ context.Context, dir string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ListFiles(m.files, dir), nil
}

// Put stores content unconditionally and returns its version. It seeds
// fixtures.
func (m *Mem) Put(p string, content []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[clean(p)] = slices.Clone(content)
	return BlobVersion(content)
}

// Writes reports how many conditional writes succeeded.
func (m *Mem) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func clean(p string) string { return strings.Trim(path.Clean("/"+p), "/") }

// ListFiles builds the listing of dir out of a flat path map.
func ListFiles(files map[string][]byte, dir string) []Entry {
	dir = clean(dir)
	prefix := dir + "/"
	if dir == "" {
		prefix = ""
	}
	seen := make(map[string]bool)
	entries := []Entry{}
	for p, b := range files {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok || rest == "" {
			continue
		}
		name, _, isDir := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		e := Entry{Name: name, Path: prefix + name, Type: "file"}
		if isDir {
			e.Type = "dir"
		} else {
			e.Version = BlobVersion(b)
		}
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return entries
}
