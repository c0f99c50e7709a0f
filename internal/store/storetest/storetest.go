// Package storetest checks implementations of store.Versioned.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/store"
)

// Run exercises s, which must start out empty.
func Run(t *testing.T, s store.Versioned) {
	ctx := context.Background()

	doc, err := s.Read(ctx, "config/settings.json")
	if err != nil {
		t.Fatalf("Read of missing document: %v", err)
	}
	if doc != nil {
		t.Fatalf("Read of missing document = %+v, want nil", doc)
	}
	entries, err := s.List(ctx, "config/drafts")
	if err != nil {
		t.Fatalf("List of missing dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("List of missing dir = %v, want empty", entries)
	}

	first := []byte("{\n  \"title\": \"产品发布 🚀\"\n}\n")
	v1, err := s.Write(ctx, "config/drafts/2025-03-01.json", first, "", "create")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v1 == "" {
		t.Fatal("create returned an empty version")
	}

	doc, err = s.Read(ctx, "config/drafts/2025-03-01.json")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(doc.Content, first) {
		t.Errorf("content did not round trip:\n%s", cmp.Diff(string(first), string(doc.Content)))
	}
	if doc.Version != v1 {
		t.Errorf("Read version = %q, want %q", doc.Version, v1)
	}

	second := []byte("{\n  \"title\": \"投融资\"\n}\n")
	v2, err := s.Write(ctx, "config/drafts/2025-03-01.json", second, v1, "update")
	if err != nil {
		t.Fatalf("update with current version: %v", err)
	}
	if v2 == v1 {
		t.Error("update returned the old version")
	}

	same, err := s.Write(ctx, "config/drafts/2025-03-01.json", second, v2, "no change")
	if err != nil {
		t.Fatalf("rewrite of identical content: %v", err)
	}
	if same != v2 {
		t.Errorf("identical content got version %q, want %q", same, v2)
	}

	_, err = s.Write(ctx, "config/drafts/2025-03-01.json", []byte("stale"), v1, "stale update")
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("update with stale version: err = %v, want ErrConflict", err)
	}
	doc, err = s.Read(ctx, "config/drafts/2025-03-01.json")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(doc.Content, second) || doc.Version != v2 {
		t.Errorf("stale write changed the document: %q at %q", doc.Content, doc.Version)
	}

	if _, err := s.Write(ctx, "config/drafts/2025-03-02_ch_ch_x.json", []byte("{}\n"), "", "create"); err != nil {
		t.Fatal(err)
	}
	entries, err = s.List(ctx, "config/drafts")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"2025-03-01.json", "2025-03-02_ch_ch_x.json"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
}
