package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/store"
)

var _ store.Versioned = (*Client)(nil)

type contentFile struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type putContent struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type putContentResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

func (c *Client) refQuery() url.Values {
	if c.Branch == "" {
		return nil
	}
	return url.Values{"ref": {c.Branch}}
}

// Read returns the file at path, or (nil, nil) when it does not exist.
func (c *Client) Read(ctx context.Context, path string) (*store.Document, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, c.repoPath("contents", escapePath(path)), c.refQuery(), nil, &raw)
	if hasStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		return nil, fmt.Errorf("read %s: is a directory", path)
	}

	var f contentFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if f.Encoding != "" && f.Encoding != "base64" {
		return nil, fmt.Errorf("read %s: unsupported encoding %q", path, f.Encoding)
	}
	// The API wraps base64 content at 60 columns.
	content, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(f.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &store.Document{Path: path, Content: content, Version: f.SHA}, nil
}

// Write commits content to path. The version is the blob sha the caller
// read; GitHub rejects a stale one with 409, or 422 on some paths.
func (c *Client) Write(ctx context.Context, path string, content []byte, version, message string) (string, error) {
	if message == "" {
		message = "Update " + path
	}
	body := putContent{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		SHA:     version,
		Branch:  c.Branch,
	}
	var resp putContentResponse
	err := c.do(ctx, http.MethodPut, c.repoPath("contents", escapePath(path)), nil, body, &resp)
	if isConflict(err) {
		return "", fmt.Errorf("write %s: %w", path, apperr.ErrConflict)
	}
	if err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return resp.Content.SHA, nil
}

func isConflict(err error) bool {
	if hasStatus(err, http.StatusConflict) {
		return true
	}
	if !hasStatus(err, http.StatusUnprocessableEntity) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "sha") || strings.Contains(msg, "does not match")
}

// List returns the entries of dir. A missing directory yields an empty list.
func (c *Client) List(ctx context.Context, dir string) ([]store.Entry, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, c.repoPath("contents", escapePath(dir)), c.refQuery(), nil, &raw)
	if hasStatus(err, http.StatusNotFound) {
		return []store.Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		return nil, fmt.Errorf("list %s: not a directory", dir)
	}
	entries := []store.Entry{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	return entries, nil
}
