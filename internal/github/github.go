// Package github is a small client for the parts of the GitHub REST API the
// admin backend needs: repository contents, Actions secrets, workflow
// dispatches and runs.
//
// A [Client] is built per session from the operator's token and target
// repository; there is no package-level state.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
)

// DefaultBaseURL is the public GitHub API endpoint.
const DefaultBaseURL = "https://api.github.com"

// DefaultClient is the HTTP client used when Client.HTTPClient is nil.
var DefaultClient = &http.Client{
	Timeout: 15 * time.Second,
}

// Client talks to one repository on behalf of one operator.
type Client struct {
	// Token is the personal access token used for authentication.
	Token string
	// Owner and Repo name the target repository.
	Owner string
	Repo  string
	// BaseURL overrides DefaultBaseURL, for GitHub Enterprise or tests.
	BaseURL string
	// Branch is the branch contents are read from and committed to. Empty
	// means the repository default.
	Branch string
	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
	// Limiter paces mutating requests. Nil disables pacing.
	Limiter *rate.Limiter
}

// New returns a client for owner/repo with mutating calls limited to a few
// per second, which keeps bursts of edits clear of secondary rate limits.
func New(token, owner, repo string) *Client {
	return &Client{
		Token:   token,
		Owner:   owner,
		Repo:    repo,
		Limiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 4),
	}
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (c *Client) repoPath(parts ...string) string {
	p := "/repos/" + url.PathEscape(c.Owner) + "/" + url.PathEscape(c.Repo)
	for _, s := range parts {
		p += "/" + s
	}
	return p
}

// escapePath escapes every segment of a repository file path.
func escapePath(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

type apiError struct {
	Message string `json:"message"`
}

// do performs a request against the API. A non-2xx answer is returned as
// *apperr.RemoteError; a transport failure wraps apperr.ErrUnreachable.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if method != http.MethodGet && c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var br io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		br = bytes.NewReader(data)
	}

	u := c.baseURL() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, br)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "digestdesk")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpc := DefaultClient
	if c.HTTPClient != nil {
		httpc = c.HTTPClient
	}
	res, err := httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %v", method, path, apperr.ErrUnreachable, err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, apperr.ErrUnreachable, err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var ae apiError
		if json.Unmarshal(b, &ae) != nil || ae.Message == "" {
			ae.Message = strings.TrimSpace(string(b))
		}
		return &apperr.RemoteError{Status: res.StatusCode, Message: ae.Message}
	}

	if out != nil && len(b) > 0 {
		if err := json.Unmarshal(b, out); err != nil {
			return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
		}
	}
	return nil
}

// hasStatus reports whether err is a *apperr.RemoteError with one of codes.
func hasStatus(err error, codes ...int) bool {
	var rerr *apperr.RemoteError
	if !errors.As(err, &rerr) {
		return false
	}
	for _, code := range codes {
		if rerr.Status == code {
			return true
		}
	}
	return false
}

// User is the authenticated account.
type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

// User returns the account the token belongs to. It doubles as a
// credential check at login.
func (c *Client) User(ctx context.Context) (*User, error) {
	u := new(User)
	if err := c.do(ctx, http.MethodGet, "/user", nil, nil, u); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}
