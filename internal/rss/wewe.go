package rss

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/model"
)

// WeWe RSS defaults.
const (
	DefaultWeWeURL = "https://amb2rzhou.zeabur.app"
	WeWeGroup      = "WeWe RSS"
	// WeWeStaleAfter is how old the newest sync may be before the bridge is
	// reported unhealthy.
	WeWeStaleAfter = 12 * time.Hour
)

// WeWeFeed is one account exposed by the bridge.
type WeWeFeed struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SyncTime int64  `json:"syncTime"`
}

// WeWeStatus summarizes bridge health.
type WeWeStatus struct {
	OK         bool      `json:"ok"`
	LastSync   time.Time `json:"last_sync"`
	FeedCount  int       `json:"feed_count"`
	HoursSince int       `json:"hours_since"`
}

// WeWe is a client for a WeWe RSS deployment.
type WeWe struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewWeWe returns a client for baseURL, or DefaultWeWeURL when empty.
func NewWeWe(baseURL string) *WeWe {
	if baseURL == "" {
		baseURL = DefaultWeWeURL
	}
	return &WeWe{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// FeedURL returns the RSS URL of the account with the given id.
func (w *WeWe) FeedURL(id string) string {
	return w.BaseURL + "/feeds/" + id + ".rss"
}

// Feeds lists the accounts known to the bridge. Transport failures wrap
// apperr.ErrUnreachable.
func (w *WeWe) Feeds(ctx context.Context) ([]WeWeFeed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.BaseURL+"/feeds", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	hc := w.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wewe: %w: %v", apperr.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("wewe: %w: %v", apperr.ErrUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apperr.RemoteError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var feeds []WeWeFeed
	if err := json.Unmarshal(body, &feeds); err != nil {
		return nil, fmt.Errorf("wewe: decode feeds: %w", err)
	}
	return feeds, nil
}

// Status reports bridge health at now. It returns nil when the bridge
// exposes no feeds.
func (w *WeWe) Status(ctx context.Context, now time.Time) (*WeWeStatus, error) {
	feeds, err := w.Feeds(ctx)
	if err != nil {
		return nil, err
	}
	return statusOf(feeds, now), nil
}

func statusOf(feeds []WeWeFeed, now time.Time) *WeWeStatus {
	if len(feeds) == 0 {
		return nil
	}
	var newest int64
	for _, f := range feeds {
		newest = max(newest, f.SyncTime)
	}
	last := time.Unix(newest, 0)
	since := now.Sub(last)
	return &WeWeStatus{
		OK:         since < WeWeStaleAfter,
		LastSync:   last.UTC(),
		FeedCount:  len(feeds),
		HoursSince: int(since / time.Hour),
	}
}

// Sync merges the bridge's account list into current. Remote accounts
// missing locally are appended, enabled, under WeWeGroup. Local WeWeGroup
// feeds served by this bridge that no longer exist remotely are dropped.
// Every other feed is left untouched. current is not modified.
func (w *WeWe) Sync(current []model.Feed, remote []WeWeFeed) (next []model.Feed, added, removed int) {
	remoteURLs := make(map[string]bool, len(remote))
	for _, r := range remote {
		remoteURLs[w.FeedURL(r.ID)] = true
	}

	local := make(map[string]bool, len(current))
	next = make([]model.Feed, 0, len(current)+len(remote))
	for _, f := range current {
		if f.Group == WeWeGroup && strings.HasPrefix(f.URL, w.BaseURL) && !remoteURLs[f.URL] {
			removed++
			continue
		}
		local[f.URL] = true
		next = append(next, f)
	}
	for _, r := range remote {
		u := w.FeedURL(r.ID)
		if local[u] {
			continue
		}
		local[u] = true
		next = append(next, model.Feed{URL: u, Name: r.Name, Group: WeWeGroup, Enabled: true})
		added++
	}
	return next, added, removed
}
