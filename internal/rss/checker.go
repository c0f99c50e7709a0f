// Package rss checks the health of configured feeds and talks to the WeWe
// RSS bridge that turns WeChat official accounts into feeds.
package rss

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/digestdesk/internal/model"
)

// Concurrency settings
const (
	// MaxConcurrency is the number of feeds checked in parallel.
	MaxConcurrency = 8
	// MaxConcurrencyPerDomain limits parallel requests to any single domain.
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum delay between requests to the same domain.
	DelayBetweenDomainRequests = 500 * time.Millisecond
	// FeedTimeout bounds a single feed fetch.
	FeedTimeout = 20 * time.Second
)

// domainLimiter controls rate limiting per domain to avoid overwhelming hosts.
type domainLimiter struct {
	mu          sync.Mutex
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
	delay       time.Duration
}

func newDomainLimiter(delay time.Duration) *domainLimiter {
	return &domainLimiter{
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
		delay:       delay,
	}
}

// acquire gets a slot for the domain, blocking if necessary.
// It also enforces the minimum delay between requests to the same domain.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, MaxConcurrencyPerDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	lastReq := dl.lastRequest[domain]
	dl.mu.Unlock()

	if elapsed := time.Since(lastReq); !lastReq.IsZero() && elapsed < dl.delay {
		select {
		case <-time.After(dl.delay - elapsed):
		case <-ctx.Done():
			<-sem
			return ctx.Err()
		}
	}
	return nil
}

// release returns a slot for the domain and records the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

// extractDomain gets the host from a URL.
func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	return u.Host
}

// Result is the outcome of checking one feed.
type Result struct {
	URL    string     `json:"url"`
	Name   string     `json:"name"`
	Group  string     `json:"group"`
	Title  string     `json:"title,omitempty"`
	Items  int        `json:"items"`
	Latest *time.Time `json:"latest,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// OK reports whether the feed parsed.
func (r Result) OK() bool { return r.Error == "" }

// Checker fetches and parses feeds to report whether they work.
type Checker struct {
	parser      *gofeed.Parser
	concurrency int
	limiter     *domainLimiter
	logger      *slog.Logger
}

// NewChecker returns a Checker. A nil client uses one with FeedTimeout.
func NewChecker(client *http.Client, logger *slog.Logger) *Checker {
	if client == nil {
		client = &http.Client{Timeout: FeedTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := gofeed.NewParser()
	p.Client = client
	p.UserAgent = "digestdesk feed checker"
	return &Checker{
		parser:      p,
		concurrency: MaxConcurrency,
		limiter:     newDomainLimiter(DelayBetweenDomainRequests),
		logger:      logger,
	}
}

// CheckFeed fetches and parses a single feed.
func (c *Checker) CheckFeed(ctx context.Context, feed model.Feed) Result {
	r := Result{URL: feed.URL, Name: feed.Name, Group: feed.Group}

	domain := extractDomain(feed.URL)
	if err := c.limiter.acquire(ctx, domain); err != nil {
		r.Error = fmt.Sprintf("rate limit cancelled: %v", err)
		return r
	}
	defer c.limiter.release(domain)

	parsed, err := c.parser.ParseURLWithContext(feed.URL, ctx)
	if err != nil {
		msg := err.Error()
		if len(msg) > 200 {
			msg = msg[:200]
		}
		r.Error = msg
		return r
	}

	r.Title = parsed.Title
	r.Items = len(parsed.Items)
	for _, item := range parsed.Items {
		t := item.PublishedParsed
		if t == nil {
			t = item.UpdatedParsed
		}
		if t != nil && (r.Latest == nil || t.After(*r.Latest)) {
			r.Latest = t
		}
	}
	return r
}

// Check probes feeds in parallel and returns one result per feed, in
// input order.
func (c *Checker) Check(ctx context.Context, feeds []model.Feed) []Result {
	results := make([]Result, len(feeds))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	c.logger.Info("checking feeds", "count", len(feeds), "concurrency", c.concurrency)
	for i, feed := range feeds {
		g.Go(func() error {
			results[i] = c.CheckFeed(ctx, feed)
			if !results[i].OK() {
				c.logger.Warn("feed check failed", "url", feed.URL, "err", results[i].Error)
			}
			return nil
		})
	}
	g.Wait()
	return results
}

// GroupStat counts the feeds of one group.
type GroupStat struct {
	Group   string `json:"group"`
	Total   int    `json:"total"`
	Enabled int    `json:"enabled"`
}

// Groups counts feeds per group, in order of first appearance.
func Groups(feeds []model.Feed) []GroupStat {
	var out []GroupStat
	idx := make(map[string]int)
	for _, f := range feeds {
		g := f.Group
		if g == "" {
			g = model.DefaultFeedGroup
		}
		i, ok := idx[g]
		if !ok {
			i = len(out)
			idx[g] = i
			out = append(out, GroupStat{Group: g})
		}
		out[i].Total++
		if f.Enabled {
			out[i].Enabled++
		}
	}
	if out == nil {
		out = []GroupStat{}
	}
	return out
}
