// Package history folds drafts, workflow runs and source health into the
// read-only dashboard and history views.
package history

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/digestdesk/internal/model"
	"github.com/bryan-buckman/digestdesk/internal/rss"
	"github.com/bryan-buckman/digestdesk/internal/store"
	"github.com/bryan-buckman/digestdesk/internal/workflow"
)

// View sizes.
const (
	DefaultLimit      = 30
	RecentDraftsCount = 7
	RunsPerJob        = 5
	RecentRunsCount   = 10
	loadConcurrency   = 6
)

// RunLister lists recent workflow runs.
type RunLister interface {
	RecentRuns(ctx context.Context, jobs []workflow.Job, perJob, limit int) ([]model.WorkflowRun, error)
}

// SourceStatus reports the health of the WeWe RSS bridge.
type SourceStatus interface {
	Status(ctx context.Context, now time.Time) (*rss.WeWeStatus, error)
}

// Aggregator builds the read-only views.
type Aggregator struct {
	store  store.Versioned
	runs   RunLister
	wewe   SourceStatus
	logger *slog.Logger
	now    func() time.Time
}

// New returns an Aggregator. runs and wewe may be nil, in which case the
// corresponding dashboard signals are omitted.
func New(st store.Versioned, runs RunLister, wewe SourceStatus, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: st, runs: runs, wewe: wewe, logger: logger, now: time.Now}
}

// DraftRef names a stored draft.
type DraftRef struct {
	Name      string `json:"name"`
	Date      string `json:"date"`
	ChannelID string `json:"channel_id"`
}

// ChannelSummary is the dashboard line of one channel.
type ChannelSummary struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       model.ChannelType `json:"type"`
	Enabled    bool              `json:"enabled"`
	SendHour   int               `json:"send_hour"`
	SendMinute int               `json:"send_minute"`
}

// Dashboard is the overview shown after login.
type Dashboard struct {
	FeedsTotal   int                 `json:"feeds_total"`
	FeedsEnabled int                 `json:"feeds_enabled"`
	Groups       []rss.GroupStat     `json:"groups"`
	Channels     []ChannelSummary    `json:"channels"`
	RecentDrafts []DraftRef          `json:"recent_drafts"`
	Runs         []model.WorkflowRun `json:"runs"`
	WeWe         *rss.WeWeStatus     `json:"wewe,omitempty"`
}

// Dashboard builds the overview for s. Failures of the run listing and the
// WeWe bridge degrade to an empty list and an absent status.
func (a *Aggregator) Dashboard(ctx context.Context, s *model.Settings) (*Dashboard, error) {
	d := &Dashboard{
		FeedsTotal: len(s.RSSFeeds),
		Groups:     rss.Groups(s.RSSFeeds),
		Channels:   make([]ChannelSummary, 0, len(s.Channels)),
		Runs:       []model.WorkflowRun{},
	}
	for _, f := range s.RSSFeeds {
		if f.Enabled {
			d.FeedsEnabled++
		}
	}
	for _, c := range s.Channels {
		d.Channels = append(d.Channels, ChannelSummary{
			ID:         c.ID,
			Name:       c.Name,
			Type:       c.Type,
			Enabled:    c.Enabled,
			SendHour:   c.SendHour,
			SendMinute: c.SendMinute,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		refs, err := a.list(gctx, func(DraftRef) bool { return true })
		if err != nil {
			return err
		}
		d.RecentDrafts = refs[:min(len(refs), RecentDraftsCount)]
		return nil
	})
	if a.runs != nil {
		g.Go(func() error {
			runs, err := a.runs.RecentRuns(gctx, []workflow.Job{workflow.JobFetch, workflow.JobSend}, RunsPerJob, RecentRunsCount)
			if err != nil {
				a.logger.Warn("dashboard: listing runs", "err", err)
				return nil
			}
			d.Runs = runs
			return nil
		})
	}
	if a.wewe != nil {
		g.Go(func() error {
			st, err := a.wewe.Status(gctx, a.now())
			if err != nil {
				a.logger.Warn("dashboard: wewe status", "err", err)
				return nil
			}
			d.WeWe = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}

// Record is one loaded draft of a history view.
type Record struct {
	DraftRef
	Version string       `json:"version"`
	Status  model.Status `json:"status"`
	Items   int          `json:"items"`
	Draft   *model.Draft `json:"draft"`
}

// Channel returns up to limit drafts of one channel, newest first.
// limit <= 0 uses DefaultLimit.
func (a *Aggregator) Channel(ctx context.Context, channelID string, limit int) ([]Record, error) {
	if channelID == "" {
		channelID = model.EmailChannelID
	}
	return a.load(ctx, limit, func(r DraftRef) bool { return r.ChannelID == channelID })
}

// All returns up to limit drafts across all channels, newest first.
// limit <= 0 uses DefaultLimit.
func (a *Aggregator) All(ctx context.Context, limit int) ([]Record, error) {
	return a.load(ctx, limit, func(DraftRef) bool { return true })
}

// list returns the draft names accepted by keep, sorted by name descending.
func (a *Aggregator) list(ctx context.Context, keep func(DraftRef) bool) ([]DraftRef, error) {
	entries, err := a.store.List(ctx, model.DraftsDir)
	if err != nil {
		return nil, err
	}
	refs := []DraftRef{}
	for _, e := range entries {
		if e.Type == "dir" || !strings.HasSuffix(e.Name, ".json") {
			continue
		}
		date, ch, ok := model.ParseDraftName(e.Name)
		if !ok {
			continue
		}
		r := DraftRef{Name: strings.TrimSuffix(e.Name, ".json"), Date: date, ChannelID: ch}
		if keep(r) {
			refs = append(refs, r)
		}
	}
	slices.SortFunc(refs, func(x, y DraftRef) int { return strings.Compare(y.Name, x.Name) })
	return refs, nil
}

// load reads the newest drafts accepted by keep concurrently. Drafts that
// cannot be read or decoded are skipped.
func (a *Aggregator) load(ctx context.Context, limit int, keep func(DraftRef) bool) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	refs, err := a.list(ctx, keep)
	if err != nil {
		return nil, err
	}
	refs = refs[:min(len(refs), limit)]

	loaded := make([]*Record, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			doc, err := a.store.Read(gctx, model.DraftPath(ref.Name))
			if err != nil || doc == nil {
				a.logger.Warn("history: skipping draft", "name", ref.Name, "err", err)
				return nil
			}
			d, err := model.DecodeDraft(doc.Content)
			if err != nil {
				a.logger.Warn("history: skipping draft", "name", ref.Name, "err", err)
				return nil
			}
			loaded[i] = &Record{DraftRef: ref, Version: doc.Version, Status: d.Status, Items: d.Count(), Draft: d}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(loaded))
	for _, r := range loaded {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}
