// Package draft implements the review lifecycle of a news draft.
//
// A draft is created by the ingestion job in pending_review. Reviewers may
// edit it, then approve it (which dispatches the send job) or reject it.
// Once it has left pending_review it is read-only here:
//
//	pending_review --approve--> approved --(send job)--> sent
//	       |
//	       +--reject--> rejected
//
// Every mutation writes the whole draft with the version it was read at. A
// conflicting write leaves the handle as it was; the caller reloads and
// redoes the edit.
package draft

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/model"
	"github.com/bryan-buckman/digestdesk/internal/store"
	"github.com/bryan-buckman/digestdesk/internal/workflow"
)

// ErrNotEditable is returned for edits and transitions of a draft that is
// no longer pending review. Nothing is written.
var ErrNotEditable = &apperr.ValidationError{Field: "status", Reason: "draft is no longer pending review"}

// DispatchError reports that a draft was approved but the send job could
// not be dispatched. The draft stays approved; retry with
// [Handle.RetryDispatch].
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string {
	return "draft approved, but dispatching the send job failed: " + e.Err.Error()
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatcher triggers workflow jobs.
type Dispatcher interface {
	Trigger(ctx context.Context, job workflow.Job, ref string, params map[string]string) error
}

// Engine opens drafts for review.
type Engine struct {
	store      store.Versioned
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// New returns an Engine.
func New(st store.Versioned, d Dispatcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, dispatcher: d, logger: logger, now: time.Now}
}

// Today returns the current date in the settings time zone.
func (e *Engine) Today(s *model.Settings) string {
	return e.now().In(s.Location()).Format(time.DateOnly)
}

// ValidDate reports whether date is a YYYY-MM-DD date.
func ValidDate(date string) bool {
	_, err := time.Parse(time.DateOnly, date)
	return err == nil
}

// Open reads the draft of channelID for date. It returns (nil, nil) when
// there is no draft yet.
func (e *Engine) Open(ctx context.Context, channelID, date string) (*Handle, error) {
	if !ValidDate(date) {
		return nil, apperr.Invalid("date", "want YYYY-MM-DD, got "+date)
	}
	key := model.DraftKey(date, channelID)
	path := model.DraftPath(key)
	doc, err := e.store.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open draft %s: %w", key, err)
	}
	if doc == nil {
		return nil, nil
	}
	d, err := model.DecodeDraft(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("open draft %s: %w", key, err)
	}
	if channelID == "" {
		channelID = model.EmailChannelID
	}
	return &Handle{
		e:         e,
		channelID: channelID,
		date:      date,
		key:       key,
		path:      path,
		draft:     d,
		version:   doc.Version,
	}, nil
}

// Handle is an open draft and the version it was last read or written at.
// A Handle is not safe for concurrent use.
type Handle struct {
	e         *Engine
	channelID string
	date      string
	key       string
	path      string
	draft     *model.Draft
	version   string
}

// Draft returns the last known draft. Callers must not modify it.
func (h *Handle) Draft() *model.Draft { return h.draft }

// Version returns the last known version.
func (h *Handle) Version() string { return h.version }

// Key returns the document key, such as 2025-03-01_ch_ch_x.
func (h *Handle) Key() string { return h.key }

// ChannelID returns the id of the channel the draft belongs to.
func (h *Handle) ChannelID() string { return h.channelID }

// Date returns the draft date.
func (h *Handle) Date() string { return h.date }

func (h *Handle) editable() error {
	if !h.draft.Status.Editable() {
		return fmt.Errorf("%s is %s: %w", h.key, h.draft.Status, ErrNotEditable)
	}
	return nil
}

// save writes next with the last known version and adopts it on success.
func (h *Handle) save(ctx context.Context, next *model.Draft, message string) error {
	next.Categories = slices.DeleteFunc(next.Categories, func(c model.Category) bool {
		return len(c.News) == 0
	})
	b, err := model.Encode(next)
	if err != nil {
		return fmt.Errorf("encode draft %s: %w", h.key, err)
	}
	v, err := h.e.store.Write(ctx, h.path, b, h.version, message+" "+h.key)
	if err != nil {
		return fmt.Errorf("save draft %s: %w", h.key, err)
	}
	h.draft, h.version = next, v
	return nil
}

func (h *Handle) setStatus(ctx context.Context, s model.Status) error {
	if err := h.editable(); err != nil {
		return err
	}
	next := h.draft.Clone()
	next.Status = s
	if err := h.save(ctx, next, "Set "+string(s)+":"); err != nil {
		return err
	}
	h.e.logger.Info("draft status changed", "draft", h.key, "status", s)
	return nil
}

// Approve marks the draft approved and dispatches the send job for its
// channel. If only the dispatch fails the error is a *DispatchError and the
// draft stays approved.
func (h *Handle) Approve(ctx context.Context) error {
	if err := h.setStatus(ctx, model.StatusApproved); err != nil {
		return err
	}
	return h.dispatch(ctx)
}

// Reject marks the draft rejected.
func (h *Handle) Reject(ctx context.Context) error {
	return h.setStatus(ctx, model.StatusRejected)
}

// RetryDispatch re-sends the send job of an approved draft.
func (h *Handle) RetryDispatch(ctx context.Context) error {
	if h.draft.Status != model.StatusApproved {
		return apperr.Invalid("status", "only approved drafts can be dispatched, draft is "+string(h.draft.Status))
	}
	return h.dispatch(ctx)
}

func (h *Handle) dispatch(ctx context.Context) error {
	err := h.e.dispatcher.Trigger(ctx, workflow.JobSend, "", map[string]string{"channel_id": h.channelID})
	if err != nil {
		h.e.logger.Error("dispatching send job failed", "draft", h.key, "err", err)
		return &DispatchError{Err: err}
	}
	return nil
}

// NewItem is a manually added news item.
type NewItem struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Summary  string `json:"summary"`
	Source   string `json:"source"`
	Category string `json:"category"`
}

// AddNewsItem appends an item to the category named in it, creating the
// category when the draft has none of that name. The title is required and
// the category must be one of the configured categories. The URL defaults
// to "#".
func (h *Handle) AddNewsItem(ctx context.Context, s *model.Settings, in NewItem) error {
	if err := h.editable(); err != nil {
		return err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return apperr.Invalid("title", "required")
	}
	if in.Category == "" {
		return apperr.Invalid("category", "required")
	}
	if !s.HasCategory(in.Category) {
		return apperr.Invalid("category", "unknown category "+in.Category)
	}
	item := model.NewsItem{
		Title:   title,
		URL:     strings.TrimSpace(in.URL),
		Summary: strings.TrimSpace(in.Summary),
		Source:  strings.TrimSpace(in.Source),
	}
	if item.URL == "" {
		item.URL = "#"
	}

	next := h.draft.Clone()
	i := slices.IndexFunc(next.Categories, func(c model.Category) bool { return c.Name == in.Category })
	if i < 0 {
		next.Categories = append(next.Categories, model.Category{Name: in.Category, News: []model.NewsItem{item}})
	} else {
		next.Categories[i].News = append(next.Categories[i].News, item)
	}
	return h.save(ctx, next, "Add news item to")
}

func (h *Handle) item(ci, ni int) error {
	if ci < 0 || ci >= len(h.draft.Categories) {
		return apperr.Invalid("category", fmt.Sprintf("no category at index %d", ci))
	}
	if ni < 0 || ni >= len(h.draft.Categories[ci].News) {
		return apperr.Invalid("item", fmt.Sprintf("no item at index %d", ni))
	}
	return nil
}

// DeleteNewsItem removes item ni of category ci. A category left without
// items is removed as well.
func (h *Handle) DeleteNewsItem(ctx context.Context, ci, ni int) error {
	if err := h.editable(); err != nil {
		return err
	}
	if err := h.item(ci, ni); err != nil {
		return err
	}
	next := h.draft.Clone()
	next.Categories[ci].News = slices.Delete(next.Categories[ci].News, ni, ni+1)
	return h.save(ctx, next, "Delete news item from")
}

// EditSummary replaces the summary of item ni of category ci.
func (h *Handle) EditSummary(ctx context.Context, ci, ni int, text string) error {
	if err := h.editable(); err != nil {
		return err
	}
	if err := h.item(ci, ni); err != nil {
		return err
	}
	next := h.draft.Clone()
	next.Categories[ci].News[ni].Summary = text
	return h.save(ctx, next, "Edit summary in")
}

// MoveToTop moves item ni to the front of category ci.
func (h *Handle) MoveToTop(ctx context.Context, ci, ni int) error {
	if err := h.editable(); err != nil {
		return err
	}
	if err := h.item(ci, ni); err != nil {
		return err
	}
	if ni == 0 {
		return nil
	}
	next := h.draft.Clone()
	news := next.Categories[ci].News
	item := news[ni]
	copy(news[1:ni+1], news[:ni])
	news[0] = item
	return h.save(ctx, next, "Reorder news in")
}
