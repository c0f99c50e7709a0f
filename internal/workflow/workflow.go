// Package workflow dispatches the digest's GitHub Actions jobs and observes
// their recent runs.
package workflow

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/github"
	"github.com/bryan-buckman/digestdesk/internal/model"
	"github.com/bryan-buckman/digestdesk/internal/store"
)

// Job is a logical workflow.
type Job string

const (
	// JobFetch ingests news and writes drafts. It takes no inputs.
	JobFetch Job = "fetch"
	// JobSend delivers an approved draft. Input: channel_id.
	JobSend Job = "send"
	// JobWebhook pushes a draft to webhook channels. Input: channel_id.
	JobWebhook Job = "webhook"
)

// Jobs lists every known job.
var Jobs = []Job{JobFetch, JobSend, JobWebhook}

// DefaultFiles maps jobs to their workflow file names.
var DefaultFiles = map[Job]string{
	JobFetch:   "fetch-news.yml",
	JobSend:    "send-email.yml",
	JobWebhook: "send-webhook.yml",
}

// DefaultRef is the git ref workflows are dispatched on.
const DefaultRef = "main"

// API is the subset of the GitHub client used here.
type API interface {
	Dispatch(ctx context.Context, workflow, ref string, inputs map[string]string) error
	Runs(ctx context.Context, workflow string, perPage int) ([]github.Run, error)
}

// Client triggers and lists workflow runs.
type Client struct {
	api    API
	store  store.Versioned
	files  map[Job]string
	ref    string
	logger *slog.Logger
}

// Options configure a Client. Zero values select the defaults.
type Options struct {
	Files  map[Job]string
	Ref    string
	Logger *slog.Logger
}

// New returns a Client. st is used to read and edit workflow files.
func New(api API, st store.Versioned, opts Options) *Client {
	c := &Client{
		api:    api,
		store:  st,
		files:  make(map[Job]string),
		ref:    cmp.Or(opts.Ref, DefaultRef),
		logger: opts.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	for j, f := range DefaultFiles {
		c.files[j] = f
	}
	for j, f := range opts.Files {
		if f != "" {
			c.files[j] = f
		}
	}
	return c
}

// ParseJob validates a job name.
func ParseJob(s string) (Job, error) {
	j := Job(s)
	if !slices.Contains(Jobs, j) {
		return "", apperr.Invalid("job", "unknown workflow "+s)
	}
	return j, nil
}

// File returns the workflow file name of job.
func (c *Client) File(job Job) string { return c.files[job] }

// Trigger dispatches job on ref (the default ref when empty). Success means
// the run was accepted, not that it finished.
func (c *Client) Trigger(ctx context.Context, job Job, ref string, params map[string]string) error {
	file, ok := c.files[job]
	if !ok {
		return apperr.Invalid("job", "unknown workflow "+string(job))
	}
	if err := c.api.Dispatch(ctx, file, cmp.Or(ref, c.ref), params); err != nil {
		return err
	}
	c.logger.Info("dispatched workflow", "job", job, "file", file, "params", params)
	return nil
}

// RecentRuns fetches up to perJob runs of every job, tags each run with its
// job, and returns the newest limit runs across all of them.
func (c *Client) RecentRuns(ctx context.Context, jobs []Job, perJob, limit int) ([]model.WorkflowRun, error) {
	files := make([]string, len(jobs))
	for i, job := range jobs {
		file, ok := c.files[job]
		if !ok {
			return nil, apperr.Invalid("job", "unknown workflow "+string(job))
		}
		files[i] = file
	}

	lists := make([][]model.WorkflowRun, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		file := files[i]
		g.Go(func() error {
			runs, err := c.api.Runs(ctx, file, perJob)
			if err != nil {
				return err
			}
			for _, r := range runs {
				lists[i] = append(lists[i], model.WorkflowRun{
					ID:         r.ID,
					Type:       string(job),
					Name:       r.Name,
					Status:     r.Status,
					Conclusion: r.Conclusion,
					CreatedAt:  r.CreatedAt,
					HTMLURL:    r.HTMLURL,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}

	all := slices.Concat(lists...)
	slices.SortStableFunc(all, func(a, b model.WorkflowRun) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if all == nil {
		all = []model.WorkflowRun{}
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
