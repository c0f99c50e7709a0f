package workflow

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bryan-buckman/digestdesk/internal/model"
)

// Defaults for Watch.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultHorizon      = time.Minute
)

// Reasons a watch ends.
const (
	EndCompleted = "completed"
	EndHorizon   = "horizon"
	EndStopped   = "stopped"
)

// WatchState is what a watch has observed so far.
type WatchState struct {
	Jobs    []Job               `json:"jobs"`
	Started time.Time           `json:"started"`
	Polled  time.Time           `json:"polled,omitzero"`
	Runs    []model.WorkflowRun `json:"runs"`
	Done    bool                `json:"done"`
	Reason  string              `json:"reason,omitempty"`
	LastErr string              `json:"last_error,omitempty"`
}

// Watch polls the runs of a set of jobs for a bounded time after a trigger.
// It ends when every run it saw has completed, when the horizon passes, or
// when Stop is called.
type Watch struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   WatchState
	stopped bool
}

// WatchOptions bound a Watch. Zero values select the defaults.
type WatchOptions struct {
	Interval time.Duration
	Horizon  time.Duration
	// Since drops runs created before it. Defaults to the start time less
	// a little clock skew.
	Since time.Time
}

// Watch starts polling jobs in the background. The watch is tied to ctx
// and also ends with it.
func (c *Client) Watch(ctx context.Context, jobs []Job, opts WatchOptions) *Watch {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	now := time.Now()
	if opts.Since.IsZero() {
		opts.Since = now.Add(-30 * time.Second)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Horizon)
	w := &Watch{
		cancel: cancel,
		done:   make(chan struct{}),
		state: WatchState{
			Jobs:    slices.Clone(jobs),
			Started: now,
			Runs:    []model.WorkflowRun{},
		},
	}
	go w.run(ctx, c, opts)
	return w
}

func (w *Watch) run(ctx context.Context, c *Client, opts WatchOptions) {
	defer close(w.done)
	defer w.cancel()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		if w.poll(ctx, c, opts.Since) {
			w.finish(EndCompleted)
			return
		}
		select {
		case <-ctx.Done():
			w.mu.Lock()
			reason := EndHorizon
			if w.stopped {
				reason = EndStopped
			}
			w.mu.Unlock()
			w.finish(reason)
			return
		case <-ticker.C:
		}
	}
}

// poll records the current runs and reports whether all of them finished.
func (w *Watch) poll(ctx context.Context, c *Client, since time.Time) bool {
	runs, err := c.RecentRuns(ctx, w.state.Jobs, 5, 0)
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Polled = time.Now()
	if err != nil {
		w.state.LastErr = err.Error()
		return false
	}
	w.state.LastErr = ""
	w.state.Runs = slices.DeleteFunc(runs, func(r model.WorkflowRun) bool {
		return r.CreatedAt.Before(since)
	})
	if len(w.state.Runs) == 0 {
		return false
	}
	for _, r := range w.state.Runs {
		if !r.Completed() {
			return false
		}
	}
	return true
}

func (w *Watch) finish(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Done = true
	w.state.Reason = reason
}

// Snapshot returns the latest observed state.
func (w *Watch) Snapshot() WatchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.state
	s.Jobs = slices.Clone(s.Jobs)
	s.Runs = slices.Clone(s.Runs)
	return s
}

// Stop cancels the watch. It is safe to call more than once.
func (w *Watch) Stop() {
	w.mu.Lock()
	if !w.state.Done {
		w.stopped = true
	}
	w.mu.Unlock()
	w.cancel()
}

// Done is closed when the watch has ended.
func (w *Watch) Done() <-chan struct{} { return w.done }
