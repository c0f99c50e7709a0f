package workflow

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/github"
	"github.com/bryan-buckman/digestdesk/internal/github/githubtest"
)

func newClient(t *testing.T) (*Client, *githubtest.Server) {
	t.Helper()
	srv := githubtest.NewServer(t)
	gh := srv.Client()
	return New(gh, gh, Options{}), srv
}

func TestTrigger(t *testing.T) {
	c, srv := newClient(t)
	ctx := context.Background()

	if err := c.Trigger(ctx, JobSend, "", map[string]string{"channel_id": "email"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Trigger(ctx, JobFetch, "dev", nil); err != nil {
		t.Fatal(err)
	}
	want := []githubtest.Dispatch{
		{Workflow: "send-email.yml", Ref: "main", Inputs: map[string]string{"channel_id": "email"}},
		{Workflow: "fetch-news.yml", Ref: "dev", Inputs: map[string]string{}},
	}
	if diff := cmp.Diff(want, srv.Dispatches()); diff != "" {
		t.Errorf("dispatches mismatch (-want +got):\n%s", diff)
	}

	if err := c.Trigger(ctx, Job("deploy"), "", nil); err == nil {
		t.Error("unknown job accepted")
	}

	srv.Fail(http.MethodPost, "/dispatches", http.StatusUnprocessableEntity)
	var rerr *apperr.RemoteError
	if err := c.Trigger(ctx, JobFetch, "", nil); !errors.As(err, &rerr) || rerr.Status != http.StatusUnprocessableEntity {
		t.Errorf("err = %v, want RemoteError 422", err)
	}
}

type countingAPI struct {
	*github.Client
	runs atomic.Int32
}

func (c *countingAPI) Runs(ctx context.Context, workflow string, perPage int) ([]github.Run, error) {
	c.runs.Add(1)
	return c.Client.Runs(ctx, workflow, perPage)
}

func TestRecentRunsUnknownJob(t *testing.T) {
	srv := githubtest.NewServer(t)
	api := &countingAPI{Client: srv.Client()}
	c := New(api, api.Client, Options{})

	_, err := c.RecentRuns(context.Background(), []Job{JobFetch, JobSend, Job("deploy")}, 5, 10)
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) || verr.Field != "job" {
		t.Fatalf("err = %v, want validation error on job", err)
	}
	if n := api.runs.Load(); n != 0 {
		t.Errorf("%d run listings started before the unknown job was rejected", n)
	}
}

func TestRecentRuns(t *testing.T) {
	c, srv := newClient(t)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 6 {
		srv.AddRun("fetch-news.yml", github.Run{ID: int64(100 + i), Status: "completed", Conclusion: "success", CreatedAt: base.Add(time.Duration(2*i) * time.Hour)})
		srv.AddRun("send-email.yml", github.Run{ID: int64(200 + i), Status: "completed", Conclusion: "failure", CreatedAt: base.Add(time.Duration(2*i+1) * time.Hour)})
	}

	runs, err := c.RecentRuns(context.Background(), []Job{JobFetch, JobSend}, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	want := []int64{205, 105, 204, 104, 203, 103, 202, 102, 201, 101}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}
	if runs[0].Type != string(JobSend) || runs[1].Type != string(JobFetch) {
		t.Errorf("runs not tagged: %+v", runs[:2])
	}
}

func TestWatchCompletes(t *testing.T) {
	c, srv := newClient(t)
	ctx := context.Background()

	if err := c.Trigger(ctx, JobFetch, "", nil); err != nil {
		t.Fatal(err)
	}
	w := c.Watch(ctx, []Job{JobFetch}, WatchOptions{Interval: 10 * time.Millisecond, Horizon: 5 * time.Second})
	defer w.Stop()

	// Let it observe the queued run before it finishes.
	deadline := time.Now().Add(2 * time.Second)
	for len(w.Snapshot().Runs) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.Snapshot().Done {
		t.Fatal("watch ended while a run was queued")
	}
	srv.CompleteRuns("success")

	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not end after the run completed")
	}
	s := w.Snapshot()
	if s.Reason != EndCompleted || len(s.Runs) != 1 || s.Runs[0].Conclusion != "success" {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestWatchHorizon(t *testing.T) {
	c, _ := newClient(t)
	w := c.Watch(context.Background(), []Job{JobFetch}, WatchOptions{Interval: 10 * time.Millisecond, Horizon: 50 * time.Millisecond})

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch outlived its horizon")
	}
	if s := w.Snapshot(); !s.Done || s.Reason != EndHorizon {
		t.Errorf("snapshot = %+v, want done at horizon", s)
	}
}

func TestWatchStop(t *testing.T) {
	c, _ := newClient(t)
	w := c.Watch(context.Background(), []Job{JobFetch}, WatchOptions{Interval: 10 * time.Millisecond, Horizon: time.Minute})
	w.Stop()
	w.Stop()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	if s := w.Snapshot(); s.Reason != EndStopped {
		t.Errorf("reason = %q, want %q", s.Reason, EndStopped)
	}
}

const fetchWorkflow = `name: Fetch News

on:
  schedule:
    - cron: '0 22 * * *' # 06:00 Beijing
  workflow_dispatch:

jobs:
  fetch:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
`

func TestSchedule(t *testing.T) {
	c, srv := newClient(t)
	ctx := context.Background()
	path := WorkflowsDir + "/fetch-news.yml"
	v0 := srv.SetFile(path, []byte(fetchWorkflow))

	s, err := c.Schedule(ctx, JobFetch)
	if err != nil {
		t.Fatal(err)
	}
	if s.Cron != "0 22 * * *" || s.Version != v0 {
		t.Errorf("schedule = %+v", s)
	}

	s, err = c.SetSchedule(ctx, JobFetch, "30  23 * * 1-5", s.Version)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := srv.File(path)
	want := `name: Fetch News

on:
  schedule:
    - cron: '30 23 * * 1-5' # 06:00 Beijing
  workflow_dispatch:

jobs:
  fetch:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
`
	if diff := cmp.Diff(want, string(b)); diff != "" {
		t.Errorf("workflow file mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.SetSchedule(ctx, JobFetch, "0 1 * * *", v0); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("stale version: err = %v, want ErrConflict", err)
	}
	if _, err := c.SetSchedule(ctx, JobFetch, "every day", s.Version); err == nil {
		t.Error("invalid cron accepted")
	}
	if _, err := c.Schedule(ctx, JobSend); err == nil {
		t.Error("missing workflow file reported no error")
	}
}
