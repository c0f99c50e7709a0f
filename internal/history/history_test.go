package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/model"
	"github.com/bryan-buckman/digestdesk/internal/rss"
	"github.com/bryan-buckman/digestdesk/internal/store"
	"github.com/bryan-buckman/digestdesk/internal/workflow"
)

func draftDoc(status model.Status, items int) []byte {
	news := ""
	for i := range items {
		if i > 0 {
			news += ","
		}
		news += fmt.Sprintf(`{"title":"新闻%d","url":"#","summary":"","source":""}`, i)
	}
	return []byte(fmt.Sprintf(`{"status":%q,"categories":[{"name":"产品发布","news":[%s]}]}`, status, news))
}

func seed(t *testing.T) *store.Mem {
	t.Helper()
	m := store.NewMem()
	for day := 1; day <= 9; day++ {
		date := fmt.Sprintf("2025-03-%02d", day)
		m.Put(model.DraftPath(date), draftDoc(model.StatusSent, day))
		if day%3 == 0 {
			m.Put(model.DraftPath(model.DraftKey(date, "ch_team")), draftDoc(model.StatusPendingReview, 1))
		}
	}
	m.Put(model.DraftsDir+"/README.md", []byte("notes"))
	m.Put(model.DraftsDir+"/archive/2024-01-01.json", []byte("{}"))
	m.Put(model.DraftPath("2025-03-10"), []byte("{not json"))
	return m
}

func names(records []Record) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.Name)
	}
	return out
}

func TestChannel(t *testing.T) {
	a := New(seed(t), nil, nil, nil)
	ctx := context.Background()

	email, err := a.Channel(ctx, model.EmailChannelID, 3)
	if err != nil {
		t.Fatal(err)
	}
	// The newest email draft is unreadable and skipped after the limit is applied.
	if diff := cmp.Diff([]string{"2025-03-09", "2025-03-08"}, names(email)); diff != "" {
		t.Errorf("email history mismatch (-want +got):\n%s", diff)
	}
	if email[0].Items != 9 || email[0].Status != model.StatusSent || email[0].Version == "" {
		t.Errorf("record = %+v", email[0])
	}

	team, err := a.Channel(ctx, "ch_team", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"2025-03-09_ch_ch_team", "2025-03-06_ch_ch_team", "2025-03-03_ch_ch_team"}
	if diff := cmp.Diff(want, names(team)); diff != "" {
		t.Errorf("channel history mismatch (-want +got):\n%s", diff)
	}
	if team[0].ChannelID != "ch_team" || team[0].Date != "2025-03-09" {
		t.Errorf("ref = %+v", team[0].DraftRef)
	}
}

func TestAll(t *testing.T) {
	a := New(seed(t), nil, nil, nil)
	all, err := a.All(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 12 {
		t.Errorf("got %d records, want 12: %v", len(all), names(all))
	}
	if all[0].Name != "2025-03-09_ch_ch_team" || all[1].Name != "2025-03-09" {
		t.Errorf("order = %v", names(all))
	}
}

type fakeRuns struct {
	runs []model.WorkflowRun
	err  error
}

func (f fakeRuns) RecentRuns(_ context.Context, jobs []workflow.Job, perJob, limit int) ([]model.WorkflowRun, error) {
	if len(jobs) != 2 || perJob != RunsPerJob || limit != RecentRunsCount {
		return nil, fmt.Errorf("unexpected arguments %v %d %d", jobs, perJob, limit)
	}
	return f.runs, f.err
}

type fakeWeWe struct {
	st  *rss.WeWeStatus
	err error
}

func (f fakeWeWe) Status(context.Context, time.Time) (*rss.WeWeStatus, error) { return f.st, f.err }

func TestDashboard(t *testing.T) {
	s := model.DefaultSettings()
	s.RSSFeeds = []model.Feed{
		{URL: "a", Group: "AI", Enabled: true},
		{URL: "b", Group: "AI"},
		{URL: "c", Group: rss.WeWeGroup, Enabled: true},
	}
	s.Channels = []model.Channel{
		{ID: model.EmailChannelID, Type: model.ChannelEmail, Name: "邮件", Enabled: true, SendHour: 8},
	}
	run := model.WorkflowRun{ID: 7, Type: "fetch", Status: "completed"}
	wewe := &rss.WeWeStatus{OK: true, FeedCount: 3}

	a := New(seed(t), fakeRuns{runs: []model.WorkflowRun{run}}, fakeWeWe{st: wewe}, nil)
	d, err := a.Dashboard(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if d.FeedsTotal != 3 || d.FeedsEnabled != 2 {
		t.Errorf("feeds = %d/%d, want 2/3", d.FeedsEnabled, d.FeedsTotal)
	}
	if len(d.Groups) != 2 || d.Groups[0].Total != 2 {
		t.Errorf("groups = %+v", d.Groups)
	}
	if len(d.RecentDrafts) != RecentDraftsCount || d.RecentDrafts[0].Name != "2025-03-10" {
		t.Errorf("recent drafts = %+v", d.RecentDrafts)
	}
	if diff := cmp.Diff([]model.WorkflowRun{run}, d.Runs); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}
	if d.WeWe != wewe {
		t.Errorf("wewe = %+v", d.WeWe)
	}
	if d.Channels[0].SendHour != 8 {
		t.Errorf("channels = %+v", d.Channels)
	}
}

func TestDashboardDegrades(t *testing.T) {
	runs := fakeRuns{err: &apperr.RemoteError{Status: 500}}
	wewe := fakeWeWe{err: fmt.Errorf("wewe: %w", apperr.ErrUnreachable)}
	a := New(store.NewMem(), runs, wewe, nil)

	d, err := a.Dashboard(context.Background(), model.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	if d.Runs == nil || len(d.Runs) != 0 {
		t.Errorf("runs = %#v, want empty", d.Runs)
	}
	if d.WeWe != nil {
		t.Errorf("wewe = %+v, want nil", d.WeWe)
	}
	if d.RecentDrafts == nil || d.Groups == nil {
		t.Error("empty lists encoded as nil")
	}
}

type failingList struct{ *store.Mem }

func (failingList) List(context.Context, string) ([]store.Entry, error) {
	return nil, &apperr.RemoteError{Status: 403, Message: "Resource not accessible"}
}

func TestListErrorPropagates(t *testing.T) {
	a := New(failingList{store.NewMem()}, nil, nil, nil)
	var rerr *apperr.RemoteError
	if _, err := a.All(context.Background(), 0); !errors.As(err, &rerr) {
		t.Errorf("All err = %v, want RemoteError", err)
	}
	if _, err := a.Dashboard(context.Background(), model.DefaultSettings()); !errors.As(err, &rerr) {
		t.Errorf("Dashboard err = %v, want RemoteError", err)
	}
}
