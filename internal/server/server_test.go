package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"

	"github.com/bryan-buckman/digestdesk/internal/database"
	"github.com/bryan-buckman/digestdesk/internal/github/githubtest"
	"github.com/bryan-buckman/digestdesk/internal/model"
	"github.com/bryan-buckman/digestdesk/internal/summary"
	"github.com/bryan-buckman/digestdesk/internal/vault"
	"github.com/bryan-buckman/digestdesk/internal/workflow"
)

const settingsDoc = `{
  "timezone": "Asia/Shanghai",
  "categories_order": ["产品发布", "投融资"],
  "filters": {"blacklist_keywords": ["广告"]},
  "channels": [
    {"id": "email", "type": "email", "name": "邮件", "enabled": true},
    {"id": "team", "type": "webhook", "name": "团队群", "enabled": true}
  ],
  "rss_feeds": [{"url": "https://a.example/rss", "name": "A", "group": "科技", "enabled": true}]
}
`

const draftDoc = `{"status":"pending_review","categories":[{"name":"产品发布","news":[{"title":"A","url":"https://a.example/1","summary":"s1","source":"A"}]}]}`

const fetchWorkflow = `name: Fetch News

on:
  schedule:
    - cron: '0 22 * * *'
  workflow_dispatch:
`

const day = "2025-03-01"

type harness struct {
	t       *testing.T
	srv     *Server
	fake    *githubtest.Server
	session string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := githubtest.NewServer(t)
	fake.SetFile(model.SettingsPath, []byte(settingsDoc))
	fake.SetFile(model.DraftPath(model.DraftKey(day, "email")), []byte(draftDoc))
	fake.SetFile(workflow.WorkflowsDir+"/fetch-news.yml", []byte(fetchWorkflow))

	db, err := database.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	srv := New(db, Options{
		GitHubBaseURL: fake.URL,
		HTTPClient:    fake.Server.Client(),
		RateLimit:     rate.Inf,
		SessionTTL:    time.Hour,
		Watch:         workflow.WatchOptions{Interval: 10 * time.Millisecond, Horizon: time.Second},
		Logger:        slog.New(slog.DiscardHandler),
	})
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return &harness{t: t, srv: srv, fake: fake}
}

// do sends a request. A string body is sent as is, anything else as JSON.
func (h *harness) do(method, path string, body any, header ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var r *bytes.Reader
	switch b := body.(type) {
	case nil:
		r = bytes.NewReader(nil)
	case string:
		r = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if h.session != "" {
		req.Header.Set("Authorization", "Bearer "+h.session)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func (h *harness) expect(rec *httptest.ResponseRecorder, status int) {
	h.t.Helper()
	if rec.Code != status {
		h.t.Fatalf("status = %d, want %d; body: %s", rec.Code, status, rec.Body)
	}
}

func (h *harness) login() {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/api/login", loginRequest{Token: githubtest.Token, Owner: githubtest.Owner, Repo: githubtest.Repo})
	h.expect(rec, http.StatusOK)
	resp := decodeAs[loginResponse](h.t, rec)
	if resp.SessionID == "" || resp.Login != githubtest.Owner {
		h.t.Fatalf("login = %+v", resp)
	}
	h.session = resp.SessionID
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %s: %v", rec.Body, err)
	}
	return v
}

func (h *harness) settings() *model.Settings {
	h.t.Helper()
	b, ok := h.fake.File(model.SettingsPath)
	if !ok {
		h.t.Fatal("settings missing")
	}
	var s model.Settings
	if err := json.Unmarshal(b, &s); err != nil {
		h.t.Fatal(err)
	}
	return &s
}

func TestLoginAndLogout(t *testing.T) {
	h := newHarness(t)

	h.expect(h.do(http.MethodGet, "/api/settings", nil), http.StatusUnauthorized)

	rec := h.do(http.MethodPost, "/api/login", loginRequest{Token: "ghp_wrong", Owner: githubtest.Owner, Repo: githubtest.Repo})
	h.expect(rec, http.StatusUnauthorized)

	rec = h.do(http.MethodPost, "/api/login", loginRequest{Token: githubtest.Token, Owner: githubtest.Owner})
	h.expect(rec, http.StatusBadRequest)
	if got := decodeAs[errorResponse](t, rec).Field; got != "repo" {
		t.Errorf("field = %q, want repo", got)
	}

	h.login()
	h.expect(h.do(http.MethodGet, "/api/settings", nil), http.StatusOK)
	h.expect(h.do(http.MethodPost, "/api/logout", nil), http.StatusNoContent)
	h.expect(h.do(http.MethodGet, "/api/settings", nil), http.StatusUnauthorized)
}

func TestSessionExpiry(t *testing.T) {
	h := newHarness(t)
	h.login()
	h.srv.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	h.expect(h.do(http.MethodGet, "/api/settings", nil), http.StatusUnauthorized)

	h.srv.now = time.Now
	h.expect(h.do(http.MethodGet, "/api/settings", nil), http.StatusUnauthorized)
}

// etag reads the draft at path and returns its ETag.
func (h *harness) etag(path string) string {
	h.t.Helper()
	rec := h.do(http.MethodGet, path, nil)
	h.expect(rec, http.StatusOK)
	return rec.Header().Get("ETag")
}

func TestDraftLifecycle(t *testing.T) {
	h := newHarness(t)
	h.login()
	base := "/api/channels/email/drafts/" + day

	rec := h.do(http.MethodGet, base, nil)
	h.expect(rec, http.StatusOK)
	d := decodeAs[draftResponse](t, rec)
	if !d.Editable || d.Key != day || len(d.Draft.Categories) != 1 {
		t.Fatalf("draft = %+v", d)
	}
	if got, want := rec.Header().Get("ETag"), strconv.Quote(d.Version); got != want {
		t.Errorf("ETag = %s, want %s", got, want)
	}

	item := map[string]string{"title": "B", "category": "投融资", "summary": "s2"}
	rec = h.do(http.MethodPost, base+"/items", map[string]string{"title": " ", "category": "投融资"}, "If-Match", strconv.Quote(d.Version))
	h.expect(rec, http.StatusBadRequest)
	if got := decodeAs[errorResponse](t, rec).Field; got != "title" {
		t.Errorf("field = %q, want title", got)
	}

	rec = h.do(http.MethodPost, base+"/items", item, "If-Match", strconv.Quote(d.Version))
	h.expect(rec, http.StatusOK)
	d = decodeAs[draftResponse](t, rec)
	if len(d.Draft.Categories) != 2 || d.Draft.Categories[1].News[0].URL != "#" {
		t.Fatalf("after add: %+v", d.Draft.Categories)
	}

	rec = h.do(http.MethodPut, base+"/items/0/0/summary", map[string]string{"summary": "新摘要"}, "If-Match", rec.Header().Get("ETag"))
	h.expect(rec, http.StatusOK)
	if got := decodeAs[draftResponse](t, rec).Draft.Categories[0].News[0].Summary; got != "新摘要" {
		t.Errorf("summary = %q", got)
	}

	rec = h.do(http.MethodPost, base+"/approve", nil, "If-Match", rec.Header().Get("ETag"))
	h.expect(rec, http.StatusOK)
	d = decodeAs[draftResponse](t, rec)
	if d.Draft.Status != model.StatusApproved || d.Editable {
		t.Errorf("after approve: status %q, editable %v", d.Draft.Status, d.Editable)
	}
	want := []githubtest.Dispatch{{Workflow: "send-email.yml", Ref: "main", Inputs: map[string]string{"channel_id": "email"}}}
	if diff := cmp.Diff(want, h.fake.Dispatches()); diff != "" {
		t.Errorf("dispatches mismatch (-want +got):\n%s", diff)
	}

	h.expect(h.do(http.MethodDelete, base+"/items/0/0", nil, "If-Match", rec.Header().Get("ETag")), http.StatusBadRequest)
	h.expect(h.do(http.MethodGet, "/api/channels/email/drafts/2025-03-02", nil), http.StatusNotFound)
	h.expect(h.do(http.MethodGet, "/api/channels/email/drafts/yesterday", nil), http.StatusBadRequest)
}

func TestDraftMutationsNeedSeenVersion(t *testing.T) {
	h := newHarness(t)
	h.login()
	base := "/api/channels/email/drafts/" + day
	seen := h.etag(base)

	// Another session puts a new item in front of the one the operator saw.
	path := model.DraftPath(model.DraftKey(day, "email"))
	h.fake.SetFile(path, []byte(`{"status":"pending_review","categories":[{"name":"产品发布","news":[`+
		`{"title":"X","url":"https://x.example/1","summary":"sx","source":"X"},`+
		`{"title":"A","url":"https://a.example/1","summary":"s1","source":"A"}]}]}`))
	concurrent, _ := h.fake.File(path)

	mutations := []struct {
		method, path string
		body         any
	}{
		{http.MethodDelete, base + "/items/0/0", nil},
		{http.MethodPut, base + "/items/0/0/summary", map[string]string{"summary": "改"}},
		{http.MethodPost, base + "/items/0/0/top", nil},
		{http.MethodPost, base + "/items", map[string]string{"title": "B", "category": "投融资"}},
		{http.MethodPost, base + "/approve", nil},
		{http.MethodPost, base + "/reject", nil},
	}
	before := h.fake.Mutations()
	for _, m := range mutations {
		rec := h.do(m.method, m.path, m.body)
		if rec.Code != http.StatusPreconditionRequired {
			t.Errorf("%s %s without If-Match: status %d, want 428", m.method, m.path, rec.Code)
		}
		rec = h.do(m.method, m.path, m.body, "If-Match", seen)
		if rec.Code != http.StatusConflict {
			t.Errorf("%s %s with stale If-Match: status %d, want 409", m.method, m.path, rec.Code)
		}
	}
	if h.fake.Mutations() != before {
		t.Error("refused mutations wrote to the repository")
	}
	if b, _ := h.fake.File(path); !bytes.Equal(b, concurrent) {
		t.Errorf("draft changed:\n%s", b)
	}
	if len(h.fake.Dispatches()) != 0 {
		t.Error("refused approval dispatched the send job")
	}

	rec := h.do(http.MethodDelete, base+"/items/0/0", nil, "If-Match", h.etag(base))
	h.expect(rec, http.StatusOK)
	news := decodeAs[draftResponse](t, rec).Draft.Categories[0].News
	if len(news) != 1 || news[0].Title != "A" {
		t.Errorf("after delete with current version: %+v", news)
	}
}

func TestApproveDispatchFailure(t *testing.T) {
	h := newHarness(t)
	h.login()
	base := "/api/channels/email/drafts/" + day

	h.fake.Fail(http.MethodPost, "/dispatches", http.StatusUnprocessableEntity)
	rec := h.do(http.MethodPost, base+"/approve", nil, "If-Match", h.etag(base))
	h.expect(rec, http.StatusBadGateway)
	if rec.Header().Get("ETag") == "" {
		t.Error("no ETag after the approval was saved")
	}

	rec = h.do(http.MethodGet, base, nil)
	if got := decodeAs[draftResponse](t, rec).Draft.Status; got != model.StatusApproved {
		t.Errorf("status = %q, want approved", got)
	}
}

func TestSettingsEdits(t *testing.T) {
	h := newHarness(t)
	h.login()

	h.expect(h.do(http.MethodPost, "/api/settings/filters/blacklist_keywords", map[string]string{"value": " 促销 "}), http.StatusOK)
	h.expect(h.do(http.MethodPost, "/api/settings/filters/greylist", map[string]string{"value": "x"}), http.StatusBadRequest)
	h.expect(h.do(http.MethodPost, "/api/settings/categories/1/up", nil), http.StatusOK)
	h.expect(h.do(http.MethodPost, "/api/settings/categories/0/sideways", nil), http.StatusBadRequest)

	s := h.settings()
	if diff := cmp.Diff([]string{"广告", "促销"}, s.Filters.BlacklistKeywords); diff != "" {
		t.Errorf("blacklist mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"投融资", "产品发布"}, s.CategoriesOrder); diff != "" {
		t.Errorf("category order mismatch (-want +got):\n%s", diff)
	}

	rec := h.do(http.MethodPost, "/api/channels", nil)
	h.expect(rec, http.StatusCreated)
	ch := decodeAs[model.Channel](t, rec)
	if ch.ID == "" || h.settings().Channel(ch.ID) == nil {
		t.Fatalf("added channel %+v not saved", ch)
	}
	h.expect(h.do(http.MethodPatch, "/api/channels/"+ch.ID, map[string]any{"name": "新频道"}), http.StatusOK)
	if got := h.settings().Channel(ch.ID).Name; got != "新频道" {
		t.Errorf("name = %q", got)
	}
	h.expect(h.do(http.MethodDelete, "/api/channels/"+ch.ID, nil), http.StatusOK)
	if h.settings().Channel(ch.ID) != nil {
		t.Error("channel survived removal")
	}
}

func TestWebhookKeyAndSecrets(t *testing.T) {
	h := newHarness(t)
	h.login()

	rec := h.do(http.MethodPut, "/api/channels/team/webhook-key", map[string]string{"key": "hook-123"})
	h.expect(rec, http.StatusOK)
	resp := decodeAs[struct {
		Slot   int    `json:"slot"`
		Secret string `json:"secret"`
	}](t, rec)
	if resp.Secret != vault.SlotSecret(resp.Slot) {
		t.Errorf("response = %+v", resp)
	}
	if got, ok := h.fake.Open(resp.Secret); !ok || got != "hook-123" {
		t.Errorf("sealed key = %q, %v", got, ok)
	}
	if slot := h.settings().Channel("team").WebhookKeySlot; slot == nil || *slot != resp.Slot {
		t.Errorf("slot not saved on channel: %v", slot)
	}

	h.expect(h.do(http.MethodPut, "/api/secrets/SMTP_USERNAME", map[string]string{"value": "bot@example.com"}), http.StatusNoContent)
	if got, _ := h.fake.Open("SMTP_USERNAME"); got != "bot@example.com" {
		t.Errorf("SMTP_USERNAME = %q", got)
	}
	h.expect(h.do(http.MethodPut, "/api/secrets/WEBHOOK_KEYS", map[string]string{"value": "{}"}), http.StatusBadRequest)

	rec = h.do(http.MethodGet, "/api/secrets", nil)
	h.expect(rec, http.StatusOK)
	st := decodeAs[secretsResponse](t, rec)
	for _, s := range st.Secrets {
		if s.Name == vault.SMTPUsername && !s.Set {
			t.Error("SMTP_USERNAME reported unset")
		}
	}
	if len(st.Webhooks) == 0 {
		t.Error("no webhook status reported")
	}
}

func TestFeedsAndOPML(t *testing.T) {
	h := newHarness(t)
	h.login()

	rec := h.do(http.MethodPost, "/api/feeds", model.Feed{URL: "https://b.example/rss", Name: "B"})
	h.expect(rec, http.StatusOK)
	feeds := decodeAs[feedsResponse](t, rec)
	if len(feeds.Feeds) != 2 || feeds.Feeds[1].Group != model.DefaultFeedGroup {
		t.Fatalf("feeds = %+v", feeds.Feeds)
	}
	h.expect(h.do(http.MethodPost, "/api/feeds", model.Feed{URL: "https://b.example/rss", Name: "B"}), http.StatusBadRequest)
	h.expect(h.do(http.MethodPost, "/api/feeds/0/toggle", nil), http.StatusOK)
	if h.settings().RSSFeeds[0].Enabled {
		t.Error("feed 0 still enabled")
	}

	doc := `<?xml version="1.0"?>
<opml version="2.0"><head><title>x</title></head><body>
  <outline text="研究"><outline text="C" type="rss" xmlUrl="https://c.example/rss"/></outline>
  <outline text="A" type="rss" xmlUrl="https://a.example/rss"/>
</body></opml>`
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("opml", "feeds.opml")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(doc))
	mw.Close()
	rec = h.do(http.MethodPost, "/api/feeds/opml", buf.String(), "Content-Type", mw.FormDataContentType())
	h.expect(rec, http.StatusOK)
	got := decodeAs[map[string]any](t, rec)
	if got["imported"] != float64(2) || got["added"] != float64(1) {
		t.Errorf("import = %v", got)
	}

	h.expect(h.do(http.MethodPost, "/api/feeds/opml", "<opml"), http.StatusBadRequest)

	rec = h.do(http.MethodGet, "/api/feeds/opml", nil)
	h.expect(rec, http.StatusOK)
	for _, u := range []string{"https://a.example/rss", "https://b.example/rss", "https://c.example/rss"} {
		if !strings.Contains(rec.Body.String(), u) {
			t.Errorf("export lacks %s", u)
		}
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "feeds.opml") {
		t.Errorf("Content-Disposition = %q", rec.Header().Get("Content-Disposition"))
	}
}

func TestTriggerAndWatch(t *testing.T) {
	h := newHarness(t)
	h.login()

	h.expect(h.do(http.MethodGet, "/api/workflows/watch", nil), http.StatusNotFound)
	rec := h.do(http.MethodPost, "/api/workflows/send", map[string]string{})
	h.expect(rec, http.StatusBadRequest)
	if got := decodeAs[errorResponse](t, rec).Field; got != "channel_id" {
		t.Errorf("field = %q, want channel_id", got)
	}
	h.expect(h.do(http.MethodPost, "/api/workflows/deploy", nil), http.StatusBadRequest)

	h.expect(h.do(http.MethodPost, "/api/workflows/fetch", nil), http.StatusAccepted)
	if d := h.fake.Dispatches(); len(d) != 1 || d[0].Workflow != "fetch-news.yml" {
		t.Fatalf("dispatches = %+v", d)
	}

	rec = h.do(http.MethodGet, "/api/workflows/watch", nil)
	h.expect(rec, http.StatusOK)
	if diff := cmp.Diff([]workflow.Job{workflow.JobFetch}, decodeAs[workflow.WatchState](t, rec).Jobs); diff != "" {
		t.Errorf("watched jobs mismatch (-want +got):\n%s", diff)
	}

	h.expect(h.do(http.MethodDelete, "/api/workflows/watch", nil), http.StatusNoContent)
	rec = h.do(http.MethodGet, "/api/workflows/watch", nil)
	h.expect(rec, http.StatusOK)
	if st := decodeAs[workflow.WatchState](t, rec); !st.Done {
		t.Errorf("watch not done after stop: %+v", st)
	}

	rec = h.do(http.MethodGet, "/api/workflows/runs", nil)
	h.expect(rec, http.StatusOK)
	if runs := decodeAs[[]model.WorkflowRun](t, rec); len(runs) != 1 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestSchedule(t *testing.T) {
	h := newHarness(t)
	h.login()

	rec := h.do(http.MethodGet, "/api/workflows/schedule", nil)
	h.expect(rec, http.StatusOK)
	if got := decodeAs[workflow.Schedule](t, rec).Cron; got != "0 22 * * *" {
		t.Errorf("cron = %q", got)
	}
	etag := rec.Header().Get("ETag")

	before := h.fake.Mutations()
	h.expect(h.do(http.MethodPut, "/api/workflows/schedule", map[string]string{"cron": "0 1 * * *"}, "If-Match", `"stale"`), http.StatusConflict)
	if h.fake.Mutations() != before {
		t.Error("stale If-Match wrote to the repository")
	}
	h.expect(h.do(http.MethodPut, "/api/workflows/schedule", map[string]string{"cron": "every day"}), http.StatusBadRequest)

	h.expect(h.do(http.MethodPut, "/api/workflows/schedule", map[string]string{"cron": "30 23 * * *"}, "If-Match", etag), http.StatusOK)
	b, _ := h.fake.File(workflow.WorkflowsDir + "/fetch-news.yml")
	if !strings.Contains(string(b), "- cron: '30 23 * * *'") {
		t.Errorf("workflow file not updated:\n%s", b)
	}
}

type fakeSummarizer struct{ key string }

func (f *fakeSummarizer) Summarize(_ context.Context, title, _ string) (string, error) {
	if f.key == "" {
		return "", errors.New("no key")
	}
	return "摘要：" + title, nil
}

func TestSummary(t *testing.T) {
	h := newHarness(t)
	h.login()
	req := map[string]string{"title": "GPT-5 发布"}

	rec := h.do(http.MethodPost, "/api/summary", req)
	h.expect(rec, http.StatusBadRequest)
	if got := decodeAs[errorResponse](t, rec).Field; got != "ai_key" {
		t.Errorf("field = %q, want ai_key", got)
	}

	h.expect(h.do(http.MethodPut, "/api/session/ai-key", map[string]string{"key": "sk-test"}), http.StatusOK)
	var used summary.Options
	h.srv.newSummarizer = func(o summary.Options) (summarizer, error) {
		used = o
		return &fakeSummarizer{key: o.APIKey}, nil
	}
	rec = h.do(http.MethodPost, "/api/summary", req)
	h.expect(rec, http.StatusOK)
	if got := decodeAs[map[string]string](t, rec)["summary"]; got != "摘要：GPT-5 发布" {
		t.Errorf("summary = %q", got)
	}
	if used.APIKey != "sk-test" {
		t.Errorf("key = %q, want sk-test", used.APIKey)
	}
}

func TestRemoteFailure(t *testing.T) {
	h := newHarness(t)
	h.login()
	h.fake.Fail(http.MethodGet, "/contents/", http.StatusInternalServerError)

	rec := h.do(http.MethodGet, "/api/settings", nil)
	h.expect(rec, http.StatusBadGateway)
	if got := decodeAs[errorResponse](t, rec).RemoteStatus; got != http.StatusInternalServerError {
		t.Errorf("remote status = %d, want 500", got)
	}
}
