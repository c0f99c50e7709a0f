package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const settingsDoc = `{
  "timezone": "Asia/Shanghai",
  "categories_order": ["产品发布", "投融资"],
  "filters": {"blacklist_keywords": ["广告"], "whitelist_sources": []},
  "channels": [
    {"id": "email", "type": "email", "name": "邮件", "enabled": true, "send_hour": 8},
    {"id": "ch_abc", "name": "团队群", "webhook_key_slot": 3, "legacy_flag": true}
  ],
  "webhook_url_base": "https://hooks.example.com/send?key=",
  "recipients": ["old@example.com"],
  "rss_feeds": [{"url": "https://example.com/feed", "name": "Example", "enabled": true}]
}
`

func TestDecodeSettingsDefaults(t *testing.T) {
	s, err := DecodeSettings([]byte(settingsDoc))
	if err != nil {
		t.Fatal(err)
	}

	email := s.Channel("email")
	if email == nil {
		t.Fatal("email channel missing")
	}
	if email.SendHour != 8 || email.SendMinute != 0 || email.TopicMode != TopicBroad || email.MaxNewsItems != DefaultMaxNewsItems {
		t.Errorf("email channel defaults: %+v", email)
	}

	ch := s.Channel("ch_abc")
	if ch.Type != ChannelWebhook {
		t.Errorf("ch_abc type = %q, want %q", ch.Type, ChannelWebhook)
	}
	if ch.SendHour != DefaultSendHour {
		t.Errorf("ch_abc send_hour = %d, want %d", ch.SendHour, DefaultSendHour)
	}
	if ch.WebhookKeySlot == nil || *ch.WebhookKeySlot != 3 {
		t.Errorf("ch_abc slot = %v, want 3", ch.WebhookKeySlot)
	}
	if string(ch.Extra["legacy_flag"]) != "true" {
		t.Errorf("ch_abc extra = %v", ch.Extra)
	}

	if got := s.RSSFeeds[0].Group; got != DefaultFeedGroup {
		t.Errorf("feed group = %q, want %q", got, DefaultFeedGroup)
	}
	if s.Filters.WhitelistKeywords == nil {
		t.Error("missing filter list decoded as nil")
	}
	if string(s.Extra["recipients"]) != `["old@example.com"]` {
		t.Errorf("settings extra = %s", s.Extra["recipients"])
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s, err := DecodeSettings([]byte(settingsDoc))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(b), "}\n") {
		t.Error("encoded document lacks trailing newline")
	}
	if !strings.Contains(string(b), "产品发布") {
		t.Error("CJK text was escaped")
	}
	if !strings.Contains(string(b), `"recipients": [`) {
		t.Errorf("unknown field dropped:\n%s", b)
	}

	s2, err := DecodeSettings(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s, s2); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDraftRoundTrip(t *testing.T) {
	const doc = `{"date":"2025-03-01","status":"pending_review","categories":[{"name":"产品发布","icon":"🚀","news":[{"title":"发布会","url":"https://a.example/x?a=1&b=2","summary":"一句话摘要","source":"机器之心","comment":"值得关注","score":9}]}],"time_window":"24h"}`

	d, err := DecodeDraft([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(d)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "a=1&b=2") {
		t.Error("HTML characters were escaped")
	}
	d2, err := DecodeDraft(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(d, d2); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if got := string(d2.Categories[0].News[0].Extra["score"]); got != "9" {
		t.Errorf("news extra score = %q, want 9", got)
	}
	if got := string(d2.Extra["date"]); got != `"2025-03-01"` {
		t.Errorf("draft extra date = %q", got)
	}
}

func TestDraftDefaults(t *testing.T) {
	d, err := DecodeDraft([]byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusPendingReview {
		t.Errorf("status = %q, want %q", d.Status, StatusPendingReview)
	}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"status":"pending_review","categories":[]}`; string(b) != want {
		t.Errorf("encoded = %s, want %s", b, want)
	}
}

func TestDraftClone(t *testing.T) {
	d := &Draft{
		Status: StatusPendingReview,
		Categories: []Category{
			{Name: "a", News: []NewsItem{{Title: "x", Extra: Extra{"k": json.RawMessage(`1`)}}}},
		},
	}
	c := d.Clone()
	c.Categories[0].News[0].Title = "y"
	c.Categories[0].News[0].Extra["k"] = json.RawMessage(`2`)
	c.Categories = c.Categories[:0]

	if d.Categories[0].News[0].Title != "x" || string(d.Categories[0].News[0].Extra["k"]) != "1" {
		t.Errorf("clone shares state with original: %+v", d.Categories[0].News[0])
	}
}

func TestDraftKey(t *testing.T) {
	tests := []struct {
		date, channel string
		key           string
	}{
		{"2025-03-01", "email", "2025-03-01"},
		{"2025-03-01", "", "2025-03-01"},
		{"2025-03-01", "ch_m1x2", "2025-03-01_ch_ch_m1x2"},
	}
	for _, tc := range tests {
		key := DraftKey(tc.date, tc.channel)
		if key != tc.key {
			t.Errorf("DraftKey(%q, %q) = %q, want %q", tc.date, tc.channel, key, tc.key)
		}
		date, ch, ok := ParseDraftName(key + ".json")
		wantCh := tc.channel
		if wantCh == "" {
			wantCh = EmailChannelID
		}
		if !ok || date != tc.date || ch != wantCh {
			t.Errorf("ParseDraftName(%q) = %q, %q, %v", key, date, ch, ok)
		}
	}

	for _, name := range []string{"", ".json", "_ch_x.json", "README.md"} {
		if _, _, ok := ParseDraftName(name); ok {
			t.Errorf("ParseDraftName(%q) reported a draft", name)
		}
	}
}
