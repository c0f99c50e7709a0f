// Package model defines shared data structures.
package model

import (
	"strings"
	"time"
)

// Repository paths of the documents the admin console edits.
const (
	SettingsPath = "config/settings.json"
	DraftsDir    = "config/drafts"
)

// EmailChannelID is the fixed id of the permanent e-mail channel.
const EmailChannelID = "email"

// Webhook key slots map a channel to the secret WEBHOOK_KEY_<slot>.
const (
	MinWebhookSlot = 1
	MaxWebhookSlot = 20
)

// Defaults filled in when a document omits a field.
const (
	DefaultTimezone     = "Asia/Shanghai"
	DefaultSendHour     = 18
	DefaultSendMinute   = 0
	DefaultMaxNewsItems = 10
	DefaultFeedGroup    = "未分组"
)

// Status is the review state of a draft.
type Status string

const (
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusSent          Status = "sent"
	StatusRejected      Status = "rejected"
)

// Editable reports whether a draft in this state accepts edits and
// transitions.
func (s Status) Editable() bool { return s == StatusPendingReview }

// ChannelType is the delivery mechanism of a channel.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelWebhook ChannelType = "webhook"
)

// TopicMode selects the prompt used by the upstream summarizer.
type TopicMode string

const (
	TopicBroad   TopicMode = "broad"
	TopicFocused TopicMode = "focused"
)

// Filters are applied upstream during ingestion; they are only persisted here.
type Filters struct {
	BlacklistKeywords []string `json:"blacklist_keywords"`
	BlacklistSources  []string `json:"blacklist_sources"`
	WhitelistKeywords []string `json:"whitelist_keywords"`
	WhitelistSources  []string `json:"whitelist_sources"`
}

// Feed represents an RSS/Atom source in settings.json.
type Feed struct {
	URL     string `json:"url"`
	Name    string `json:"name"`
	Group   string `json:"group"`
	Enabled bool   `json:"enabled"`

	Extra Extra `json:"-"`
}

// Channel is a configured delivery target.
type Channel struct {
	ID             string      `json:"id"`
	Type           ChannelType `json:"type"`
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	Enabled        bool        `json:"enabled"`
	SendHour       int         `json:"send_hour"`
	SendMinute     int         `json:"send_minute"`
	TopicMode      TopicMode   `json:"topic_mode"`
	MaxNewsItems   int         `json:"max_news_items"`
	WebhookKeySlot *int        `json:"webhook_key_slot,omitempty"`
	WebhookURLBase string      `json:"webhook_url_base,omitempty"`

	Extra Extra `json:"-"`
}

// IsEmail reports whether c is the permanent e-mail channel.
func (c *Channel) IsEmail() bool { return c.ID == EmailChannelID || c.Type == ChannelEmail }

// Settings is the singleton config/settings.json document.
type Settings struct {
	Timezone        string    `json:"timezone"`
	CategoriesOrder []string  `json:"categories_order"`
	Filters         Filters   `json:"filters"`
	Channels        []Channel `json:"channels"`
	WebhookURLBase  string    `json:"webhook_url_base"`
	CustomPrompt    string    `json:"custom_prompt"`
	RSSFeeds        []Feed    `json:"rss_feeds"`

	Extra Extra `json:"-"`
}

// DefaultSettings returns the settings used when the repository has none yet.
func DefaultSettings() *Settings {
	s := &Settings{Timezone: DefaultTimezone}
	s.normalize()
	return s
}

// Channel returns the channel with the given id, or nil.
func (s *Settings) Channel(id string) *Channel {
	for i := range s.Channels {
		if s.Channels[i].ID == id {
			return &s.Channels[i]
		}
	}
	return nil
}

// HasCategory reports whether name is one of the configured categories.
func (s *Settings) HasCategory(name string) bool {
	for _, c := range s.CategoriesOrder {
		if c == name {
			return true
		}
	}
	return false
}

// Location returns the configured time zone, falling back to UTC when the
// zone is unknown to the host.
func (s *Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Draft is one (date, channel) news draft.
type Draft struct {
	Status     Status     `json:"status"`
	Categories []Category `json:"categories"`
	TimeWindow string     `json:"time_window,omitempty"`
	TopicMode  TopicMode  `json:"topic_mode,omitempty"`

	Extra Extra `json:"-"`
}

// Category groups news items of one kind.
type Category struct {
	Name string     `json:"name"`
	Icon string     `json:"icon,omitempty"`
	News []NewsItem `json:"news"`

	Extra Extra `json:"-"`
}

// NewsItem is a single entry of a draft. Comment is produced upstream and is
// never edited here.
type NewsItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary"`
	Source  string `json:"source"`
	Comment string `json:"comment,omitempty"`

	Extra Extra `json:"-"`
}

// Count returns the number of news items in d.
func (d *Draft) Count() int {
	n := 0
	for _, c := range d.Categories {
		n += len(c.News)
	}
	return n
}

// Clone returns a deep copy of d, so edits can be computed without touching
// the last-known state.
func (d *Draft) Clone() *Draft {
	nd := *d
	nd.Extra = d.Extra.clone()
	nd.Categories = make([]Category, len(d.Categories))
	for i, c := range d.Categories {
		nc := c
		nc.Extra = c.Extra.clone()
		nc.News = make([]NewsItem, len(c.News))
		for j, n := range c.News {
			n.Extra = n.Extra.clone()
			nc.News[j] = n
		}
		nd.Categories[i] = nc
	}
	return &nd
}

// DraftKey returns the document key of the draft for date and channel.
func DraftKey(date, channelID string) string {
	if channelID == "" || channelID == EmailChannelID {
		return date
	}
	return date + "_ch_" + channelID
}

// DraftPath returns the repository path of the draft with the given key.
func DraftPath(key string) string { return DraftsDir + "/" + key + ".json" }

// ParseDraftName splits a draft file name (with or without the .json
// suffix) into its date and channel id. ok is false for names that are not
// drafts.
func ParseDraftName(name string) (date, channelID string, ok bool) {
	key, found := strings.CutSuffix(name, ".json")
	if !found && strings.Contains(name, ".") {
		return "", "", false
	}
	if key == "" {
		return "", "", false
	}
	if d, ch, found := strings.Cut(key, "_ch_"); found {
		return d, ch, d != "" && ch != ""
	}
	return key, EmailChannelID, true
}

// Session is the local state of a logged-in operator.
type Session struct {
	ID        string
	Token     string
	Owner     string
	Repo      string
	AIKey     string
	CreatedAt time.Time
}

// WorkflowRun is a recent run of a dispatched workflow.
type WorkflowRun struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	HTMLURL    string    `json:"html_url,omitempty"`
}

// Completed reports whether the run has finished.
func (r WorkflowRun) Completed() bool { return r.Status == "completed" }
