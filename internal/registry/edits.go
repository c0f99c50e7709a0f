package registry

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/model"
)

// OptionalInt is a patch field that can be left alone, set, or cleared.
// Set is true when the field was present in the patch; a JSON null clears.
type OptionalInt struct {
	Set   bool
	Value *int
}

func (o *OptionalInt) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.Value = nil
		return nil
	}
	var v int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// ChannelPatch is a shallow update of a channel. Nil fields are left alone.
type ChannelPatch struct {
	Name           *string          `json:"name"`
	Description    *string          `json:"description"`
	Enabled        *bool            `json:"enabled"`
	SendHour       *int             `json:"send_hour"`
	SendMinute     *int             `json:"send_minute"`
	TopicMode      *model.TopicMode `json:"topic_mode"`
	MaxNewsItems   *int             `json:"max_news_items"`
	WebhookKeySlot OptionalInt      `json:"webhook_key_slot"`
	WebhookURLBase *string          `json:"webhook_url_base"`
}

func (p *ChannelPatch) validate() error {
	switch {
	case p.SendHour != nil && (*p.SendHour < 0 || *p.SendHour > 23):
		return apperr.Invalid("send_hour", "must be between 0 and 23")
	case p.SendMinute != nil && (*p.SendMinute < 0 || *p.SendMinute > 59):
		return apperr.Invalid("send_minute", "must be between 0 and 59")
	case p.MaxNewsItems != nil && *p.MaxNewsItems <= 0:
		return apperr.Invalid("max_news_items", "must be positive")
	case p.TopicMode != nil && *p.TopicMode != model.TopicBroad && *p.TopicMode != model.TopicFocused:
		return apperr.Invalid("topic_mode", "must be broad or focused")
	}
	if v := p.WebhookKeySlot.Value; v != nil && (*v < model.MinWebhookSlot || *v > model.MaxWebhookSlot) {
		return apperr.Invalid("webhook_key_slot", "must be between 1 and 20")
	}
	return nil
}

// UpdateChannel merges patch into the channel with the given id. Fields are
// checked one by one; a webhook channel without slot or URL is a valid,
// unconfigured state.
func UpdateChannel(s *model.Settings, id string, patch ChannelPatch) error {
	c := s.Channel(id)
	if c == nil {
		return apperr.Invalid("channel", "unknown channel "+id)
	}
	if err := patch.validate(); err != nil {
		return err
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Description != nil {
		c.Description = *patch.Description
	}
	if patch.Enabled != nil {
		c.Enabled = *patch.Enabled
	}
	if patch.SendHour != nil {
		c.SendHour = *patch.SendHour
	}
	if patch.SendMinute != nil {
		c.SendMinute = *patch.SendMinute
	}
	if patch.TopicMode != nil {
		c.TopicMode = *patch.TopicMode
	}
	if patch.MaxNewsItems != nil {
		c.MaxNewsItems = *patch.MaxNewsItems
	}
	if patch.WebhookKeySlot.Set {
		c.WebhookKeySlot = patch.WebhookKeySlot.Value
	}
	if patch.WebhookURLBase != nil {
		c.WebhookURLBase = *patch.WebhookURLBase
	}
	return nil
}

// AddChannel appends a disabled webhook channel with a fresh id derived from
// now and returns it.
func AddChannel(s *model.Settings, now time.Time) *model.Channel {
	ms := now.UnixMilli()
	id := "ch_" + strconv.FormatInt(ms, 36)
	for s.Channel(id) != nil {
		ms++
		id = "ch_" + strconv.FormatInt(ms, 36)
	}
	s.Channels = append(s.Channels, model.Channel{
		ID:           id,
		Type:         model.ChannelWebhook,
		Enabled:      false,
		SendHour:     12,
		SendMinute:   0,
		TopicMode:    model.TopicBroad,
		MaxNewsItems: model.DefaultMaxNewsItems,
	})
	return &s.Channels[len(s.Channels)-1]
}

// RemoveChannel deletes a webhook channel. Its drafts and secret are kept.
func RemoveChannel(s *model.Settings, id string) error {
	i := slices.IndexFunc(s.Channels, func(c model.Channel) bool { return c.ID == id })
	if i < 0 {
		return apperr.Invalid("channel", "unknown channel "+id)
	}
	if s.Channels[i].IsEmail() {
		return apperr.Invalid("channel", "the email channel cannot be removed")
	}
	s.Channels = slices.Delete(s.Channels, i, i+1)
	return nil
}

// ReorderCategory swaps category i with its neighbour in direction dir
// (negative for up, positive for down). Moves past either end are no-ops.
func ReorderCategory(s *model.Settings, i, dir int) {
	j := i + 1
	if dir < 0 {
		j = i - 1
	}
	if i < 0 || i >= len(s.CategoriesOrder) || j < 0 || j >= len(s.CategoriesOrder) {
		return
	}
	s.CategoriesOrder[i], s.CategoriesOrder[j] = s.CategoriesOrder[j], s.CategoriesOrder[i]
}

// FilterKinds are the filter lists kept in settings.
var FilterKinds = []string{"blacklist_keywords", "blacklist_sources", "whitelist_keywords", "whitelist_sources"}

func filterList(f *model.Filters, kind string) (*[]string, error) {
	switch kind {
	case "blacklist_keywords":
		return &f.BlacklistKeywords, nil
	case "blacklist_sources":
		return &f.BlacklistSources, nil
	case "whitelist_keywords":
		return &f.WhitelistKeywords, nil
	case "whitelist_sources":
		return &f.WhitelistSources, nil
	}
	return nil, apperr.Invalid("kind", "unknown filter "+kind)
}

// AddFilter appends the trimmed value to the filter list kind unless it is
// already there.
func AddFilter(s *model.Settings, kind, value string) error {
	l, err := filterList(&s.Filters, kind)
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return apperr.Invalid("value", "must not be empty")
	}
	if !slices.Contains(*l, value) {
		*l = append(*l, value)
	}
	return nil
}

// RemoveFilter removes value from the filter list kind.
func RemoveFilter(s *model.Settings, kind, value string) error {
	l, err := filterList(&s.Filters, kind)
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	*l = slices.DeleteFunc(*l, func(v string) bool { return v == value })
	return nil
}

// AddFeed appends an enabled feed. URL and name are required; the group
// defaults to the ungrouped bucket.
func AddFeed(s *model.Settings, url, name, group string) error {
	url, name, group = strings.TrimSpace(url), strings.TrimSpace(name), strings.TrimSpace(group)
	switch {
	case url == "":
		return apperr.Invalid("url", "required")
	case name == "":
		return apperr.Invalid("name", "required")
	case slices.ContainsFunc(s.RSSFeeds, func(f model.Feed) bool { return f.URL == url }):
		return apperr.Invalid("url", "feed already exists")
	}
	if group == "" {
		group = model.DefaultFeedGroup
	}
	s.RSSFeeds = append(s.RSSFeeds, model.Feed{URL: url, Name: name, Group: group, Enabled: true})
	return nil
}

func feedIndex(s *model.Settings, i int) error {
	if i < 0 || i >= len(s.RSSFeeds) {
		return apperr.Invalid("index", "no feed at index "+strconv.Itoa(i))
	}
	return nil
}

// ToggleFeed flips the enabled flag of feed i.
func ToggleFeed(s *model.Settings, i int) error {
	if err := feedIndex(s, i); err != nil {
		return err
	}
	s.RSSFeeds[i].Enabled = !s.RSSFeeds[i].Enabled
	return nil
}

// DeleteFeed removes feed i.
func DeleteFeed(s *model.Settings, i int) error {
	if err := feedIndex(s, i); err != nil {
		return err
	}
	s.RSSFeeds = slices.Delete(s.RSSFeeds, i, i+1)
	return nil
}

// SetGroupEnabled enables or disables every feed of group.
func SetGroupEnabled(s *model.Settings, group string, enabled bool) {
	for i := range s.RSSFeeds {
		if s.RSSFeeds[i].Group == group {
			s.RSSFeeds[i].Enabled = enabled
		}
	}
}

// GeneralPatch updates the top-level scalar settings.
type GeneralPatch struct {
	Timezone       *string `json:"timezone"`
	WebhookURLBase *string `json:"webhook_url_base"`
	CustomPrompt   *string `json:"custom_prompt"`
}

// UpdateGeneral applies p to s. The time zone must be known to the host.
func UpdateGeneral(s *model.Settings, p GeneralPatch) error {
	if p.Timezone != nil {
		if _, err := time.LoadLocation(*p.Timezone); err != nil || *p.Timezone == "" {
			return apperr.Invalid("timezone", "unknown time zone "+*p.Timezone)
		}
		s.Timezone = *p.Timezone
	}
	if p.WebhookURLBase != nil {
		s.WebhookURLBase = strings.TrimSpace(*p.WebhookURLBase)
	}
	if p.CustomPrompt != nil {
		s.CustomPrompt = *p.CustomPrompt
	}
	return nil
}
