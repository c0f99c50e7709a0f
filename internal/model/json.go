package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// Extra holds JSON members a type does not model. They are written back
// unchanged so a read-modify-write never drops data owned by another writer.
type Extra map[string]json.RawMessage

func (e Extra) clone() Extra {
	if e == nil {
		return nil
	}
	ne := make(Extra, len(e))
	for k, v := range e {
		ne[k] = slices.Clone(v)
	}
	return ne
}

var knownFields sync.Map // reflect.Type -> map[string]bool

func fieldNames(t reflect.Type) map[string]bool {
	if v, ok := knownFields.Load(t); ok {
		return v.(map[string]bool)
	}
	names := make(map[string]bool)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		// encoding/json matches keys case-insensitively.
		names[strings.ToLower(name)] = true
	}
	knownFields.Store(t, names)
	return names
}

func decodeObject[T any](b []byte, v *T) (Extra, error) {
	if err := json.Unmarshal(b, v); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	known := fieldNames(reflect.TypeOf(*v))
	var extra Extra
	for k, m := range raw {
		if known[strings.ToLower(k)] {
			continue
		}
		if extra == nil {
			extra = make(Extra)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, m); err != nil {
			return nil, err
		}
		extra[k] = buf.Bytes()
	}
	return extra, nil
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func encodeObject(v any, extra Extra) ([]byte, error) {
	b, err := marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return b, nil
	}
	if len(b) < 2 || b[len(b)-1] != '}' {
		return nil, fmt.Errorf("model: %T did not encode as an object", v)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := bytes.NewBuffer(b[:len(b)-1:len(b)-1])
	empty := len(b) == 2
	for _, k := range keys {
		if !empty {
			out.WriteByte(',')
		}
		empty = false
		kb, err := marshal(k)
		if err != nil {
			return nil, err
		}
		out.Write(kb)
		out.WriteByte(':')
		out.Write(extra[k])
	}
	out.WriteByte('}')
	return out.Bytes(), nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (f *Feed) UnmarshalJSON(b []byte) error {
	type plain Feed
	var p plain
	extra, err := decodeObject(b, &p)
	if err != nil {
		return err
	}
	*f = Feed(p)
	f.Extra = extra
	if f.Group == "" {
		f.Group = DefaultFeedGroup
	}
	return nil
}

func (f Feed) MarshalJSON() ([]byte, error) {
	type plain Feed
	return encodeObject(plain(f), f.Extra)
}

func (c *Channel) UnmarshalJSON(b []byte) error {
	type plain Channel
	p := plain{
		SendHour:     DefaultSendHour,
		SendMinute:   DefaultSendMinute,
		TopicMode:    TopicBroad,
		MaxNewsItems: DefaultMaxNewsItems,
	}
	extra, err := decodeObject(b, &p)
	if err != nil {
		return err
	}
	*c = Channel(p)
	c.Extra = extra
	if c.Type == "" {
		c.Type = ChannelWebhook
		if c.ID == EmailChannelID {
			c.Type = ChannelEmail
		}
	}
	if c.TopicMode == "" {
		c.TopicMode = TopicBroad
	}
	if c.MaxNewsItems <= 0 {
		c.MaxNewsItems = DefaultMaxNewsItems
	}
	return nil
}

func (c Channel) MarshalJSON() ([]byte, error) {
	type plain Channel
	return encodeObject(plain(c), c.Extra)
}

func (s *Settings) UnmarshalJSON(b []byte) error {
	type plain Settings
	p := plain{Timezone: DefaultTimezone}
	extra, err := decodeObject(b, &p)
	if err != nil {
		return err
	}
	*s = Settings(p)
	s.Extra = extra
	s.normalize()
	return nil
}

func (s Settings) MarshalJSON() ([]byte, error) {
	type plain Settings
	s.normalize()
	return encodeObject(plain(s), s.Extra)
}

func (s *Settings) normalize() {
	if s.Timezone == "" {
		s.Timezone = DefaultTimezone
	}
	s.CategoriesOrder = orEmpty(s.CategoriesOrder)
	s.Filters.BlacklistKeywords = orEmpty(s.Filters.BlacklistKeywords)
	s.Filters.BlacklistSources = orEmpty(s.Filters.BlacklistSources)
	s.Filters.WhitelistKeywords = orEmpty(s.Filters.WhitelistKeywords)
	s.Filters.WhitelistSources = orEmpty(s.Filters.WhitelistSources)
	s.Channels = orEmpty(s.Channels)
	s.RSSFeeds = orEmpty(s.RSSFeeds)
}

func (d *Draft) UnmarshalJSON(b []byte) error {
	type plain Draft
	p := plain{Status: StatusPendingReview}
	extra, err := decodeObject(b, &p)
	if err != nil {
		return err
	}
	*d = Draft(p)
	d.Extra = extra
	if d.Status == "" {
		d.Status = StatusPendingReview
	}
	d.Categories = orEmpty(d.Categories)
	return nil
}

func (d Draft) MarshalJSON() ([]byte, error) {
	type plain Draft
	d.Categories = orEmpty(d.Categories)
	return encodeObject(plain(d), d.Extra)
}

func (c *Category) UnmarshalJSON(b []byte) error {
	type plain Category
	var p plain
	extra, err := decodeObject(b, &p)
	if err != nil {
		return err
	}
	*c = Category(p)
	c.Extra = extra
	c.News = orEmpty(c.News)
	return nil
}

func (c Category) MarshalJSON() ([]byte, error) {
	type plain Category
	c.News = orEmpty(c.News)
	return encodeObject(plain(c), c.Extra)
}

func (n *NewsItem) UnmarshalJSON(b []byte) error {
	type plain NewsItem
	var p plain
	extra, err := decodeObject(b, &p)
	if err != nil {
		return err
	}
	*n = NewsItem(p)
	n.Extra = extra
	return nil
}

func (n NewsItem) MarshalJSON() ([]byte, error) {
	type plain NewsItem
	return encodeObject(plain(n), n.Extra)
}

// Encode renders a document the way it is stored in the repository:
// two-space indented JSON with a trailing newline and non-ASCII text kept
// literal.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSettings parses a settings.json document.
func DecodeSettings(b []byte) (*Settings, error) {
	s := new(Settings)
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

// DecodeDraft parses a draft document.
func DecodeDraft(b []byte) (*Draft, error) {
	d := new(Draft)
	if err := json.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	return d, nil
}
