// Package registry loads and saves the settings document, which holds the
// channel list together with filters, category order and RSS sources.
//
// Several independent flows edit disjoint parts of the one document, so
// saving never writes back a stale copy wholesale: [Registry.Save] re-reads
// the document, overlays only the part the caller owns and writes with the
// freshly read version.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bryan-buckman/digestdesk/internal/model"
	"github.com/bryan-buckman/digestdesk/internal/store"
)

// Registry reads and writes the settings document through a versioned
// store.
type Registry struct {
	store  store.Versioned
	logger *slog.Logger
}

// New returns a Registry backed by s.
func New(s store.Versioned, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, logger: logger}
}

// Loaded is a settings document and the version it was read at. An empty
// Version means the document does not exist yet.
type Loaded struct {
	Settings *model.Settings
	Version  string
}

// Load reads the settings. A missing document yields default settings.
func (r *Registry) Load(ctx context.Context) (*Loaded, error) {
	doc, err := r.store.Read(ctx, model.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if doc == nil {
		return &Loaded{Settings: model.DefaultSettings()}, nil
	}
	s, err := model.DecodeSettings(doc.Content)
	if err != nil {
		return nil, err
	}
	return &Loaded{Settings: s, Version: doc.Version}, nil
}

// Scope names the part of the settings a save is authoritative for.
type Scope struct {
	name    string
	overlay func(fresh, local *model.Settings)
}

func (s Scope) String() string { return s.name }

var (
	// ScopeFeeds owns rss_feeds only.
	ScopeFeeds = Scope{"rss feeds", func(fresh, local *model.Settings) {
		fresh.RSSFeeds = local.RSSFeeds
	}}
	// ScopeGeneral owns the top-level scalars: timezone, webhook_url_base
	// and custom_prompt.
	ScopeGeneral = Scope{"general settings", func(fresh, local *model.Settings) {
		fresh.Timezone = local.Timezone
		fresh.WebhookURLBase = local.WebhookURLBase
		fresh.CustomPrompt = local.CustomPrompt
	}}
	// ScopeChannels owns everything except rss_feeds.
	ScopeChannels = Scope{"settings", func(fresh, local *model.Settings) {
		feeds, extra := fresh.RSSFeeds, fresh.Extra
		*fresh = *local
		fresh.RSSFeeds, fresh.Extra = feeds, extra
	}}
	// ScopeCategories owns categories_order.
	ScopeCategories = Scope{"categories", func(fresh, local *model.Settings) {
		fresh.CategoriesOrder = local.CategoriesOrder
	}}
	// ScopeFilters owns filters.
	ScopeFilters = Scope{"filters", func(fresh, local *model.Settings) {
		fresh.Filters = local.Filters
	}}
)

// ScopeChannel owns the single channel with the given id. A channel missing
// locally is removed from the document; one missing remotely is appended.
func ScopeChannel(id string) Scope {
	return Scope{"channel " + id, func(fresh, local *model.Settings) {
		lc := local.Channel(id)
		for i := range fresh.Channels {
			if fresh.Channels[i].ID != id {
				continue
			}
			if lc == nil {
				fresh.Channels = append(fresh.Channels[:i], fresh.Channels[i+1:]...)
			} else {
				fresh.Channels[i] = *lc
			}
			return
		}
		if lc != nil {
			fresh.Channels = append(fresh.Channels, *lc)
		}
	}}
}

// ScopeSlot binds a webhook key slot to channel id on the document being
// written. A channel that already has a slot there keeps it; otherwise it
// gets free(fresh). Slots are picked from the fresh document so two sessions
// never hand out the same one.
func ScopeSlot(id string, free func(*model.Settings) int) Scope {
	return Scope{"channel " + id + " slot", func(fresh, _ *model.Settings) {
		c := fresh.Channel(id)
		if c == nil || c.WebhookKeySlot != nil {
			return
		}
		if n := free(fresh); n > 0 {
			c.WebhookKeySlot = &n
		}
	}}
}

// Save merges local into the current document under scope and writes it
// with the version it just read. When no document exists yet, local is
// created as is.
func (r *Registry) Save(ctx context.Context, local *model.Settings, scope Scope) (*Loaded, error) {
	fresh, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	merged := local
	if fresh.Version != "" {
		merged = fresh.Settings
		scope.overlay(merged, local)
	}

	b, err := model.Encode(merged)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	version, err := r.store.Write(ctx, model.SettingsPath, b, fresh.Version, "Update "+scope.name+" via admin API")
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", scope.name, err)
	}
	r.logger.Info("saved settings", "scope", scope.name, "version", version)
	return &Loaded{Settings: merged, Version: version}, nil
}
