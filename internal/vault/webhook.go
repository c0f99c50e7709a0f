package vault

import (
	"context"
	"slices"
	"strings"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/model"
	"github.com/bryan-buckman/digestdesk/internal/registry"
)

// WebhookKeyStatus describes the key binding of a webhook channel.
type WebhookKeyStatus struct {
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
	Slot      *int   `json:"slot"`
	Secret    string `json:"secret,omitempty"`
	Set       bool   `json:"set"`
	// Legacy is true when the channel has no slot but the deprecated
	// WEBHOOK_KEYS map exists and may still hold its key.
	Legacy bool `json:"legacy"`
}

// WebhookStatus reports the key binding of every webhook channel.
func (v *Vault) WebhookStatus(ctx context.Context, s *model.Settings) ([]WebhookKeyStatus, error) {
	names, err := v.ListNames(ctx)
	if err != nil {
		return nil, err
	}
	legacy := slices.Contains(names, WebhookKeys)
	out := []WebhookKeyStatus{}
	for _, c := range s.Channels {
		if c.IsEmail() {
			continue
		}
		st := WebhookKeyStatus{ChannelID: c.ID, Name: c.Name, Slot: c.WebhookKeySlot}
		if c.WebhookKeySlot != nil {
			st.Secret = SlotSecret(*c.WebhookKeySlot)
			st.Set = slices.Contains(names, st.Secret)
		} else {
			st.Legacy = legacy
		}
		out = append(out, st)
	}
	return out, nil
}

// FreeSlot returns the lowest slot no channel uses, or 0 when all are taken.
func FreeSlot(s *model.Settings) int {
	used := make(map[int]bool)
	for _, c := range s.Channels {
		if c.WebhookKeySlot != nil {
			used[*c.WebhookKeySlot] = true
		}
	}
	for n := model.MinWebhookSlot; n <= model.MaxWebhookSlot; n++ {
		if !used[n] {
			return n
		}
	}
	return 0
}

// SetWebhookKey stores key in the slot secret of channel id. A channel
// without a slot gets the lowest slot free in the document being saved, and
// that binding is saved before the secret is written so a conflict leaves
// nothing behind.
func (v *Vault) SetWebhookKey(ctx context.Context, reg *registry.Registry, id, key string) (int, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, apperr.Invalid("key", "must not be empty")
	}
	l, err := reg.Load(ctx)
	if err != nil {
		return 0, err
	}
	c := l.Settings.Channel(id)
	if c == nil {
		return 0, apperr.Invalid("channel", "unknown channel "+id)
	}
	if c.IsEmail() {
		return 0, apperr.Invalid("channel", "the email channel has no webhook key")
	}

	if c.WebhookKeySlot == nil {
		if FreeSlot(l.Settings) == 0 {
			return 0, apperr.Invalid("webhook_key_slot", "all webhook key slots are in use")
		}
		saved, err := reg.Save(ctx, l.Settings, registry.ScopeSlot(id, FreeSlot))
		if err != nil {
			return 0, err
		}
		if c = saved.Settings.Channel(id); c == nil {
			return 0, apperr.Invalid("channel", "unknown channel "+id)
		}
		if c.WebhookKeySlot == nil {
			return 0, apperr.Invalid("webhook_key_slot", "all webhook key slots are in use")
		}
		v.logger.Info("assigned webhook key slot", "channel", id, "slot", *c.WebhookKeySlot)
	}
	slot := *c.WebhookKeySlot
	if err := v.SetSecret(ctx, SlotSecret(slot), key); err != nil {
		return 0, err
	}
	return slot, nil
}
