package server

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/model"
	"github.com/bryan-buckman/digestdesk/internal/opml"
	"github.com/bryan-buckman/digestdesk/internal/registry"
	"github.com/bryan-buckman/digestdesk/internal/rss"
	"github.com/bryan-buckman/digestdesk/internal/vault"
)

type settingsResponse struct {
	Settings *model.Settings `json:"settings"`
	Version  string          `json:"version"`
}

func writeSettings(w http.ResponseWriter, status int, l *registry.Loaded) {
	setETag(w, l.Version)
	writeJSON(w, status, settingsResponse{Settings: l.Settings, Version: l.Version})
}

// edit loads the settings, applies fn and saves them under scope.
func (s *Server) edit(w http.ResponseWriter, r *http.Request, scope registry.Scope, fn func(*model.Settings) error) (*registry.Loaded, bool) {
	b := backendFrom(r)
	l, err := b.registry.Load(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if err := fn(l.Settings); err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	saved, err := b.registry.Save(r.Context(), l.Settings, scope)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return saved, true
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	l, err := backendFrom(r).registry.Load(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSettings(w, http.StatusOK, l)
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch registry.GeneralPatch
	if err := decode(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, ok := s.edit(w, r, registry.ScopeGeneral, func(st *model.Settings) error {
		return registry.UpdateGeneral(st, patch)
	})
	if ok {
		writeSettings(w, http.StatusOK, l)
	}
}

func (s *Server) handleReorderCategory(w http.ResponseWriter, r *http.Request) {
	i, err := intParam(r, "index")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var dir int
	switch d := pathParam(r, "direction"); d {
	case "up":
		dir = -1
	case "down":
		dir = 1
	default:
		s.writeError(w, r, apperr.Invalid("direction", "want up or down, got "+d))
		return
	}
	l, ok := s.edit(w, r, registry.ScopeCategories, func(st *model.Settings) error {
		registry.ReorderCategory(st, i, dir)
		return nil
	})
	if ok {
		writeSettings(w, http.StatusOK, l)
	}
}

type filterRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleAddFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, ok := s.edit(w, r, registry.ScopeFilters, func(st *model.Settings) error {
		return registry.AddFilter(st, pathParam(r, "kind"), req.Value)
	})
	if ok {
		writeSettings(w, http.StatusOK, l)
	}
}

func (s *Server) handleRemoveFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, ok := s.edit(w, r, registry.ScopeFilters, func(st *model.Settings) error {
		return registry.RemoveFilter(st, pathParam(r, "kind"), req.Value)
	})
	if ok {
		writeSettings(w, http.StatusOK, l)
	}
}

// --- Channels ---

func (s *Server) handleAddChannel(w http.ResponseWriter, r *http.Request) {
	b := backendFrom(r)
	l, err := b.registry.Load(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := registry.AddChannel(l.Settings, s.now()).ID
	saved, err := b.registry.Save(r.Context(), l.Settings, registry.ScopeChannel(id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setETag(w, saved.Version)
	writeJSON(w, http.StatusCreated, saved.Settings.Channel(id))
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "channelID")
	var patch registry.ChannelPatch
	if err := decode(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, ok := s.edit(w, r, registry.ScopeChannel(id), func(st *model.Settings) error {
		return registry.UpdateChannel(st, id, patch)
	})
	if !ok {
		return
	}
	setETag(w, l.Version)
	writeJSON(w, http.StatusOK, l.Settings.Channel(id))
}

func (s *Server) handleRemoveChannel(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "channelID")
	l, ok := s.edit(w, r, registry.ScopeChannel(id), func(st *model.Settings) error {
		return registry.RemoveChannel(st, id)
	})
	if ok {
		writeSettings(w, http.StatusOK, l)
	}
}

func (s *Server) handleSetWebhookKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b := backendFrom(r)
	slot, err := b.vault.SetWebhookKey(r.Context(), b.registry, pathParam(r, "channelID"), req.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slot": slot, "secret": vault.SlotSecret(slot)})
}

// --- Feeds ---

type feedsResponse struct {
	Feeds   []model.Feed    `json:"feeds"`
	Groups  []rss.GroupStat `json:"groups"`
	Version string          `json:"version"`
}

func writeFeeds(w http.ResponseWriter, l *registry.Loaded) {
	setETag(w, l.Version)
	writeJSON(w, http.StatusOK, feedsResponse{
		Feeds:   l.Settings.RSSFeeds,
		Groups:  rss.Groups(l.Settings.RSSFeeds),
		Version: l.Version,
	})
}

func (s *Server) handleGetFeeds(w http.ResponseWriter, r *http.Request) {
	l, err := backendFrom(r).registry.Load(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeFeeds(w, l)
}

func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	var req model.Feed
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, ok := s.edit(w, r, registry.ScopeFeeds, func(st *model.Settings) error {
		return registry.AddFeed(st, req.URL, req.Name, req.Group)
	})
	if ok {
		writeFeeds(w, l)
	}
}

func (s *Server) handleToggleFeed(w http.ResponseWriter, r *http.Request) {
	i, err := intParam(r, "index")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	l, ok := s.edit(w, r, registry.ScopeFeeds, func(st *model.Settings) error {
		return registry.ToggleFeed(st, i)
	})
	if ok {
		writeFeeds(w, l)
	}
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	i, err := intParam(r, "index")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	l, ok := s.edit(w, r, registry.ScopeFeeds, func(st *model.Settings) error {
		return registry.DeleteFeed(st, i)
	})
	if ok {
		writeFeeds(w, l)
	}
}

func (s *Server) handleSetGroup(w http.ResponseWriter, r *http.Request) {
	var enabled bool
	switch state := pathParam(r, "state"); state {
	case "enable":
		enabled = true
	case "disable":
	default:
		s.writeError(w, r, apperr.Invalid("state", "want enable or disable, got "+state))
		return
	}
	group := pathParam(r, "group")
	l, ok := s.edit(w, r, registry.ScopeFeeds, func(st *model.Settings) error {
		registry.SetGroupEnabled(st, group, enabled)
		return nil
	})
	if ok {
		writeFeeds(w, l)
	}
}

func (s *Server) handleWeWeSync(w http.ResponseWriter, r *http.Request) {
	if s.opts.WeWe == nil {
		s.writeError(w, r, apperr.Invalid("wewe", "WeWe RSS is not configured"))
		return
	}
	remote, err := s.opts.WeWe.Feeds(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var added, removed int
	l, ok := s.edit(w, r, registry.ScopeFeeds, func(st *model.Settings) error {
		st.RSSFeeds, added, removed = s.opts.WeWe.Sync(st.RSSFeeds, remote)
		return nil
	})
	if !ok {
		return
	}
	setETag(w, l.Version)
	writeJSON(w, http.StatusOK, map[string]any{
		"added":   added,
		"removed": removed,
		"feeds":   l.Settings.RSSFeeds,
		"version": l.Version,
	})
}

func (s *Server) handleFeedHealth(w http.ResponseWriter, r *http.Request) {
	l, err := backendFrom(r).registry.Load(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var enabled []model.Feed
	for _, f := range l.Settings.RSSFeeds {
		if f.Enabled {
			enabled = append(enabled, f)
		}
	}
	writeJSON(w, http.StatusOK, s.checker.Check(r.Context(), enabled))
}

// opmlBody returns the uploaded OPML document: the "opml" form file of a
// multipart request, or the raw body otherwise.
func opmlBody(w http.ResponseWriter, r *http.Request) (io.Reader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); strings.HasPrefix(mt, "multipart/") {
		file, _, err := r.FormFile("opml")
		if err != nil {
			return nil, apperr.Invalid("opml", "no file provided")
		}
		defer file.Close()
		b, err := io.ReadAll(file)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(b), nil
	}
	return r.Body, nil
}

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	body, err := opmlBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	imported, err := opml.Parse(body)
	if err != nil {
		s.writeError(w, r, apperr.Invalid("opml", err.Error()))
		return
	}
	var added int
	l, ok := s.edit(w, r, registry.ScopeFeeds, func(st *model.Settings) error {
		st.RSSFeeds, added = opml.Merge(st.RSSFeeds, imported)
		return nil
	})
	if !ok {
		return
	}
	s.logger.Info("imported opml", "feeds", len(imported), "added", added)
	setETag(w, l.Version)
	writeJSON(w, http.StatusOK, map[string]any{
		"imported": len(imported),
		"added":    added,
		"version":  l.Version,
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	b := backendFrom(r)
	l, err := b.registry.Load(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := opml.Export(b.session.Repo+" feeds", l.Settings.RSSFeeds, s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-opml; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="feeds.opml"`)
	w.Write(out)
}
