package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/draft"
	"github.com/bryan-buckman/digestdesk/internal/model"
	"github.com/bryan-buckman/digestdesk/internal/workflow"
)

type draftResponse struct {
	Key       string       `json:"key"`
	ChannelID string       `json:"channel_id"`
	Date      string       `json:"date"`
	Version   string       `json:"version"`
	Editable  bool         `json:"editable"`
	Draft     *model.Draft `json:"draft"`
}

func writeDraft(w http.ResponseWriter, h *draft.Handle) {
	setETag(w, h.Version())
	writeJSON(w, http.StatusOK, draftResponse{
		Key:       h.Key(),
		ChannelID: h.ChannelID(),
		Date:      h.Date(),
		Version:   h.Version(),
		Editable:  h.Draft().Status.Editable(),
		Draft:     h.Draft(),
	})
}

// openDraft opens the draft named by the route. The date "today" resolves
// in the settings time zone. It writes the response and returns nil when
// the draft cannot be opened.
func (s *Server) openDraft(w http.ResponseWriter, r *http.Request, b *backend) *draft.Handle {
	channelID := pathParam(r, "channelID")
	date := pathParam(r, "date")
	if date == "today" {
		l, err := b.registry.Load(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return nil
		}
		date = b.drafts.Today(l.Settings)
	}
	h, err := b.drafts.Open(r.Context(), channelID, date)
	if err != nil {
		s.writeError(w, r, err)
		return nil
	}
	if h == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("no draft for %s on %s", channelID, date)})
		return nil
	}
	return h
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	if h := s.openDraft(w, r, backendFrom(r)); h != nil {
		writeDraft(w, h)
	}
}

type draftFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, b *backend, h *draft.Handle) error

// draftAction opens the draft, checks If-Match against its version and
// runs fn. Every draft mutation must name the version the operator saw:
// a missing If-Match is refused and a stale one fails with a conflict,
// both before anything is written.
func (s *Server) draftAction(fn draftFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := backendFrom(r)
		h := s.openDraft(w, r, b)
		if h == nil {
			return
		}
		switch m := ifMatch(r); {
		case m == "":
			s.writeError(w, r, fmt.Errorf("draft %s: send If-Match with the draft version: %w", h.Key(), apperr.ErrVersionRequired))
			return
		case m != h.Version():
			s.writeError(w, r, fmt.Errorf("draft %s: %w", h.Key(), apperr.ErrConflict))
			return
		}
		if err := fn(r.Context(), w, r, b, h); err != nil {
			var derr *draft.DispatchError
			if errors.As(err, &derr) {
				setETag(w, h.Version())
			}
			s.writeError(w, r, err)
			return
		}
		writeDraft(w, h)
	}
}

func (s *Server) approve(ctx context.Context, _ http.ResponseWriter, _ *http.Request, b *backend, h *draft.Handle) error {
	if err := h.Approve(ctx); err != nil {
		return err
	}
	s.startWatch(b, workflow.JobSend)
	return nil
}

func (s *Server) reject(ctx context.Context, _ http.ResponseWriter, _ *http.Request, _ *backend, h *draft.Handle) error {
	return h.Reject(ctx)
}

func (s *Server) retryDispatch(ctx context.Context, _ http.ResponseWriter, _ *http.Request, b *backend, h *draft.Handle) error {
	if err := h.RetryDispatch(ctx); err != nil {
		return err
	}
	s.startWatch(b, workflow.JobSend)
	return nil
}

func (s *Server) addItem(ctx context.Context, w http.ResponseWriter, r *http.Request, b *backend, h *draft.Handle) error {
	var in draft.NewItem
	if err := decode(w, r, &in); err != nil {
		return err
	}
	l, err := b.registry.Load(ctx)
	if err != nil {
		return err
	}
	return h.AddNewsItem(ctx, l.Settings, in)
}

func itemParams(r *http.Request) (ci, ni int, err error) {
	if ci, err = intParam(r, "cat"); err != nil {
		return 0, 0, err
	}
	if ni, err = intParam(r, "item"); err != nil {
		return 0, 0, err
	}
	return ci, ni, nil
}

func (s *Server) deleteItem(ctx context.Context, _ http.ResponseWriter, r *http.Request, _ *backend, h *draft.Handle) error {
	ci, ni, err := itemParams(r)
	if err != nil {
		return err
	}
	return h.DeleteNewsItem(ctx, ci, ni)
}

func (s *Server) editSummary(ctx context.Context, w http.ResponseWriter, r *http.Request, _ *backend, h *draft.Handle) error {
	ci, ni, err := itemParams(r)
	if err != nil {
		return err
	}
	var req struct {
		Summary string `json:"summary"`
	}
	if err := decode(w, r, &req); err != nil {
		return err
	}
	return h.EditSummary(ctx, ci, ni, req.Summary)
}

func (s *Server) moveToTop(ctx context.Context, _ http.ResponseWriter, r *http.Request, _ *backend, h *draft.Handle) error {
	ci, ni, err := itemParams(r)
	if err != nil {
		return err
	}
	return h.MoveToTop(ctx, ci, ni)
}

// --- History ---

func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	records, err := backendFrom(r).history.Channel(r.Context(), pathParam(r, "channelID"), limitParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := backendFrom(r).history.All(r.Context(), limitParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
