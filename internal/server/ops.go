package server

import (
	"net/http"
	"strings"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/history"
	"github.com/bryan-buckman/digestdesk/internal/vault"
	"github.com/bryan-buckman/digestdesk/internal/workflow"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	b := backendFrom(r)
	l, err := b.registry.Load(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := b.history.Dashboard(r.Context(), l.Settings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// --- Secrets ---

type secretsResponse struct {
	Secrets  []vault.Status           `json:"secrets"`
	Webhooks []vault.WebhookKeyStatus `json:"webhooks"`
	FreeSlot int                      `json:"free_slot"`
}

func (s *Server) handleGetSecrets(w http.ResponseWriter, r *http.Request) {
	b := backendFrom(r)
	l, err := b.registry.Load(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := b.vault.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hooks, err := b.vault.WebhookStatus(r.Context(), l.Settings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, secretsResponse{Secrets: st, Webhooks: hooks, FreeSlot: vault.FreeSlot(l.Settings)})
}

func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := backendFrom(r).vault.SetSecret(r.Context(), pathParam(r, "name"), req.Value); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRecipients(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipients []string `json:"recipients"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	addrs, err := backendFrom(r).vault.SetRecipients(r.Context(), req.Recipients)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"recipients": addrs})
}

// --- Workflows ---

type triggerRequest struct {
	ChannelID string `json:"channel_id"`
	Ref       string `json:"ref"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	job, err := workflow.ParseJob(pathParam(r, "job"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req triggerRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var params map[string]string
	if job != workflow.JobFetch {
		id := strings.TrimSpace(req.ChannelID)
		if id == "" {
			s.writeError(w, r, apperr.Invalid("channel_id", "required for "+string(job)))
			return
		}
		params = map[string]string{"channel_id": id}
	}

	b := backendFrom(r)
	if err := b.workflows.Trigger(r.Context(), job, req.Ref, params); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.startWatch(b, job)
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "file": b.workflows.File(job)})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r)
	if limit <= 0 {
		limit = history.RecentRunsCount
	}
	runs, err := backendFrom(r).workflows.RecentRuns(r.Context(), workflow.Jobs, history.RunsPerJob, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetWatch(w http.ResponseWriter, r *http.Request) {
	watch := s.currentWatch(backendFrom(r).session.ID)
	if watch == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no workflow is being watched"})
		return
	}
	writeJSON(w, http.StatusOK, watch.Snapshot())
}

func (s *Server) handleStopWatch(w http.ResponseWriter, r *http.Request) {
	if watch := s.currentWatch(backendFrom(r).session.ID); watch != nil {
		watch.Stop()
		<-watch.Done()
	}
	w.WriteHeader(http.StatusNoContent)
}

func scheduleJob(r *http.Request) (workflow.Job, error) {
	name := r.URL.Query().Get("job")
	if name == "" {
		return workflow.JobFetch, nil
	}
	return workflow.ParseJob(name)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := scheduleJob(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sch, err := backendFrom(r).workflows.Schedule(r.Context(), job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setETag(w, sch.Version)
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) handleSetSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := scheduleJob(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Cron string `json:"cron"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sch, err := backendFrom(r).workflows.SetSchedule(r.Context(), job, req.Cron, ifMatch(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setETag(w, sch.Version)
	writeJSON(w, http.StatusOK, sch)
}

// --- Summary ---

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := s.opts.Summary
	opts.APIKey = backendFrom(r).session.AIKey
	opts.Logger = s.logger
	g, err := s.newSummarizer(opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	text, err := g.Summarize(r.Context(), req.Title, req.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": text})
}
