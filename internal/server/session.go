package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/database"
	"github.com/bryan-buckman/digestdesk/internal/draft"
	"github.com/bryan-buckman/digestdesk/internal/github"
	"github.com/bryan-buckman/digestdesk/internal/history"
	"github.com/bryan-buckman/digestdesk/internal/model"
	"github.com/bryan-buckman/digestdesk/internal/registry"
	"github.com/bryan-buckman/digestdesk/internal/vault"
	"github.com/bryan-buckman/digestdesk/internal/workflow"
)

// sessionState is the in-process state of a logged-in session.
type sessionState struct {
	limiter *rate.Limiter
	watch   *workflow.Watch
}

// backend bundles the clients of one session for one request.
type backend struct {
	session   *model.Session
	github    *github.Client
	registry  *registry.Registry
	drafts    *draft.Engine
	vault     *vault.Vault
	workflows *workflow.Client
	history   *history.Aggregator
}

type backendKey struct{}

func backendFrom(r *http.Request) *backend {
	return r.Context().Value(backendKey{}).(*backend)
}

// stateFor returns the state of session id, creating it on first use.
func (s *Server) stateFor(id string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[id]
	if !ok {
		st = &sessionState{limiter: rate.NewLimiter(s.opts.RateLimit, 4)}
		s.state[id] = st
	}
	return st
}

// dropState stops the session's watch and forgets its state.
func (s *Server) dropState(id string) {
	s.mu.Lock()
	st := s.state[id]
	delete(s.state, id)
	s.mu.Unlock()
	if st != nil && st.watch != nil {
		st.watch.Stop()
	}
}

func (s *Server) githubClient(sess *model.Session) *github.Client {
	gh := github.New(sess.Token, sess.Owner, sess.Repo)
	gh.BaseURL = s.opts.GitHubBaseURL
	gh.Branch = s.opts.Branch
	gh.HTTPClient = s.opts.HTTPClient
	return gh
}

func (s *Server) backend(sess *model.Session) *backend {
	gh := s.githubClient(sess)
	gh.Limiter = s.stateFor(sess.ID).limiter

	logger := s.logger.With("repo", sess.Owner+"/"+sess.Repo)
	wf := workflow.New(gh, gh, workflow.Options{Files: s.opts.Workflows, Ref: s.opts.Ref, Logger: logger})
	b := &backend{
		session:   sess,
		github:    gh,
		registry:  registry.New(gh, logger),
		drafts:    draft.New(gh, wf, logger),
		vault:     vault.New(gh, logger),
		workflows: wf,
	}
	var wewe history.SourceStatus
	if s.opts.WeWe != nil {
		wewe = s.opts.WeWe
	}
	b.history = history.New(gh, wf, wewe, logger)
	return b
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// authenticate resolves the bearer session and attaches its backend.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := bearer(r)
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "not logged in"})
			return
		}
		sess, err := s.sessions.GetSession(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if sess != nil && s.opts.SessionTTL > 0 && s.now().Sub(sess.CreatedAt) > s.opts.SessionTTL {
			if err := s.sessions.DeleteSession(r.Context(), id); err != nil {
				s.logger.Warn("deleting expired session", "err", err)
			}
			s.dropState(id)
			sess = nil
		}
		if sess == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "session expired, please log in again"})
			return
		}
		ctx := context.WithValue(r.Context(), backendKey{}, s.backend(sess))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// --- Session Handlers ---

type loginRequest struct {
	Token string `json:"token"`
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

type loginResponse struct {
	SessionID string `json:"session_id"`
	Login     string `json:"login"`
	Owner     string `json:"owner"`
	Repo      string `json:"repo"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Token, req.Owner, req.Repo = strings.TrimSpace(req.Token), strings.TrimSpace(req.Owner), strings.TrimSpace(req.Repo)
	switch {
	case req.Token == "":
		s.writeError(w, r, apperr.Invalid("token", "required"))
		return
	case req.Owner == "":
		s.writeError(w, r, apperr.Invalid("owner", "required"))
		return
	case req.Repo == "":
		s.writeError(w, r, apperr.Invalid("repo", "required"))
		return
	}

	sess := database.NewSession(req.Token, req.Owner, req.Repo, s.now())
	user, err := s.githubClient(sess).User(r.Context())
	if err != nil {
		var rerr *apperr.RemoteError
		if errors.As(err, &rerr) && rerr.Status == http.StatusUnauthorized {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid GitHub token"})
			return
		}
		s.writeError(w, r, err)
		return
	}
	if err := s.sessions.CreateSession(r.Context(), sess); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("login", "user", user.Login, "repo", req.Owner+"/"+req.Repo)
	writeJSON(w, http.StatusOK, loginResponse{SessionID: sess.ID, Login: user.Login, Owner: sess.Owner, Repo: sess.Repo})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	b := backendFrom(r)
	if err := s.sessions.DeleteSession(r.Context(), b.session.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dropState(b.session.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetAIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b := backendFrom(r)
	if err := s.sessions.UpdateSessionAIKey(r.Context(), b.session.ID, strings.TrimSpace(req.Key)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ai_key_set": strings.TrimSpace(req.Key) != ""})
}

// startWatch replaces the session's watch with one over jobs.
func (s *Server) startWatch(b *backend, jobs ...workflow.Job) {
	w := b.workflows.Watch(s.ctx, jobs, s.opts.Watch)
	st := s.stateFor(b.session.ID)
	s.mu.Lock()
	old := st.watch
	st.watch = w
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

func (s *Server) currentWatch(id string) *workflow.Watch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[id]; ok {
		return st.watch
	}
	return nil
}
