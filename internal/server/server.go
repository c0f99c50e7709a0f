// Package server provides the JSON API of the admin backend.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/database"
	"github.com/bryan-buckman/digestdesk/internal/rss"
	"github.com/bryan-buckman/digestdesk/internal/summary"
	"github.com/bryan-buckman/digestdesk/internal/workflow"
)

// maxBodyBytes bounds request bodies, OPML uploads included.
const maxBodyBytes = 2 << 20

// janitorInterval is how often expired sessions are purged.
const janitorInterval = time.Hour

// Options configure a Server. Zero values select the defaults.
type Options struct {
	// GitHubBaseURL overrides the public GitHub API endpoint.
	GitHubBaseURL string
	// Branch is the branch documents are read from and committed to.
	Branch string
	// Ref is the ref workflows are dispatched on.
	Ref string
	// Workflows overrides workflow file names per job.
	Workflows map[workflow.Job]string
	// HTTPClient is used for GitHub requests.
	HTTPClient *http.Client
	// RateLimit paces the GitHub requests of each session. Zero selects
	// four per second.
	RateLimit rate.Limit
	// WeWe is the WeWe RSS bridge client. Nil disables bridge features.
	WeWe *rss.WeWe
	// Checker probes feeds. Nil uses a default checker.
	Checker *rss.Checker
	// SessionTTL expires sessions. Zero keeps them until logout.
	SessionTTL time.Duration
	// Watch bounds the run watcher started after each trigger.
	Watch workflow.WatchOptions
	// Summary selects the AI provider. The key comes from the session.
	Summary summary.Options
	Logger  *slog.Logger
}

// summarizer drafts summaries; it is swapped out in tests.
type summarizer interface {
	Summarize(ctx context.Context, title, url string) (string, error)
}

// Server is the main HTTP server.
type Server struct {
	sessions database.Store
	opts     Options
	logger   *slog.Logger
	checker  *rss.Checker
	router   chi.Router
	now      func() time.Time

	newSummarizer func(summary.Options) (summarizer, error)

	// ctx outlives requests; watches run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state map[string]*sessionState

	httpServer *http.Server
	janitor    chan struct{}
}

// New creates a new server.
func New(sessions database.Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = rate.Every(250 * time.Millisecond)
	}
	checker := opts.Checker
	if checker == nil {
		checker = rss.NewChecker(nil, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		sessions: sessions,
		opts:     opts,
		logger:   logger,
		checker:  checker,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		state:    make(map[string]*sessionState),
		newSummarizer: func(o summary.Options) (summarizer, error) {
			return summary.New(o)
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Post("/logout", s.handleLogout)
			r.Put("/session/ai-key", s.handleSetAIKey)

			r.Get("/dashboard", s.handleDashboard)
			r.Get("/history", s.handleHistory)

			r.Route("/settings", func(r chi.Router) {
				r.Get("/", s.handleGetSettings)
				r.Patch("/", s.handlePatchSettings)
				r.Post("/categories/{index}/{direction}", s.handleReorderCategory)
				r.Post("/filters/{kind}", s.handleAddFilter)
				r.Delete("/filters/{kind}", s.handleRemoveFilter)
			})

			r.Route("/channels", func(r chi.Router) {
				r.Post("/", s.handleAddChannel)
				r.Route("/{channelID}", func(r chi.Router) {
					r.Patch("/", s.handleUpdateChannel)
					r.Delete("/", s.handleRemoveChannel)
					r.Put("/webhook-key", s.handleSetWebhookKey)
					r.Get("/history", s.handleChannelHistory)
					r.Route("/drafts/{date}", func(r chi.Router) {
						r.Get("/", s.handleGetDraft)
						r.Post("/approve", s.draftAction(s.approve))
						r.Post("/reject", s.draftAction(s.reject))
						r.Post("/dispatch", s.draftAction(s.retryDispatch))
						r.Post("/items", s.draftAction(s.addItem))
						r.Delete("/items/{cat}/{item}", s.draftAction(s.deleteItem))
						r.Put("/items/{cat}/{item}/summary", s.draftAction(s.editSummary))
						r.Post("/items/{cat}/{item}/top", s.draftAction(s.moveToTop))
					})
				})
			})

			r.Route("/feeds", func(r chi.Router) {
				r.Get("/", s.handleGetFeeds)
				r.Post("/", s.handleAddFeed)
				r.Post("/{index}/toggle", s.handleToggleFeed)
				r.Delete("/{index}", s.handleDeleteFeed)
				r.Post("/groups/{group}/{state}", s.handleSetGroup)
				r.Post("/wewe-sync", s.handleWeWeSync)
				r.Get("/health", s.handleFeedHealth)
				r.Post("/opml", s.handleImportOPML)
				r.Get("/opml", s.handleExportOPML)
			})

			r.Get("/secrets", s.handleGetSecrets)
			r.Put("/secrets/{name}", s.handleSetSecret)
			r.Put("/recipients", s.handleSetRecipients)

			r.Route("/workflows", func(r chi.Router) {
				r.Get("/runs", s.handleRuns)
				r.Get("/watch", s.handleGetWatch)
				r.Delete("/watch", s.handleStopWatch)
				r.Get("/schedule", s.handleGetSchedule)
				r.Put("/schedule", s.handleSetSchedule)
				r.Post("/{job}", s.handleTrigger)
			})

			r.Post("/summary", s.handleSummary)
		})
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start starts the session janitor and serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	s.httpServer = &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	s.janitor = make(chan struct{})
	s.mu.Unlock()
	go s.purgeSessions()

	s.logger.Info("server starting", "addr", addr, "database", s.sessions.DatabaseType())
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops all watches and the janitor and gracefully stops serving.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	for id, st := range s.state {
		if st.watch != nil {
			st.watch.Stop()
		}
		delete(s.state, id)
	}
	hs, janitor := s.httpServer, s.janitor
	s.janitor = nil
	s.mu.Unlock()

	if janitor != nil {
		close(janitor)
	}
	if hs == nil {
		return nil
	}
	return hs.Shutdown(ctx)
}

// purgeSessions deletes expired sessions until Shutdown.
func (s *Server) purgeSessions() {
	if s.opts.SessionTTL <= 0 {
		return
	}
	s.mu.Lock()
	stop := s.janitor
	s.mu.Unlock()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		n, err := s.sessions.DeleteSessionsBefore(s.ctx, s.now().Add(-s.opts.SessionTTL))
		if err != nil {
			s.logger.Error("purging sessions", "err", err)
		} else if n > 0 {
			s.logger.Info("purged expired sessions", "count", n)
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// --- Helpers ---

type errorResponse struct {
	Error        string `json:"error"`
	Field        string `json:"field,omitempty"`
	RemoteStatus int    `json:"remote_status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

// writeError answers with the status apperr assigns to err.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	resp := errorResponse{Error: err.Error()}
	var (
		verr *apperr.ValidationError
		rerr *apperr.RemoteError
	)
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	if errors.As(err, &rerr) {
		resp.RemoteStatus = rerr.Status
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body into v. Malformed input is a validation error.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Invalid("body", "invalid JSON: "+err.Error())
	}
	return nil
}

func setETag(w http.ResponseWriter, version string) {
	if version != "" {
		w.Header().Set("ETag", strconv.Quote(version))
	}
}

// ifMatch returns the version in the If-Match header, or "".
func ifMatch(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("If-Match"))
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}

func intParam(r *http.Request, name string) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		return 0, apperr.Invalid(name, "not a number: "+chi.URLParam(r, name))
	}
	return n, nil
}

// pathParam returns the unescaped URL parameter name.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}
