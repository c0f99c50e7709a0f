// Package githubtest provides an in-memory fake of the GitHub API surface
// used by package github.
package githubtest

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/nacl/box"

	"github.com/bryan-buckman/digestdesk/internal/github"
	"github.com/bryan-buckman/digestdesk/internal/store"
)

// Owner and Repo are the coordinates the fake serves.
const (
	Owner = "octo"
	Repo  = "digest"
	Token = "ghp_test"
)

// Secret is a stored sealed secret.
type Secret struct {
	EncryptedValue string
	KeyID          string
}

// Dispatch is a recorded workflow dispatch.
type Dispatch struct {
	Workflow string
	Ref      string
	Inputs   map[string]string
}

// Server is a fake GitHub API for one repository.
type Server struct {
	*httptest.Server

	PublicKey  *[32]byte
	PrivateKey *[32]byte
	KeyID      string

	mu         sync.Mutex
	files      map[string][]byte
	secrets    map[string]Secret
	dispatches []Dispatch
	runs       map[string][]github.Run
	nextRunID  int64
	failures   map[string]int
	mutations  int
}

// NewServer starts a fake server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := New()
	t.Cleanup(s.Close)
	return s
}

// New starts a fake server. The caller must Close it.
func New() *Server {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	s := &Server{
		PublicKey:  pub,
		PrivateKey: priv,
		KeyID:      "568250167242549743",
		files:      make(map[string][]byte),
		secrets:    make(map[string]Secret),
		runs:       make(map[string][]github.Run),
		failures:   make(map[string]int),
		nextRunID:  1000,
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

// Client returns a client for the fake repository without request pacing.
func (s *Server) Client() *github.Client {
	return &github.Client{
		Token:      Token,
		Owner:      Owner,
		Repo:       Repo,
		BaseURL:    s.URL,
		HTTPClient: s.Server.Client(),
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.auth, s.inject)
	r.Get("/user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, github.User{Login: Owner, Name: "Octo Cat"})
	})
	r.Route("/repos/{owner}/{repo}", func(r chi.Router) {
		r.Use(s.repoOnly)
		r.Get("/contents/*", s.getContents)
		r.Put("/contents/*", s.putContents)
		r.Get("/actions/secrets", s.listSecrets)
		r.Get("/actions/secrets/public-key", s.publicKey)
		r.Put("/actions/secrets/{name}", s.putSecret)
		r.Post("/actions/workflows/{workflow}/dispatches", s.dispatch)
		r.Get("/actions/workflows/{workflow}/runs", s.listRuns)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+Token {
			writeError(w, http.StatusUnauthorized, "Bad credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := 0
		for key, code := range s.failures {
			method, frag, _ := strings.Cut(key, " ")
			if method == r.Method && strings.Contains(r.URL.Path, frag) {
				status = code
			}
		}
		if r.Method != http.MethodGet {
			s.mutations++
		}
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) repoOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "owner") != Owner || chi.URLParam(r, "repo") != Repo {
			writeError(w, http.StatusNotFound, "Not Found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Fail makes every request with method whose path contains frag answer
// with status.
func (s *Server) Fail(method, frag string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+frag] = status
}

// Mutations reports how many non-GET requests reached the server.
func (s *Server) Mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutations
}

// SetFile stores content at path and returns its blob sha.
func (s *Server) SetFile(path string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = slices.Clone(content)
	return store.BlobVersion(content)
}

// File returns the content stored at path.
func (s *Server) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[path]
	return slices.Clone(b), ok
}

func (s *Server) getContents(w http.ResponseWriter, r *http.Request) {
	p := chi.URLParam(r, "*")
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.files[p]; ok {
		// Wrap like the real API does.
		enc := base64.StdEncoding.EncodeToString(b)
		var wrapped strings.Builder
		for len(enc) > 60 {
			wrapped.WriteString(enc[:60] + "\n")
			enc = enc[60:]
		}
		wrapped.WriteString(enc)
		writeJSON(w, http.StatusOK, map[string]string{
			"type":     "file",
			"path":     p,
			"sha":      store.BlobVersion(b),
			"encoding": "base64",
			"content":  wrapped.String(),
		})
		return
	}
	entries := store.ListFiles(s.files, p)
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) putContents(w http.ResponseWriter, r *http.Request) {
	p := chi.URLParam(r, "*")
	var body struct {
		Message string `json:"message"`
		Content string `json:"content"`
		SHA     string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	content, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "content is not valid Base64")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.files[p]
	switch {
	case exists && body.SHA == "":
		writeError(w, http.StatusUnprocessableEntity, "Invalid request.\n\n\"sha\" wasn't supplied.")
		return
	case exists && body.SHA != store.BlobVersion(cur):
		writeError(w, http.StatusConflict, p+" does not match "+body.SHA)
		return
	case !exists && body.SHA != "":
		writeError(w, http.StatusConflict, p+" does not match "+body.SHA)
		return
	}
	s.files[p] = content
	status := http.StatusOK
	if !exists {
		status = http.StatusCreated
	}
	resp := map[string]map[string]string{"content": {"path": p, "sha": store.BlobVersion(content)}}
	writeJSON(w, status, resp)
}

// SetSecret stores a secret without sealing, for fixtures that only need the
// name to exist.
func (s *Server) SetSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = Secret{KeyID: s.KeyID}
}

// Secret returns the stored secret called name.
func (s *Server) Secret(name string) (Secret, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.secrets[name]
	return sec, ok
}

// Open decrypts a stored secret with the fake's private key.
func (s *Server) Open(name string) (string, bool) {
	sec, ok := s.Secret(name)
	if !ok {
		return "", false
	}
	ct, err := base64.StdEncoding.DecodeString(sec.EncryptedValue)
	if err != nil {
		return "", false
	}
	pt, ok := box.OpenAnonymous(nil, ct, s.PublicKey, s.PrivateKey)
	return string(pt), ok
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage <= 0 {
		perPage = 30
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}

	s.mu.Lock()
	names := make([]string, 0, len(s.secrets))
	for name := range s.secrets {
		names = append(names, name)
	}
	s.mu.Unlock()
	slices.Sort(names)

	type item struct {
		Name string `json:"name"`
	}
	items := []item{}
	for i := (page - 1) * perPage; i < len(names) && i < page*perPage; i++ {
		items = append(items, item{names[i]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_count": len(names), "secrets": items})
}

func (s *Server) publicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, github.PublicKey{
		KeyID: s.KeyID,
		Key:   base64.StdEncoding.EncodeToString(s.PublicKey[:]),
	})
}

func (s *Server) putSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EncryptedValue string `json:"encrypted_value"`
		KeyID          string `json:"key_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	if body.KeyID != s.KeyID {
		writeError(w, http.StatusUnprocessableEntity, "Bad key_id")
		return
	}
	name := chi.URLParam(r, "name")
	s.mu.Lock()
	_, exists := s.secrets[name]
	s.secrets[name] = Secret{EncryptedValue: body.EncryptedValue, KeyID: body.KeyID}
	s.mu.Unlock()
	if exists {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Dispatches returns the recorded workflow dispatches in order.
func (s *Server) Dispatches() []Dispatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.dispatches)
}

// AddRun records a run of workflow as the newest one.
func (s *Server) AddRun(workflow string, run github.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addRunLocked(workflow, run)
}

func (s *Server) addRunLocked(workflow string, run github.Run) {
	if run.ID == 0 {
		s.nextRunID++
		run.ID = s.nextRunID
	}
	s.runs[workflow] = append([]github.Run{run}, s.runs[workflow]...)
}

// CompleteRuns marks every run of every workflow completed with conclusion.
func (s *Server) CompleteRuns(conclusion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, runs := range s.runs {
		for i := range runs {
			runs[i].Status = "completed"
			runs[i].Conclusion = conclusion
		}
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ref    string            `json:"ref"`
		Inputs map[string]string `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	if body.Ref == "" {
		writeError(w, http.StatusUnprocessableEntity, "Invalid request.\n\n\"ref\" wasn't supplied.")
		return
	}
	wf := chi.URLParam(r, "workflow")
	s.mu.Lock()
	s.dispatches = append(s.dispatches, Dispatch{Workflow: wf, Ref: body.Ref, Inputs: body.Inputs})
	s.addRunLocked(wf, github.Run{
		Name:      strings.TrimSuffix(wf, ".yml"),
		Status:    "queued",
		Event:     "workflow_dispatch",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	})
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage <= 0 {
		perPage = 30
	}
	s.mu.Lock()
	runs := slices.Clone(s.runs[chi.URLParam(r, "workflow")])
	s.mu.Unlock()
	if len(runs) > perPage {
		runs = runs[:perPage]
	}
	if runs == nil {
		runs = []github.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_count": len(runs), "workflow_runs": runs})
}
