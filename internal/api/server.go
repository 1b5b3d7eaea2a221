// Package api implements MIMIR's HTTP API: the streaming chat endpoints
// and the supporting calendar, news, journal and profile routes the
// frontend uses.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/mimir/internal/agent"
	"github.com/nugget/mimir/internal/buildinfo"
	"github.com/nugget/mimir/internal/calendar"
	"github.com/nugget/mimir/internal/events"
	"github.com/nugget/mimir/internal/health"
	"github.com/nugget/mimir/internal/journal"
	"github.com/nugget/mimir/internal/news"
	"github.com/nugget/mimir/internal/planner"
	"github.com/nugget/mimir/internal/profile"
	"github.com/nugget/mimir/internal/stream"
	"github.com/nugget/mimir/internal/taskqueue"
)

// UserHeader names the caller. Authentication happens in front of MIMIR;
// requests without the header act as the configured default user.
const UserHeader = "X-Mimir-User"

// Chatter runs agent turns. agent.Loop satisfies it.
type Chatter interface {
	Run(ctx context.Context, req *agent.Request, emit func(agent.Event))
}

// Conversations clears chat history. history.Store satisfies it.
type Conversations interface {
	Clear(user string)
}

// Profiles manages users. profile.Store satisfies it.
type Profiles interface {
	Get(ctx context.Context, userID string) (*profile.Profile, error)
	Onboard(ctx context.Context, userID, displayName, email string) (*profile.Profile, error)
}

// Planner gathers the daily briefing. planner.Planner satisfies it.
type Planner interface {
	Plan(ctx context.Context, userID string, now time.Time) (*planner.Briefing, error)
}

// Calendar stores events. calendar.Store satisfies it.
type Calendar interface {
	Search(ctx context.Context, userID string, opts calendar.SearchOptions) ([]calendar.Event, error)
	Create(ctx context.Context, e calendar.Event) (*calendar.Event, error)
	Update(ctx context.Context, userID, id string, p calendar.Patch) (*calendar.Event, error)
	Delete(ctx context.Context, userID, id string) error
}

// Headlines supplies news. news.Client satisfies it.
type Headlines interface {
	Top(ctx context.Context, refresh bool) ([]news.Item, error)
}

// Journal records actions and serves entries. journal.Store satisfies it.
type Journal interface {
	Log(ctx context.Context, userID, kind string, content any) error
	Entry(ctx context.Context, userID, date string) (*journal.Entry, error)
}

// Memory stores uploaded documents. recall.Store satisfies it.
type Memory interface {
	Remember(ctx context.Context, text, userID string, metadata map[string]string) error
}

// Tasks reports background work. taskqueue.Queue satisfies it.
type Tasks interface {
	Status() []taskqueue.Task
}

// Health reports dependency status. health.Monitor satisfies it.
type Health interface {
	Status() []health.Status
	Healthy() bool
}

// Deps are the collaborators behind the routes. Routes whose
// collaborator is nil answer 503.
type Deps struct {
	Chat     Chatter
	History  Conversations
	Stream   *stream.Coordinator
	Profiles Profiles
	Planner  Planner
	Calendar Calendar
	News     Headlines
	Journal  Journal
	Memory   Memory
	Tasks    Tasks
	Events   *events.Bus
	Health   Health
}

// Options configure the server.
type Options struct {
	Address     string
	Port        int
	DefaultUser string

	// DefaultIntensity applies when a chat request omits
	// personality_intensity.
	DefaultIntensity int

	// UploadDir receives /upload_temp files.
	UploadDir string
}

// Server is the HTTP API server.
type Server struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
	server *http.Server
	now    func() time.Time
}

// NewServer creates a new API server.
func NewServer(opts Options, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultUser == "" {
		opts.DefaultUser = "default"
	}
	if deps.Stream == nil {
		deps.Stream = stream.New(nil, stream.Options{}, logger)
	}
	return &Server{
		opts:   opts,
		deps:   deps,
		logger: logger.With("component", "api"),
		now:    time.Now,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /user/me", s.handleUserMe)
	mux.HandleFunc("POST /user/onboard", s.handleOnboard)

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /ws/chat", s.handleChatSocket)
	mux.HandleFunc("POST /chat/reset", s.handleChatReset)
	mux.HandleFunc("POST /plan", s.handlePlan)

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /upload_temp", s.handleUploadTemp)

	mux.HandleFunc("GET /calendar/events", s.handleCalendarList)
	mux.HandleFunc("POST /calendar/events", s.handleCalendarCreate)
	mux.HandleFunc("PUT /calendar/events/{id}", s.handleCalendarUpdate)
	mux.HandleFunc("DELETE /calendar/events/{id}", s.handleCalendarDelete)

	mux.HandleFunc("GET /news/top", s.handleNewsTop)
	mux.HandleFunc("POST /news/log", s.handleNewsLog)
	mux.HandleFunc("GET /journal/{date}", s.handleJournal)

	mux.HandleFunc("GET /v1/tasks", s.handleTasks)
	mux.HandleFunc("GET /v1/events", s.handleEventSocket)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.opts.Address, s.opts.Port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.opts.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.opts.Port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for the access log while
// keeping the Flusher and Hijacker of the wrapped writer reachable.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("connection does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"user", s.userID(r),
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

// userID returns the caller's user id.
func (s *Server) userID(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(UserHeader)); u != "" {
		return u
	}
	return s.opts.DefaultUser
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// unavailable answers 503 when the interface value dep is nil and
// reports whether it did.
func (s *Server) unavailable(w http.ResponseWriter, dep any, what string) bool {
	if dep == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, what+" not configured")
		return true
	}
	return false
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "MIMIR",
		"version": buildinfo.Version,
		"status":  "MIMIR is awake",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth always answers 200 while the process serves; degraded
// dependencies are reported in the body.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}
	status := "healthy"
	if !s.deps.Health.Healthy() {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":   status,
		"services": s.deps.Health.Status(),
	}, s.logger)
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	if s.unavailable(w, s.deps.Tasks, "task queue") {
		return
	}
	tasks := s.deps.Tasks.Status()
	if tasks == nil {
		tasks = []taskqueue.Task{}
	}
	writeJSON(w, map[string]any{"tasks": tasks}, s.logger)
}
