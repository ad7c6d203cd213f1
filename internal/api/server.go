package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ajitpratap0/graphsync/internal/metrics"
	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/orchestrator"
	"github.com/ajitpratap0/graphsync/internal/registry"
	"github.com/ajitpratap0/graphsync/internal/store"
)

// Syncer starts sync runs and reports on them.
type Syncer interface {
	Run(ctx context.Context, opts orchestrator.Options) (*models.RunReport, error)
	State() models.RunState
	LastReport() *models.RunReport
}

// MigrationStatuser lists migration ledger state.
type MigrationStatuser interface {
	Status(ctx context.Context) ([]models.MigrationStatus, error)
}

// Server is an HTTP API server that exposes sync control and graph inspection.
type Server struct {
	store     store.Store
	reg       *registry.Registry
	syncer    Syncer
	migrator  MigrationStatuser
	logger    *slog.Logger
	authToken string // empty = no auth required

	// baseCtx outlives requests; background runs use it.
	baseCtx context.Context
	runs    sync.WaitGroup
}

// NewServer creates a new Server with the given dependencies. Background
// sync runs started over HTTP are cancelled when ctx is.
func NewServer(ctx context.Context, st store.Store, reg *registry.Registry, syncer Syncer, migrator MigrationStatuser, logger *slog.Logger, authToken string) *Server {
	return &Server{
		store:     st,
		reg:       reg,
		syncer:    syncer,
		migrator:  migrator,
		logger:    logger,
		authToken: authToken,
		baseCtx:   ctx,
	}
}

// Handler returns an http.Handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Probes and scraping need no auth.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /v1/status", s.auth(s.handleStatus))
	mux.HandleFunc("POST /v1/sync", s.auth(s.handleSync))
	mux.HandleFunc("GET /v1/migrations", s.auth(s.handleMigrations))
	mux.HandleFunc("GET /v1/schema", s.auth(s.handleSchema))
	mux.HandleFunc("GET /v1/nodes/{label}/{guid}", s.auth(s.handleGetNode))

	return mux
}

// Wait blocks until background runs started by the server have finished.
func (s *Server) Wait() {
	s.runs.Wait()
}

// --- middleware ---

// auth wraps a handler with Bearer token authentication when authToken is set.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// --- handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "graph database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is returned by GET /v1/status.
type statusResponse struct {
	State      models.RunState   `json:"state"`
	LastReport *models.RunReport `json:"last_report,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		State:      s.syncer.State(),
		LastReport: s.syncer.LastReport(),
	})
}

// syncRequest is the body accepted by POST /v1/sync.
type syncRequest struct {
	Mode  models.SyncMode `json:"mode"`
	Since *time.Time      `json:"since"`
	Limit int             `json:"limit"`
	// Wait holds the request open until the run finishes.
	Wait bool `json:"wait"`
}

// syncAccepted is returned by POST /v1/sync when the run continues in the background.
type syncAccepted struct {
	Accepted bool            `json:"accepted"`
	Mode     models.SyncMode `json:"mode"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mode == "" {
		req.Mode = models.ModeIncremental
	}
	if !req.Mode.IsValid() {
		s.writeError(w, http.StatusBadRequest, "invalid sync mode")
		return
	}
	if req.Limit < 0 {
		s.writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}
	if req.Limit > 0 && req.Mode != models.ModeSample {
		s.writeError(w, http.StatusBadRequest, "limit only applies to sample mode")
		return
	}
	opts := orchestrator.Options{Mode: req.Mode, Since: req.Since, Limit: req.Limit}

	if req.Wait {
		rep, err := s.syncer.Run(r.Context(), opts)
		if errors.Is(err, orchestrator.ErrRunInProgress) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, rep)
		return
	}

	if s.syncer.State() != models.StateIdle {
		s.writeError(w, http.StatusConflict, orchestrator.ErrRunInProgress.Error())
		return
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if _, err := s.syncer.Run(s.baseCtx, opts); err != nil {
			s.logger.Warn("background sync did not start", "mode", opts.Mode, "error", err)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, syncAccepted{Accepted: true, Mode: req.Mode})
}

func (s *Server) handleMigrations(w http.ResponseWriter, r *http.Request) {
	status, err := s.migrator.Status(r.Context())
	if err != nil {
		s.logger.Error("failed to read migration status", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read migration status")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"migrations": status})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	census, err := s.reg.Census(r.Context(), s.store)
	if err != nil {
		s.logger.Error("failed to count nodes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count nodes")
		return
	}
	s.writeJSON(w, http.StatusOK, census)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	guid := r.PathValue("guid")
	if _, ok := s.reg.EntityByLabel(label); !ok {
		s.writeError(w, http.StatusNotFound, "unknown label")
		return
	}

	node, err := s.store.GetNode(r.Context(), label, guid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "node not found")
			return
		}
		s.logger.Error("failed to get node", "label", label, "guid", guid, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get node")
		return
	}

	s.writeJSON(w, http.StatusOK, node)
}

// --- helpers ---

// writeJSON encodes v as JSON and writes it to w with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(v); encErr != nil {
		s.logger.Error("failed to encode response", "error", encErr)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Shutdown gracefully shuts down an http.Server with the given timeout.
// This is a convenience helper used by the serve command.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
