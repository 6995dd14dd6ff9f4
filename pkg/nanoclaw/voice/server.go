// Package voice exposes the single-shot worker path over HTTP, for the
// voice assistant front-end. It is a thin caller of the pool's detached
// spawn: one request, one worker, first streamed result wins.
package voice

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// Runner is the pool's detached single-shot path.
type Runner interface {
	RunDetached(ctx context.Context, folder, prompt string, timeout time.Duration) (string, error)
}

// Config holds voice endpoint configuration.
type Config struct {
	// Address is the listen address (e.g. 127.0.0.1:3001).
	Address string `yaml:"address"`

	// Token is the required bearer token.
	Token string `yaml:"token"`

	// Folder is the conversation folder voice turns run under.
	Folder string `yaml:"folder"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Address: "127.0.0.1:3001", Folder: "voice"}
}

// maxBodyBytes caps request bodies at 1 MiB.
const maxBodyBytes = 1 << 20

// Server is the voice HTTP endpoint.
type Server struct {
	cfg    Config
	runner Runner
	server *http.Server
	logger *slog.Logger
}

// New creates the voice server.
func New(cfg Config, runner Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Folder == "" {
		cfg.Folder = "voice"
	}
	return &Server{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("component", "voice"),
	}
}

// Start begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{Addr: s.cfg.Address, Handler: s.Handler()}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("voice server error", "error", err)
		}
	}()
	s.logger.Info("voice endpoint started", "address", s.cfg.Address)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler builds the route table. Anything outside /health and /api/run is
// a 404.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/run", s.handleRun)
	return r
}

// ---------- Internal ----------

type runRequest struct {
	Input   string `json:"input"`
	Timeout int64  `json:"timeout,omitempty"` // milliseconds
}

type runResponse struct {
	Success    bool   `json:"success"`
	Result     string `json:"result,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, runResponse{Success: false, Error: "unauthorized"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, runResponse{Success: false, Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeJSON(w, http.StatusBadRequest, runResponse{Success: false, Error: "input is required"})
		return
	}

	timeout := time.Duration(req.Timeout) * time.Millisecond
	start := time.Now()
	result, err := s.runner.RunDetached(r.Context(), s.cfg.Folder, req.Input, timeout)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		s.logger.Error("voice run failed", "error", err, "duration_ms", elapsed)
		writeJSON(w, http.StatusOK, runResponse{Success: false, DurationMs: elapsed, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Success: true, Result: result, DurationMs: elapsed})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
