// Package callback serves the HTTP endpoints sandbox jobs and BYOC pipelines
// call while they execute a run: pulling the run configuration and reporting
// the result. Requests authenticate with the run's callback token as a bearer
// token.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/modvault/modvault/pkg/engine"
	"github.com/modvault/modvault/pkg/telemetry"
)

// Config configures the callback server.
type Config struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes" validate:"gte=0"`
	MetricsPath     string        `mapstructure:"metrics_path" yaml:"metrics_path"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    8 << 20,
		MetricsPath:     "/metrics",
	}
}

// RunService is the part of the run service the callbacks drive.
type RunService interface {
	RunConfig(ctx context.Context, runID, token string) (*engine.RunConfig, error)
	ReportResult(ctx context.Context, runID, token string, report engine.RunReport) (*engine.ModuleRun, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the callback HTTP server.
type Server struct {
	cfg      Config
	runs     RunService
	health   HealthChecker
	metrics  *telemetry.Metrics
	validate *validator.Validate
	logger   zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithHealthChecker sets the check behind /healthz.
func WithHealthChecker(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics exposes metrics on the configured metrics path.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a callback server.
func NewServer(cfg Config, runs RunService, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = def.MetricsPath
	}
	s := &Server{
		cfg:      cfg,
		runs:     runs,
		validate: validator.New(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "callback").Logger()
	return s
}

// Handler returns the routed handler with logging and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runs/{id}/config", s.handleConfig)
	mux.HandleFunc("POST /v1/runs/{id}/result", s.handleResult)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET "+s.cfg.MetricsPath, s.metrics.Handler())
	return s.recoverer(s.requestLog(mux))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Callback server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown callback server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, errMissingToken)
		return
	}
	cfg, err := s.runs.RunConfig(r.Context(), r.PathValue("id"), token)
	if err != nil {
		s.logFailure(r, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, errMissingToken)
		return
	}

	var report engine.RunReport
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&report); err != nil {
		writeError(w, engine.NewValidationError("invalid result body", err))
		return
	}
	if err := s.validate.Struct(report); err != nil {
		writeError(w, engine.NewValidationError(err.Error(), nil))
		return
	}

	run, err := s.runs.ReportResult(r.Context(), r.PathValue("id"), token, report)
	if err != nil {
		s.logFailure(r, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{RunID: run.ID, Status: run.Status})
}

type resultResponse struct {
	RunID  string           `json:"run_id"`
	Status engine.RunStatus `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logFailure(r *http.Request, err error) {
	event := s.logger.Warn()
	if StatusFor(err) >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("run_id", r.PathValue("id")).
		Str("path", r.URL.Path).
		Msg("Callback request failed")
}

var errMissingToken = engine.NewValidationError("missing bearer token", nil).WithCode(engine.ErrCodeUnauthorized)

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

// StatusFor maps an error to an HTTP status code by its class.
func StatusFor(err error) int {
	if engine.CodeOf(err) == engine.ErrCodeUnauthorized {
		return http.StatusUnauthorized
	}
	switch engine.ClassOf(err) {
	case engine.ErrorClassValidation:
		return http.StatusBadRequest
	case engine.ErrorClassNotFound:
		return http.StatusNotFound
	case engine.ErrorClassConflict:
		return http.StatusConflict
	case engine.ErrorClassTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Class   string `json:"class"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	detail := errorDetail{
		Class:   string(engine.ClassOf(err)),
		Code:    engine.CodeOf(err),
		Message: err.Error(),
	}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		detail.Message = engErr.Message
	}
	if status == http.StatusInternalServerError {
		detail.Message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		s.logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("Callback handler panicked")
				writeError(w, engine.NewInternalError("panic", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
