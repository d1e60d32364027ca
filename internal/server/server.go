package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ppiankov/runforge/internal/guardrail"
	"github.com/ppiankov/runforge/internal/metrics"
	"github.com/ppiankov/runforge/internal/supervisor"
)

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	MetricsAddress  string
	GracefulTimeout time.Duration
	AuditPath       string
	PolicyPath      string
}

// Server exposes the orchestrator over HTTP/JSON: task intake, approval
// resolution, workflow inspection, and the audit query API.
type Server struct {
	sup      *supervisor.Supervisor
	enforcer *guardrail.Enforcer
	cfg      Config
	logger   *slog.Logger

	api     *http.Server
	metrics *http.Server
}

// New builds the server and registers Prometheus collectors.
func New(sup *supervisor.Supervisor, enforcer *guardrail.Enforcer, cfg Config, logger *slog.Logger) (*Server, error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}

	s := &Server{
		sup:      sup,
		enforcer: enforcer,
		cfg:      cfg,
		logger:   logger,
	}

	s.api = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metrics = &http.Server{
		Addr:    cfg.MetricsAddress,
		Handler: metricsMux,
	}

	return s, nil
}

// routes builds the API mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /api/v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", s.handleCancelWorkflow)
	mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{id}/resolve", s.handleResolveApproval)
	mux.HandleFunc("GET /api/v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /api/v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("POST /api/v1/check", s.handleCheck)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Run serves the API and metrics listeners until the context is cancelled,
// then shuts both down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 2)

	go func() {
		s.logger.Info("api listening", "address", s.cfg.Address)
		if err := s.api.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		s.logger.Info("metrics listening", "address", s.cfg.MetricsAddress)
		if err := s.metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulTimeout)
	defer cancel()

	err := s.api.Shutdown(shutdownCtx)
	if merr := s.metrics.Shutdown(shutdownCtx); err == nil {
		err = merr
	}
	return err
}
