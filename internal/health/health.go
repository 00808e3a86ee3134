// Package health reports gateway readiness over HTTP and the standard gRPC
// health protocol. Both are driven by the same named checks.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the gRPC health service name of the gateway.
	ServiceName = "rephrase.Gateway"

	defaultInterval = 15 * time.Second
	checkTimeout    = 3 * time.Second
)

// Check returns nil when a dependency is reachable.
type Check func(ctx context.Context) error

// Report is the result of running every check.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	return r.Status == "ok"
}

// Service runs named checks and publishes their aggregate status.
type Service struct {
	names    []string
	checks   map[string]Check
	interval time.Duration
	logger   *slog.Logger
	server   *health.Server

	mu   sync.RWMutex
	last Report
}

// Option configures a Service.
type Option func(*Service)

// WithInterval sets how often checks run in the background.
func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		s.interval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a health service for checks.
func New(checks map[string]Check, opts ...Option) *Service {
	s := &Service{
		checks:   checks,
		interval: defaultInterval,
		logger:   slog.Default(),
		server:   health.NewServer(),
	}
	for name := range checks {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	for _, opt := range opts {
		opt(s)
	}
	s.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Evaluate runs every check once and publishes the result.
func (s *Service) Evaluate(ctx context.Context) Report {
	report := Report{Status: "ok", Checks: make(map[string]string, len(s.names))}
	for _, name := range s.names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := s.checks[name](cctx)
		cancel()
		if err != nil {
			report.Status = "degraded"
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = "ok"
	}

	status := healthpb.HealthCheckResponse_SERVING
	if !report.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.server.SetServingStatus("", status)
	s.server.SetServingStatus(ServiceName, status)

	s.mu.Lock()
	changed := s.last.Status != report.Status
	s.last = report
	s.mu.Unlock()
	if changed {
		s.logger.Info("Health status changed", "status", report.Status, "checks", report.Checks)
	}
	return report
}

// Last returns the most recent report.
func (s *Service) Last() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run evaluates checks every interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Evaluate(ctx)
	for {
		select {
		case <-ticker.C:
			s.Evaluate(ctx)
		case <-ctx.Done():
			s.server.Shutdown()
			return
		}
	}
}

// ServeHTTP writes a fresh report: 200 when healthy, 503 otherwise.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := s.Evaluate(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Debug("Failed to encode health report", "error", err)
	}
}

// Register installs the gRPC health service on gs.
func (s *Service) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.server)
}

// Serve runs a gRPC server exposing the health service on lis until ctx is
// done, then stops it gracefully.
func (s *Service) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	s.Register(gs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
