package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/config"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/gateway"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/health"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/identity"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/jobclient"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/middleware"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/registry"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/store"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/style"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/transcript"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rephrase gateway",
	Long: `Run the HTTP gateway. Each browser tab gets its own session controller,
driven over REST and observed over SSE or a WebSocket.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "api_url", cfg.APIURL)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(cmd.Context()); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	catalog, err := style.Load(cfg.StylesFile)
	if err != nil {
		return err
	}

	jobs, err := jobclient.New(cfg.APIURL,
		jobclient.WithTimeout(cfg.RequestTimeout),
		jobclient.WithUserAgent("rephrase-gateway/"+Version),
		jobclient.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	tlog, err := transcript.NewLogger(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize transcript logger: %w", err)
	}
	defer func() {
		if closeErr := tlog.Close(); closeErr != nil {
			logger.Error("Failed to close transcript logger", "error", closeErr)
		}
	}()

	h := gateway.NewHandler(gateway.Deps{
		Jobs:       jobs,
		Catalog:    catalog,
		Repo:       repo,
		Transcript: tlog,
		Config:     cfg,
		Logger:     logger,
	})

	hs := health.New(map[string]health.Check{
		"database": repo.Ping,
		"upstream": jobs.Ping,
	}, health.WithLogger(logger))

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     newRouter(cfg, h, hs),
		ReadTimeout: 30 * time.Second,
		// SSE and WebSocket connections outlive any write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.StartTTLWorker(ctx, h.Registry(), cfg.SessionIdleTTL, 0, h.ForgetTab)
	logger.Info("TTL worker started", "session_idle_ttl", cfg.SessionIdleTTL)

	var grpcLis net.Listener
	if cfg.GRPCHealthAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPCHealthAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		hs.Run(gctx)
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error {
			return hs.Serve(gctx, grpcLis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		h.Close(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", "error", err)
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}

func newRouter(cfg *config.Config, h *gateway.Handler, hs *health.Service) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	r.Method(http.MethodGet, "/api/health", hs)
	h.RegisterRoutes(r)
	return r
}

// allowedOrigins is the frontend origin, plus any origin in development.
func allowedOrigins(cfg *config.Config) []string {
	var origins []string
	if cfg.FrontendURL != "" {
		origins = append(origins, strings.TrimRight(cfg.FrontendURL, "/"))
	}
	if cfg.IsDevelopment() {
		origins = append(origins, "*")
	}
	return origins
}
