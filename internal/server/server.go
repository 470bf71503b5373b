// Package server provides the application server and dependency assembly.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/image-registry-checker/internal/api"
	"github.com/JakeFAU/image-registry-checker/internal/checker"
	"github.com/JakeFAU/image-registry-checker/internal/config"
	"github.com/JakeFAU/image-registry-checker/internal/logging"
	"github.com/JakeFAU/image-registry-checker/internal/telemetry"
)

// ServiceName is reported as the OpenTelemetry service name.
const ServiceName = "image-registry-checker"

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	checker        checker.Checker
	apiServer      *api.Server
	tracerProvider *sdktrace.TracerProvider
}

// NewApp assembles an App from an already-built logger and checker.
func NewApp(cfg config.Config, logger *zap.Logger, c checker.Checker, version string) *App {
	type sanitizedConfig struct {
		Addr    string        `json:"addr"`
		Backend string        `json:"backend"`
		Command string        `json:"command,omitempty"`
		Timeout time.Duration `json:"timeout"`
		Docs    bool          `json:"docs"`
	}
	safeCfg := sanitizedConfig{
		Addr:    cfg.Server.Addr(),
		Backend: cfg.Checker.Backend,
		Command: cfg.Checker.Command,
		Timeout: cfg.Checker.Timeout,
		Docs:    cfg.Docs.Enabled,
	}
	logger.Info("creating application", zap.Any("config", safeCfg), zap.String("version", version))
	return &App{
		cfg:       cfg,
		logger:    logger,
		checker:   c,
		apiServer: api.NewServer(c, cfg, version, logger.Named("api")),
	}
}

// Build creates the logger, the checker and the HTTP API from cfg.
func Build(cfg config.Config, version string) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	tp, err := telemetry.InitTracerProvider(context.Background(), ServiceName, version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	c, err := checker.New(cfg.Checker, logger.Named("checker"))
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("checker init failed: %w", err)
	}
	app := NewApp(cfg, logger, c, version)
	app.tracerProvider = tp
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Checker returns the configured image checker.
func (a *App) Checker() checker.Checker {
	return a.checker
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run listens on the configured address and serves until ctx is canceled or
// SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", a.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is canceled, then shuts the server down.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")

		shutdownCtx := context.Background()
		if a.cfg.Server.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(shutdownCtx, a.cfg.Server.ShutdownTimeout)
			defer cancel()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.logger.Info("shutdown complete")
	return err
}

// Close flushes pending spans and the logger.
func (a *App) Close() {
	if a.tracerProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if err := a.logger.Sync(); err != nil {
		// Syncing stdout/stderr fails with EINVAL on most terminals.
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
