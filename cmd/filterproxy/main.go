package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"filterproxy/internal/client"
	"filterproxy/internal/config"
	"filterproxy/internal/filter"
	"filterproxy/internal/handler"
	"filterproxy/internal/metrics"
	"filterproxy/internal/middleware"
	"filterproxy/internal/service"
	"filterproxy/internal/trace"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// proxyServer and adminServer tell the two echo instances apart in the graph.
type (
	proxyServer struct{ *echo.Echo }
	adminServer struct{ *echo.Echo }
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("filterproxy"),
		kong.Description("Filtering HTTP proxy: relays each request to its origin and lets filters inspect or rewrite both sides."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newTransport,
			newFilters,
			newTraceSink,
			service.NewEngine,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newProxyServer,
			newAdminServer,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startServers),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With("proxy", cfg.Server.Name)
}

func newTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) service.Transport {
	return client.NewOriginClient(cfg, logger, m)
}

func newFilters(cfg *config.Config, logger *slog.Logger) filter.Set {
	set := filter.FromConfig(cfg.Filter)
	if len(cfg.Filter.BlockContentTypes) > 0 || cfg.Filter.BlockExecutables {
		logger.Info("response policies enabled",
			"block_content_types", cfg.Filter.BlockContentTypes,
			"block_executables", cfg.Filter.BlockExecutables,
		)
	}
	return set
}

func newTraceSink(cfg *config.Config, logger *slog.Logger) trace.Sink {
	return trace.New(cfg.Trace.Enabled, logger)
}

func newProxyServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) proxyServer {
	e := newEcho()

	// Inbound timeouts to mitigate slow-client attacks. WriteTimeout stays
	// disabled; the origin exchange is bounded by upstream.timeout_seconds.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m, metrics.ListenerProxy))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	return proxyServer{e}
}

func newAdminServer(logger *slog.Logger, m *metrics.Metrics) adminServer {
	e := newEcho()
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.MetricsMiddleware(m, metrics.ListenerAdmin))
	e.Use(middleware.SecurityHeaders())

	return adminServer{e}
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

func registerRoutes(p proxyServer, a adminServer, proxy *handler.ProxyHandler, health *handler.HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	handler.RegisterProxyRoutes(p.Echo, proxy)
	handler.RegisterAdminRoutes(a.Echo, health, cfg, m)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServers(lc fx.Lifecycle, p proxyServer, a adminServer, cfg *config.Config, logger *slog.Logger) {
	logger.Info("filterproxy configured",
		"version", version,
		"default_host", cfg.Upstream.DefaultHost,
		"parent_proxy", cfg.Upstream.ParentProxy,
		"trace", cfg.Trace.Enabled,
	)

	startServer(lc, p.Echo, "proxy", cfg.Server.Addr(), logger)
	if !cfg.Admin.Disabled {
		startServer(lc, a.Echo, "admin", cfg.Admin.Addr(), logger)
	}
}

func startServer(lc fx.Lifecycle, e *echo.Echo, name, addr string, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s listener %s: %w", name, addr, err)
			}
			logger.Info("starting server", "listener", name, "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "listener", name, "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "listener", name)
			return e.Shutdown(ctx)
		},
	})
}
