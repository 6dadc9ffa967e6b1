package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"vhost-proxy-go/internal/client"
	"vhost-proxy-go/internal/config"
	"vhost-proxy-go/internal/handler"
	"vhost-proxy-go/internal/metrics"
	"vhost-proxy-go/internal/middleware"
	"vhost-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// adminEcho is the Echo instance behind the admin listener. It is a distinct
// type so fx can tell it apart from the proxy instance.
type adminEcho struct {
	*echo.Echo
}

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("vhost-proxy"),
		kong.Description("Plain HTTP to HTTPS reverse proxy that rewrites Host to a fixed virtual host."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newAdminEcho,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			registerAdminRoutes,
			warnConfig,
			startServer,
			startAdmin,
		),
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

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Read and write timeouts default to 0: bodies are streamed in both
	// directions and may legitimately take a long time.
	e.Server.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout()
	e.Server.ReadTimeout = cfg.Server.ReadTimeout()
	e.Server.WriteTimeout = cfg.Server.WriteTimeout()
	e.Server.IdleTimeout = cfg.Server.IdleTimeout()

	// No RequestID or SecurityHeaders here: proxied responses carry only
	// upstream headers.
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger.With("component", "access")))
	e.Use(middleware.MetricsMiddleware(m))

	if cfg.Server.StripHopByHop {
		e.Use(middleware.StripHopByHop())
	}
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdminEcho(logger *slog.Logger) *adminEcho {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger.With("component", "admin")))
	e.Use(middleware.SecurityHeaders())

	return &adminEcho{Echo: e}
}

func registerAdminRoutes(admin *adminEcho, health *handler.HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	handler.RegisterAdminRoutes(admin.Echo, health, cfg.Admin.MetricsPath,
		promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}

func warnConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	cfg.WarnInsecure(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	serve(lc, e, cfg.Server.Addr(), "proxy", logger,
		"upstream", cfg.Upstream.Address(),
		"virtual_host", cfg.Upstream.VirtualHost,
	)
}

func startAdmin(lc fx.Lifecycle, admin *adminEcho, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	serve(lc, admin.Echo, cfg.Admin.Addr(), "admin", logger,
		"metrics_path", cfg.Admin.MetricsPath,
	)
}

// serve binds addr on start so a busy port fails startup, then serves e until stop.
func serve(lc fx.Lifecycle, e *echo.Echo, addr, name string, logger *slog.Logger, attrs ...any) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info(name+" listening", append([]any{"addr", addr}, attrs...)...)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
