// Command Twitch-Bot is the chat bot bootstrap shim.
// It:
//   - Loads configuration and initializes structured logging.
//   - Resolves Twitch credentials, optionally keeping them fresh via the refresh-token flow.
//   - Connects to Twitch chat, joins the configured channels and forwards join, part,
//     message, host and hosted events to the configured sink (log or sidecar).
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/LizzarTV/Twitch-Bot/chat"
	"github.com/LizzarTV/Twitch-Bot/config"
	"github.com/LizzarTV/Twitch-Bot/oauth"
	"github.com/LizzarTV/Twitch-Bot/server"
	"github.com/LizzarTV/Twitch-Bot/sink"
	"github.com/LizzarTV/Twitch-Bot/telemetry"
	"github.com/LizzarTV/Twitch-Bot/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("cannot start without credentials", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("twitch-bot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Root context with graceful shutdown; the cause carries the signal name
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			cancel(errors.New(sig.String()))
		case <-ctx.Done():
		}
	}()

	// Credentials and the identity client used for validation and refresh
	identity := &twitchapi.IdentityClient{HTTPClient: telemetry.HTTPClient(nil, 15*time.Second)}
	store := oauth.NewStore(oauth.Credentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
	})

	opts := []chat.Option{
		chat.WithCredentials(store),
		chat.WithValidator(identity),
	}
	var refresher *oauth.Refresher
	if cfg.AuthMode == config.AuthRefresh {
		refresher = oauth.NewRefresher(store, identity)
		opts = append(opts, chat.WithRefresher(refresher))
	}

	mgr := chat.NewManager(sink.FromConfig(cfg, slog.Default()), opts...)
	if refresher != nil {
		refresher.OnRefresh(mgr.UpdateToken)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/readiness/status/metrics); readiness stays false until chat connects
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, mgr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	slog.Info("starting chat bot",
		slog.Any("channels", cfg.Channels),
		slog.String("sink", cfg.Sink),
		slog.String("auth_mode", cfg.AuthMode))
	if err := mgr.Bootstrap(ctx, cfg); err != nil {
		slog.Error("chat bootstrap failed", slog.Any("err", err))
		shutdownTracing()
		os.Exit(1)
	}

	// Proactive refresh ahead of expiry, in addition to refresh on authentication failure
	if refresher != nil {
		oauth.StartRefresher(ctx, refresher, cfg.RefreshInterval, cfg.RefreshWindow)
	}

	// Block until shutdown signal or the chat session ends on its own
	sessionEnded := false
	reason := ""
	select {
	case <-ctx.Done():
		reason = context.Cause(ctx).Error()
	case <-mgr.Done():
		sessionEnded = true
		reason = "session ended"
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	mgr.Shutdown(shutdownCtx, reason)
	cancelShutdown()
	cancel(nil)

	if sessionEnded {
		slog.Error("chat session terminated unexpectedly")
		shutdownTracing()
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
