// Package config loads environment variables and provides a typed Config used across the bot.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Required credentials are checked by Validate; Load itself never fails on missing credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sink modes.
const (
	SinkLog     = "log"
	SinkSidecar = "sidecar"
)

// Auth modes.
const (
	AuthStatic  = "static"
	AuthRefresh = "refresh"
)

// ErrMissingCredentials is returned by Validate when client id, access token or channels are empty.
var ErrMissingCredentials = errors.New("missing credentials")

type Config struct {
	// Twitch
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	BotUsername  string
	Channels     []string
	AuthMode     string

	// Sidecar
	SidecarHost            string
	SidecarPort            int
	Sink                   string
	SidecarBreakerFailures int
	SidecarBreakerCooldown time.Duration

	// Pipeline
	EventQueueSize        int
	MaxInflightDeliveries int
	SinkTimeout           time.Duration
	ConnectTimeout        time.Duration
	ShutdownTimeout       time.Duration
	AuthRetryMax          int
	RefreshInterval       time.Duration
	RefreshWindow         time.Duration

	// Ops
	HTTPAddr string
}

// Load reads environment variables and applies defaults. Keys from the original deployment
// (TWITCH_CLIENT_ID, TWITCH_ACCESS_TOKEN, TWITCH_CHANNELS, DAPR_HTTP_PORT) are accepted as fallbacks.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ClientID = firstEnv("CLIENT_ID", "TWITCH_CLIENT_ID")
	cfg.ClientSecret = firstEnv("CLIENT_SECRET", "TWITCH_CLIENT_SECRET")
	cfg.AccessToken = firstEnv("ACCESS_TOKEN", "TWITCH_ACCESS_TOKEN")
	cfg.RefreshToken = firstEnv("REFRESH_TOKEN", "TWITCH_REFRESH_TOKEN")
	cfg.BotUsername = strings.ToLower(strings.TrimSpace(firstEnv("BOT_USERNAME", "TWITCH_BOT_USERNAME")))
	cfg.Channels = ParseChannels(firstEnv("CHANNELS", "TWITCH_CHANNELS"))

	cfg.AuthMode = strings.ToLower(os.Getenv("AUTH_MODE"))
	switch cfg.AuthMode {
	case AuthStatic, AuthRefresh:
	case "":
		cfg.AuthMode = AuthStatic
		if cfg.RefreshToken != "" && cfg.ClientSecret != "" {
			cfg.AuthMode = AuthRefresh
		}
	default:
		return nil, fmt.Errorf("invalid AUTH_MODE %q (want static or refresh)", cfg.AuthMode)
	}

	// Sidecar
	cfg.SidecarHost = os.Getenv("SIDECAR_HOST")
	if cfg.SidecarHost == "" {
		cfg.SidecarHost = "localhost"
	}
	port, err := envInt(3500, "SIDECAR_PORT", "DAPR_HTTP_PORT")
	if err != nil {
		return nil, err
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid SIDECAR_PORT %d", port)
	}
	cfg.SidecarPort = port

	cfg.Sink = strings.ToLower(os.Getenv("SINK"))
	switch cfg.Sink {
	case SinkLog, SinkSidecar:
	case "":
		cfg.Sink = SinkLog
	default:
		return nil, fmt.Errorf("invalid SINK %q (want log or sidecar)", cfg.Sink)
	}

	if cfg.SidecarBreakerFailures, err = envInt(5, "SIDECAR_BREAKER_FAILURES"); err != nil {
		return nil, err
	}
	if cfg.SidecarBreakerCooldown, err = envDuration(30*time.Second, "SIDECAR_BREAKER_COOLDOWN"); err != nil {
		return nil, err
	}

	// Pipeline
	if cfg.EventQueueSize, err = envInt(256, "EVENT_QUEUE_SIZE"); err != nil {
		return nil, err
	}
	if cfg.MaxInflightDeliveries, err = envInt(64, "MAX_INFLIGHT_DELIVERIES"); err != nil {
		return nil, err
	}
	if cfg.AuthRetryMax, err = envInt(3, "AUTH_RETRY_MAX"); err != nil {
		return nil, err
	}
	if cfg.SinkTimeout, err = envDuration(5*time.Second, "SINK_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout, err = envDuration(30*time.Second, "CONNECT_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = envDuration(10*time.Second, "SHUTDOWN_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = envDuration(5*time.Minute, "REFRESH_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.RefreshWindow, err = envDuration(15*time.Minute, "REFRESH_WINDOW"); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// Validate checks the fields bootstrap cannot proceed without.
func (c *Config) Validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "CLIENT_ID")
	}
	if c.AccessToken == "" {
		missing = append(missing, "ACCESS_TOKEN")
	}
	if len(c.Channels) == 0 {
		missing = append(missing, "CHANNELS")
	}
	if c.AuthMode == AuthRefresh && c.ClientSecret == "" {
		missing = append(missing, "CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: require %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// SidecarBaseURL returns the Dapr invoke base, e.g. http://localhost:3500/v1.0/invoke.
func (c *Config) SidecarBaseURL() string {
	return fmt.Sprintf("http://%s:%d/v1.0/invoke", c.SidecarHost, c.SidecarPort)
}

// ParseChannels splits a comma-separated list, trimming whitespace and '#' and dropping
// empty and duplicate entries. Channel names are lowercased as IRC expects.
func ParseChannels(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		ch := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(part), "#"))
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func envInt(def int, keys ...string) (int, error) {
	v := firstEnv(keys...)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", keys[0], err)
	}
	return n, nil
}

func envDuration(def time.Duration, key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
