// Package sink holds the destinations chat events are forwarded to: a structured
// log, a Dapr-style HTTP sidecar, and a Router that picks one per event kind.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/LizzarTV/Twitch-Bot/chat"
	"github.com/LizzarTV/Twitch-Bot/config"
	"github.com/LizzarTV/Twitch-Bot/telemetry"
)

var (
	// ErrDeliveryFailed wraps transport errors and non-2xx sidecar responses.
	ErrDeliveryFailed = errors.New("sink delivery failed")
	// ErrUnsupportedKind is returned when a sink has no route for an event kind.
	ErrUnsupportedKind = errors.New("unsupported event kind")
)

// Router sends each event to the sink registered for its kind, or to the fallback.
type Router struct {
	routes   map[chat.Kind]chat.Sink
	fallback chat.Sink
}

// NewRouter returns a Router that delivers everything to fallback until Route is used.
func NewRouter(fallback chat.Sink) *Router {
	return &Router{routes: map[chat.Kind]chat.Sink{}, fallback: fallback}
}

// Route sends the given kinds to s.
func (r *Router) Route(s chat.Sink, kinds ...chat.Kind) *Router {
	for _, k := range kinds {
		r.routes[k] = s
	}
	return r
}

func (r *Router) Deliver(ctx context.Context, ev chat.Event) error {
	s, ok := r.routes[ev.Kind()]
	if !ok {
		s = r.fallback
	}
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, ev.Kind())
	}
	return s.Deliver(ctx, ev)
}

// FromConfig builds the sink selected by SINK. With "sidecar", join and part go to the
// sidecar and every other kind is logged.
func FromConfig(cfg *config.Config, logger *slog.Logger) chat.Sink {
	logSink := NewLogSink(logger)
	if cfg.Sink != config.SinkSidecar {
		return logSink
	}
	sc := NewSidecarSink(cfg.SidecarBaseURL(), telemetry.HTTPClient(nil, cfg.SinkTimeout),
		WithBreaker(cfg.SidecarBreakerFailures, cfg.SidecarBreakerCooldown))
	return NewRouter(logSink).Route(sc, SidecarKinds...)
}
