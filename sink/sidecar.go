package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/LizzarTV/Twitch-Bot/chat"
	"github.com/LizzarTV/Twitch-Bot/telemetry"
)

// sidecarApp is the app id the user service registers with the sidecar.
const sidecarApp = "twitch-users"

var sidecarMethods = map[chat.Kind]string{
	chat.KindJoin: "join",
	chat.KindPart: "part",
}

// SidecarKinds are the event kinds SidecarSink can deliver.
var SidecarKinds = []chat.Kind{chat.KindJoin, chat.KindPart}

// SidecarSink invokes the user service through a Dapr-style sidecar:
// POST {base}/twitch-users/method/{join|part} with the event as JSON.
// After consecutive failures a circuit breaker rejects calls until a cooldown passes.
type SidecarSink struct {
	base    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

type sidecarOptions struct {
	failures int
	cooldown time.Duration
}

// SidecarOption tunes a SidecarSink.
type SidecarOption func(*sidecarOptions)

// WithBreaker opens the circuit after failures consecutive errors for cooldown.
func WithBreaker(failures int, cooldown time.Duration) SidecarOption {
	return func(o *sidecarOptions) {
		if failures > 0 {
			o.failures = failures
		}
		if cooldown > 0 {
			o.cooldown = cooldown
		}
	}
}

// NewSidecarSink posts to baseURL (e.g. http://localhost:3500/v1.0/invoke).
// A nil client gets a traced client without its own timeout; the caller's ctx bounds each call.
func NewSidecarSink(baseURL string, client *http.Client, opts ...SidecarOption) *SidecarSink {
	if client == nil {
		client = telemetry.HTTPClient(nil, 0)
	}
	o := sidecarOptions{failures: 5, cooldown: 30 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sidecar",
		Timeout: o.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(o.failures)
		},
		// a cancelled delivery says nothing about the sidecar's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				slog.String("component", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			telemetry.UpdateCircuitGauge(to == gobreaker.StateOpen)
		},
	})
	return &SidecarSink{base: strings.TrimRight(baseURL, "/"), client: client, breaker: breaker}
}

func (s *SidecarSink) Deliver(ctx context.Context, ev chat.Event) error {
	method, ok := sidecarMethods[ev.Kind()]
	if !ok {
		return fmt.Errorf("%w: sidecar has no method for %s", ErrUnsupportedKind, ev.Kind())
	}
	ctx, span := telemetry.StartSpan(ctx, "sink", "sidecar.invoke",
		attribute.String("method", method), attribute.String("channel", ev.ChannelName()))
	defer span.End()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, method, ev)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func (s *SidecarSink) post(ctx context.Context, method string, ev chat.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind(), err)
	}
	url := s.base + "/" + sidecarApp + "/method/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if corr := telemetry.GetCorrelation(ctx); corr != "" {
		req.Header.Set("X-Correlation-ID", corr)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrDeliveryFailed, method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
