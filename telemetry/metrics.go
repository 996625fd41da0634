// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsReceived  *prometheus.CounterVec // labels: kind
	EventsDropped   prometheus.Counter
	SinkDeliveries  *prometheus.CounterVec // labels: kind, result
	TokenRefreshes  *prometheus.CounterVec // labels: result
	SessionConnects prometheus.Counter

	// Histograms (seconds)
	SinkDeliveryDuration prometheus.Observer

	// Gauges
	SessionStateGauge prometheus.Gauge // 0=disconnected 1=connecting 2=connected 3=closing
	QueueDepthGauge   prometheus.Gauge
	CircuitOpenGauge  prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitchbot_events_received_total", Help: "Chat events received from the transport"}, []string{"kind"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "twitchbot_events_dropped_total", Help: "Chat events dropped because the manager was shutting down"})
		SinkDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitchbot_sink_deliveries_total", Help: "Sink deliveries by kind and result"}, []string{"kind", "result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitchbot_token_refresh_total", Help: "OAuth refresh-token exchanges by result"}, []string{"result"})
		SessionConnects = promauto.NewCounter(prometheus.CounterOpts{Name: "twitchbot_session_connects_total", Help: "Successful chat connections"})
		SinkDeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "twitchbot_sink_delivery_duration_seconds", Help: "Sink delivery duration seconds", Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}})
		SessionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "twitchbot_session_state", Help: "Session state 0=disconnected 1=connecting 2=connected 3=closing"})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "twitchbot_event_queue_depth", Help: "Events waiting in the dispatch queue"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "twitchbot_sidecar_circuit_open", Help: "Sidecar circuit breaker open=1 closed=0"})
	})
}

// IncEvent counts a received event of the given kind.
func IncEvent(kind string) {
	if EventsReceived != nil {
		EventsReceived.WithLabelValues(kind).Inc()
	}
}

// IncDropped counts an event that never reached the dispatch loop.
func IncDropped() {
	if EventsDropped != nil {
		EventsDropped.Inc()
	}
}

// ObserveDelivery records the result and duration of one sink delivery.
func ObserveDelivery(kind string, err error, d time.Duration) {
	if SinkDeliveries != nil {
		SinkDeliveries.WithLabelValues(kind, result(err)).Inc()
	}
	if SinkDeliveryDuration != nil {
		SinkDeliveryDuration.Observe(d.Seconds())
	}
}

// ObserveRefresh records the outcome of a refresh-token exchange.
func ObserveRefresh(ok bool) {
	if TokenRefreshes == nil {
		return
	}
	if ok {
		TokenRefreshes.WithLabelValues("success").Inc()
	} else {
		TokenRefreshes.WithLabelValues("failure").Inc()
	}
}

// SetSessionState mirrors the session state as a gauge value.
func SetSessionState(n int) {
	if SessionStateGauge != nil {
		SessionStateGauge.Set(float64(n))
	}
}

// IncConnects counts a successful connection.
func IncConnects() {
	if SessionConnects != nil {
		SessionConnects.Inc()
	}
}

// SetQueueDepth records the current dispatch queue length.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge == nil {
		return
	}
	if open {
		CircuitOpenGauge.Set(1)
	} else {
		CircuitOpenGauge.Set(0)
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
