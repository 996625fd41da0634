package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/LizzarTV/Twitch-Bot/config"
	"github.com/LizzarTV/Twitch-Bot/telemetry"
)

// SessionState is the lifecycle position of a Session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Session is one live chat connection together with its event pipeline: a bounded
// queue drained in order by a single dispatch goroutine, and a capped group of
// in-flight sink deliveries.
type Session struct {
	ID        string
	Username  string
	Channels  []string
	StartedAt time.Time

	state     SessionState
	closing   bool
	transport Transport

	log          *slog.Logger
	sinkTimeout  time.Duration
	authRetryMax int

	// run loop
	ctx         context.Context
	cancel      context.CancelFunc
	connected   chan struct{}
	connectOnce sync.Once
	connects    atomic.Int64
	ended       chan struct{}

	// pipeline
	events           chan Event
	stop             chan struct{}
	dispatched       chan struct{}
	sealed           atomic.Bool
	tasks            errgroup.Group
	deliverCtx       context.Context
	cancelDeliveries context.CancelFunc
}

func newSession(cfg *config.Config, log *slog.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:           id,
		Channels:     append([]string(nil), cfg.Channels...),
		StartedAt:    time.Now(),
		log:          log.With(slog.String("session", id)),
		sinkTimeout:  cfg.SinkTimeout,
		authRetryMax: max(cfg.AuthRetryMax, 0),
		connected:    make(chan struct{}),
		ended:        make(chan struct{}),
		events:       make(chan Event, max(cfg.EventQueueSize, 1)),
		stop:         make(chan struct{}),
		dispatched:   make(chan struct{}),
	}
	if s.sinkTimeout <= 0 {
		s.sinkTimeout = 5 * time.Second
	}
	if cfg.MaxInflightDeliveries > 0 {
		s.tasks.SetLimit(cfg.MaxInflightDeliveries)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.deliverCtx, s.cancelDeliveries = context.WithCancel(context.Background())
	return s
}

// isConnected reports whether the transport ever reached the connected state.
func (s *Session) isConnected() bool {
	select {
	case <-s.connected:
		return true
	default:
		return false
	}
}

// enqueue blocks while the queue is full. Once the pipeline is stopping the event is
// dropped and counted.
func (s *Session) enqueue(ev Event) {
	telemetry.IncEvent(string(ev.Kind()))
	select {
	case <-s.stop:
		s.drop(ev)
		return
	default:
	}
	select {
	case s.events <- ev:
		telemetry.SetQueueDepth(len(s.events))
	case <-s.stop:
		s.drop(ev)
	}
}

func (s *Session) drop(ev Event) {
	telemetry.IncDropped()
	s.log.Debug("event dropped during shutdown", slog.String("kind", string(ev.Kind())))
}

func (s *Session) dispatch(sink Sink) {
	defer close(s.dispatched)
	for {
		select {
		case ev := <-s.events:
			telemetry.SetQueueDepth(len(s.events))
			s.handle(sink, ev)
		case <-s.stop:
			for {
				select {
				case ev := <-s.events:
					s.handle(sink, ev)
				default:
					telemetry.SetQueueDepth(0)
					return
				}
			}
		}
	}
}

// handle starts a tracked delivery. It blocks only while the in-flight limit is reached.
func (s *Session) handle(sink Sink, ev Event) {
	s.log.Debug("chat event", slog.String("kind", string(ev.Kind())), slog.String("channel", ev.ChannelName()))
	if s.sealed.Load() {
		s.drop(ev)
		return
	}
	corr := uuid.NewString()
	s.tasks.Go(func() error {
		s.deliver(sink, ev, corr)
		return nil
	})
}

func (s *Session) deliver(sink Sink, ev Event, corr string) {
	ctx := telemetry.WithCorrelation(s.deliverCtx, corr)
	ctx, cancel := context.WithTimeout(ctx, s.sinkTimeout)
	defer cancel()

	start := time.Now()
	err := safeDeliver(ctx, sink, ev)
	telemetry.ObserveDelivery(string(ev.Kind()), err, time.Since(start))
	if err != nil {
		s.log.Error("sink delivery failed",
			slog.String("corr", corr),
			slog.String("kind", string(ev.Kind())),
			slog.String("channel", ev.ChannelName()),
			slog.Any("err", err))
	}
}

func safeDeliver(ctx context.Context, sink Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.Deliver(ctx, ev)
}

// drain stops intake, delivers whatever is queued and waits for in-flight deliveries.
// When ctx expires first, outstanding deliveries are cancelled.
func (s *Session) drain(ctx context.Context) {
	close(s.stop)
	select {
	case <-s.dispatched:
	case <-ctx.Done():
		s.log.Warn("dispatch did not finish before shutdown deadline")
	}
	s.sealed.Store(true)

	done := make(chan struct{})
	go func() {
		_ = s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("abandoning in-flight sink deliveries", slog.Any("err", ctx.Err()))
	}
	s.cancelDeliveries()
}
