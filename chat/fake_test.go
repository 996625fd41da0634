package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LizzarTV/Twitch-Bot/config"
)

type fakeTransport struct {
	username string
	token    string

	connectErr error
	silent     bool
	dropErr    error

	mu        sync.Mutex
	joined    []string
	tokens    []string
	onConnect func()
	onJoin    func(JoinEvent)
	onPart    func(PartEvent)
	onMsg     func(MessageEvent)
	onHost    func(HostEvent)
	onHosted  func(HostedEvent)

	disconnects atomic.Int32
	closeOnce   sync.Once
	closed      chan struct{}
}

func (f *fakeTransport) Connect() error {
	if f.connectErr != nil {
		return f.connectErr
	}
	if !f.silent {
		f.mu.Lock()
		fn := f.onConnect
		f.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	<-f.closed
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropErr
}

// drop ends a live connection with err, the way the server closes it after a token expires.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.dropErr = err
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *fakeTransport) Disconnect() error {
	f.disconnects.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Join(channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channels...)
}

func (f *fakeTransport) SetToken(tok string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, tok)
}

func (f *fakeTransport) OnConnect(fn func())             { f.mu.Lock(); f.onConnect = fn; f.mu.Unlock() }
func (f *fakeTransport) OnJoin(fn func(JoinEvent))       { f.mu.Lock(); f.onJoin = fn; f.mu.Unlock() }
func (f *fakeTransport) OnPart(fn func(PartEvent))       { f.mu.Lock(); f.onPart = fn; f.mu.Unlock() }
func (f *fakeTransport) OnMessage(fn func(MessageEvent)) { f.mu.Lock(); f.onMsg = fn; f.mu.Unlock() }
func (f *fakeTransport) OnHost(fn func(HostEvent))       { f.mu.Lock(); f.onHost = fn; f.mu.Unlock() }
func (f *fakeTransport) OnHosted(fn func(HostedEvent))   { f.mu.Lock(); f.onHosted = fn; f.mu.Unlock() }

// emit plays ev through the handler registered for its kind.
func (f *fakeTransport) emit(ev Event) {
	f.mu.Lock()
	onJoin, onPart, onMsg, onHost, onHosted := f.onJoin, f.onPart, f.onMsg, f.onHost, f.onHosted
	f.mu.Unlock()
	switch e := ev.(type) {
	case JoinEvent:
		onJoin(e)
	case PartEvent:
		onPart(e)
	case MessageEvent:
		onMsg(e)
	case HostEvent:
		onHost(e)
	case HostedEvent:
		onHosted(e)
	}
}

// fakeDialer hands out fakeTransports; the n-th one fails Connect with connectErrs[n].
type fakeDialer struct {
	connectErrs []error
	silent      bool

	mu      sync.Mutex
	created []*fakeTransport
}

func (d *fakeDialer) open(username, token string) Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	ft := &fakeTransport{username: username, token: token, silent: d.silent, closed: make(chan struct{})}
	if n := len(d.created); n < len(d.connectErrs) {
		ft.connectErr = d.connectErrs[n]
	}
	d.created = append(d.created, ft)
	return ft
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.created)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[len(d.created)-1]
}

type recordingSink struct {
	delay   time.Duration
	failFor func(Event) error
	release chan struct{}

	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Deliver(ctx context.Context, ev Event) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failFor != nil {
		if err := s.failFor(ev); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) got() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

var errSinkDown = errors.New("sink down")

func testConfig() *config.Config {
	return &config.Config{
		ClientID:              "cid",
		AccessToken:           "oauth:tok",
		BotUsername:           "LizzarBot",
		Channels:              []string{"lizzar", "friend"},
		AuthMode:              config.AuthStatic,
		Sink:                  config.SinkLog,
		EventQueueSize:        16,
		MaxInflightDeliveries: 4,
		SinkTimeout:           time.Second,
		ConnectTimeout:        time.Second,
		ShutdownTimeout:       2 * time.Second,
		AuthRetryMax:          2,
	}
}
