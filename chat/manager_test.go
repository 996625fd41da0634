package chat

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LizzarTV/Twitch-Bot/config"
	"github.com/LizzarTV/Twitch-Bot/oauth"
	"github.com/LizzarTV/Twitch-Bot/twitchapi"
)

func newTestManager(sink Sink, d *fakeDialer, opts ...Option) *Manager {
	base := []Option{
		WithTransport(d.open),
		WithRetryBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}
	return NewManager(sink, append(base, opts...)...)
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Shutdown(ctx, "test")
}

func TestBootstrapMissingCredentials(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"no access token", func(c *config.Config) { c.AccessToken = "" }},
		{"no client id", func(c *config.Config) { c.ClientID = "" }},
		{"no channels", func(c *config.Config) { c.Channels = nil }},
		{"no login source", func(c *config.Config) { c.BotUsername = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			d := &fakeDialer{}
			m := newTestManager(&recordingSink{}, d)

			err := m.Bootstrap(context.Background(), cfg)
			require.ErrorIs(t, err, ErrMissingCredentials)
			assert.Zero(t, d.count(), "no transport may be opened")
			assert.Equal(t, StateDisconnected, m.State())
		})
	}

	t.Run("nil config", func(t *testing.T) {
		err := NewManager(&recordingSink{}).Bootstrap(context.Background(), nil)
		assert.ErrorIs(t, err, ErrMissingCredentials)
	})
}

func TestBootstrapConnectsAndJoins(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(&recordingSink{}, d)
	require.NoError(t, m.Bootstrap(context.Background(), testConfig()))
	defer shutdown(t, m)

	require.Equal(t, 1, d.count())
	ft := d.last()
	assert.Equal(t, "lizzarbot", ft.username)
	assert.Equal(t, "tok", ft.token)
	assert.Equal(t, []string{"lizzar", "friend"}, ft.joined)
	assert.Equal(t, StateConnected, m.State())
	assert.NoError(t, m.Ready())
}

func TestBootstrapWhileActive(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(&recordingSink{}, d)
	require.NoError(t, m.Bootstrap(context.Background(), testConfig()))

	assert.ErrorIs(t, m.Bootstrap(context.Background(), testConfig()), ErrSessionActive)
	assert.Equal(t, 1, d.count())

	shutdown(t, m)
	require.NoError(t, m.Bootstrap(context.Background(), testConfig()), "a new session may start after shutdown")
	assert.Equal(t, 2, d.count())
	shutdown(t, m)
}

func TestBootstrapConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond
	d := &fakeDialer{silent: true}
	m := newTestManager(&recordingSink{}, d)

	err := m.Bootstrap(context.Background(), cfg)
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, int32(1), d.last().disconnects.Load())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Error(t, m.Ready())
}

func TestBootstrapContextCancelled(t *testing.T) {
	d := &fakeDialer{silent: true}
	m := newTestManager(&recordingSink{}, d)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := m.Bootstrap(ctx, testConfig())
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBootstrapNonAuthFailureIsTerminal(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	d := &fakeDialer{connectErrs: []error{boom}}
	m := newTestManager(&recordingSink{}, d)

	err := m.Bootstrap(context.Background(), testConfig())
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, d.count())
}

func TestEventsReachSinkWithExactPayload(t *testing.T) {
	sink := &recordingSink{}
	d := &fakeDialer{}
	m := newTestManager(sink, d)
	require.NoError(t, m.Bootstrap(context.Background(), testConfig()))
	defer shutdown(t, m)

	ft := d.last()
	msg := MessageEvent{
		Channel: "lizzar", User: "bob", Message: "hi",
		Misc: MessageMisc{ID: "m1", User: UserInfo{DisplayName: "Bob", IsMod: true, TotalBits: 5, IsCheer: true, Badges: []string{"subscriber", "vip"}}},
	}
	ft.emit(JoinEvent{Channel: "lizzar", User: "alice"})
	ft.emit(msg)
	ft.emit(HostEvent{Channel: "lizzar", Target: "friend"})

	require.Eventually(t, func() bool { return len(sink.got()) == 3 }, time.Second, 5*time.Millisecond)
	got := sink.got()
	assert.Contains(t, got, Event(JoinEvent{Channel: "lizzar", User: "alice"}))
	assert.Contains(t, got, Event(msg))
	assert.Contains(t, got, Event(HostEvent{Channel: "lizzar", Target: "friend", Viewers: 0}))
}

func TestEventsHandledInArrivalOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInflightDeliveries = 1
	sink := &recordingSink{}
	d := &fakeDialer{}
	m := newTestManager(sink, d)
	require.NoError(t, m.Bootstrap(context.Background(), cfg))
	defer shutdown(t, m)

	ft := d.last()
	for i := 0; i < 40; i++ {
		ft.emit(MessageEvent{Channel: "lizzar", User: "bob", Message: fmt.Sprint(i)})
	}
	require.Eventually(t, func() bool { return len(sink.got()) == 40 }, 2*time.Second, 5*time.Millisecond)
	for i, ev := range sink.got() {
		assert.Equal(t, fmt.Sprint(i), ev.(MessageEvent).Message)
	}
}

func TestSinkFailureDoesNotStopPipeline(t *testing.T) {
	sink := &recordingSink{failFor: func(ev Event) error {
		switch e := ev.(type) {
		case JoinEvent:
			if e.User == "bad" {
				return errSinkDown
			}
		case PartEvent:
			if e.User == "panic" {
				panic("sink exploded")
			}
		}
		return nil
	}}
	d := &fakeDialer{}
	m := newTestManager(sink, d)
	require.NoError(t, m.Bootstrap(context.Background(), testConfig()))
	defer shutdown(t, m)

	ft := d.last()
	ft.emit(JoinEvent{Channel: "lizzar", User: "bad"})
	ft.emit(PartEvent{Channel: "lizzar", User: "panic"})
	ft.emit(JoinEvent{Channel: "lizzar", User: "good"})

	require.Eventually(t, func() bool { return len(sink.got()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Event(JoinEvent{Channel: "lizzar", User: "good"}), sink.got()[0])
	assert.Equal(t, StateConnected, m.State())
}

func TestSlowSinkDoesNotBlockTransport(t *testing.T) {
	sink := &recordingSink{release: make(chan struct{})}
	d := &fakeDialer{}
	m := newTestManager(sink, d)
	require.NoError(t, m.Bootstrap(context.Background(), testConfig()))

	ft := d.last()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			ft.emit(JoinEvent{Channel: "lizzar", User: fmt.Sprint("u", i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transport callbacks blocked on a slow sink")
	}

	close(sink.release)
	shutdown(t, m)
	assert.Len(t, sink.got(), 10, "queued events are delivered before shutdown completes")
}

func TestShutdownIsIdempotent(t *testing.T) {
	m := newTestManager(&recordingSink{}, &fakeDialer{})
	assert.NotPanics(t, func() { shutdown(t, m) }, "shutdown before bootstrap is a no-op")

	d := &fakeDialer{}
	m = newTestManager(&recordingSink{}, d)
	require.NoError(t, m.Bootstrap(context.Background(), testConfig()))

	shutdown(t, m)
	shutdown(t, m)
	assert.Equal(t, int32(1), d.last().disconnects.Load())
	assert.Equal(t, StateDisconnected, m.State())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}
}

func TestShutdownAbandonsStuckDeliveries(t *testing.T) {
	cfg := testConfig()
	cfg.SinkTimeout = time.Minute
	sink := &recordingSink{release: make(chan struct{})}
	d := &fakeDialer{}
	m := newTestManager(sink, d)
	require.NoError(t, m.Bootstrap(context.Background(), cfg))
	d.last().emit(JoinEvent{Channel: "lizzar", User: "alice"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	m.Shutdown(ctx, "SIGTERM")
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, sink.got())
}

func TestRegisterHandlersTwiceDeliversOnce(t *testing.T) {
	sink := &recordingSink{}
	d := &fakeDialer{}
	m := newTestManager(sink, d)
	require.NoError(t, m.Bootstrap(context.Background(), testConfig()))
	defer shutdown(t, m)

	ft := d.last()
	m.RegisterHandlers(ft)
	m.RegisterHandlers(ft)
	ft.emit(PartEvent{Channel: "lizzar", User: "alice"})

	require.Eventually(t, func() bool { return len(sink.got()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, sink.got(), 1)
}

func TestHandleDeliversDirectly(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(sink, &fakeDialer{})
	m.Handle(JoinEvent{Channel: "x", User: "y"}) // no session: ignored
	require.NoError(t, m.Bootstrap(context.Background(), testConfig()))
	defer shutdown(t, m)

	m.Handle(HostedEvent{Channel: "lizzar", ByChannel: "friend", Auto: true})
	require.Eventually(t, func() bool { return len(sink.got()) == 1 }, time.Second, 5*time.Millisecond)
}

type stubExchanger struct {
	calls atomic.Int32
	token string
	err   error
}

func (s *stubExchanger) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*twitchapi.RefreshResult, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &twitchapi.RefreshResult{AccessToken: fmt.Sprintf("%s-%d", s.token, n), ExpiresIn: 3600}, nil
}

func refreshConfig() *config.Config {
	cfg := testConfig()
	cfg.AuthMode = config.AuthRefresh
	cfg.ClientSecret = "secret"
	cfg.RefreshToken = "rt"
	return cfg
}

func refreshingManager(cfg *config.Config, sink Sink, d *fakeDialer, ex oauth.Exchanger) (*Manager, *oauth.Store) {
	store := oauth.NewStore(oauth.Credentials{
		ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret,
		AccessToken: cfg.AccessToken, RefreshToken: cfg.RefreshToken,
	})
	r := oauth.NewRefresher(store, ex)
	m := newTestManager(sink, d, WithCredentials(store), WithRefresher(r))
	r.OnRefresh(m.UpdateToken)
	return m, store
}

func TestAuthFailureRefreshesAndReconnects(t *testing.T) {
	ex := &stubExchanger{token: "fresh"}
	d := &fakeDialer{connectErrs: []error{ErrAuthFailed}}
	m, store := refreshingManager(refreshConfig(), &recordingSink{}, d, ex)

	require.NoError(t, m.Bootstrap(context.Background(), refreshConfig()))
	defer shutdown(t, m)

	assert.Equal(t, int32(1), ex.calls.Load())
	require.Equal(t, 2, d.count())
	assert.Equal(t, "fresh-1", d.last().token)
	assert.Equal(t, "fresh-1", store.Get().AccessToken)
	assert.Equal(t, StateConnected, m.State())
}

func TestAuthFailureRetriesAreBounded(t *testing.T) {
	cfg := refreshConfig()
	cfg.AuthRetryMax = 2
	ex := &stubExchanger{token: "fresh"}
	d := &fakeDialer{connectErrs: []error{ErrAuthFailed, ErrAuthFailed, ErrAuthFailed, ErrAuthFailed}}
	m, _ := refreshingManager(cfg, &recordingSink{}, d, ex)

	err := m.Bootstrap(context.Background(), cfg)
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, int32(2), ex.calls.Load())
	assert.Equal(t, 3, d.count())
}

func TestAuthFailureRefreshErrorIsTerminal(t *testing.T) {
	ex := &stubExchanger{err: errors.New("400 invalid refresh token")}
	d := &fakeDialer{connectErrs: []error{ErrAuthFailed}}
	m, _ := refreshingManager(refreshConfig(), &recordingSink{}, d, ex)

	err := m.Bootstrap(context.Background(), refreshConfig())
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, oauth.ErrRefreshFailed)
	assert.Equal(t, 1, d.count())
}

func TestAuthFailureWithoutRefresher(t *testing.T) {
	d := &fakeDialer{connectErrs: []error{ErrAuthFailed}}
	m := newTestManager(&recordingSink{}, d)

	err := m.Bootstrap(context.Background(), testConfig())
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, 1, d.count())
}

func TestAuthFailureAfterConnectReconnects(t *testing.T) {
	ex := &stubExchanger{token: "fresh"}
	d := &fakeDialer{}
	m, store := refreshingManager(refreshConfig(), &recordingSink{}, d, ex)
	require.NoError(t, m.Bootstrap(context.Background(), refreshConfig()))
	defer shutdown(t, m)

	d.last().drop(ErrAuthFailed)

	require.Eventually(t, func() bool { return d.count() == 2 && m.State() == StateConnected },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), ex.calls.Load())
	assert.Equal(t, "fresh-1", d.last().token)
	assert.Equal(t, "fresh-1", store.Get().AccessToken)
	select {
	case <-m.Done():
		t.Fatal("session ended after a successful reconnect")
	default:
	}
}

func TestRepeatedExpirationsEachGetFreshRetries(t *testing.T) {
	cfg := refreshConfig()
	cfg.AuthRetryMax = 2
	ex := &stubExchanger{token: "fresh"}
	d := &fakeDialer{}
	m, _ := refreshingManager(cfg, &recordingSink{}, d, ex)
	require.NoError(t, m.Bootstrap(context.Background(), cfg))
	defer shutdown(t, m)

	for i := 1; i <= 5; i++ {
		d.last().drop(ErrAuthFailed)
		want := i + 1
		require.Eventually(t, func() bool { return d.count() == want && m.State() == StateConnected },
			time.Second, 5*time.Millisecond, "expiration %d", i)
	}
	assert.Equal(t, int32(5), ex.calls.Load())
	assert.Equal(t, StateConnected, m.State())
}

func TestNonAuthDropAfterConnectEndsSession(t *testing.T) {
	ex := &stubExchanger{token: "fresh"}
	d := &fakeDialer{}
	m, _ := refreshingManager(refreshConfig(), &recordingSink{}, d, ex)
	require.NoError(t, m.Bootstrap(context.Background(), refreshConfig()))
	defer shutdown(t, m)

	d.last().drop(errors.New("connection reset"))

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, StateDisconnected, m.State())
	assert.Zero(t, ex.calls.Load())
	assert.Equal(t, 1, d.count())
}

func TestBootstrapAfterSessionEndedClosesPrevious(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(&recordingSink{}, d)
	require.NoError(t, m.Bootstrap(context.Background(), testConfig()))
	first := m.current()

	d.last().drop(errors.New("connection reset"))
	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Bootstrap(context.Background(), testConfig()))
	defer shutdown(t, m)

	assert.True(t, first.closing)
	select {
	case <-first.dispatched:
	default:
		t.Fatal("previous dispatch loop still running")
	}
	assert.NotSame(t, first, m.current())
	assert.Equal(t, "lizzarbot", m.Status().Login)
}

func TestUpdateTokenReachesLiveTransport(t *testing.T) {
	d := &fakeDialer{}
	m, _ := refreshingManager(refreshConfig(), &recordingSink{}, d, &stubExchanger{token: "next"})
	require.NoError(t, m.Bootstrap(context.Background(), refreshConfig()))
	defer shutdown(t, m)

	m.UpdateToken("rotated")
	ft := d.last()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, []string{"rotated"}, ft.tokens)
}

type stubValidator struct {
	calls   atomic.Int32
	login   string
	rejects int32
}

func (v *stubValidator) ValidateToken(ctx context.Context, tok string) (*twitchapi.TokenInfo, error) {
	if v.calls.Add(1) <= v.rejects {
		return nil, twitchapi.ErrUnauthorized
	}
	return &twitchapi.TokenInfo{Login: v.login, ExpiresIn: 600}, nil
}

func TestLoginResolvedFromToken(t *testing.T) {
	cfg := refreshConfig()
	cfg.BotUsername = ""
	ex := &stubExchanger{token: "fresh"}
	v := &stubValidator{login: "LizzarBot", rejects: 1}
	d := &fakeDialer{}
	m, store := refreshingManager(cfg, &recordingSink{}, d, ex)
	m.validator = v

	require.NoError(t, m.Bootstrap(context.Background(), cfg))
	defer shutdown(t, m)

	assert.Equal(t, "lizzarbot", d.last().username)
	assert.Equal(t, int32(2), v.calls.Load())
	assert.Equal(t, int32(1), ex.calls.Load())
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), store.Get().Expiry, 5*time.Second)
}

func TestLoginValidationFailureWithoutFallback(t *testing.T) {
	cfg := testConfig()
	cfg.BotUsername = ""
	d := &fakeDialer{}
	m := newTestManager(&recordingSink{}, d, WithValidator(&stubValidator{rejects: 10}))

	err := m.Bootstrap(context.Background(), cfg)
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, twitchapi.ErrUnauthorized)
	assert.Zero(t, d.count())
	assert.Equal(t, StateDisconnected, m.State())
}
