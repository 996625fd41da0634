package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/LizzarTV/Twitch-Bot/config"
	"github.com/LizzarTV/Twitch-Bot/oauth"
	"github.com/LizzarTV/Twitch-Bot/telemetry"
	"github.com/LizzarTV/Twitch-Bot/twitchapi"
)

// Sink receives normalized chat events. Implementations must honour ctx cancellation.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// TokenRefresher returns a new access token, or "" when the refresh failed.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context) string
}

// TokenValidator resolves the login behind an access token.
type TokenValidator interface {
	ValidateToken(ctx context.Context, accessToken string) (*twitchapi.TokenInfo, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTransport overrides how connections are opened. Defaults to NewIRCTransport.
func WithTransport(f TransportFactory) Option { return func(m *Manager) { m.newTransport = f } }

// WithRefresher enables the refresh-and-reconnect path on authentication failure.
func WithRefresher(r TokenRefresher) Option { return func(m *Manager) { m.refresher = r } }

// WithValidator resolves the bot login from the token when BOT_USERNAME is unset.
func WithValidator(v TokenValidator) Option { return func(m *Manager) { m.validator = v } }

// WithCredentials shares a credential store, typically the one a Refresher writes to.
func WithCredentials(s *oauth.Store) Option { return func(m *Manager) { m.store = s } }

// WithRetryBackOff sets the pause policy between refresh-and-reconnect attempts.
func WithRetryBackOff(fn func() backoff.BackOff) Option {
	return func(m *Manager) { m.retryBackOff = fn }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// Manager owns at most one chat Session at a time and forwards every event it
// receives to a Sink.
type Manager struct {
	sink         Sink
	newTransport TransportFactory
	refresher    TokenRefresher
	validator    TokenValidator
	store        *oauth.Store
	retryBackOff func() backoff.BackOff
	log          *slog.Logger

	mu      sync.Mutex
	session *Session
}

// NewManager builds a Manager delivering to sink.
func NewManager(sink Sink, opts ...Option) *Manager {
	m := &Manager{
		sink:         sink,
		newTransport: NewIRCTransport,
		retryBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(slog.String("component", "chat"))
	return m
}

// Bootstrap validates cfg, opens a session for cfg.Channels and returns once the
// transport reports connected. Missing credentials fail before any connection attempt.
func (m *Manager) Bootstrap(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: no configuration", ErrMissingCredentials)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if m.validator == nil && cfg.BotUsername == "" {
		return fmt.Errorf("%w: require BOT_USERNAME", ErrMissingCredentials)
	}

	grace := cfg.ShutdownTimeout
	if grace <= 0 {
		grace = 10 * time.Second
	}

	// a session that ended on its own still holds its dispatch loop until closed
	if prev := m.current(); prev != nil {
		if m.State() != StateDisconnected {
			return ErrSessionActive
		}
		tctx, cancel := context.WithTimeout(context.Background(), grace)
		m.close(tctx, prev)
		cancel()
	}

	m.mu.Lock()
	if m.session != nil && m.session.state != StateDisconnected {
		m.mu.Unlock()
		return ErrSessionActive
	}
	if m.store == nil {
		m.store = oauth.NewStore(oauth.Credentials{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			AccessToken:  cfg.AccessToken,
			RefreshToken: cfg.RefreshToken,
		})
	}
	s := newSession(cfg, m.log)
	m.session = s
	m.setStateLocked(s, StateConnecting)
	m.mu.Unlock()

	go s.dispatch(m.sink)

	abort := func(cause error) error {
		tctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		m.close(tctx, s)
		return fmt.Errorf("%w: %w", ErrConnectFailed, cause)
	}

	username, err := m.resolveLogin(ctx, cfg)
	if err != nil {
		close(s.ended)
		return abort(err)
	}
	m.mu.Lock()
	s.Username = username
	m.mu.Unlock()
	s.log.Info("connecting to chat",
		slog.String("login", username),
		slog.Any("channels", s.Channels),
		slog.String("auth_mode", cfg.AuthMode))

	failed := make(chan error, 1)
	go m.run(s, failed)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.connected:
		return nil
	case err := <-failed:
		return abort(err)
	case <-timer.C:
		return abort(fmt.Errorf("not connected within %s", timeout))
	case <-ctx.Done():
		return abort(ctx.Err())
	}
}

// resolveLogin picks the IRC nick. A configured BOT_USERNAME wins; otherwise the token
// is validated and its login used. In refresh mode a rejected token is refreshed once.
func (m *Manager) resolveLogin(ctx context.Context, cfg *config.Config) (string, error) {
	configured := strings.ToLower(strings.TrimSpace(cfg.BotUsername))
	if m.validator == nil {
		return configured, nil
	}
	info, err := m.validator.ValidateToken(ctx, m.store.Get().AccessToken)
	if errors.Is(err, twitchapi.ErrUnauthorized) && m.refresher != nil {
		if tok := m.refresher.RefreshAccessToken(ctx); tok != "" {
			info, err = m.validator.ValidateToken(ctx, tok)
		}
	}
	if err != nil {
		if configured != "" {
			m.log.Warn("token validation failed, using configured login", slog.Any("err", err))
			return configured, nil
		}
		return "", fmt.Errorf("validate token: %w", err)
	}
	if info.ExpiresIn > 0 {
		m.store.SetExpiry(twitchapi.ComputeExpiry(info.ExpiresIn))
	}
	if configured != "" {
		return configured, nil
	}
	return strings.ToLower(info.Login), nil
}

var errSessionClosed = errors.New("session closed")

// run keeps the session's transport connected. Each authentication failure starts
// its own refresh-and-reconnect cycle (see reauth). Any other end of the connection
// is terminal for the session.
func (m *Manager) run(s *Session, failed chan<- error) {
	defer close(s.ended)

	err := m.serve(s)
	for m.canReauth(s, err) {
		err = m.reauth(s, err)
	}
	if errors.Is(err, errSessionClosed) || s.ctx.Err() != nil {
		err = nil
	}

	if !s.isConnected() {
		if err == nil {
			err = errors.New("connection closed before ready")
		}
		failed <- err
		return
	}
	if err != nil {
		s.log.Error("chat connection lost", slog.Any("err", err))
	}

	m.mu.Lock()
	if !s.closing {
		m.setStateLocked(s, StateDisconnected)
	}
	m.mu.Unlock()
}

// serve opens a fresh transport and blocks until its connection ends.
func (m *Manager) serve(s *Session) error {
	tr, ok := m.attach(s)
	if !ok {
		return errSessionClosed
	}
	return tr.Connect()
}

func (m *Manager) canReauth(s *Session, err error) bool {
	return errors.Is(err, ErrAuthFailed) && m.refresher != nil && s.authRetryMax > 0 && s.ctx.Err() == nil
}

// reauth handles one authentication failure: refresh the token and reconnect, at most
// AUTH_RETRY_MAX times. Once a reconnect reaches OnConnect the cycle is over and the
// error that later ends that connection is returned to run as a new incident.
func (m *Manager) reauth(s *Session, cause error) error {
	refreshes := 0
	var ended error
	op := func() (struct{}, error) {
		refreshes++
		m.setState(s, StateConnecting)
		s.log.Warn("chat authentication rejected, refreshing token", slog.Int("attempt", refreshes))
		if tok := m.refresher.RefreshAccessToken(s.ctx); tok == "" {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %w", cause, oauth.ErrRefreshFailed))
		}

		before := s.connects.Load()
		err := m.serve(s)
		if s.connects.Load() != before {
			ended = err
			return struct{}{}, nil
		}
		if !errors.Is(err, ErrAuthFailed) || s.ctx.Err() != nil {
			ended = err
			return struct{}{}, nil
		}
		if refreshes >= s.authRetryMax {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w after %d refresh attempts", err, refreshes))
		}
		return struct{}{}, err
	}

	// connections live for hours inside op, so only the attempt count bounds a cycle
	_, err := backoff.Retry(s.ctx, op,
		backoff.WithBackOff(m.retryBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.log.Debug("reconnecting", slog.Duration("in", d), slog.Any("err", err))
		}),
	)
	if err != nil {
		return err
	}
	return ended
}

// attach opens a transport for s with handlers registered and channels queued for join.
func (m *Manager) attach(s *Session) (Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closing {
		return nil, false
	}
	tr := m.newTransport(s.Username, m.store.Get().AccessToken)
	m.register(s, tr)
	tr.Join(s.Channels...)
	s.transport = tr
	return tr, true
}

// RegisterHandlers binds the current session's handlers to t. Setters replace previous
// handlers, so calling it again never duplicates delivery.
func (m *Manager) RegisterHandlers(t Transport) {
	if s := m.current(); s != nil {
		m.register(s, t)
	}
}

func (m *Manager) register(s *Session, t Transport) {
	t.OnConnect(func() { m.onConnect(s) })
	t.OnJoin(func(ev JoinEvent) { s.enqueue(ev) })
	t.OnPart(func(ev PartEvent) { s.enqueue(ev) })
	t.OnMessage(func(ev MessageEvent) { s.enqueue(ev) })
	t.OnHost(func(ev HostEvent) { s.enqueue(ev) })
	t.OnHosted(func(ev HostedEvent) { s.enqueue(ev) })
}

func (m *Manager) onConnect(s *Session) {
	telemetry.IncConnects()
	s.connects.Add(1)
	m.mu.Lock()
	if !s.closing {
		m.setStateLocked(s, StateConnected)
	}
	m.mu.Unlock()

	first := false
	s.connectOnce.Do(func() {
		first = true
		close(s.connected)
	})
	if first {
		s.log.Info("connected to chat", slog.Any("channels", s.Channels))
	} else {
		s.log.Info("reconnected to chat")
	}
}

// Handle forwards ev to the sink on a tracked task and returns without waiting for it.
func (m *Manager) Handle(ev Event) {
	if s := m.current(); s != nil {
		s.handle(m.sink, ev)
	}
}

// UpdateToken pushes a refreshed access token to the live transport for its next login.
func (m *Manager) UpdateToken(accessToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.session; s != nil && s.transport != nil && !s.closing {
		s.transport.SetToken(accessToken)
	}
}

// Shutdown logs reason, closes the transport and waits for queued and in-flight
// deliveries until ctx expires. It is a no-op without an open session and safe to
// call more than once.
func (m *Manager) Shutdown(ctx context.Context, reason string) {
	s := m.current()
	if s == nil {
		return
	}
	m.log.Info("shutting down", slog.String("signal", reason))
	m.close(ctx, s)
}

func (m *Manager) close(ctx context.Context, s *Session) {
	m.mu.Lock()
	if s.closing {
		m.mu.Unlock()
		return
	}
	s.closing = true
	m.setStateLocked(s, StateClosing)
	tr := s.transport
	m.mu.Unlock()

	s.cancel()
	if tr != nil {
		if err := tr.Disconnect(); err != nil {
			s.log.Debug("transport disconnect", slog.Any("err", err))
		}
	}
	select {
	case <-s.ended:
	case <-ctx.Done():
		s.log.Warn("transport did not stop before shutdown deadline")
	}
	s.drain(ctx)

	m.mu.Lock()
	m.setStateLocked(s, StateDisconnected)
	m.mu.Unlock()
	s.log.Info("chat session closed")
}

// State reports the current session's state.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return StateDisconnected
	}
	return m.session.state
}

// Ready returns nil while the session is connected.
func (m *Manager) Ready() error {
	if st := m.State(); st != StateConnected {
		return fmt.Errorf("chat session %s", st)
	}
	return nil
}

// Status is a point-in-time summary of the current session.
type Status struct {
	State      string    `json:"state"`
	SessionID  string    `json:"session_id,omitempty"`
	Login      string    `json:"login,omitempty"`
	Channels   []string  `json:"channels,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	QueueDepth int       `json:"queue_depth"`
}

// Status reports the session summary served on the ops endpoint.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil {
		return Status{State: StateDisconnected.String()}
	}
	return Status{
		State:      s.state.String(),
		SessionID:  s.ID,
		Login:      s.Username,
		Channels:   append([]string(nil), s.Channels...),
		StartedAt:  s.StartedAt,
		QueueDepth: len(s.events),
	}
}

// Done is closed when the current session's connection loop ends, whether through
// Shutdown or a terminal transport failure. It is nil before the first Bootstrap.
func (m *Manager) Done() <-chan struct{} {
	if s := m.current(); s != nil {
		return s.ended
	}
	return nil
}

func (m *Manager) current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) setState(s *Session, st SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(s, st)
}

func (m *Manager) setStateLocked(s *Session, st SessionState) {
	if s.state == st {
		return
	}
	s.log.Debug("session state", slog.String("from", s.state.String()), slog.String("to", st.String()))
	s.state = st
	if s == m.session {
		telemetry.SetSessionState(int(st))
	}
}
