package chat

import (
	"errors"
	"strings"
	"sync"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Transport is the chat connection as seen by the Manager. Connect blocks until the
// connection ends: nil after Disconnect, ErrAuthFailed when the token is rejected.
// Each On* setter replaces any previously registered handler.
type Transport interface {
	Connect() error
	Disconnect() error
	Join(channels ...string)
	SetToken(accessToken string)

	OnConnect(fn func())
	OnJoin(fn func(JoinEvent))
	OnPart(fn func(PartEvent))
	OnMessage(fn func(MessageEvent))
	OnHost(fn func(HostEvent))
	OnHosted(fn func(HostedEvent))
}

// TransportFactory opens a fresh Transport for the given login and access token.
type TransportFactory func(username, accessToken string) Transport

// ircTransport adapts go-twitch-irc. PRIVMSG carries both chat messages and the jtv
// host announcement, so it is split here into OnMessage and OnHosted; HOSTTARGET has
// no typed callback and arrives as an unset message.
type ircTransport struct {
	client *twitch.Client

	mu       sync.RWMutex
	onJoin   func(JoinEvent)
	onPart   func(PartEvent)
	onMsg    func(MessageEvent)
	onHost   func(HostEvent)
	onHosted func(HostedEvent)
}

// NewIRCTransport connects over TLS with tags, commands and membership capabilities.
func NewIRCTransport(username, accessToken string) Transport {
	return newIRCTransport(username, accessToken)
}

func newIRCTransport(username, accessToken string) *ircTransport {
	c := twitch.NewClient(username, ircToken(accessToken))
	c.Capabilities = []string{twitch.TagsCapability, twitch.CommandsCapability, twitch.MembershipCapability}
	t := &ircTransport{client: c}
	c.OnPrivateMessage(t.privmsg)
	c.OnUserJoinMessage(t.join)
	c.OnUserPartMessage(t.part)
	c.OnUnsetMessage(t.unset)
	return t
}

func ircToken(tok string) string {
	return "oauth:" + strings.TrimPrefix(tok, "oauth:")
}

func (t *ircTransport) Connect() error {
	err := t.client.Connect()
	switch {
	case errors.Is(err, twitch.ErrClientDisconnected):
		return nil
	case errors.Is(err, twitch.ErrLoginAuthenticationFailed):
		return ErrAuthFailed
	}
	return err
}

func (t *ircTransport) Disconnect() error       { return t.client.Disconnect() }
func (t *ircTransport) Join(channels ...string) { t.client.Join(channels...) }
func (t *ircTransport) SetToken(tok string)     { t.client.SetIRCToken(ircToken(tok)) }
func (t *ircTransport) OnConnect(fn func())     { t.client.OnConnect(fn) }

func (t *ircTransport) OnJoin(fn func(JoinEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onJoin = fn
}

func (t *ircTransport) OnPart(fn func(PartEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPart = fn
}

func (t *ircTransport) OnMessage(fn func(MessageEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMsg = fn
}

func (t *ircTransport) OnHost(fn func(HostEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onHost = fn
}

func (t *ircTransport) OnHosted(fn func(HostedEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onHosted = fn
}

func (t *ircTransport) join(m twitch.UserJoinMessage) {
	t.mu.RLock()
	fn := t.onJoin
	t.mu.RUnlock()
	if fn != nil {
		fn(JoinFromIRC(m))
	}
}

func (t *ircTransport) part(m twitch.UserPartMessage) {
	t.mu.RLock()
	fn := t.onPart
	t.mu.RUnlock()
	if fn != nil {
		fn(PartFromIRC(m))
	}
}

func (t *ircTransport) unset(m twitch.RawMessage) {
	t.mu.RLock()
	fn := t.onHost
	t.mu.RUnlock()
	if ev, ok := HostFromIRC(m); ok && fn != nil {
		fn(ev)
	}
}

func (t *ircTransport) privmsg(m twitch.PrivateMessage) {
	t.mu.RLock()
	onMsg, onHosted := t.onMsg, t.onHosted
	t.mu.RUnlock()
	if ev, ok := HostedFromIRC(m); ok {
		if onHosted != nil {
			onHosted(ev)
		}
		return
	}
	if onMsg != nil {
		onMsg(MessageFromIRC(m))
	}
}
