// Package oauth keeps the bot's Twitch credentials and implements the refresh-token
// sub-flow: on demand when the chat transport reports an authentication failure, and
// ahead of expiry from a jittered background loop.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/LizzarTV/Twitch-Bot/telemetry"
	"github.com/LizzarTV/Twitch-Bot/twitchapi"
)

// ErrRefreshFailed wraps every failed refresh-token exchange.
var ErrRefreshFailed = errors.New("token refresh failed")

// Exchanger performs the provider-specific refresh_token grant.
type Exchanger interface {
	RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*twitchapi.RefreshResult, error)
}

// Refresher trades the stored refresh token for a new access token.
// Concurrent callers share a single in-flight exchange.
type Refresher struct {
	store    *Store
	exchange Exchanger
	timeout  time.Duration
	group    singleflight.Group

	mu        sync.Mutex
	listeners []func(accessToken string)
}

// NewRefresher builds a Refresher over store using ex for the grant.
func NewRefresher(store *Store, ex Exchanger) *Refresher {
	return &Refresher{store: store, exchange: ex, timeout: 15 * time.Second}
}

// OnRefresh registers fn to be called with every newly issued access token.
func (r *Refresher) OnRefresh(fn func(accessToken string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Refresh performs the exchange and updates the store. Errors wrap ErrRefreshFailed.
func (r *Refresher) Refresh(ctx context.Context) (*oauth2.Token, error) {
	v, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		return r.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (r *Refresher) refresh(ctx context.Context) (*oauth2.Token, error) {
	creds := r.store.Get()
	if !creds.CanRefresh() {
		telemetry.ObserveRefresh(false)
		return nil, fmt.Errorf("%w: client id and secret required", ErrRefreshFailed)
	}
	ctx, span := telemetry.StartSpan(ctx, "oauth", "oauth.refresh", attribute.String("client_id", creds.ClientID))
	defer span.End()

	ctx2, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.exchange.RefreshToken(ctx2, creds.ClientID, creds.ClientSecret, creds.RefreshToken)
	if err != nil {
		telemetry.ObserveRefresh(false)
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	tok := res.Token()
	r.store.Update(tok)
	telemetry.ObserveRefresh(true)
	telemetry.SetSpanSuccess(span)

	r.mu.Lock()
	listeners := append([]func(string){}, r.listeners...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(tok.AccessToken)
	}
	return tok, nil
}

// RefreshAccessToken returns a new access token, or "" if the exchange fails for any reason.
// Failures are logged here and never surfaced to the caller.
func (r *Refresher) RefreshAccessToken(ctx context.Context) string {
	tok, err := r.Refresh(ctx)
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", "twitch"), slog.Any("err", err))
		return ""
	}
	slog.Info("token refreshed", slog.String("provider", "twitch"))
	return tok.AccessToken
}
