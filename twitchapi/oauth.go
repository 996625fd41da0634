// Package twitchapi contains minimal helpers for the Twitch identity endpoints the bot
// depends on: the refresh_token grant and access token validation.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// DefaultValidateURL is the Twitch token validation endpoint.
const DefaultValidateURL = "https://id.twitch.tv/oauth2/validate"

// ErrUnauthorized is returned when Twitch rejects a token (HTTP 401).
var ErrUnauthorized = errors.New("twitch: token rejected")

// RefreshResult represents the response from a refresh_token grant.
type RefreshResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// Token converts the grant response into an oauth2.Token.
func (r *RefreshResult) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Expiry:       ComputeExpiry(r.ExpiresIn),
	}
}

// TokenInfo is the body returned by the validate endpoint.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// IdentityClient talks to id.twitch.tv. The zero value is usable.
type IdentityClient struct {
	HTTPClient  *http.Client
	TokenURL    string
	ValidateURL string
}

func (c *IdentityClient) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *IdentityClient) tokenURL() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return endpoints.Twitch.TokenURL
}

func (c *IdentityClient) validateURL() string {
	if c.ValidateURL != "" {
		return c.ValidateURL
	}
	return DefaultValidateURL
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// RefreshToken exchanges a refresh token for a new access token. The request is issued even
// when refreshToken is empty so the provider decides; a response without access_token is an error.
func (c *IdentityClient) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*RefreshResult, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("twitch refresh failed: %s: %s", resp.Status, string(b))
	}
	var res RefreshResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("twitch refresh decode: %w", err)
	}
	if res.AccessToken == "" {
		return nil, errors.New("empty access_token in twitch refresh response")
	}
	return &res, nil
}

// ValidateToken resolves the login and remaining lifetime of a user access token.
// A rejected token yields an error wrapping ErrUnauthorized.
func (c *IdentityClient) ValidateToken(ctx context.Context, accessToken string) (*TokenInfo, error) {
	accessToken = strings.TrimPrefix(accessToken, "oauth:")
	if accessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrUnauthorized)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.validateURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("twitch validate failed: %s: %s", resp.Status, string(b))
	}
	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("twitch validate decode: %w", err)
	}
	return &info, nil
}
