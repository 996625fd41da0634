package oauth

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Credentials identify the bot against Twitch.
type Credentials struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// CanRefresh reports whether a refresh-token exchange can be attempted.
func (c Credentials) CanRefresh() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Store holds the live credentials in memory.
type Store struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewStore normalizes the access token (the IRC "oauth:" prefix is stripped).
func NewStore(c Credentials) *Store {
	c.AccessToken = strings.TrimPrefix(c.AccessToken, "oauth:")
	return &Store{creds: c}
}

// Get returns a copy of the current credentials.
func (s *Store) Get() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Update applies a freshly issued token. An empty refresh token keeps the old one,
// since Twitch may omit it.
func (s *Store) Update(tok *oauth2.Token) {
	if tok == nil || tok.AccessToken == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.AccessToken = strings.TrimPrefix(tok.AccessToken, "oauth:")
	if tok.RefreshToken != "" {
		s.creds.RefreshToken = tok.RefreshToken
	}
	s.creds.Expiry = tok.Expiry
}

// SetExpiry records the remaining lifetime reported by token validation.
func (s *Store) SetExpiry(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.Expiry = t
}
