// Package testutil holds httptest doubles for the Twitch identity API and the Dapr sidecar.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
)

// RecordedRequest is a copy of an inbound request kept for assertions.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Form   url.Values
	Body   []byte
}

// MockTwitchServer creates a test server that mocks the id.twitch.tv endpoints.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []RecordedRequest
}

// NewMockTwitchServer creates a new mock Twitch identity server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.record(r)
		m.mu.Lock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *MockTwitchServer) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Form:   form,
		Body:   body,
	})
}

// Requests returns a snapshot of the requests received so far.
func (m *MockTwitchServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

func (m *MockTwitchServer) handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// TokenURL is the mocked refresh endpoint.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// ValidateURL is the mocked validate endpoint.
func (m *MockTwitchServer) ValidateURL() string { return m.URL + "/oauth2/validate" }

// MockOAuthTokenResponse answers the token endpoint with a successful refresh grant.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
			"scope":         []string{"chat:read"},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	})
}

// MockOAuthTokenRaw answers the token endpoint with an arbitrary status and body.
func (m *MockTwitchServer) MockOAuthTokenRaw(status int, body string) {
	m.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

// MockValidateResponse answers the validate endpoint for any token.
func (m *MockTwitchServer) MockValidateResponse(login string, expiresIn int) {
	m.handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"client_id":  "test-client",
			"login":      login,
			"user_id":    "1234",
			"scopes":     []string{"chat:read"},
			"expires_in": expiresIn,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	})
}

// MockValidateUnauthorized makes the validate endpoint reject every token.
func (m *MockTwitchServer) MockValidateUnauthorized() {
	m.handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":401,"message":"invalid access token"}`))
	})
}

// MockSidecar records invocations posted to a Dapr-style sidecar.
type MockSidecar struct {
	*httptest.Server

	mu       sync.Mutex
	status   int
	requests []RecordedRequest
}

// NewMockSidecar starts a sidecar double answering 200 until SetStatus is called.
func NewMockSidecar(t *testing.T) *MockSidecar {
	t.Helper()
	s := &MockSidecar{status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		status := s.status
		s.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(s.Close)
	return s
}

// SetStatus changes the status code returned for subsequent requests.
func (s *MockSidecar) SetStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

// BaseURL mirrors the Dapr invoke prefix.
func (s *MockSidecar) BaseURL() string { return s.URL + "/v1.0/invoke" }

// Requests returns a snapshot of the requests received so far.
func (s *MockSidecar) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// SplitHostPort splits a test server URL into host and numeric port.
func SplitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("port of %q: %v", rawURL, err)
	}
	return u.Hostname(), port
}
