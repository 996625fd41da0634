package chat

import (
	"errors"

	"github.com/LizzarTV/Twitch-Bot/config"
)

var (
	// ErrMissingCredentials is returned by Bootstrap before any connection attempt.
	ErrMissingCredentials = config.ErrMissingCredentials
	// ErrConnectFailed wraps every failure to reach the connected state.
	ErrConnectFailed = errors.New("chat connect failed")
	// ErrSessionActive is returned when Bootstrap is called while a session is open.
	ErrSessionActive = errors.New("chat session already active")

	// ErrAuthFailed is reported by a Transport when the server rejects the token.
	ErrAuthFailed = errors.New("chat authentication failed")
)
