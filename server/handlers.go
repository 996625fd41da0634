package server

import "github.com/LizzarTV/Twitch-Bot/chat"

// SessionInfo is the view of the chat session the ops endpoints need.
type SessionInfo interface {
	Ready() error
	Status() chat.Status
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	session SessionInfo
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(session SessionInfo) *Handlers {
	return &Handlers{session: session}
}
