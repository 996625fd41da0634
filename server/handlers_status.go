package server

import (
	"encoding/json"
	"net/http"
)

// HandleStatus returns the chat session summary: state, login, channels and queue depth.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.session.Status())
}
