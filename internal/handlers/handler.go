package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/eldtechnologies/relay/internal/gateway"
	"github.com/eldtechnologies/relay/internal/presence"
	"github.com/eldtechnologies/relay/internal/rooms"
	"github.com/eldtechnologies/relay/internal/store"
	"github.com/eldtechnologies/relay/internal/typing"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	presence *presence.Registry
	rooms    *rooms.Directory
	typing   *typing.Coordinator
	gw       *gateway.Gateway
	redis    *store.RedisStore // may be nil
	started  time.Time
}

// NewHandler creates a new Handler over the relay core.
func NewHandler(reg *presence.Registry, dir *rooms.Directory, tc *typing.Coordinator, gw *gateway.Gateway, redis *store.RedisStore) *Handler {
	return &Handler{
		presence: reg,
		rooms:    dir,
		typing:   tc,
		gw:       gw,
		redis:    redis,
		started:  time.Now(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
