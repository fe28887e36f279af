package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/relay/internal/models"
)

// StatsResponse reports live relay counters.
type StatsResponse struct {
	Connections int    `json:"connections"`
	OnlineUsers int    `json:"online_users"`
	Rooms       int    `json:"rooms"`
	Uptime      string `json:"uptime"`
}

// Stats handles the relay statistics endpoint.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, StatsResponse{
		Connections: h.gw.Count(),
		OnlineUsers: h.presence.OnlineCount(),
		Rooms:       h.rooms.Count(),
		Uptime:      time.Since(h.started).Round(time.Second).String(),
	})
}

// PresenceResponse lists users currently online.
type PresenceResponse struct {
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

// Presence handles the online-users snapshot endpoint.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	ids := h.presence.OnlineUserIDs()
	if ids == nil {
		ids = []string{}
	}
	h.JSON(w, http.StatusOK, PresenceResponse{Count: len(ids), UserIDs: ids})
}

// UserPresenceResponse reports one user's connectivity.
type UserPresenceResponse struct {
	UserID      string `json:"user_id"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
}

// UserPresence handles a single-user presence lookup.
func (h *Handler) UserPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		h.Error(w, http.StatusBadRequest, "user id is required")
		return
	}
	h.JSON(w, http.StatusOK, UserPresenceResponse{
		UserID:      userID,
		Online:      h.presence.IsOnline(userID),
		Connections: h.presence.ConnectionCount(userID),
	})
}

// RoomTypingResponse lists users typing in a room.
type RoomTypingResponse struct {
	ConversationID string              `json:"conversationId"`
	Typing         []models.TypingUser `json:"typing"`
}

// RoomTyping handles the typing snapshot endpoint for a room.
func (h *Handler) RoomTyping(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if roomID == "" {
		h.Error(w, http.StatusBadRequest, "room id is required")
		return
	}

	users := h.typing.ListTyping(roomID)
	if users == nil {
		users = []models.TypingUser{}
	}
	h.JSON(w, http.StatusOK, RoomTypingResponse{ConversationID: roomID, Typing: users})
}
