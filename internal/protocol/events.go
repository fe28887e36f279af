// Package protocol defines the wire-level event names and payload shapes
// exchanged over a relay connection. The envelope is transport-agnostic;
// the WebSocket layer is just one carrier for it.
package protocol

import (
	"encoding/json"

	"github.com/eldtechnologies/relay/internal/models"
)

// Inbound events accepted from clients.
const (
	EventRegister    = "register"
	EventMessageSend = "message:send"
	EventTyping      = "typing"
	EventRead        = "read"
	EventRoomJoin    = "room:join"
	EventRoomLeave   = "room:leave"
	EventPing        = "ping"
)

// Outbound events emitted to clients.
const (
	EventMessageNew         = "message:new"
	EventMessageSent        = "message:sent"
	EventMessageError       = "message:error"
	EventMessageHistory     = "message:history"
	EventUserTyping         = "user:typing"
	EventMessagesRead       = "messages:read"
	EventRoomJoined         = "room:joined"
	EventRoomLeft           = "room:left"
	EventNotification       = "notification"
	EventUnreadCount        = "unreadCount"
	EventSystemNotification = "systemNotification"
	EventError              = "error"
	EventPong               = "pong"
)

// Envelope frames every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Marshal builds a wire-ready envelope for the given event and payload.
func Marshal(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// RegisterPayload carries an explicit presence registration. Token is
// optional when the connection already authenticated at upgrade time.
type RegisterPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// RegisterAck answers a register event on the same connection.
type RegisterAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SendPayload is the client's message:send request. TempID is the client's
// optimistic-UI correlation id; the server never reuses it.
type SendPayload struct {
	ConversationID string         `json:"conversationId"`
	Content        string         `json:"content"`
	MessageType    string         `json:"messageType"`
	TempID         string         `json:"tempId"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SentPayload acknowledges a relayed message to the origin connection only.
type SentPayload struct {
	TempID    string `json:"tempId"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// SendErrorPayload reports a relay failure to the origin connection only.
type SendErrorPayload struct {
	TempID string `json:"tempId"`
	Reason string `json:"reason"`
}

// JoinPayload joins (and implicitly creates) a room. Kind defaults to
// conversation; MemberIDs beyond the joiner are unioned into membership.
type JoinPayload struct {
	ConversationID string            `json:"conversationId"`
	Kind           string            `json:"kind,omitempty"`
	MemberIDs      []string          `json:"memberIds,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// LeavePayload leaves a room.
type LeavePayload struct {
	ConversationID string `json:"conversationId"`
}

// HistoryPayload replays recently relayed messages to a joining
// connection, newest first.
type HistoryPayload struct {
	ConversationID string           `json:"conversationId"`
	Messages       []models.Message `json:"messages"`
}

// RoomEventPayload confirms a join or leave back to the origin connection.
type RoomEventPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// TypingPayload is the client's typing signal.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// UserTypingPayload is broadcast to a room when a member's typing state
// changes. The originating connection is excluded from delivery.
type UserTypingPayload struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadPayload is the client's read-receipt signal.
type ReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// MessagesReadPayload is broadcast to a room when a member reads messages.
// The sending connection is excluded from delivery.
type MessagesReadPayload struct {
	UserID         string   `json:"userId"`
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	Timestamp      int64    `json:"timestamp"`
}

// UnreadCountPayload pushes a user's unread counter for one room.
type UnreadCountPayload struct {
	ConversationID string `json:"conversationId"`
	Count          int64  `json:"count"`
}

// ErrorPayload is a generic, non-message-scoped error signal.
type ErrorPayload struct {
	Message string `json:"message"`
}
