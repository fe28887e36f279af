package models

import "time"

// Identity is the authenticated user attached to a connection.
// Produced once per verified token and immutable afterwards.
type Identity struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// RoomKind distinguishes the broadcast scopes the relay tracks.
type RoomKind string

const (
	KindConversation RoomKind = "conversation"
	KindCall         RoomKind = "call"
	KindChannel      RoomKind = "channel"
)

// Valid reports whether k is one of the known room kinds.
func (k RoomKind) Valid() bool {
	switch k {
	case KindConversation, KindCall, KindChannel:
		return true
	}
	return false
}

// Room is a point-in-time snapshot of a room as returned by directory
// queries. Members is a copy; mutating it has no effect on the directory.
type Room struct {
	ID        string            `json:"id"`
	Kind      RoomKind          `json:"kind"`
	Members   []string          `json:"members"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Message is a relayed chat message after server stamping.
type Message struct {
	ID        string         `json:"id"` // ULID
	TempID    string         `json:"tempId,omitempty"`
	RoomID    string         `json:"conversationId"`
	SenderID  string         `json:"senderId"`
	Content   string         `json:"content"`
	Type      string         `json:"messageType"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"ts"` // Unix ms
}

// TypingUser identifies a user currently typing in a room.
type TypingUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}
