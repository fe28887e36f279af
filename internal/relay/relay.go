// Package relay accepts inbound message and read-receipt events, stamps
// them with server-assigned ids and timestamps, fans them out to the room,
// and acknowledges the origin connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/errs"
	"github.com/eldtechnologies/relay/internal/gateway"
	"github.com/eldtechnologies/relay/internal/metrics"
	"github.com/eldtechnologies/relay/internal/models"
	"github.com/eldtechnologies/relay/internal/protocol"
	"github.com/eldtechnologies/relay/internal/rooms"
	"github.com/eldtechnologies/relay/internal/typing"
)

// Sink receives relayed messages and unread-counter updates. Persistence
// failures are the collaborator's problem: the relay logs and moves on.
type Sink interface {
	StoreMessage(ctx context.Context, msg *models.Message) error
	IncrementUnread(ctx context.Context, userID, roomID string) (int64, error)
	ResetUnread(ctx context.Context, userID, roomID string) error
}

// Relay coordinates message fan-out across the directory and gateway.
type Relay struct {
	rooms  *rooms.Directory
	typing *typing.Coordinator
	gw     *gateway.Gateway
	sink   Sink // may be nil; the relay runs fully in-memory without it
	log    zerolog.Logger
}

// New creates a message relay. sink may be nil.
func New(dir *rooms.Directory, tc *typing.Coordinator, gw *gateway.Gateway, sink Sink, log zerolog.Logger) *Relay {
	return &Relay{
		rooms:  dir,
		typing: tc,
		gw:     gw,
		sink:   sink,
		log:    log.With().Str("component", "relay").Logger(),
	}
}

// Send validates, stamps, and fans out one message. The whole room,
// including the sender's other devices, receives message:new. The origin
// connection alone receives message:sent, or message:error carrying the
// client's tempId if anything goes wrong; exactly one of the two always
// reaches the origin.
func (r *Relay) Send(ctx context.Context, connID string, sender models.Identity, p protocol.SendPayload) (msg *models.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errs.ErrInternal, rec)
		}
		if err != nil {
			r.log.Error().Err(err).
				Str("user_id", sender.ID).
				Str("room_id", p.ConversationID).
				Str("temp_id", p.TempID).
				Msg("message relay failed")
			r.gw.EmitToConnection(connID, protocol.EventMessageError, protocol.SendErrorPayload{
				TempID: p.TempID,
				Reason: reasonFor(err),
			})
		}
	}()

	if p.ConversationID == "" || p.Content == "" {
		return nil, fmt.Errorf("%w: conversationId and content are required", errs.ErrInternal)
	}

	if _, ok := r.rooms.Get(p.ConversationID); !ok {
		return nil, fmt.Errorf("%w: room %s", errs.ErrNotFound, p.ConversationID)
	}
	if !r.rooms.IsMember(p.ConversationID, sender.ID) {
		return nil, fmt.Errorf("%w: %s is not a member of %s", errs.ErrForbidden, sender.ID, p.ConversationID)
	}

	// Sending implies no longer typing
	r.typing.ClearTyping(sender.ID, sender.Username, p.ConversationID, connID)

	msgType := p.MessageType
	if msgType == "" {
		msgType = "text"
	}
	msg = &models.Message{
		ID:        ulid.Make().String(),
		TempID:    p.TempID,
		RoomID:    p.ConversationID,
		SenderID:  sender.ID,
		Content:   p.Content,
		Type:      msgType,
		Metadata:  p.Metadata,
		Timestamp: time.Now().UnixMilli(),
	}

	// Hand off to the persistence collaborator, fire-and-forget
	if r.sink != nil {
		sinkCtx := context.WithoutCancel(ctx)
		go func() {
			if err := r.sink.StoreMessage(sinkCtx, msg); err != nil {
				r.log.Warn().Err(err).Str("message_id", msg.ID).Msg("message sink rejected store")
			}
		}()
	}

	r.gw.EmitToRoom(msg.RoomID, protocol.EventMessageNew, msg, "")
	r.gw.EmitToConnection(connID, protocol.EventMessageSent, protocol.SentPayload{
		TempID:    msg.TempID,
		MessageID: msg.ID,
		Timestamp: msg.Timestamp,
	})

	r.bumpUnread(ctx, msg)

	metrics.MessagesRelayed.Inc()
	return msg, nil
}

// bumpUnread advances unread counters for every member but the sender and
// pushes notification and unreadCount events to their live connections.
func (r *Relay) bumpUnread(ctx context.Context, msg *models.Message) {
	if r.sink == nil {
		return
	}
	for _, memberID := range r.rooms.MembersOf(msg.RoomID) {
		if memberID == msg.SenderID {
			continue
		}
		count, err := r.sink.IncrementUnread(ctx, memberID, msg.RoomID)
		if err != nil {
			r.log.Warn().Err(err).Str("user_id", memberID).Str("room_id", msg.RoomID).Msg("unread increment failed")
			continue
		}
		r.gw.EmitToUser(memberID, protocol.EventUnreadCount, protocol.UnreadCountPayload{
			ConversationID: msg.RoomID,
			Count:          count,
		})
		r.gw.EmitToUser(memberID, protocol.EventNotification, map[string]any{
			"type":           "message",
			"conversationId": msg.RoomID,
			"messageId":      msg.ID,
			"senderId":       msg.SenderID,
		})
	}
}

// ReadReceipt broadcasts messages:read to every other connection in the
// room; a client does not need its own receipt echoed back. Unknown rooms
// are a soft no-op since receipts routinely race room teardown.
func (r *Relay) ReadReceipt(ctx context.Context, connID string, sender models.Identity, p protocol.ReadPayload) {
	if p.ConversationID == "" || len(p.MessageIDs) == 0 {
		return
	}
	if _, ok := r.rooms.Get(p.ConversationID); !ok {
		return
	}

	if r.sink != nil {
		if err := r.sink.ResetUnread(ctx, sender.ID, p.ConversationID); err != nil {
			r.log.Warn().Err(err).Str("user_id", sender.ID).Str("room_id", p.ConversationID).Msg("unread reset failed")
		}
	}

	r.gw.EmitToRoom(p.ConversationID, protocol.EventMessagesRead, protocol.MessagesReadPayload{
		UserID:         sender.ID,
		ConversationID: p.ConversationID,
		MessageIDs:     p.MessageIDs,
		Timestamp:      time.Now().UnixMilli(),
	}, connID)
}

// SystemNotification broadcasts an announcement to every connection.
func (r *Relay) SystemNotification(data any) {
	r.gw.EmitToAll(protocol.EventSystemNotification, data)
}

// reasonFor maps the error taxonomy to the client-visible reason string.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, errs.ErrForbidden):
		return "forbidden"
	case errors.Is(err, errs.ErrNotFound):
		return "not found"
	case errors.Is(err, errs.ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "internal failure"
	}
}
