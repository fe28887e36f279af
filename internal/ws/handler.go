package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/auth"
	"github.com/eldtechnologies/relay/internal/gateway"
	"github.com/eldtechnologies/relay/internal/metrics"
	"github.com/eldtechnologies/relay/internal/models"
	"github.com/eldtechnologies/relay/internal/presence"
	"github.com/eldtechnologies/relay/internal/protocol"
	"github.com/eldtechnologies/relay/internal/relay"
	"github.com/eldtechnologies/relay/internal/rooms"
	"github.com/eldtechnologies/relay/internal/typing"
)

// Options tunes the transport layer.
type Options struct {
	AllowAnonymous bool     // permit connect without a token; register must authenticate later
	AllowedOrigins []string // "*" allows any; empty allows same-host only
	SendBuffer     int      // per-connection outbound queue depth
	HistoryLimit   int      // messages replayed on room join
}

// History reads back what the persistence collaborator stored, so a
// reconnecting client can rebuild local state. May be nil.
type History interface {
	RecentMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error)
	UnreadCount(ctx context.Context, userID, roomID string) (int64, error)
}

// Handler upgrades HTTP requests to relay connections and dispatches
// inbound envelope events to the core.
type Handler struct {
	verifier *auth.Verifier
	presence *presence.Registry
	rooms    *rooms.Directory
	typing   *typing.Coordinator
	relay    *relay.Relay
	gw       *gateway.Gateway
	history  History // may be nil

	opts     Options
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler wires the transport to the core components. history may be nil.
func NewHandler(verifier *auth.Verifier, reg *presence.Registry, dir *rooms.Directory, tc *typing.Coordinator, rl *relay.Relay, gw *gateway.Gateway, history History, opts Options, log zerolog.Logger) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	h := &Handler{
		verifier: verifier,
		presence: reg,
		rooms:    dir,
		typing:   tc,
		relay:    rl,
		gw:       gw,
		history:  history,
		opts:     opts,
		log:      log.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

// ServeHTTP handles a connection: authenticate (unless anonymous connect
// is allowed), upgrade, register with the gateway, then pump events until
// the peer goes away. The deferred cascade cleans up presence, typing,
// and call rooms.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity models.Identity
	authed := false

	if token := auth.TokenFromRequest(r); token != "" {
		id, err := h.verifier.Verify(token)
		if err != nil {
			metrics.AuthFailures.Inc()
			h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("connection auth rejected")
			http.Error(w, `{"error":"authentication failed"}`, http.StatusUnauthorized)
			return
		}
		identity = id
		authed = true
	} else if !h.opts.AllowAnonymous {
		metrics.AuthFailures.Inc()
		http.Error(w, `{"error":"authentication failed"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	connID := uuid.Must(uuid.NewV7()).String()
	client := newClient(connID, conn, h.opts.SendBuffer, h.log)

	h.gw.Register(client)
	if authed {
		h.gw.Bind(connID, identity)
		h.presence.Register(connID, identity.ID)
	}

	h.log.Info().
		Str("conn_id", connID).
		Str("user_id", identity.ID).
		Bool("authenticated", authed).
		Msg("connection established")

	go client.writePump()
	h.readLoop(client)
}

func (h *Handler) readLoop(client *Client) {
	defer h.disconnect(client)

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				client.log.Warn().Err(err).Msg("read failed")
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.gw.EmitToConnection(client.id, protocol.EventError, protocol.ErrorPayload{Message: "malformed envelope"})
			continue
		}
		metrics.EventsTotal.WithLabelValues(env.Event).Inc()

		switch env.Event {
		case protocol.EventRegister:
			h.handleRegister(client, env.Data)
		case protocol.EventMessageSend:
			h.handleSend(client, env.Data)
		case protocol.EventTyping:
			h.handleTyping(client, env.Data)
		case protocol.EventRead:
			h.handleRead(client, env.Data)
		case protocol.EventRoomJoin:
			h.handleJoin(client, env.Data)
		case protocol.EventRoomLeave:
			h.handleLeave(client, env.Data)
		case protocol.EventPing:
			h.gw.EmitToConnection(client.id, protocol.EventPong, nil)
		default:
			client.log.Debug().Str("event", env.Event).Msg("unknown event")
		}
	}
}

// identityFor returns the connection's bound identity. A false return has
// already rejected the operation on the wire.
func (h *Handler) identityFor(client *Client, event string) (models.Identity, bool) {
	identity, ok := h.gw.Identity(client.id)
	if !ok {
		h.gw.EmitToConnection(client.id, protocol.EventError, protocol.ErrorPayload{Message: "authentication required"})
		client.log.Warn().Str("event", event).Msg("unauthenticated operation rejected")
	}
	return identity, ok
}

// handleRegister performs explicit presence registration. Privileged:
// authentication is re-checked here so deployments that allow anonymous
// connect can upgrade the connection afterwards.
func (h *Handler) handleRegister(client *Client, data json.RawMessage) {
	var p protocol.RegisterPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.gw.EmitToConnection(client.id, protocol.EventRegister, protocol.RegisterAck{Success: false, Message: "malformed payload"})
		return
	}

	prev, wasBound := h.gw.Identity(client.id)
	identity, bound := prev, wasBound
	if p.Token != "" {
		id, err := h.verifier.Verify(p.Token)
		if err != nil {
			metrics.AuthFailures.Inc()
			client.log.Warn().Err(err).Msg("register auth rejected")
			h.gw.EmitToConnection(client.id, protocol.EventRegister, protocol.RegisterAck{Success: false, Message: "authentication failed"})
			return
		}
		identity = id
		bound = true
	}
	if !bound {
		h.gw.EmitToConnection(client.id, protocol.EventRegister, protocol.RegisterAck{Success: false, Message: "authentication required"})
		return
	}
	if p.UserID != "" && p.UserID != identity.ID {
		h.gw.EmitToConnection(client.id, protocol.EventRegister, protocol.RegisterAck{Success: false, Message: "user mismatch"})
		return
	}

	// Rebinding to a different user releases the old identity first, or
	// the connection id would linger in the old user's presence set.
	if wasBound && prev.ID != identity.ID {
		h.typing.ClearConnection(client.id)
		h.presence.Unregister(client.id, prev.ID)
		client.log.Info().
			Str("old_user_id", prev.ID).
			Str("user_id", identity.ID).
			Msg("connection rebound to new identity")
	}

	h.gw.Bind(client.id, identity)
	h.presence.Register(client.id, identity.ID)
	h.gw.EmitToConnection(client.id, protocol.EventRegister, protocol.RegisterAck{Success: true, Message: "registered"})

	h.syncUnread(client, identity.ID)
}

// syncUnread pushes the user's unread counters for every room they belong
// to, so a reconnecting client can restore its badges.
func (h *Handler) syncUnread(client *Client, userID string) {
	if h.history == nil {
		return
	}
	for _, room := range h.rooms.RoomsOf(userID) {
		count, err := h.history.UnreadCount(client.Context(), userID, room.ID)
		if err != nil {
			client.log.Warn().Err(err).Str("room_id", room.ID).Msg("unread lookup failed")
			continue
		}
		if count == 0 {
			continue
		}
		h.gw.EmitToConnection(client.id, protocol.EventUnreadCount, protocol.UnreadCountPayload{
			ConversationID: room.ID,
			Count:          count,
		})
	}
}

func (h *Handler) handleSend(client *Client, data json.RawMessage) {
	var p protocol.SendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.gw.EmitToConnection(client.id, protocol.EventMessageError, protocol.SendErrorPayload{Reason: "malformed payload"})
		return
	}
	identity, ok := h.gw.Identity(client.id)
	if !ok {
		h.gw.EmitToConnection(client.id, protocol.EventMessageError, protocol.SendErrorPayload{TempID: p.TempID, Reason: "unauthenticated"})
		return
	}
	h.relay.Send(client.Context(), client.id, identity, p)
}

func (h *Handler) handleTyping(client *Client, data json.RawMessage) {
	var p protocol.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		return
	}
	identity, ok := h.identityFor(client, protocol.EventTyping)
	if !ok {
		return
	}
	username := identity.Username
	if username == "" {
		username = identity.ID
	}
	if p.IsTyping {
		h.typing.SetTyping(identity.ID, username, p.ConversationID, client.id)
	} else {
		h.typing.ClearTyping(identity.ID, username, p.ConversationID, client.id)
	}
}

func (h *Handler) handleRead(client *Client, data json.RawMessage) {
	var p protocol.ReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	identity, ok := h.identityFor(client, protocol.EventRead)
	if !ok {
		return
	}
	h.relay.ReadReceipt(client.Context(), client.id, identity, p)
}

func (h *Handler) handleJoin(client *Client, data json.RawMessage) {
	var p protocol.JoinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		return
	}
	identity, ok := h.identityFor(client, protocol.EventRoomJoin)
	if !ok {
		return
	}

	members := append([]string{identity.ID}, p.MemberIDs...)
	h.rooms.Create(p.ConversationID, members, models.RoomKind(p.Kind), p.Metadata)
	h.gw.EmitToConnection(client.id, protocol.EventRoomJoined, protocol.RoomEventPayload{
		ConversationID: p.ConversationID,
		UserID:         identity.ID,
	})

	h.replayHistory(client, p.ConversationID)
}

// replayHistory sends the room's recent messages to the joining connection.
func (h *Handler) replayHistory(client *Client, roomID string) {
	if h.history == nil {
		return
	}
	messages, err := h.history.RecentMessages(client.Context(), roomID, h.opts.HistoryLimit)
	if err != nil {
		client.log.Warn().Err(err).Str("room_id", roomID).Msg("history lookup failed")
		return
	}
	if len(messages) == 0 {
		return
	}
	h.gw.EmitToConnection(client.id, protocol.EventMessageHistory, protocol.HistoryPayload{
		ConversationID: roomID,
		Messages:       messages,
	})
}

func (h *Handler) handleLeave(client *Client, data json.RawMessage) {
	var p protocol.LeavePayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		return
	}
	identity, ok := h.identityFor(client, protocol.EventRoomLeave)
	if !ok {
		return
	}

	h.typing.ClearTyping(identity.ID, identity.Username, p.ConversationID, client.id)
	h.rooms.RemoveMember(p.ConversationID, identity.ID)
	h.gw.EmitToConnection(client.id, protocol.EventRoomLeft, protocol.RoomEventPayload{
		ConversationID: p.ConversationID,
		UserID:         identity.ID,
	})
}

// disconnect is the cascading cleanup for a dying connection: typing
// state it originated, presence, call-room teardown, then the gateway
// table entry. Room membership survives; membership is not liveness.
func (h *Handler) disconnect(client *Client) {
	identity, bound := h.gw.Identity(client.id)

	h.typing.ClearConnection(client.id)

	if bound {
		h.presence.Unregister(client.id, identity.ID)

		// A call room with no live participants is torn down immediately,
		// unlike conversations and channels which keep membership across
		// disconnects.
		if !h.presence.IsOnline(identity.ID) {
			for _, room := range h.rooms.RoomsOf(identity.ID) {
				if room.Kind == models.KindCall && !h.anyOnline(room.Members) {
					h.rooms.Delete(room.ID)
				}
			}
		}
	}

	h.gw.Unregister(client.id)
	client.Close()

	h.log.Info().
		Str("conn_id", client.id).
		Str("user_id", identity.ID).
		Msg("connection closed")
}

func (h *Handler) anyOnline(userIDs []string) bool {
	for _, id := range userIDs {
		if h.presence.IsOnline(id) {
			return true
		}
	}
	return false
}

// originChecker builds the upgrader's origin policy: no header always
// passes (non-browser clients), "*" passes everything, otherwise the
// origin host must match the request host or the whitelist.
func originChecker(allowed []string) func(*http.Request) bool {
	allowAll := false
	hosts := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts[strings.ToLower(u.Host)] = true
		} else {
			hosts[strings.ToLower(o)] = true
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowAll {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(u.Host)
		return host == strings.ToLower(r.Host) || hosts[host]
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}
