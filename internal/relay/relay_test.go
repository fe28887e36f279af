package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/errs"
	"github.com/eldtechnologies/relay/internal/gateway"
	"github.com/eldtechnologies/relay/internal/models"
	"github.com/eldtechnologies/relay/internal/presence"
	"github.com/eldtechnologies/relay/internal/protocol"
	"github.com/eldtechnologies/relay/internal/rooms"
	"github.com/eldtechnologies/relay/internal/typing"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent [][]byte
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return true
}

func (c *fakeConn) Close() {}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// envelopes decodes everything the connection received so far.
func (c *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.sent))
	for _, raw := range c.sent {
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("bad envelope %q: %v", raw, err)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) eventNames(t *testing.T) []string {
	t.Helper()
	envs := c.envelopes(t)
	names := make([]string, len(envs))
	for i, env := range envs {
		names[i] = env.Event
	}
	return names
}

func (c *fakeConn) find(t *testing.T, event string) (protocol.Envelope, bool) {
	t.Helper()
	for _, env := range c.envelopes(t) {
		if env.Event == event {
			return env, true
		}
	}
	return protocol.Envelope{}, false
}

type fakeSink struct {
	mu     sync.Mutex
	stored chan *models.Message
	unread map[string]int64
	resets []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		stored: make(chan *models.Message, 8),
		unread: make(map[string]int64),
	}
}

func (s *fakeSink) StoreMessage(_ context.Context, msg *models.Message) error {
	s.stored <- msg
	return nil
}

func (s *fakeSink) IncrementUnread(_ context.Context, userID, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[userID+"|"+roomID]++
	return s.unread[userID+"|"+roomID], nil
}

func (s *fakeSink) ResetUnread(_ context.Context, userID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, userID+"|"+roomID)
	return nil
}

// fixture wires a real directory, registry, coordinator, and gateway around
// fake connections, the way the server assembles them.
type fixture struct {
	dir   *rooms.Directory
	reg   *presence.Registry
	tc    *typing.Coordinator
	gw    *gateway.Gateway
	relay *Relay

	typingMu     sync.Mutex
	typingEvents []typing.Event
}

func newFixture(t *testing.T, sink Sink) *fixture {
	t.Helper()
	f := &fixture{
		dir: rooms.NewDirectory(),
		reg: presence.NewRegistry(nil),
	}
	f.tc = typing.NewCoordinator(time.Minute, func(ev typing.Event) {
		f.typingMu.Lock()
		f.typingEvents = append(f.typingEvents, ev)
		f.typingMu.Unlock()
	})
	t.Cleanup(f.tc.Close)
	f.gw = gateway.New(f.reg, f.dir, zerolog.Nop())
	f.relay = New(f.dir, f.tc, f.gw, sink, zerolog.Nop())
	return f
}

func (f *fixture) connect(connID, userID string) *fakeConn {
	conn := &fakeConn{id: connID}
	f.gw.Register(conn)
	f.gw.Bind(connID, models.Identity{ID: userID, Username: userID})
	f.reg.Register(connID, userID)
	return conn
}

func TestSendFansOut(t *testing.T) {
	f := newFixture(t, nil)
	a1 := f.connect("a1", "alice")
	b1 := f.connect("b1", "bob")
	f.dir.Create("r1", []string{"alice", "bob"}, models.KindConversation, nil)

	msg, err := f.relay.Send(context.Background(), "a1", models.Identity{ID: "alice", Username: "alice"}, protocol.SendPayload{
		ConversationID: "r1",
		Content:        "hey",
		TempID:         "tmp-1",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg.ID == "" || msg.Timestamp == 0 {
		t.Errorf("message not stamped: %+v", msg)
	}
	if msg.Type != "text" {
		t.Errorf("msg.Type = %q, want default text", msg.Type)
	}

	// Origin gets the room broadcast plus its exclusive ack.
	if got := a1.eventNames(t); len(got) != 2 || got[0] != protocol.EventMessageNew || got[1] != protocol.EventMessageSent {
		t.Errorf("origin events = %v, want [message:new message:sent]", got)
	}
	if got := b1.eventNames(t); len(got) != 1 || got[0] != protocol.EventMessageNew {
		t.Errorf("peer events = %v, want [message:new]", got)
	}

	env, ok := a1.find(t, protocol.EventMessageSent)
	if !ok {
		t.Fatal("origin never received message:sent")
	}
	var ack protocol.SentPayload
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("bad ack payload: %v", err)
	}
	if ack.TempID != "tmp-1" || ack.MessageID != msg.ID {
		t.Errorf("ack = %+v, want tempId tmp-1 and messageId %s", ack, msg.ID)
	}
}

func TestSendUnknownRoom(t *testing.T) {
	f := newFixture(t, nil)
	a1 := f.connect("a1", "alice")

	_, err := f.relay.Send(context.Background(), "a1", models.Identity{ID: "alice"}, protocol.SendPayload{
		ConversationID: "nope",
		Content:        "hey",
		TempID:         "tmp-2",
	})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Send() error = %v, want ErrNotFound", err)
	}

	env, ok := a1.find(t, protocol.EventMessageError)
	if !ok {
		t.Fatal("origin never received message:error")
	}
	var p protocol.SendErrorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if p.TempID != "tmp-2" || p.Reason != "not found" {
		t.Errorf("error payload = %+v", p)
	}
}

func TestSendNotMember(t *testing.T) {
	f := newFixture(t, nil)
	a1 := f.connect("a1", "alice")
	f.dir.Create("r1", []string{"bob"}, models.KindConversation, nil)

	_, err := f.relay.Send(context.Background(), "a1", models.Identity{ID: "alice"}, protocol.SendPayload{
		ConversationID: "r1",
		Content:        "hey",
		TempID:         "tmp-3",
	})
	if !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("Send() error = %v, want ErrForbidden", err)
	}
	if env, ok := a1.find(t, protocol.EventMessageError); ok {
		var p protocol.SendErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			t.Fatalf("bad error payload: %v", err)
		}
		if p.Reason != "forbidden" {
			t.Errorf("reason = %q, want forbidden", p.Reason)
		}
	} else {
		t.Fatal("origin never received message:error")
	}
}

func TestSendMissingFields(t *testing.T) {
	f := newFixture(t, nil)
	f.connect("a1", "alice")

	_, err := f.relay.Send(context.Background(), "a1", models.Identity{ID: "alice"}, protocol.SendPayload{
		ConversationID: "r1",
	})
	if err == nil {
		t.Fatal("Send() with empty content succeeded")
	}
}

func TestSendHandsOffToSinkAndBumpsUnread(t *testing.T) {
	sink := newFakeSink()
	f := newFixture(t, sink)
	a1 := f.connect("a1", "alice")
	b1 := f.connect("b1", "bob")
	f.dir.Create("r1", []string{"alice", "bob"}, models.KindConversation, nil)

	msg, err := f.relay.Send(context.Background(), "a1", models.Identity{ID: "alice", Username: "alice"}, protocol.SendPayload{
		ConversationID: "r1",
		Content:        "hey",
		TempID:         "tmp-4",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case stored := <-sink.stored:
		if stored.ID != msg.ID {
			t.Errorf("sink stored %s, want %s", stored.ID, msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("sink never received the message")
	}

	env, ok := b1.find(t, protocol.EventUnreadCount)
	if !ok {
		t.Fatal("recipient never received unreadCount")
	}
	var p protocol.UnreadCountPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("bad unread payload: %v", err)
	}
	if p.ConversationID != "r1" || p.Count != 1 {
		t.Errorf("unread payload = %+v, want r1 count 1", p)
	}
	if _, ok := b1.find(t, protocol.EventNotification); !ok {
		t.Error("recipient never received notification")
	}

	// The sender's own counter is untouched.
	if _, ok := a1.find(t, protocol.EventUnreadCount); ok {
		t.Error("sender received unreadCount for its own message")
	}
}

func TestSendClearsTyping(t *testing.T) {
	f := newFixture(t, nil)
	f.connect("a1", "alice")
	f.connect("b1", "bob")
	f.dir.Create("r1", []string{"alice", "bob"}, models.KindConversation, nil)

	f.tc.SetTyping("alice", "alice", "r1", "a1")

	if _, err := f.relay.Send(context.Background(), "a1", models.Identity{ID: "alice", Username: "alice"}, protocol.SendPayload{
		ConversationID: "r1",
		Content:        "hey",
	}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	f.typingMu.Lock()
	defer f.typingMu.Unlock()
	var sawStop bool
	for _, ev := range f.typingEvents {
		if ev.UserID == "alice" && ev.RoomID == "r1" && !ev.Typing {
			sawStop = true
		}
	}
	if !sawStop {
		t.Error("sending a message did not clear the typing state")
	}
}

func TestReadReceipt(t *testing.T) {
	sink := newFakeSink()
	f := newFixture(t, sink)
	a1 := f.connect("a1", "alice")
	a2 := f.connect("a2", "alice")
	b1 := f.connect("b1", "bob")
	f.dir.Create("r1", []string{"alice", "bob"}, models.KindConversation, nil)

	f.relay.ReadReceipt(context.Background(), "a1", models.Identity{ID: "alice"}, protocol.ReadPayload{
		ConversationID: "r1",
		MessageIDs:     []string{"m1", "m2"},
	})

	// Everyone but the origin connection hears about it, the reader's
	// other device included.
	if _, ok := a1.find(t, protocol.EventMessagesRead); ok {
		t.Error("origin connection received its own read receipt")
	}
	for _, conn := range []*fakeConn{a2, b1} {
		env, ok := conn.find(t, protocol.EventMessagesRead)
		if !ok {
			t.Fatalf("conn %s never received messages:read", conn.id)
		}
		var p protocol.MessagesReadPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			t.Fatalf("bad read payload: %v", err)
		}
		if p.UserID != "alice" || len(p.MessageIDs) != 2 {
			t.Errorf("read payload = %+v", p)
		}
	}

	sink.mu.Lock()
	resets := append([]string(nil), sink.resets...)
	sink.mu.Unlock()
	if len(resets) != 1 || resets[0] != "alice|r1" {
		t.Errorf("sink resets = %v, want [alice|r1]", resets)
	}
}

func TestReadReceiptUnknownRoom(t *testing.T) {
	f := newFixture(t, nil)
	b1 := f.connect("b1", "bob")

	f.relay.ReadReceipt(context.Background(), "a1", models.Identity{ID: "alice"}, protocol.ReadPayload{
		ConversationID: "gone",
		MessageIDs:     []string{"m1"},
	})

	if n := b1.count(); n != 0 {
		t.Errorf("receipt for unknown room reached %d connections", n)
	}
}

func TestSystemNotification(t *testing.T) {
	f := newFixture(t, nil)
	a1 := f.connect("a1", "alice")
	b1 := f.connect("b1", "bob")

	f.relay.SystemNotification(map[string]string{"text": "maintenance at midnight"})

	for _, conn := range []*fakeConn{a1, b1} {
		if _, ok := conn.find(t, protocol.EventSystemNotification); !ok {
			t.Errorf("conn %s never received systemNotification", conn.id)
		}
	}
}
