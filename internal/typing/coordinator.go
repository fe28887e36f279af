// Package typing tracks ephemeral per-user-per-room typing state with
// timeout-based expiry. Absence of an entry means "not typing"; entries
// are removed, never flagged off.
package typing

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/eldtechnologies/relay/internal/metrics"
	"github.com/eldtechnologies/relay/internal/models"
)

const shardCount = 32

// Event describes a typing transition to broadcast. OriginConn is the
// connection that caused the transition and is excluded from delivery;
// it is empty for transitions not tied to a live connection.
type Event struct {
	UserID     string
	Username   string
	RoomID     string
	OriginConn string
	Typing     bool
}

type entry struct {
	userID     string
	username   string
	roomID     string
	originConn string
	gen        uint64 // bumped on every reset so stale timer fires are no-ops
	timer      *time.Timer
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Coordinator owns the typing state machine for every (user, room) pair.
type Coordinator struct {
	ttl    time.Duration
	shards [shardCount]shard
	notify func(Event)
}

// NewCoordinator creates a coordinator that arms expiry timers of ttl and
// reports transitions through notify. notify must not block; it runs on
// caller goroutines and on timer goroutines.
func NewCoordinator(ttl time.Duration, notify func(Event)) *Coordinator {
	c := &Coordinator{ttl: ttl, notify: notify}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*entry)
	}
	return c
}

func key(userID, roomID string) string {
	return userID + "\x00" + roomID
}

func (c *Coordinator) shardFor(k string) *shard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return &c.shards[h.Sum32()%shardCount]
}

// SetTyping transitions (userID, roomID) to typing. The first signal in a
// burst broadcasts a started event; repeats only reset the expiry timer,
// so a burst of keystrokes costs exactly one broadcast.
func (c *Coordinator) SetTyping(userID, username, roomID, originConn string) {
	k := key(userID, roomID)
	s := c.shardFor(k)

	s.mu.Lock()
	e, exists := s.entries[k]
	if exists {
		// Debounce: replace the timer, do not re-broadcast
		e.gen++
		gen := e.gen
		e.timer.Stop()
		e.timer = time.AfterFunc(c.ttl, func() { c.expire(k, gen) })
		e.username = username
		e.originConn = originConn
		s.mu.Unlock()
		return
	}

	e = &entry{
		userID:     userID,
		username:   username,
		roomID:     roomID,
		originConn: originConn,
	}
	gen := e.gen
	e.timer = time.AfterFunc(c.ttl, func() { c.expire(k, gen) })
	s.entries[k] = e
	s.mu.Unlock()

	metrics.TypingEvents.WithLabelValues("started").Inc()
	c.notify(Event{UserID: userID, Username: username, RoomID: roomID, OriginConn: originConn, Typing: true})
}

// expire is the timer callback. The generation check discards fires that
// lost the race against a newer signal or an explicit clear.
func (c *Coordinator) expire(k string, gen uint64) {
	s := c.shardFor(k)

	s.mu.Lock()
	e, exists := s.entries[k]
	if !exists || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.entries, k)
	ev := Event{UserID: e.userID, Username: e.username, RoomID: e.roomID, OriginConn: e.originConn}
	s.mu.Unlock()

	metrics.TypingEvents.WithLabelValues("stopped").Inc()
	c.notify(ev)
}

// ClearTyping transitions to idle regardless of current state and cancels
// any armed timer. The stopped broadcast goes out even when already idle;
// a redundant stop is harmless, a suppressed one risks a stuck indicator.
func (c *Coordinator) ClearTyping(userID, username, roomID, originConn string) {
	k := key(userID, roomID)
	s := c.shardFor(k)

	s.mu.Lock()
	if e, exists := s.entries[k]; exists {
		e.timer.Stop()
		delete(s.entries, k)
		if originConn == "" {
			originConn = e.originConn
		}
		if username == "" {
			username = e.username
		}
	}
	s.mu.Unlock()

	metrics.TypingEvents.WithLabelValues("stopped").Inc()
	c.notify(Event{UserID: userID, Username: username, RoomID: roomID, OriginConn: originConn})
}

// ClearConnection drops every typing entry that originated from connID and
// broadcasts a stop for each. Part of the disconnect cascade; entries set
// by the user's other devices are left alone.
func (c *Coordinator) ClearConnection(connID string) {
	var events []Event
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if e.originConn == connID {
				e.timer.Stop()
				delete(s.entries, k)
				events = append(events, Event{UserID: e.userID, Username: e.username, RoomID: e.roomID, OriginConn: e.originConn})
			}
		}
		s.mu.Unlock()
	}
	for _, ev := range events {
		metrics.TypingEvents.WithLabelValues("stopped").Inc()
		c.notify(ev)
	}
}

// ListTyping returns a snapshot of users currently typing in the room.
func (c *Coordinator) ListTyping(roomID string) []models.TypingUser {
	var users []models.TypingUser
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			if e.roomID == roomID {
				users = append(users, models.TypingUser{UserID: e.userID, Username: e.username})
			}
		}
		s.mu.Unlock()
	}
	return users
}

// Close stops every armed timer. No stop events are broadcast; Close is
// for process shutdown, not state transitions.
func (c *Coordinator) Close() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			e.timer.Stop()
			delete(s.entries, k)
		}
		s.mu.Unlock()
	}
}
