package typing

import (
	"sync"
	"testing"
	"time"
)

// recorder collects typing events behind a lock so tests can assert on
// transitions fired from both caller and timer goroutines.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int, timeout time.Duration) []Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if evs := r.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	evs := r.snapshot()
	t.Fatalf("timed out waiting for %d events, got %d: %v", n, len(evs), evs)
	return nil
}

func TestSetTypingBroadcastsOnce(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(50*time.Millisecond, rec.notify)
	defer c.Close()

	c.SetTyping("alice", "Alice", "r1", "conn-1")
	c.SetTyping("alice", "Alice", "r1", "conn-1")
	c.SetTyping("alice", "Alice", "r1", "conn-1")

	// One started now, one stopped after the last timer lapses
	evs := rec.waitFor(t, 2, time.Second)
	if len(evs) != 2 {
		t.Fatalf("got %d events, want exactly 2: %v", len(evs), evs)
	}
	if !evs[0].Typing {
		t.Error("first event is not typing-started")
	}
	if evs[1].Typing {
		t.Error("second event is not typing-stopped")
	}
	if evs[0].UserID != "alice" || evs[0].RoomID != "r1" || evs[0].OriginConn != "conn-1" {
		t.Errorf("started event = %+v, wrong fields", evs[0])
	}

	// No extra stop may trail in
	time.Sleep(100 * time.Millisecond)
	if evs := rec.snapshot(); len(evs) != 2 {
		t.Errorf("got %d events after settling, want 2: %v", len(evs), evs)
	}
}

func TestRepeatSignalExtendsExpiry(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(60*time.Millisecond, rec.notify)
	defer c.Close()

	c.SetTyping("alice", "Alice", "r1", "conn-1")
	time.Sleep(40 * time.Millisecond)
	c.SetTyping("alice", "Alice", "r1", "conn-1")
	time.Sleep(40 * time.Millisecond)

	// 80ms after the first signal the entry must still be alive because
	// the second signal reset the timer
	if evs := rec.snapshot(); len(evs) != 1 {
		t.Fatalf("got %d events at 80ms, want only the started event: %v", len(evs), evs)
	}
	if users := c.ListTyping("r1"); len(users) != 1 {
		t.Errorf("ListTyping() = %v, want alice still typing", users)
	}

	rec.waitFor(t, 2, time.Second)
}

func TestClearTypingCancelsTimer(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(50*time.Millisecond, rec.notify)
	defer c.Close()

	c.SetTyping("alice", "Alice", "r1", "conn-1")
	c.ClearTyping("alice", "Alice", "r1", "conn-1")

	evs := rec.waitFor(t, 2, time.Second)
	if evs[1].Typing {
		t.Error("clear did not produce a stopped event")
	}

	// The cancelled timer must not produce a second stop
	time.Sleep(100 * time.Millisecond)
	if evs := rec.snapshot(); len(evs) != 2 {
		t.Errorf("got %d events after expiry window, want 2: %v", len(evs), evs)
	}
}

func TestClearTypingWhenIdleStillBroadcasts(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(time.Second, rec.notify)
	defer c.Close()

	c.ClearTyping("alice", "Alice", "r1", "conn-1")

	evs := rec.snapshot()
	if len(evs) != 1 || evs[0].Typing {
		t.Fatalf("events = %v, want one unconditional stopped", evs)
	}
}

func TestListTyping(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(time.Second, rec.notify)
	defer c.Close()

	c.SetTyping("alice", "Alice", "r1", "conn-1")
	c.SetTyping("bob", "Bob", "r1", "conn-2")
	c.SetTyping("carol", "Carol", "r2", "conn-3")

	users := c.ListTyping("r1")
	if len(users) != 2 {
		t.Fatalf("ListTyping(r1) = %v, want 2 users", users)
	}
	if got := c.ListTyping("r2"); len(got) != 1 || got[0].UserID != "carol" {
		t.Errorf("ListTyping(r2) = %v, want [carol]", got)
	}
	if got := c.ListTyping("empty"); len(got) != 0 {
		t.Errorf("ListTyping(empty) = %v, want none", got)
	}
}

func TestClearConnection(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(time.Second, rec.notify)
	defer c.Close()

	c.SetTyping("alice", "Alice", "r1", "conn-1")
	c.SetTyping("alice", "Alice", "r2", "conn-1")
	c.SetTyping("alice", "Alice", "r3", "conn-other") // another device

	c.ClearConnection("conn-1")

	stopped := 0
	for _, ev := range rec.snapshot() {
		if !ev.Typing {
			stopped++
		}
	}
	if stopped != 2 {
		t.Errorf("ClearConnection produced %d stops, want 2", stopped)
	}
	if users := c.ListTyping("r3"); len(users) != 1 {
		t.Errorf("ListTyping(r3) = %v, other device's state must survive", users)
	}
}

func TestIndependentKeys(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(50*time.Millisecond, rec.notify)
	defer c.Close()

	c.SetTyping("alice", "Alice", "r1", "conn-1")
	c.SetTyping("alice", "Alice", "r2", "conn-1")

	evs := rec.waitFor(t, 4, time.Second)
	started, stopped := 0, 0
	for _, ev := range evs {
		if ev.Typing {
			started++
		} else {
			stopped++
		}
	}
	if started != 2 || stopped != 2 {
		t.Errorf("got %d started / %d stopped, want 2 / 2", started, stopped)
	}
}
