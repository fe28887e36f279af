// Package presence maintains the bidirectional mapping between users and
// their live connections. A user is online iff it owns at least one
// connection; the registry never holds an empty entry.
package presence

import (
	"hash/fnv"
	"sync"

	"github.com/eldtechnologies/relay/internal/metrics"
)

const shardCount = 32

// shard guards one slice of the user space. Operations on users that hash
// to different shards never contend.
type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{} // userID -> set of connection ids
}

// Registry tracks which connections belong to which users.
type Registry struct {
	shards    [shardCount]shard
	onOffline func(userID string) // fired exactly once when the last connection goes
}

// NewRegistry creates an empty presence registry. onOffline may be nil.
func NewRegistry(onOffline func(userID string)) *Registry {
	r := &Registry{onOffline: onOffline}
	for i := range r.shards {
		r.shards[i].users = make(map[string]map[string]struct{})
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register adds connID to the user's connection set, creating the set if
// absent. Idempotent: re-registering an existing pair is a no-op.
func (r *Registry) Register(connID, userID string) {
	if connID == "" || userID == "" {
		return
	}
	s := r.shardFor(userID)

	s.mu.Lock()
	set, exists := s.users[userID]
	if !exists {
		set = make(map[string]struct{})
		s.users[userID] = set
	}
	set[connID] = struct{}{}
	s.mu.Unlock()

	if !exists {
		metrics.UsersOnline.Inc()
	}
}

// Unregister removes connID from the user's set. When the set empties the
// entry is deleted and the offline signal fires, once, regardless of how
// many connections were removed before it.
func (r *Registry) Unregister(connID, userID string) {
	s := r.shardFor(userID)

	s.mu.Lock()
	set, exists := s.users[userID]
	if !exists {
		s.mu.Unlock()
		return
	}
	delete(set, connID)
	wentOffline := len(set) == 0
	if wentOffline {
		delete(s.users, userID)
	}
	s.mu.Unlock()

	if wentOffline {
		metrics.UsersOnline.Dec()
		if r.onOffline != nil {
			r.onOffline(userID)
		}
	}
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// ConnectionCount returns the number of live connections for the user.
func (r *Registry) ConnectionCount(userID string) int {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID])
}

// ConnectionIDs returns a snapshot of the user's live connection ids.
func (r *Registry) ConnectionIDs(userID string) []string {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.users[userID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// OnlineUserIDs returns a snapshot of every user currently online.
func (r *Registry) OnlineUserIDs() []string {
	var ids []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for userID := range s.users {
			ids = append(ids, userID)
		}
		s.mu.RUnlock()
	}
	return ids
}

// OnlineCount returns the number of users currently online.
func (r *Registry) OnlineCount() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.users)
		s.mu.RUnlock()
	}
	return n
}
