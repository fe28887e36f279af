// Package rooms maps room ids to member sets, independent of transport.
// Membership is the logical participant list; whether a member currently
// has a live connection is the presence registry's concern, not this one's.
package rooms

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/eldtechnologies/relay/internal/metrics"
	"github.com/eldtechnologies/relay/internal/models"
)

const shardCount = 32

type room struct {
	kind      models.RoomKind
	members   map[string]struct{}
	createdAt time.Time
	metadata  map[string]string
}

func (rm *room) snapshot(id string) models.Room {
	members := make([]string, 0, len(rm.members))
	for m := range rm.members {
		members = append(members, m)
	}
	var meta map[string]string
	if len(rm.metadata) > 0 {
		meta = make(map[string]string, len(rm.metadata))
		for k, v := range rm.metadata {
			meta[k] = v
		}
	}
	return models.Room{
		ID:        id,
		Kind:      rm.kind,
		Members:   members,
		CreatedAt: rm.createdAt,
		Metadata:  meta,
	}
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// Directory tracks rooms and their memberships.
type Directory struct {
	shards [shardCount]shard
	now    func() time.Time // swappable for tests
}

// NewDirectory creates an empty room directory.
func NewDirectory() *Directory {
	d := &Directory{now: time.Now}
	for i := range d.shards {
		d.shards[i].rooms = make(map[string]*room)
	}
	return d
}

func (d *Directory) shardFor(roomID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return &d.shards[h.Sum32()%shardCount]
}

// Create upserts a room. If the id is already taken the call is idempotent:
// memberIDs are unioned into the existing membership and metadata keys are
// merged over the old ones. The kind of an existing room never changes.
func (d *Directory) Create(roomID string, memberIDs []string, kind models.RoomKind, metadata map[string]string) models.Room {
	if !kind.Valid() {
		kind = models.KindConversation
	}
	s := d.shardFor(roomID)

	s.mu.Lock()
	rm, exists := s.rooms[roomID]
	if !exists {
		rm = &room{
			kind:      kind,
			members:   make(map[string]struct{}, len(memberIDs)),
			createdAt: d.now(),
		}
		s.rooms[roomID] = rm
	}
	for _, id := range memberIDs {
		if id != "" {
			rm.members[id] = struct{}{}
		}
	}
	if len(metadata) > 0 {
		if rm.metadata == nil {
			rm.metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			rm.metadata[k] = v
		}
	}
	snap := rm.snapshot(roomID)
	s.mu.Unlock()

	if !exists {
		metrics.RoomsActive.Inc()
	}
	return snap
}

// AddMember adds userID to the room. Returns false if the room does not
// exist; adding an existing member succeeds idempotently.
func (d *Directory) AddMember(roomID, userID string) bool {
	s := d.shardFor(roomID)

	s.mu.Lock()
	defer s.mu.Unlock()

	rm, exists := s.rooms[roomID]
	if !exists {
		return false
	}
	rm.members[userID] = struct{}{}
	return true
}

// RemoveMember removes userID from the room. Removing the last member
// deletes the room synchronously as part of this call. Returns false if
// the room does not exist.
func (d *Directory) RemoveMember(roomID, userID string) bool {
	s := d.shardFor(roomID)

	s.mu.Lock()
	rm, exists := s.rooms[roomID]
	if !exists {
		s.mu.Unlock()
		return false
	}
	delete(rm.members, userID)
	emptied := len(rm.members) == 0
	if emptied {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()

	if emptied {
		metrics.RoomsActive.Dec()
	}
	return true
}

// Delete removes the room outright. Returns false if it does not exist.
func (d *Directory) Delete(roomID string) bool {
	s := d.shardFor(roomID)

	s.mu.Lock()
	_, exists := s.rooms[roomID]
	if exists {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()

	if exists {
		metrics.RoomsActive.Dec()
	}
	return exists
}

// Get returns a snapshot of the room.
func (d *Directory) Get(roomID string) (models.Room, bool) {
	s := d.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rm, exists := s.rooms[roomID]
	if !exists {
		return models.Room{}, false
	}
	return rm.snapshot(roomID), true
}

// MembersOf returns a snapshot of the room's member ids, nil if absent.
func (d *Directory) MembersOf(roomID string) []string {
	s := d.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rm, exists := s.rooms[roomID]
	if !exists {
		return nil
	}
	members := make([]string, 0, len(rm.members))
	for m := range rm.members {
		members = append(members, m)
	}
	return members
}

// IsMember reports whether userID belongs to the room.
func (d *Directory) IsMember(roomID, userID string) bool {
	s := d.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rm, exists := s.rooms[roomID]
	if !exists {
		return false
	}
	_, ok := rm.members[userID]
	return ok
}

// RoomsOf returns snapshots of every room the user belongs to. This walks
// the whole directory; it backs queries, not the relay hot path.
func (d *Directory) RoomsOf(userID string) []models.Room {
	var result []models.Room
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.RLock()
		for id, rm := range s.rooms {
			if _, ok := rm.members[userID]; ok {
				result = append(result, rm.snapshot(id))
			}
		}
		s.mu.RUnlock()
	}
	return result
}

// Count returns the number of rooms currently tracked.
func (d *Directory) Count() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.RLock()
		n += len(s.rooms)
		s.mu.RUnlock()
	}
	return n
}

// SweepStale deletes rooms older than maxAge that have zero members and
// returns the count removed. It never touches a non-empty room regardless
// of age, and is safe to run concurrently with all other operations.
func (d *Directory) SweepStale(maxAge time.Duration) int {
	cutoff := d.now().Add(-maxAge)
	removed := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		for id, rm := range s.rooms {
			if len(rm.members) == 0 && rm.createdAt.Before(cutoff) {
				delete(s.rooms, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		metrics.RoomsActive.Sub(float64(removed))
		metrics.RoomsSwept.Add(float64(removed))
	}
	return removed
}
