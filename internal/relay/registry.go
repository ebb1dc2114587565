package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavechat/callcore/internal/protocol"
)

// Transport is the relay's addressable channel to one connected client.
// Implementations must preserve per-sender ordering: envelopes handed to
// Send are delivered in the order they were accepted.
type Transport interface {
	Send(env protocol.Envelope) error
	Close() error
}

// Participant is one room member: a stable identity plus the transport
// handle used to reach it.
type Participant struct {
	ID          string
	DisplayName string
	Transport   Transport
}

// Member converts the participant to its roster representation.
func (p *Participant) Member() protocol.Member {
	return protocol.Member{ID: p.ID, DisplayName: p.DisplayName}
}

// Room groups participants for one session.
type Room struct {
	ID           string
	participants map[string]*Participant
	createdAt    time.Time
	lastActive   time.Time
}

// ErrIdentityBusy is returned when an identity attempts to join a room
// while still a member of a different one.
var ErrIdentityBusy = errors.New("identity already in another room")

// Registry is the single writer of room membership. The relay only reads
// it to route. Rooms are independent: no state in one room is touched
// while routing another room's messages.
type Registry struct {
	mu         sync.RWMutex
	rooms      map[string]*Room
	memberRoom map[string]string // identity -> room it currently belongs to
	log        zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		rooms:      make(map[string]*Room),
		memberRoom: make(map[string]string),
		log:        log,
	}
}

// Join adds the participant to the room, creating the room on first join.
// Joining is idempotent: rejoining with the same identity replaces the
// prior transport handle instead of duplicating membership, which is how
// reconnects resume a session. The returned roster excludes the joiner.
func (r *Registry) Join(roomID string, p *Participant) ([]protocol.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.memberRoom[p.ID]; ok && current != roomID {
		return nil, ErrIdentityBusy
	}

	room, ok := r.rooms[roomID]
	if !ok {
		now := time.Now()
		room = &Room{
			ID:           roomID,
			participants: make(map[string]*Participant),
			createdAt:    now,
			lastActive:   now,
		}
		r.rooms[roomID] = room
		r.log.Info().Str("room", roomID).Msg("room created")
	}

	if prior, ok := room.participants[p.ID]; ok && prior.Transport != p.Transport {
		prior.Transport.Close()
		r.log.Info().Str("room", roomID).Str("participant", p.ID).Msg("transport handle replaced on rejoin")
	}

	room.participants[p.ID] = p
	r.memberRoom[p.ID] = roomID
	room.lastActive = time.Now()

	members := make([]protocol.Member, 0, len(room.participants)-1)
	for id, member := range room.participants {
		if id != p.ID {
			members = append(members, member.Member())
		}
	}
	return members, nil
}

// Leave removes the participant. The room is deleted once its last
// participant is gone. Reports whether the participant was a member.
func (r *Registry) Leave(roomID, participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := room.participants[participantID]; !ok {
		return false
	}

	delete(room.participants, participantID)
	delete(r.memberRoom, participantID)
	room.lastActive = time.Now()

	if len(room.participants) == 0 {
		delete(r.rooms, roomID)
		r.log.Info().Str("room", roomID).Msg("removed empty room")
	}
	return true
}

// Lookup returns the participant if it is currently a member of the room.
func (r *Registry) Lookup(roomID, participantID string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	p, ok := room.participants[participantID]
	return p, ok
}

// Others returns all room members except excludeID.
func (r *Registry) Others(roomID, excludeID string) []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*Participant, 0, len(room.participants))
	for id, p := range room.participants {
		if id != excludeID {
			out = append(out, p)
		}
	}
	return out
}

// HasRoom reports whether the room currently exists.
func (r *Registry) HasRoom(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// RoomOf returns the room the identity currently belongs to.
func (r *Registry) RoomOf(participantID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.memberRoom[participantID]
	return roomID, ok
}

// Touch records routing activity so idle sweeping spares live rooms.
func (r *Registry) Touch(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		room.lastActive = time.Now()
	}
}

// SweepIdle destroys rooms with no activity for at least maxIdle,
// closing the transports of any members still attached. Returns the
// ids of destroyed rooms.
func (r *Registry) SweepIdle(maxIdle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	var swept []string
	for id, room := range r.rooms {
		if room.lastActive.After(cutoff) {
			continue
		}
		for pid, p := range room.participants {
			p.Transport.Close()
			delete(r.memberRoom, pid)
		}
		delete(r.rooms, id)
		swept = append(swept, id)
		r.log.Info().Str("room", id).Msg("removed idle room")
	}
	return swept
}

// RoomCount reports the number of active rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
