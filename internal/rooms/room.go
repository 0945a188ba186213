package rooms

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/crdt"
)

// EventKind identifies what a peer is being told.
type EventKind string

const (
	// EventUpdate carries an update merged from another member.
	EventUpdate EventKind = "update"
	// EventReset carries a replacement state after a restore.
	EventReset EventKind = "reset"
)

// Event is delivered to room members.
type Event struct {
	Kind    EventKind
	NoteID  string
	Payload []byte
}

// Peer is the transport end of a member.
type Peer interface {
	// Deliver queues the event without blocking and reports whether it was accepted.
	Deliver(Event) bool
}

// Member is one session joined to a room.
type Member struct {
	SessionID string
	UserID    string
	Peer      Peer
}

// Room holds the live replica for one note and the sessions editing it.
type Room struct {
	noteID string

	mu         sync.Mutex
	replica    *crdt.Replica
	members    map[string]Member
	lastActive time.Time
	edited     bool
	closed     bool
}

func newRoom(noteID string, replica *crdt.Replica, now time.Time) *Room {
	return &Room{
		noteID:     noteID,
		replica:    replica,
		members:    make(map[string]Member),
		lastActive: now,
	}
}

// NoteID returns the note the room serves.
func (r *Room) NoteID() string {
	return r.noteID
}

func (r *Room) join(member Member, now time.Time) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	r.members[member.SessionID] = member
	r.lastActive = now
	return r.replica.State(), true
}

func (r *Room) leave(sessionID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, sessionID)
	r.lastActive = now
}

func (r *Room) isMember(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[sessionID]
	return ok
}

// apply merges update and returns every member except the sender.
func (r *Room) apply(senderID string, update []byte, now time.Time) ([]Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.replica.Apply(update); err != nil {
		return nil, err
	}
	r.edited = true
	r.lastActive = now
	recipients := make([]Member, 0, len(r.members))
	for sessionID, member := range r.members {
		if sessionID == senderID {
			continue
		}
		recipients = append(recipients, member)
	}
	return recipients, nil
}

func (r *Room) reset(replica *crdt.Replica, now time.Time) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replica = replica
	r.lastActive = now
	return r.membersLocked()
}

// snapshot returns the state to persist, or nil when no update has been
// merged since the room was seeded.
func (r *Room) snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.edited {
		return nil
	}
	return r.replica.State()
}

func (r *Room) memberList() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked()
}

func (r *Room) membersLocked() []Member {
	out := make([]Member, 0, len(r.members))
	for _, member := range r.members {
		out = append(out, member)
	}
	return out
}

// closeIfIdle marks the room closed when it has no members and has been
// inactive for at least ttl. A closed room accepts no further joins.
func (r *Room) closeIfIdle(now time.Time, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.members) > 0 || now.Sub(r.lastActive) < ttl {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
