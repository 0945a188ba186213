// Package rooms keeps one live CRDT replica per note being edited and the
// sessions attached to it.
//
// A Registry is constructed once per process and injected into the
// transport. Rooms are created on first join, seeded from durable storage,
// and evicted by the idle sweeper once empty. Every merged update schedules a
// reconcile on a per-document queue; the queue persists whatever the room
// holds when the job runs.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/crdt"
	"github.com/MarcoPoloResearchLab/quire/internal/notes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultIdleTTL = 5 * time.Minute

var (
	// ErrMissingNoteID indicates that a join or update named no note.
	ErrMissingNoteID = errors.New("rooms: missing note id")
	// ErrMissingSessionID indicates that a member carried no session id.
	ErrMissingSessionID = errors.New("rooms: missing session id")
	// ErrNotJoined indicates that the sender is not a member of the room.
	ErrNotJoined = errors.New("rooms: session has not joined the note")
	// ErrMalformedUpdate indicates that an update could not be merged.
	ErrMalformedUpdate = crdt.ErrMalformedUpdate

	noOpLogger = zap.NewNop()
)

// Seeder loads the durable state a new room starts from.
type Seeder interface {
	LoadState(ctx context.Context, noteID notes.NoteID) ([]byte, error)
}

// Reconciler persists a room state.
type Reconciler interface {
	Reconcile(ctx context.Context, noteID notes.NoteID, state []byte, editorID *notes.UserID) (notes.ReconcileResult, error)
}

type Config struct {
	Seeder     Seeder
	Reconciler Reconciler
	Clock      func() time.Time
	Logger     *zap.Logger
	IdleTTL    time.Duration
}

// Registry owns every resident room of the process.
type Registry struct {
	seeder     Seeder
	reconciler Reconciler
	clock      func() time.Time
	logger     *zap.Logger
	idleTTL    time.Duration

	mu    sync.Mutex
	rooms map[string]*Room
	seeds singleflight.Group

	scheduler *reconcileScheduler
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Seeder == nil {
		return nil, errors.New("rooms: seeder is required")
	}
	if cfg.Reconciler == nil {
		return nil, errors.New("rooms: reconciler is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}

	registry := &Registry{
		seeder:     cfg.Seeder,
		reconciler: cfg.Reconciler,
		clock:      clock,
		logger:     logger,
		idleTTL:    idleTTL,
		rooms:      make(map[string]*Room),
	}
	registry.scheduler = newReconcileScheduler(registry.runReconcile)
	return registry, nil
}

// Join adds member to the room of noteID, creating and seeding the room on
// first use. It returns the resident state, which always holds the shared
// text object so that first edits from different members merge.
func (r *Registry) Join(ctx context.Context, noteID string, member Member) ([]byte, error) {
	noteID = strings.TrimSpace(noteID)
	if noteID == "" {
		return nil, ErrMissingNoteID
	}
	if member.SessionID == "" {
		return nil, ErrMissingSessionID
	}

	for {
		room, err := r.obtain(ctx, noteID)
		if err != nil {
			return nil, err
		}
		state, ok := room.join(member, r.clock())
		if ok {
			r.logger.Debug("member joined room",
				zap.String("note_id", noteID),
				zap.String("session_id", member.SessionID),
				zap.String("user_id", member.UserID))
			return state, nil
		}
		// Evicted between lookup and join; retry against a fresh room.
	}
}

func (r *Registry) obtain(ctx context.Context, noteID string) (*Room, error) {
	if room := r.lookup(noteID); room != nil {
		return room, nil
	}

	value, err, _ := r.seeds.Do(noteID, func() (any, error) {
		if room := r.lookup(noteID); room != nil {
			return room, nil
		}
		id, err := notes.NewNoteID(noteID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingNoteID, err)
		}
		state, err := r.seeder.LoadState(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("rooms: seed %s: %w", noteID, err)
		}
		replica, err := crdt.NewReplica(state)
		if err != nil {
			r.logger.Error("stored state is unreadable; starting empty",
				zap.String("note_id", noteID),
				zap.Error(err))
			replica = nil
		}
		if replica == nil || replica.Empty() {
			replica, err = blankReplica()
			if err != nil {
				return nil, fmt.Errorf("rooms: seed %s: %w", noteID, err)
			}
		}

		room := newRoom(noteID, replica, r.clock())
		r.mu.Lock()
		r.rooms[noteID] = room
		r.mu.Unlock()
		residentRooms.Inc()
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Room), nil
}

func blankReplica() (*crdt.Replica, error) {
	state, err := crdt.EncodeInitialState("")
	if err != nil {
		return nil, err
	}
	return crdt.NewReplica(state)
}

func (r *Registry) lookup(noteID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[noteID]
}

// ApplyIncoming merges update from senderID into the room and returns the
// members that should receive it. Nothing is broadcast or persisted when the
// merge fails.
func (r *Registry) ApplyIncoming(ctx context.Context, noteID, senderID string, update []byte, editorID string) ([]Member, error) {
	noteID = strings.TrimSpace(noteID)
	if noteID == "" {
		return nil, ErrMissingNoteID
	}
	room := r.lookup(noteID)
	if room == nil || !room.isMember(senderID) {
		return nil, ErrNotJoined
	}

	recipients, err := room.apply(senderID, update, r.clock())
	if err != nil {
		incomingUpdates.WithLabelValues("malformed").Inc()
		r.logger.Warn("rejected update",
			zap.String("note_id", noteID),
			zap.String("session_id", senderID),
			zap.Int("bytes", len(update)),
			zap.Error(err))
		return nil, err
	}
	incomingUpdates.WithLabelValues("applied").Inc()

	r.scheduler.enqueue(noteID, reconcileJob{editorID: editorID})
	return recipients, nil
}

// Leave removes a session from the room. State is not flushed here; the
// queue and the sweeper handle persistence.
func (r *Registry) Leave(noteID, sessionID string) {
	room := r.lookup(strings.TrimSpace(noteID))
	if room == nil {
		return
	}
	room.leave(sessionID, r.clock())
	r.logger.Debug("member left room",
		zap.String("note_id", noteID),
		zap.String("session_id", sessionID))
}

// Reset replaces the replica of a resident room with state and returns the
// members to notify. It is a no-op when the note has no resident room.
func (r *Registry) Reset(noteID string, state []byte) ([]Member, error) {
	room := r.lookup(strings.TrimSpace(noteID))
	if room == nil {
		return nil, nil
	}
	replica, err := crdt.NewReplica(state)
	if err != nil {
		return nil, err
	}
	return room.reset(replica, r.clock()), nil
}

// Ordered runs fn on the reconcile queue of noteID and waits for it. fn
// starts after every reconcile already scheduled for the note has finished,
// and reconciles scheduled meanwhile run after fn returns.
func (r *Registry) Ordered(ctx context.Context, noteID string, fn func(ctx context.Context) error) error {
	noteID = strings.TrimSpace(noteID)
	if noteID == "" {
		return ErrMissingNoteID
	}
	done := make(chan error, 1)
	r.scheduler.enqueue(noteID, reconcileJob{ordered: func() {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(ctx)
	}})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Members lists the sessions joined to noteID.
func (r *Registry) Members(noteID string) []Member {
	room := r.lookup(strings.TrimSpace(noteID))
	if room == nil {
		return nil
	}
	return room.memberList()
}

// Resident reports whether noteID currently has a room in memory.
func (r *Registry) Resident(noteID string) bool {
	return r.lookup(noteID) != nil
}

// Sweep evicts rooms that have had no members for at least the idle TTL.
// Each evicted room gets a final reconcile with no editor.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.clock()

	r.mu.Lock()
	evicted := make([]*Room, 0)
	for noteID, room := range r.rooms {
		if room.closeIfIdle(now, r.idleTTL) {
			delete(r.rooms, noteID)
			evicted = append(evicted, room)
		}
	}
	r.mu.Unlock()

	for _, room := range evicted {
		residentRooms.Dec()
		evictedRooms.Inc()
		r.scheduler.enqueue(room.NoteID(), reconcileJob{fallback: room.snapshot()})
		r.logger.Debug("room evicted", zap.String("note_id", room.NoteID()))
	}
	return len(evicted)
}

// Run sweeps on every interval tick until ctx ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = r.idleTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Flush waits until every scheduled reconcile has run.
func (r *Registry) Flush(ctx context.Context) error {
	return r.scheduler.wait(ctx)
}

// Close evicts every room, schedules its final reconcile and waits for the
// queues to drain.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	resident := make([]*Room, 0, len(r.rooms))
	for noteID, room := range r.rooms {
		room.close()
		delete(r.rooms, noteID)
		resident = append(resident, room)
	}
	r.mu.Unlock()

	for _, room := range resident {
		residentRooms.Dec()
		r.scheduler.enqueue(room.NoteID(), reconcileJob{fallback: room.snapshot()})
	}
	return r.Flush(ctx)
}
