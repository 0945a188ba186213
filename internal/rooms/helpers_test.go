package rooms

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/crdt"
	"github.com/MarcoPoloResearchLab/quire/internal/notes"
	"go.uber.org/zap"
)

type stubSeeder struct {
	states map[string][]byte
	calls  atomic.Int32
	gate   chan struct{}
}

func (s *stubSeeder) LoadState(_ context.Context, noteID notes.NoteID) ([]byte, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return s.states[noteID.String()], nil
}

type reconcileCall struct {
	noteID   string
	text     string
	editorID *notes.UserID
}

type recordingReconciler struct {
	mu    sync.Mutex
	calls []reconcileCall
	err   error

	// gate, when set, holds every reconcile until it is closed.
	gate    chan struct{}
	started chan struct{}
}

func (r *recordingReconciler) Reconcile(_ context.Context, noteID notes.NoteID, state []byte, editorID *notes.UserID) (notes.ReconcileResult, error) {
	text, err := crdt.DecodeText(state)
	if err != nil {
		return notes.ReconcileResult{}, err
	}
	if r.gate != nil {
		if r.started != nil {
			select {
			case r.started <- struct{}{}:
			default:
			}
		}
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reconcileCall{noteID: noteID.String(), text: text, editorID: editorID})
	if r.err != nil {
		return notes.ReconcileResult{}, r.err
	}
	return notes.ReconcileResult{Changed: true, HistoryID: int64(len(r.calls))}, nil
}

func (r *recordingReconciler) snapshot() []reconcileCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reconcileCall(nil), r.calls...)
}

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type recordingPeer struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPeer) Deliver(event Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return true
}

func (p *recordingPeer) received() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

type registryFixture struct {
	registry   *Registry
	seeder     *stubSeeder
	reconciler *recordingReconciler
	clock      *manualClock
}

func newRegistryFixture(t *testing.T, logger *zap.Logger) registryFixture {
	t.Helper()
	seeder := &stubSeeder{states: map[string][]byte{}}
	reconciler := &recordingReconciler{}
	clock := &manualClock{current: time.Unix(1_700_000_000, 0).UTC()}
	registry, err := NewRegistry(Config{
		Seeder:     seeder,
		Reconciler: reconciler,
		Clock:      clock.Now,
		Logger:     logger,
		IdleTTL:    time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Flush(ctx)
	})
	return registryFixture{registry: registry, seeder: seeder, reconciler: reconciler, clock: clock}
}

func flush(t *testing.T, registry *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := registry.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
}

func waitForQueuedJobs(t *testing.T, registry *Registry, noteID string, count int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		registry.scheduler.mu.Lock()
		queue, ok := registry.scheduler.queues[noteID]
		queued := 0
		if ok {
			queued = len(queue.jobs)
		}
		registry.scheduler.mu.Unlock()
		if queued >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d queued jobs for %s", count, noteID)
}
