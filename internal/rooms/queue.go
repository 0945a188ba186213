package rooms

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/quire/internal/notes"
	"go.uber.org/zap"
)

// reconcileJob persists a document. fallback is used when the room is no
// longer resident, which is the case for the final reconcile on eviction.
// A job carrying ordered runs that function instead and is never coalesced.
type reconcileJob struct {
	editorID string
	fallback []byte
	ordered  func()
}

func (j reconcileJob) coalesces(next reconcileJob) bool {
	return j.ordered == nil && next.ordered == nil && j.editorID == next.editorID
}

type documentQueue struct {
	jobs []reconcileJob
}

// reconcileScheduler runs reconcile jobs in FIFO order, one goroutine per
// document, so writes for a document never interleave.
type reconcileScheduler struct {
	run func(noteID string, job reconcileJob)

	mu      sync.Mutex
	queues  map[string]*documentQueue
	pending int
	drained chan struct{}
}

func newReconcileScheduler(run func(noteID string, job reconcileJob)) *reconcileScheduler {
	drained := make(chan struct{})
	close(drained)
	return &reconcileScheduler{
		run:     run,
		queues:  make(map[string]*documentQueue),
		drained: drained,
	}
}

// enqueue adds a job unless the tail reconcile already covers the same editor.
func (s *reconcileScheduler) enqueue(noteID string, job reconcileJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, running := s.queues[noteID]
	if running {
		if tail := len(queue.jobs) - 1; tail >= 0 && queue.jobs[tail].coalesces(job) {
			if job.fallback != nil {
				queue.jobs[tail].fallback = job.fallback
			}
			return
		}
		queue.jobs = append(queue.jobs, job)
		return
	}

	queue = &documentQueue{jobs: []reconcileJob{job}}
	s.queues[noteID] = queue
	if s.pending == 0 {
		s.drained = make(chan struct{})
	}
	s.pending++
	go s.drain(noteID, queue)
}

func (s *reconcileScheduler) drain(noteID string, queue *documentQueue) {
	for {
		s.mu.Lock()
		if len(queue.jobs) == 0 {
			delete(s.queues, noteID)
			s.pending--
			if s.pending == 0 {
				close(s.drained)
			}
			s.mu.Unlock()
			return
		}
		job := queue.jobs[0]
		queue.jobs = queue.jobs[1:]
		s.mu.Unlock()

		s.run(noteID, job)
	}
}

// wait blocks until every queue is empty or ctx ends.
func (s *reconcileScheduler) wait(ctx context.Context) error {
	s.mu.Lock()
	drained := s.drained
	s.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) runReconcile(noteID string, job reconcileJob) {
	if job.ordered != nil {
		job.ordered()
		return
	}
	state := job.fallback
	if room := r.lookup(noteID); room != nil {
		state = room.snapshot()
	}
	if len(state) == 0 {
		reconcileOutcomes.WithLabelValues("skipped").Inc()
		return
	}

	id, err := notes.NewNoteID(noteID)
	if err != nil {
		reconcileOutcomes.WithLabelValues("failed").Inc()
		r.logger.Error("reconcile skipped", zap.String("note_id", noteID), zap.Error(err))
		return
	}
	editorID, err := notes.OptionalUserID(job.editorID)
	if err != nil {
		r.logger.Warn("dropping unusable editor id",
			zap.String("note_id", noteID),
			zap.Int("editor_id_length", len(job.editorID)),
			zap.Error(err))
		editorID = nil
	}

	result, err := r.reconciler.Reconcile(context.Background(), id, state, editorID)
	if err != nil {
		reconcileOutcomes.WithLabelValues("failed").Inc()
		r.logger.Error("reconcile failed",
			zap.String("note_id", noteID),
			zap.String("editor_id", job.editorID),
			zap.Error(err))
		return
	}
	if result.Changed {
		reconcileOutcomes.WithLabelValues("changed").Inc()
		r.logger.Debug("document reconciled",
			zap.String("note_id", noteID),
			zap.Int64("history_id", result.HistoryID))
		return
	}
	reconcileOutcomes.WithLabelValues("unchanged").Inc()
}
