// Package supervisor drives runnable runs through the engine. Submissions
// for the same run coalesce so a run never has two steps in flight, and a
// poll loop picks up runs whose backoff window has passed, which also
// resumes work after a process restart.
package supervisor

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Stepper advances a single run by one step. Satisfied by engine.Engine.
type Stepper interface {
	Advance(ctx context.Context, runID string) error
}

type Lister interface {
	ListDueRuns(ctx context.Context, now string, limit int) ([]string, error)
}

type Supervisor struct {
	Stepper      Stepper
	Lister       Lister
	Workers      int64
	PollInterval time.Duration
	Logger       *log.Logger

	mu       sync.Mutex
	inflight map[string]bool
	pending  map[string]bool
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	started  bool
}

func New(stepper Stepper, lister Lister, workers int, pollInterval time.Duration) *Supervisor {
	if workers <= 0 {
		workers = 4
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Supervisor{
		Stepper:      stepper,
		Lister:       lister,
		Workers:      int64(workers),
		PollInterval: pollInterval,
		inflight:     make(map[string]bool),
		pending:      make(map[string]bool),
		sem:          semaphore.NewWeighted(int64(workers)),
	}
}

func (s *Supervisor) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Submit schedules one step for the run. If a step is already in flight the
// submission is folded into a single pending re-check, so any burst of
// submissions costs at most one extra step.
func (s *Supervisor) Submit(ctx context.Context, runID string) {
	s.mu.Lock()
	if s.inflight[runID] {
		s.pending[runID] = true
		s.mu.Unlock()
		return
	}
	s.inflight[runID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.step(ctx, runID)
}

func (s *Supervisor) step(ctx context.Context, runID string) {
	defer s.wg.Done()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.mu.Lock()
		delete(s.inflight, runID)
		delete(s.pending, runID)
		s.mu.Unlock()
		return
	}
	err := s.Stepper.Advance(ctx, runID)
	s.sem.Release(1)
	if err != nil {
		s.logger().Printf("supervisor: advance run %s: %v", runID, err)
	}

	s.mu.Lock()
	delete(s.inflight, runID)
	rerun := s.pending[runID]
	delete(s.pending, runID)
	s.mu.Unlock()
	if rerun && ctx.Err() == nil {
		s.Submit(ctx, runID)
	}
}

// Run polls for due runs until the context is cancelled, then waits for
// in-flight steps to drain.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	s.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Supervisor) pollOnce(ctx context.Context) {
	if s.Lister == nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	ids, err := s.Lister.ListDueRuns(ctx, now, int(s.Workers)*4)
	if err != nil {
		if ctx.Err() == nil {
			s.logger().Printf("supervisor: poll: %v", err)
		}
		return
	}
	for _, id := range ids {
		s.Submit(ctx, id)
	}
}

// Wait blocks until all in-flight steps finish. Intended for tests and
// shutdown paths that do not use Run.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
