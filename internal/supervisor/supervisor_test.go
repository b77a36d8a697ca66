package supervisor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"venturegate/internal/supervisor"
)

type countingStepper struct {
	mu         sync.Mutex
	calls      map[string]int
	concurrent int64
	peak       int64
	block      chan struct{}
}

func newCountingStepper() *countingStepper {
	return &countingStepper{calls: map[string]int{}}
}

func (c *countingStepper) Advance(_ context.Context, runID string) error {
	cur := atomic.AddInt64(&c.concurrent, 1)
	for {
		peak := atomic.LoadInt64(&c.peak)
		if cur <= peak || atomic.CompareAndSwapInt64(&c.peak, peak, cur) {
			break
		}
	}
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.calls[runID]++
	c.mu.Unlock()
	atomic.AddInt64(&c.concurrent, -1)
	return nil
}

func (c *countingStepper) count(runID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[runID]
}

type staticLister struct {
	ids []string
}

func (l staticLister) ListDueRuns(context.Context, string, int) ([]string, error) {
	return l.ids, nil
}

func TestSubmitRunsOneStep(t *testing.T) {
	stepper := newCountingStepper()
	sup := supervisor.New(stepper, nil, 4, time.Second)
	sup.Submit(context.Background(), "run-1")
	sup.Wait()
	if got := stepper.count("run-1"); got != 1 {
		t.Fatalf("expected 1 step, got %d", got)
	}
}

// A burst of submissions while a step is in flight folds into at most one
// follow-up step, never one step per submission.
func TestSubmitBurstCoalesces(t *testing.T) {
	stepper := newCountingStepper()
	stepper.block = make(chan struct{})
	sup := supervisor.New(stepper, nil, 4, time.Second)
	ctx := context.Background()

	sup.Submit(ctx, "run-1")
	for i := 0; i < 50; i++ {
		sup.Submit(ctx, "run-1")
	}
	close(stepper.block)
	sup.Wait()

	got := stepper.count("run-1")
	if got < 1 || got > 2 {
		t.Fatalf("expected burst to coalesce into 1 or 2 steps, got %d", got)
	}
}

func TestDistinctRunsStepIndependently(t *testing.T) {
	stepper := newCountingStepper()
	sup := supervisor.New(stepper, nil, 4, time.Second)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		sup.Submit(ctx, id)
	}
	sup.Wait()
	for _, id := range []string{"a", "b", "c"} {
		if stepper.count(id) != 1 {
			t.Fatalf("run %s stepped %d times", id, stepper.count(id))
		}
	}
}

func TestWorkerLimitBoundsConcurrency(t *testing.T) {
	stepper := newCountingStepper()
	stepper.block = make(chan struct{})
	sup := supervisor.New(stepper, nil, 2, time.Second)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		sup.Submit(ctx, string(rune('a'+i)))
	}
	// Give the worker goroutines a moment to reach the semaphore.
	time.Sleep(50 * time.Millisecond)
	close(stepper.block)
	sup.Wait()

	if peak := atomic.LoadInt64(&stepper.peak); peak > 2 {
		t.Fatalf("concurrency peaked at %d with 2 workers", peak)
	}
}

func TestRunPollsDueRuns(t *testing.T) {
	stepper := newCountingStepper()
	sup := supervisor.New(stepper, staticLister{ids: []string{"due-1", "due-2"}}, 4, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for stepper.count("due-1") == 0 || stepper.count("due-2") == 0 {
		select {
		case <-deadline:
			t.Fatalf("poll loop never stepped due runs")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
