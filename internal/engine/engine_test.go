package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"venturegate/internal/checkpoint"
	"venturegate/internal/config"
	"venturegate/internal/db"
	"venturegate/internal/domain"
	"venturegate/internal/engine"
	"venturegate/internal/migrate"
	"venturegate/internal/repo"
	"venturegate/internal/task"
)

const testIdea = "A marketplace connecting independent bakers with local cafes"

type stubExecutor struct {
	mu      sync.Mutex
	outputs map[task.Kind]map[string]any
	errs    map[task.Kind]error
	calls   map[task.Kind]int
	lastReq map[task.Kind]task.Request
	block   chan struct{}
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		outputs: map[task.Kind]map[string]any{
			task.KindFoundersBrief: {
				"summary": "summary", "problem": "problem", "target_customer": "bakers",
			},
			task.KindCustomerDiscovery: {
				"segment": "bakers", "jobs": []any{"sell"}, "pains": []any{"reach"}, "gains": []any{"revenue"},
			},
			task.KindDesirabilityResearch: {
				"problem_resonance": 0.6, "zombie_ratio": 0.1, "conversion_rate": 0.2,
			},
			task.KindFeasibilityResearch: {
				"solution_confidence": 0.8, "prototype_success_rate": 0.9, "critical_risks": 0,
			},
			task.KindViabilityResearch: {
				"ltv_cac_ratio": 4.0,
			},
		},
		errs:    map[task.Kind]error{},
		calls:   map[task.Kind]int{},
		lastReq: map[task.Kind]task.Request{},
	}
}

func (s *stubExecutor) Execute(_ context.Context, req task.Request) (task.Result, error) {
	s.mu.Lock()
	s.calls[req.Kind]++
	s.lastReq[req.Kind] = req
	err := s.errs[req.Kind]
	out := make(map[string]any, len(s.outputs[req.Kind]))
	for k, v := range s.outputs[req.Kind] {
		out[k] = v
	}
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return task.Result{}, err
	}
	return task.Result{Output: out}, nil
}

// setBlock makes Execute wait on the channel before returning, so a test
// can hold a task in flight.
func (s *stubExecutor) setBlock(ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = ch
}

func (s *stubExecutor) setOutput(kind task.Kind, out map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[kind] = out
}

func (s *stubExecutor) setErr(kind task.Kind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[kind] = err
}

func (s *stubExecutor) callCount(kind task.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

func (s *stubExecutor) requestFor(kind task.Kind) task.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReq[kind]
}

type testEnv struct {
	Engine engine.Engine
	Exec   *stubExecutor
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exec := newStubExecutor()
	eng := engine.New(conn, config.Default(), exec)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{Engine: eng, Exec: exec, Ctx: context.Background(), clock: &now}
	env.Engine.Now = func() time.Time { return *env.clock }
	return env
}

func (env *testEnv) tick(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env *testEnv) createRun(t *testing.T) domain.Run {
	t.Helper()
	run, err := env.Engine.CreateRun(env.Ctx, "founder", testIdea)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func (env *testEnv) advance(t *testing.T, runID string) domain.Run {
	t.Helper()
	if err := env.Engine.Advance(env.Ctx, runID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	return env.getRun(t, runID)
}

func (env *testEnv) getRun(t *testing.T, runID string) domain.Run {
	t.Helper()
	run, err := env.Engine.GetRun(env.Ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	checkPausedInvariant(t, run)
	return run
}

func (env *testEnv) pendingCheckpoint(t *testing.T, runID string) domain.Checkpoint {
	t.Helper()
	items, err := env.Engine.Repo.ListCheckpoints(env.Ctx, repo.CheckpointFilters{RunID: runID, Status: domain.CheckpointPending})
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected exactly one pending checkpoint, got %d", len(items))
	}
	return items[0]
}

func (env *testEnv) resolve(t *testing.T, checkpointID string, out checkpoint.Outcome) domain.Run {
	t.Helper()
	if out.ActorID == "" {
		out.ActorID = "founder"
	}
	_, run, err := env.Engine.ResolveCheckpoint(env.Ctx, checkpointID, out)
	if err != nil {
		t.Fatalf("resolve checkpoint: %v", err)
	}
	checkPausedInvariant(t, run)
	return run
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

// The run is awaiting approval exactly when it is paused with a hitl state.
func checkPausedInvariant(t *testing.T, run domain.Run) {
	t.Helper()
	if (run.Status == domain.StatusPaused) != (run.HITLState != "") {
		t.Fatalf("paused/hitl invariant broken: status=%s hitl=%q", run.Status, run.HITLState)
	}
}

func TestCreateRunRejectsShortIdea(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRun(env.Ctx, "founder", "too short")
	if !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCreateRunEntersPhase1A(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	if run.State != domain.StatePhase1A || run.Status != domain.StatusRunning {
		t.Fatalf("unexpected initial position: state=%s status=%s", run.State, run.Status)
	}
}

func TestHappyPathProceedsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)

	expected := []struct {
		hitl  string
		state string
	}{
		{domain.CheckpointApproveBrief, domain.StatePhase1A},
		{domain.CheckpointApproveDiscoveryOutput, domain.StatePhase1B},
		{domain.CheckpointApproveDesirabilityGate, domain.StatePhase2},
		{domain.CheckpointApproveFeasibilityGate, domain.StatePhase3},
		{domain.CheckpointApproveViabilityGate, domain.StatePhase4},
	}
	for _, step := range expected {
		run = env.advance(t, run.ID)
		if run.Status != domain.StatusPaused || run.HITLState != step.hitl || run.State != step.state {
			t.Fatalf("expected pause at %s in %s, got status=%s hitl=%s state=%s",
				step.hitl, step.state, run.Status, run.HITLState, run.State)
		}
		cp := env.pendingCheckpoint(t, run.ID)
		if cp.Type != step.hitl {
			t.Fatalf("checkpoint type %s, want %s", cp.Type, step.hitl)
		}
		run = env.resolve(t, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeApprove})
	}
	if run.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if run.FinalDecision == nil || *run.FinalDecision != domain.DecisionProceed {
		t.Fatalf("expected final decision proceed, got %v", run.FinalDecision)
	}
	if run.CompletedAt == nil {
		t.Fatalf("completed run missing completed_at")
	}

	entries, err := env.Engine.PhaseState(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 evidence entries, got %d", len(entries))
	}
}

func TestAdvanceWhilePausedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	run = env.advance(t, run.ID)
	before := env.Exec.callCount(task.KindFoundersBrief)
	run2 := env.advance(t, run.ID)
	if env.Exec.callCount(task.KindFoundersBrief) != before {
		t.Fatalf("advance while paused dispatched a task")
	}
	if run2.Status != run.Status || run2.HITLState != run.HITLState {
		t.Fatalf("advance while paused changed the run")
	}
}

func TestConcurrentAdvanceRunsTaskOnce(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)

	release := make(chan struct{})
	env.Exec.setBlock(release)

	done := make(chan error, 1)
	go func() { done <- env.Engine.Advance(env.Ctx, run.ID) }()
	waitFor(t, func() bool { return env.Exec.callCount(task.KindFoundersBrief) == 1 })

	// A second advance while the step is in flight must not dispatch the
	// task a second time.
	if err := env.Engine.Advance(env.Ctx, run.ID); err != nil {
		t.Fatalf("concurrent advance: %v", err)
	}
	if got := env.Exec.callCount(task.KindFoundersBrief); got != 1 {
		t.Fatalf("expected one task dispatch for one logical step, got %d", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("advance: %v", err)
	}
	env.Exec.setBlock(nil)
	run = env.getRun(t, run.ID)
	if run.HITLState != domain.CheckpointApproveBrief {
		t.Fatalf("expected pause at approve_brief, got %s", run.HITLState)
	}
	env.pendingCheckpoint(t, run.ID)
}

func TestInjectedClockStampsCheckpointRecords(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.advance(t, run.ID)
	cp := env.pendingCheckpoint(t, run.ID)

	want := "2026-01-01T00:00:00Z"
	if cp.CreatedAt != want {
		t.Fatalf("checkpoint created_at %s, want %s", cp.CreatedAt, want)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, run.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range events {
		if e.TS != want {
			t.Fatalf("event %s stamped %s, want %s", e.Type, e.TS, want)
		}
	}

	env.tick(time.Minute)
	env.resolve(t, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeApprove})
	resolved, err := env.Engine.Repo.GetCheckpoint(env.Ctx, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ResolvedAt == nil || *resolved.ResolvedAt != "2026-01-01T00:01:00Z" {
		t.Fatalf("resolved_at %v, want the advanced clock", resolved.ResolvedAt)
	}
}

func TestRejectReRunsWithFeedback(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	run = env.advance(t, run.ID)
	cp := env.pendingCheckpoint(t, run.ID)

	run = env.resolve(t, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeReject, Feedback: "sharpen the problem"})
	if run.Status != domain.StatusRunning || run.State != domain.StatePhase1A {
		t.Fatalf("reject should stay in the same stage running, got status=%s state=%s", run.Status, run.State)
	}
	if run.Version != 1 {
		t.Fatalf("reject should bump version, got %d", run.Version)
	}

	run = env.advance(t, run.ID)
	req := env.Exec.requestFor(task.KindFoundersBrief)
	if req.Feedback != "sharpen the problem" {
		t.Fatalf("re-run did not carry feedback, got %q", req.Feedback)
	}
	if req.Version != 1 {
		t.Fatalf("re-run did not carry bumped version, got %d", req.Version)
	}
	if run.HITLState != domain.CheckpointApproveBrief {
		t.Fatalf("expected a fresh brief checkpoint, got %s", run.HITLState)
	}
}

func TestRegenerateReRunsWithoutFeedback(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	run = env.advance(t, run.ID)
	cp := env.pendingCheckpoint(t, run.ID)

	run = env.resolve(t, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeRegenerate})
	if run.Version != 0 {
		t.Fatalf("regenerate should not bump version, got %d", run.Version)
	}
	env.advance(t, run.ID)
	req := env.Exec.requestFor(task.KindFoundersBrief)
	if req.Feedback != "" {
		t.Fatalf("regenerate should not carry feedback, got %q", req.Feedback)
	}
}

func TestRejectRequiresFeedback(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.advance(t, run.ID)
	cp := env.pendingCheckpoint(t, run.ID)
	_, _, err := env.Engine.ResolveCheckpoint(env.Ctx, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeReject, ActorID: "founder"})
	if !errors.Is(err, checkpoint.ErrFeedbackRequired) {
		t.Fatalf("expected ErrFeedbackRequired, got %v", err)
	}
}

func TestApproveWithEditsMergesIntoEvidence(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.advance(t, run.ID)
	cp := env.pendingCheckpoint(t, run.ID)

	env.resolve(t, cp.ID, checkpoint.Outcome{
		Kind:  checkpoint.OutcomeApprove,
		Edits: map[string]any{"summary": "corrected summary"},
	})
	payload, err := env.Engine.Repo.GetPhaseState(env.Ctx, run.ID, "founders_brief")
	if err != nil {
		t.Fatal(err)
	}
	var brief map[string]any
	if err := json.Unmarshal([]byte(payload), &brief); err != nil {
		t.Fatal(err)
	}
	if brief["summary"] != "corrected summary" {
		t.Fatalf("edit not merged, summary=%v", brief["summary"])
	}

	resolved, err := env.Engine.Repo.GetCheckpoint(env.Ctx, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	edit, ok := resolved.Edits["summary"]
	if !ok || edit.Original != "summary" || edit.EditedBy != "founder" {
		t.Fatalf("original value not preserved in checkpoint: %+v", resolved.Edits)
	}
}

func TestNoInterestRoutesToSegmentPivot(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.setOutput(task.KindDesirabilityResearch, map[string]any{
		"problem_resonance": 0.15, "zombie_ratio": 0.1, "conversion_rate": 0.2,
	})
	run := env.runToPhase2(t)

	run = env.advance(t, run.ID)
	if run.HITLState != domain.CheckpointApproveSegmentPivot {
		t.Fatalf("expected segment pivot checkpoint, got %s", run.HITLState)
	}
	if run.PivotType == nil || *run.PivotType != domain.PivotSegment {
		t.Fatalf("expected pivot type recorded, got %v", run.PivotType)
	}

	cp := env.pendingCheckpoint(t, run.ID)
	run = env.resolve(t, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeApprove})
	if run.State != domain.StatePhase1B || run.Status != domain.StatusRunning {
		t.Fatalf("segment pivot should restart at PHASE_1B, got state=%s status=%s", run.State, run.Status)
	}
	if run.Version != 1 {
		t.Fatalf("pivot restart should bump version, got %d", run.Version)
	}

	// Earlier evidence survives the restart.
	if _, err := env.Engine.Repo.GetPhaseState(env.Ctx, run.ID, "founders_brief"); err != nil {
		t.Fatalf("founders_brief evidence lost across pivot: %v", err)
	}
}

func TestZombieRatioRoutesToValuePivot(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.setOutput(task.KindDesirabilityResearch, map[string]any{
		"problem_resonance": 0.3, "zombie_ratio": 0.6, "conversion_rate": 0.05,
	})
	run := env.runToPhase2(t)
	run = env.advance(t, run.ID)
	if run.HITLState != domain.CheckpointApproveValuePivot {
		t.Fatalf("expected value pivot checkpoint, got %s", run.HITLState)
	}
}

func TestMildInterestProceedsWithCaution(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.setOutput(task.KindDesirabilityResearch, map[string]any{
		"problem_resonance": 0.3, "zombie_ratio": 0.2, "conversion_rate": 0.05,
	})
	run := env.runToPhase2(t)
	run = env.advance(t, run.ID)
	if run.HITLState != domain.CheckpointApproveDesirabilityGate {
		t.Fatalf("expected desirability gate checkpoint, got %s", run.HITLState)
	}
	if !run.Caution {
		t.Fatalf("expected caution flag")
	}
}

func TestInfeasibleRoutesToHumanDecision(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.setOutput(task.KindFeasibilityResearch, map[string]any{
		"solution_confidence": 0.2, "prototype_success_rate": 0.5, "critical_risks": 1,
	})
	run := env.runToPhase3(t)
	run = env.advance(t, run.ID)
	if run.HITLState != domain.CheckpointRequestHumanDecision {
		t.Fatalf("expected human decision checkpoint, got %s", run.HITLState)
	}
	cp := env.pendingCheckpoint(t, run.ID)
	run = env.resolve(t, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeApprove})
	if run.Status != domain.StatusCompleted || run.FinalDecision == nil || *run.FinalDecision != domain.DecisionStop {
		t.Fatalf("acknowledging a stop should complete with stop, got status=%s decision=%v", run.Status, run.FinalDecision)
	}
}

func TestUnderwaterRoutesToStrategicPivot(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.setOutput(task.KindViabilityResearch, map[string]any{"ltv_cac_ratio": 0.7})
	run := env.runToPhase4(t)
	run = env.advance(t, run.ID)
	if run.HITLState != domain.CheckpointApproveStrategicPivot {
		t.Fatalf("expected strategic pivot checkpoint, got %s", run.HITLState)
	}
	cp := env.pendingCheckpoint(t, run.ID)
	run = env.resolve(t, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeApprove})
	if run.Status != domain.StatusCompleted || run.FinalDecision == nil || *run.FinalDecision != domain.DecisionPivot {
		t.Fatalf("strategic pivot should end the run with pivot, got status=%s decision=%v", run.Status, run.FinalDecision)
	}
}

func TestTransientFailuresExhaustRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.setErr(task.KindFoundersBrief, task.NewTransient(fmt.Errorf("backend unavailable")))
	run := env.createRun(t)

	for i := 1; i <= 2; i++ {
		run = env.advance(t, run.ID)
		if run.Status != domain.StatusRunning || run.Attempts != i {
			t.Fatalf("attempt %d: status=%s attempts=%d", i, run.Status, run.Attempts)
		}
		if run.NextAttemptAt == nil {
			t.Fatalf("attempt %d: expected backoff schedule", i)
		}
		env.tick(10 * time.Minute)
	}
	run = env.advance(t, run.ID)
	if run.Status != domain.StatusFailed {
		t.Fatalf("expected failed after exhausting attempts, got %s", run.Status)
	}
	if run.LastError == nil {
		t.Fatalf("failed run missing last_error")
	}

	// Failed runs never resurrect without an explicit retry.
	before := env.Exec.callCount(task.KindFoundersBrief)
	env.advance(t, run.ID)
	if env.Exec.callCount(task.KindFoundersBrief) != before {
		t.Fatalf("failed run was advanced")
	}
}

func TestBackoffDelaysNextAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.setErr(task.KindFoundersBrief, task.NewTransient(fmt.Errorf("rate limited")))
	run := env.createRun(t)
	env.advance(t, run.ID)
	before := env.Exec.callCount(task.KindFoundersBrief)
	env.advance(t, run.ID)
	if env.Exec.callCount(task.KindFoundersBrief) != before {
		t.Fatalf("advance before backoff window dispatched a task")
	}
	env.tick(10 * time.Minute)
	env.advance(t, run.ID)
	if env.Exec.callCount(task.KindFoundersBrief) != before+1 {
		t.Fatalf("advance after backoff window did not dispatch")
	}
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.setErr(task.KindFoundersBrief, task.NewPermanent(fmt.Errorf("malformed output")))
	run := env.createRun(t)
	run = env.advance(t, run.ID)
	if run.Status != domain.StatusFailed {
		t.Fatalf("expected immediate failure, got %s", run.Status)
	}
}

func TestRetryResetsFailedRun(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.setErr(task.KindFoundersBrief, task.NewPermanent(fmt.Errorf("malformed output")))
	run := env.createRun(t)
	run = env.advance(t, run.ID)

	_, err := env.Engine.Retry(env.Ctx, run.ID, "founder")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	run = env.getRun(t, run.ID)
	if run.Status != domain.StatusRunning || run.Attempts != 0 || run.LastError != nil {
		t.Fatalf("retry did not reset the run: %+v", run)
	}

	_, err = env.Engine.Retry(env.Ctx, run.ID, "founder")
	if !errors.Is(err, engine.ErrRunNotFailed) {
		t.Fatalf("retry of a running run should fail, got %v", err)
	}
}

func TestDuplicateResolveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.advance(t, run.ID)
	cp := env.pendingCheckpoint(t, run.ID)

	first, _, err := env.Engine.ResolveCheckpoint(env.Ctx, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeApprove, ActorID: "founder"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Duplicate {
		t.Fatalf("first resolve flagged duplicate")
	}
	runAfter := env.getRun(t, run.ID)

	second, _, err := env.Engine.ResolveCheckpoint(env.Ctx, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeReject, Feedback: "changed my mind", ActorID: "founder"})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate {
		t.Fatalf("second resolve not flagged duplicate")
	}
	if second.Checkpoint.Status != domain.CheckpointApproved {
		t.Fatalf("duplicate resolve changed the stored outcome to %s", second.Checkpoint.Status)
	}
	runFinal := env.getRun(t, run.ID)
	if runFinal.State != runAfter.State || runFinal.Version != runAfter.Version {
		t.Fatalf("duplicate resolve moved the run")
	}
}

func TestCancelWinsOverResolve(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.advance(t, run.ID)
	cp := env.pendingCheckpoint(t, run.ID)

	if _, err := env.Engine.CancelRun(env.Ctx, run.ID, "founder"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, _, err := env.Engine.ResolveCheckpoint(env.Ctx, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeApprove, ActorID: "founder"})
	if !errors.Is(err, engine.ErrRunArchived) {
		t.Fatalf("expected ErrRunArchived, got %v", err)
	}
}

func TestCancelTerminalRunFails(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.setErr(task.KindFoundersBrief, task.NewPermanent(fmt.Errorf("broken")))
	run := env.createRun(t)
	env.advance(t, run.ID)
	if _, err := env.Engine.CancelRun(env.Ctx, run.ID, "founder"); err == nil {
		t.Fatalf("expected cancel of failed run to error")
	}
}

func TestEventsRecordRunLifecycle(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.advance(t, run.ID)
	cp := env.pendingCheckpoint(t, run.ID)
	env.resolve(t, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeApprove})

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, run.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, want := range []string{"run.created", "phase.entered", "task.completed", "checkpoint.opened", "run.paused", "checkpoint.resolved", "run.resumed"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, events)
		}
	}
}

// runToPhase2 walks a fresh run through the fixed checkpoints into PHASE_2.
func (env *testEnv) runToPhase2(t *testing.T) domain.Run {
	t.Helper()
	run := env.createRun(t)
	for i := 0; i < 2; i++ {
		run = env.advance(t, run.ID)
		cp := env.pendingCheckpoint(t, run.ID)
		run = env.resolve(t, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeApprove})
	}
	if run.State != domain.StatePhase2 {
		t.Fatalf("expected PHASE_2, got %s", run.State)
	}
	return run
}

func (env *testEnv) runToPhase3(t *testing.T) domain.Run {
	t.Helper()
	run := env.runToPhase2(t)
	run = env.advance(t, run.ID)
	cp := env.pendingCheckpoint(t, run.ID)
	run = env.resolve(t, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeApprove})
	if run.State != domain.StatePhase3 {
		t.Fatalf("expected PHASE_3, got %s", run.State)
	}
	return run
}

func (env *testEnv) runToPhase4(t *testing.T) domain.Run {
	t.Helper()
	run := env.runToPhase3(t)
	run = env.advance(t, run.ID)
	cp := env.pendingCheckpoint(t, run.ID)
	run = env.resolve(t, cp.ID, checkpoint.Outcome{Kind: checkpoint.OutcomeApprove})
	if run.State != domain.StatePhase4 {
		t.Fatalf("expected PHASE_4, got %s", run.State)
	}
	return run
}
