// Package engine is the run state machine. It owns every mutation of a
// validation run: task dispatch, checkpoint insertion, gate evaluation and
// phase transitions. Nothing else writes run records.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"venturegate/internal/checkpoint"
	"venturegate/internal/config"
	"venturegate/internal/domain"
	"venturegate/internal/events"
	"venturegate/internal/gate"
	"venturegate/internal/notify"
	"venturegate/internal/repo"
	"venturegate/internal/task"
)

var (
	ErrInvalidInput        = errors.New("idea too short to validate")
	ErrNoPendingCheckpoint = errors.New("no matching pending checkpoint")
	ErrRunArchived         = errors.New("run is archived")
	ErrRunNotFailed        = errors.New("run is not failed")
)

const orchestratorActor = "orchestrator"

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Gateway  checkpoint.Gateway
	Executor task.Executor
	Config   *config.Config
	Notifier notify.Notifier

	// OnRunnable is called after a commit leaves a run in the running
	// status. The supervisor uses it to re-dispatch without polling delay.
	OnRunnable func(runID string)

	Now func() time.Time

	claims *stepClaims
}

// stepClaims serializes Advance per run within the process. The CAS on the
// run row keeps state consistent either way, but without the claim two
// concurrent advances of the same runnable step would both dispatch the
// task and one result would be thrown away.
type stepClaims struct {
	mu     sync.Mutex
	active map[string]bool
}

func (c *stepClaims) acquire(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[runID] {
		return false
	}
	c.active[runID] = true
	return true
}

func (c *stepClaims) release(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, runID)
}

func New(db *sql.DB, cfg *config.Config, executor task.Executor) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Gateway:  checkpoint.Gateway{Repo: r},
		Executor: executor,
		Config:   cfg,
		Notifier: notify.LogNotifier{},
		Now:      time.Now,
		claims:   &stepClaims{active: make(map[string]bool)},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) notifier() notify.Notifier {
	if e.Notifier != nil {
		return e.Notifier
	}
	return notify.Noop{}
}

// gateway and eventLog pick up the injected clock at call time so every
// record a step writes shares one time source.
func (e Engine) gateway() checkpoint.Gateway {
	g := e.Gateway
	if g.Now == nil {
		g.Now = e.now
	}
	return g
}

func (e Engine) eventLog() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) runnable(runID string) {
	if e.OnRunnable != nil {
		e.OnRunnable(runID)
	}
}

// CreateRun validates the raw idea and creates a run ready for its first
// task. Onboarding (PHASE_0) is the intake validation itself, so the run
// leaves CreateRun already positioned at PHASE_1A.
func (e Engine) CreateRun(ctx context.Context, ownerID, idea string) (domain.Run, error) {
	if e.Config == nil {
		return domain.Run{}, errors.New("config not loaded")
	}
	if ownerID == "" {
		return domain.Run{}, errors.New("owner is required")
	}
	if len(strings.TrimSpace(idea)) < e.Config.Orchestrator.MinIdeaLength {
		return domain.Run{}, fmt.Errorf("%w: need at least %d characters", ErrInvalidInput, e.Config.Orchestrator.MinIdeaLength)
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Idea:      strings.TrimSpace(idea),
		Phase:     0,
		State:     domain.StatePhase0,
		Status:    domain.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	if err := e.eventLog().Append(ctx, tx, "run.created", run.ID, run.ID, ownerID, events.EventPayload{"phase": 0, "state": run.State}); err != nil {
		return domain.Run{}, err
	}
	run.State = domain.StatePhase1A
	run.Phase = 1
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	run.RowVersion++
	if err := e.eventLog().Append(ctx, tx, "phase.entered", run.ID, run.ID, orchestratorActor, events.EventPayload{"phase": 1, "state": run.State}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	e.runnable(run.ID)
	return run, nil
}

// Advance drives exactly one task-and-transition step. It is idempotent:
// paused, terminal and not-yet-due runs are no-ops, and a lost version race
// means another worker already applied this step.
func (e Engine) Advance(ctx context.Context, runID string) error {
	if e.claims != nil {
		if !e.claims.acquire(runID) {
			return nil
		}
		defer e.claims.release(runID)
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.StatusRunning {
		return nil
	}
	if run.NextAttemptAt != nil {
		due, perr := time.Parse(time.RFC3339, *run.NextAttemptAt)
		if perr == nil && e.now().UTC().Before(due) {
			return nil
		}
	}
	st, ok := stageFor(run.State)
	if !ok {
		return fmt.Errorf("run %s in unexpected state %s", run.ID, run.State)
	}

	req := task.Request{
		RunID:   run.ID,
		Kind:    st.task,
		Idea:    run.Idea,
		Version: run.Version,
	}
	if run.RetryFeedback != nil {
		req.Feedback = *run.RetryFeedback
	}
	req.Evidence, err = e.loadEvidence(ctx, run.ID)
	if err != nil {
		return err
	}

	res, taskErr := e.Executor.Execute(ctx, req)
	if taskErr != nil {
		return e.recordTaskFailure(ctx, run, st, taskErr)
	}
	return e.recordTaskSuccess(ctx, run, st, res)
}

func (e Engine) recordTaskFailure(ctx context.Context, run domain.Run, st stage, taskErr error) error {
	now := e.now().UTC()
	msg := taskErr.Error()
	run.LastError = &msg
	transient := task.IsTransient(taskErr)
	run.Attempts++
	failed := !transient || run.Attempts >= e.Config.Orchestrator.MaxAttempts
	if failed {
		run.Status = domain.StatusFailed
		run.NextAttemptAt = nil
	} else {
		next := now.Add(e.backoff(run.Attempts)).Format(time.RFC3339)
		run.NextAttemptAt = &next
	}
	run.UpdatedAt = now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return nil
		}
		return err
	}
	payload := events.EventPayload{"task": string(st.task), "error": msg, "attempt": run.Attempts, "transient": transient}
	if err := e.eventLog().Append(ctx, tx, "task.failed", run.ID, run.ID, orchestratorActor, payload); err != nil {
		return err
	}
	if failed {
		if err := e.eventLog().Append(ctx, tx, "run.failed", run.ID, run.ID, orchestratorActor, events.EventPayload{"error": msg}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e Engine) recordTaskSuccess(ctx context.Context, run domain.Run, st stage, res task.Result) error {
	now := e.now().UTC().Format(time.RFC3339)
	outputJSON, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Errorf("marshal task output: %w", err)
	}

	run.Attempts = 0
	run.NextAttemptAt = nil
	run.LastError = nil
	run.RetryFeedback = nil
	run.UpdatedAt = now

	checkpointType := st.checkpointType
	payload := res.Output
	var decision gate.Decision
	gated := st.gateType != ""
	if gated {
		decision, err = evaluateGate(st, res.Output, e.Config.Gates)
		if err != nil {
			return err
		}
		checkpointType = checkpointForDecision(st, decision)
		if decision.Caution {
			run.Caution = true
		}
		if decision.Route == gate.RoutePivot {
			pivotType := decision.PivotType
			rationale := decision.Rationale
			run.PivotType = &pivotType
			run.PivotRationale = &rationale
		}
		payload = map[string]any{
			"evidence":  res.Output,
			"signal":    decision.Signal,
			"route":     decision.Route,
			"rationale": decision.Rationale,
		}
		if decision.PivotType != "" {
			payload["pivot_type"] = decision.PivotType
		}
	}
	run.Status = domain.StatusPaused
	run.HITLState = checkpointType

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			// Someone else moved the run (likely a cancel); discard the
			// task result per the cooperative-cancellation contract.
			return nil
		}
		return err
	}
	if err := e.Repo.UpsertPhaseState(ctx, tx, run.ID, st.evidenceKey, string(outputJSON), now); err != nil {
		return err
	}
	if err := e.eventLog().Append(ctx, tx, "task.completed", run.ID, run.ID, orchestratorActor, events.EventPayload{"task": string(st.task), "evidence_key": st.evidenceKey}); err != nil {
		return err
	}
	if gated {
		evt := events.EventPayload{"gate": st.gateType, "signal": decision.Signal, "route": decision.Route}
		if decision.PivotType != "" {
			evt["pivot_type"] = decision.PivotType
		}
		if err := e.eventLog().Append(ctx, tx, "gate.evaluated", run.ID, run.ID, orchestratorActor, evt); err != nil {
			return err
		}
		if decision.Route == gate.RoutePivot {
			if err := e.eventLog().Append(ctx, tx, "pivot.recommended", run.ID, run.ID, orchestratorActor, events.EventPayload{"pivot_type": decision.PivotType, "rationale": decision.Rationale}); err != nil {
				return err
			}
		}
	}
	cp, err := e.gateway().Open(ctx, tx, run.ID, checkpointType, payload)
	if err != nil {
		return err
	}
	if err := e.eventLog().Append(ctx, tx, "checkpoint.opened", run.ID, cp.ID, orchestratorActor, events.EventPayload{"type": cp.Type}); err != nil {
		return err
	}
	if err := e.eventLog().Append(ctx, tx, "run.paused", run.ID, run.ID, orchestratorActor, events.EventPayload{"hitl_state": checkpointType}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.notifier().CheckpointOpened(run.ID, checkpointType)
	return nil
}

// ResolveCheckpoint applies a human decision to the run's pending
// checkpoint. Duplicate resolutions return the original record and change
// nothing; stale or mismatched checkpoint ids are rejected.
func (e Engine) ResolveCheckpoint(ctx context.Context, checkpointID string, out checkpoint.Outcome) (checkpoint.Resolution, domain.Run, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return checkpoint.Resolution{}, domain.Run{}, err
	}
	defer tx.Rollback()

	cp, err := e.Repo.GetCheckpointTx(ctx, tx, checkpointID)
	if err != nil {
		return checkpoint.Resolution{}, domain.Run{}, err
	}
	run, err := e.Repo.GetRunTx(ctx, tx, cp.RunID)
	if err != nil {
		return checkpoint.Resolution{}, domain.Run{}, err
	}
	if cp.Status != domain.CheckpointPending {
		// Idempotent duplicate: report the original resolution without
		// touching the run or re-triggering any task.
		return checkpoint.Resolution{Checkpoint: cp, Duplicate: true}, run, nil
	}
	if run.Status == domain.StatusArchived {
		return checkpoint.Resolution{}, run, ErrRunArchived
	}
	if run.HITLState == "" || run.HITLState != cp.Type || run.Status != domain.StatusPaused {
		return checkpoint.Resolution{}, run, ErrNoPendingCheckpoint
	}
	st, ok := stageFor(run.State)
	if !ok {
		return checkpoint.Resolution{}, run, fmt.Errorf("run %s in unexpected state %s", run.ID, run.State)
	}

	resolution, err := e.gateway().Resolve(ctx, tx, checkpointID, out)
	if err != nil {
		return checkpoint.Resolution{}, run, err
	}
	if resolution.Duplicate {
		return resolution, run, nil
	}

	now := e.now().UTC().Format(time.RFC3339)
	run.HITLState = ""
	run.Status = domain.StatusRunning
	run.UpdatedAt = now

	actor := out.ActorID
	if actor == "" {
		actor = "human"
	}

	switch out.Kind {
	case checkpoint.OutcomeApprove:
		if err := e.applyEdits(ctx, tx, run, st, resolution.Checkpoint, now); err != nil {
			return checkpoint.Resolution{}, run, err
		}
		if err := e.routeApproval(ctx, tx, &run, cp.Type, now, actor); err != nil {
			return checkpoint.Resolution{}, run, err
		}
	case checkpoint.OutcomeReject:
		run.Version++
		run.RetryFeedback = &out.Feedback
	case checkpoint.OutcomeRegenerate:
		run.RetryFeedback = nil
	}

	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return checkpoint.Resolution{}, run, err
	}
	run.RowVersion++
	if err := e.eventLog().Append(ctx, tx, "checkpoint.resolved", run.ID, cp.ID, actor, events.EventPayload{
		"type": cp.Type, "outcome": string(out.Kind),
	}); err != nil {
		return checkpoint.Resolution{}, run, err
	}
	if run.Status == domain.StatusCompleted {
		if err := e.eventLog().Append(ctx, tx, "run.completed", run.ID, run.ID, actor, events.EventPayload{"final_decision": *run.FinalDecision, "caution": run.Caution}); err != nil {
			return checkpoint.Resolution{}, run, err
		}
	} else {
		if err := e.eventLog().Append(ctx, tx, "run.resumed", run.ID, run.ID, actor, events.EventPayload{"state": run.State}); err != nil {
			return checkpoint.Resolution{}, run, err
		}
	}
	if err := tx.Commit(); err != nil {
		return checkpoint.Resolution{}, run, err
	}
	if run.Status == domain.StatusRunning {
		e.runnable(run.ID)
	}
	return resolution, run, nil
}

// applyEdits merges approved human corrections into the evidence payload so
// downstream phases consume the corrected version. The checkpoint record
// keeps the original values.
func (e Engine) applyEdits(ctx context.Context, tx *sql.Tx, run domain.Run, st stage, cp domain.Checkpoint, now string) error {
	if len(cp.Edits) == 0 {
		return nil
	}
	payloadJSON, err := e.Repo.GetPhaseStateTx(ctx, tx, run.ID, st.evidenceKey)
	if err != nil {
		return err
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("decode phase state %s: %w", st.evidenceKey, err)
	}
	for path, edit := range cp.Edits {
		// Gate checkpoints wrap the evidence in an envelope with the gate
		// verdict; only edits under evidence. touch stored phase state.
		if st.gateType != "" {
			if !strings.HasPrefix(path, "evidence.") {
				continue
			}
			path = strings.TrimPrefix(path, "evidence.")
		}
		checkpoint.SetField(payload, path, edit.Value)
	}
	merged, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.Repo.UpsertPhaseState(ctx, tx, run.ID, st.evidenceKey, string(merged), now)
}

// routeApproval decides where an approved checkpoint sends the run: the
// next stage, a pivot restart, or completion.
func (e Engine) routeApproval(ctx context.Context, tx *sql.Tx, run *domain.Run, checkpointType, now, actor string) error {
	switch checkpointType {
	case domain.CheckpointApproveSegmentPivot, domain.CheckpointApproveValuePivot, domain.CheckpointApproveFeaturePivot:
		pivotType := ""
		if run.PivotType != nil {
			pivotType = *run.PivotType
		}
		restart, ok := pivotRestartState(pivotType)
		if !ok {
			return fmt.Errorf("no restart state for pivot %q", pivotType)
		}
		run.Version++
		run.State = restart
		run.Phase = phaseForState(restart)
		return e.eventLog().Append(ctx, tx, "pivot.applied", run.ID, run.ID, actor, events.EventPayload{
			"pivot_type": pivotType, "restart_state": restart, "version": run.Version,
		})
	case domain.CheckpointApproveStrategicPivot:
		return e.completeRun(run, domain.DecisionPivot, now)
	case domain.CheckpointRequestHumanDecision:
		return e.completeRun(run, domain.DecisionStop, now)
	default:
		st, ok := stageFor(run.State)
		if !ok {
			return fmt.Errorf("run %s in unexpected state %s", run.ID, run.State)
		}
		if st.next == "" {
			return e.completeRun(run, domain.DecisionProceed, now)
		}
		run.State = st.next
		run.Phase = phaseForState(st.next)
		return e.eventLog().Append(ctx, tx, "phase.entered", run.ID, run.ID, actor, events.EventPayload{"phase": run.Phase, "state": run.State})
	}
}

func (e Engine) completeRun(run *domain.Run, decision, now string) error {
	run.Status = domain.StatusCompleted
	run.FinalDecision = &decision
	run.CompletedAt = &now
	return nil
}

// CancelRun archives a run from any non-terminal state. Cancellation wins
// races: an in-flight task's CAS write loses against the archived row and
// its result is discarded.
func (e Engine) CancelRun(ctx context.Context, runID, actorID string) (domain.Run, error) {
	for {
		run, err := e.Repo.GetRun(ctx, runID)
		if err != nil {
			return domain.Run{}, err
		}
		if run.Status == domain.StatusArchived {
			return run, nil
		}
		if run.Status == domain.StatusCompleted || run.Status == domain.StatusFailed {
			return run, fmt.Errorf("run %s is %s and cannot be archived", runID, run.Status)
		}
		run.Status = domain.StatusArchived
		run.HITLState = ""
		run.UpdatedAt = e.now().UTC().Format(time.RFC3339)

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Run{}, err
		}
		err = e.Repo.UpdateRun(ctx, tx, run)
		if err == nil {
			err = e.eventLog().Append(ctx, tx, "run.archived", run.ID, run.ID, actorID, events.EventPayload{})
		}
		if err == nil {
			err = tx.Commit()
		} else {
			tx.Rollback()
		}
		if errors.Is(err, repo.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return domain.Run{}, err
		}
		run.RowVersion++
		return run, nil
	}
}

// Retry returns a failed run to running at its point of failure with a
// fresh attempt budget. Failed runs never resurrect themselves; this is the
// only path back.
func (e Engine) Retry(ctx context.Context, runID, actorID string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status != domain.StatusFailed {
		return run, ErrRunNotFailed
	}
	run.Status = domain.StatusRunning
	run.Attempts = 0
	run.NextAttemptAt = nil
	run.LastError = nil
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	run.RowVersion++
	if err := e.eventLog().Append(ctx, tx, "run.retried", run.ID, run.ID, actorID, events.EventPayload{"state": run.State}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	e.runnable(run.ID)
	return run, nil
}

// GetRun returns a read-only snapshot.
func (e Engine) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return e.Repo.GetRun(ctx, runID)
}

func (e Engine) ListRuns(ctx context.Context, f repo.RunFilters) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx, f)
}

// PhaseState returns the accumulated evidence for a run.
func (e Engine) PhaseState(ctx context.Context, runID string) ([]domain.PhaseStateEntry, error) {
	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.Repo.ListPhaseState(ctx, runID)
}

func (e Engine) loadEvidence(ctx context.Context, runID string) (map[string]map[string]any, error) {
	entries, err := e.Repo.ListPhaseState(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	evidence := make(map[string]map[string]any, len(entries))
	for _, entry := range entries {
		var payload map[string]any
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			return nil, fmt.Errorf("decode phase state %s: %w", entry.Key, err)
		}
		evidence[entry.Key] = payload
	}
	return evidence, nil
}

func (e Engine) backoff(attempt int) time.Duration {
	base := time.Duration(e.Config.Orchestrator.BackoffBaseSec) * time.Second
	max := time.Duration(e.Config.Orchestrator.BackoffMaxSec) * time.Second
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
