package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"venturegate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict signals a lost optimistic-concurrency race on a run
// record. The caller re-reads and re-evaluates instead of overwriting.
var ErrVersionConflict = errors.New("run row version conflict")

const runColumns = `id,owner_id,idea,phase,state,status,hitl_state,final_decision,pivot_type,pivot_rationale,caution,version,attempts,next_attempt_at,last_error,retry_feedback,row_version,created_at,updated_at,completed_at`

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(row runScanner) (domain.Run, error) {
	var r domain.Run
	var hitl, finalDecision, pivotType, pivotRationale, nextAttempt, lastError, retryFeedback, completedAt sql.NullString
	var caution int
	err := row.Scan(&r.ID, &r.OwnerID, &r.Idea, &r.Phase, &r.State, &r.Status, &hitl,
		&finalDecision, &pivotType, &pivotRationale, &caution, &r.Version, &r.Attempts,
		&nextAttempt, &lastError, &retryFeedback, &r.RowVersion, &r.CreatedAt, &r.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if hitl.Valid {
		r.HITLState = hitl.String
	}
	if finalDecision.Valid {
		r.FinalDecision = &finalDecision.String
	}
	if pivotType.Valid {
		r.PivotType = &pivotType.String
	}
	if pivotRationale.Valid {
		r.PivotRationale = &pivotRationale.String
	}
	if nextAttempt.Valid {
		r.NextAttemptAt = &nextAttempt.String
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	if retryFeedback.Valid {
		r.RetryFeedback = &retryFeedback.String
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.String
	}
	r.Caution = caution != 0
	return r, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.OwnerID, run.Idea, run.Phase, run.State, run.Status, nullable(run.HITLState),
		nullableStringPtr(run.FinalDecision), nullableStringPtr(run.PivotType), nullableStringPtr(run.PivotRationale),
		boolInt(run.Caution), run.Version, run.Attempts, nullableStringPtr(run.NextAttemptAt),
		nullableStringPtr(run.LastError), nullableStringPtr(run.RetryFeedback), run.RowVersion, run.CreatedAt, run.UpdatedAt, nullableStringPtr(run.CompletedAt))
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// UpdateRun persists a run guarded by its row version. The stored row
// version is bumped; run.RowVersion must hold the version that was read.
func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET phase=?, state=?, status=?, hitl_state=?, final_decision=?, pivot_type=?, pivot_rationale=?, caution=?, version=?, attempts=?, next_attempt_at=?, last_error=?, retry_feedback=?, row_version=row_version+1, updated_at=?, completed_at=? WHERE id=? AND row_version=?`,
		run.Phase, run.State, run.Status, nullable(run.HITLState),
		nullableStringPtr(run.FinalDecision), nullableStringPtr(run.PivotType), nullableStringPtr(run.PivotRationale),
		boolInt(run.Caution), run.Version, run.Attempts, nullableStringPtr(run.NextAttemptAt),
		nullableStringPtr(run.LastError), nullableStringPtr(run.RetryFeedback), run.UpdatedAt, nullableStringPtr(run.CompletedAt),
		run.ID, run.RowVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

type RunFilters struct {
	OwnerID         string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ListDueRuns returns ids of running runs whose backoff window has passed.
// Used by the supervisor's poll loop to resume work after restarts.
func (r Repo) ListDueRuns(ctx context.Context, now string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM runs WHERE status=? AND (next_attempt_at IS NULL OR next_attempt_at<=?) ORDER BY updated_at ASC LIMIT ?`,
		"running", now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertCheckpoint(ctx context.Context, tx *sql.Tx, cp domain.Checkpoint) error {
	edits, err := marshalEdits(cp.Edits)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO checkpoints(id,run_id,type,status,payload_json,feedback,edits_json,created_at,resolved_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		cp.ID, cp.RunID, cp.Type, cp.Status, cp.PayloadJSON, nullableStringPtr(cp.Feedback), edits, cp.CreatedAt, nullableStringPtr(cp.ResolvedAt))
	return err
}

func scanCheckpoint(row runScanner) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var feedback, edits, resolvedAt sql.NullString
	err := row.Scan(&cp.ID, &cp.RunID, &cp.Type, &cp.Status, &cp.PayloadJSON, &feedback, &edits, &cp.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, err
	}
	if feedback.Valid {
		cp.Feedback = &feedback.String
	}
	if resolvedAt.Valid {
		cp.ResolvedAt = &resolvedAt.String
	}
	if edits.Valid && edits.String != "" {
		if err := json.Unmarshal([]byte(edits.String), &cp.Edits); err != nil {
			return cp, fmt.Errorf("decode checkpoint edits: %w", err)
		}
	}
	return cp, nil
}

const checkpointColumns = `id,run_id,type,status,payload_json,feedback,edits_json,created_at,resolved_at`

func (r Repo) GetCheckpoint(ctx context.Context, id string) (domain.Checkpoint, error) {
	return scanCheckpoint(r.DB.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id=?`, id))
}

func (r Repo) GetCheckpointTx(ctx context.Context, tx *sql.Tx, id string) (domain.Checkpoint, error) {
	return scanCheckpoint(tx.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id=?`, id))
}

// PendingCheckpointTx returns the single pending checkpoint for a run.
func (r Repo) PendingCheckpointTx(ctx context.Context, tx *sql.Tx, runID string) (domain.Checkpoint, error) {
	return scanCheckpoint(tx.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE run_id=? AND status='pending' LIMIT 1`, runID))
}

// MarkCheckpointResolved flips pending to the given status. Returns
// ErrNotFound when the checkpoint is no longer pending, which the gateway
// uses to detect duplicate resolutions.
func (r Repo) MarkCheckpointResolved(ctx context.Context, tx *sql.Tx, id, status string, feedback *string, edits map[string]domain.Edit, resolvedAt string) error {
	editsJSON, err := marshalEdits(edits)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE checkpoints SET status=?, feedback=?, edits_json=?, resolved_at=? WHERE id=? AND status='pending'`,
		status, nullableStringPtr(feedback), editsJSON, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CheckpointFilters struct {
	RunID  string
	Status string
	Type   string
	Limit  int
}

func (r Repo) ListCheckpoints(ctx context.Context, f CheckpointFilters) ([]domain.Checkpoint, error) {
	var clauses []string
	var args []any
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}

// UpsertPhaseState writes one evidence payload. Keys are only ever added or
// overwritten, never deleted; re-running a phase after a pivot keeps prior
// evidence available for synthesis.
func (r Repo) UpsertPhaseState(ctx context.Context, tx *sql.Tx, runID, key, payloadJSON, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phase_state(run_id,key,payload_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(run_id,key) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		runID, key, payloadJSON, updatedAt)
	return err
}

func (r Repo) ListPhaseState(ctx context.Context, runID string) ([]domain.PhaseStateEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,key,payload_json,updated_at FROM phase_state WHERE run_id=? ORDER BY key ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseStateEntry
	for rows.Next() {
		var e domain.PhaseStateEntry
		if err := rows.Scan(&e.RunID, &e.Key, &e.Payload, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) GetPhaseState(ctx context.Context, runID, key string) (string, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM phase_state WHERE run_id=? AND key=?`, runID, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return payload, err
}

func (r Repo) GetPhaseStateTx(ctx context.Context, tx *sql.Tx, runID, key string) (string, error) {
	var payload string
	err := tx.QueryRowContext(ctx, `SELECT payload_json FROM phase_state WHERE run_id=? AND key=?`, runID, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return payload, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, runID, evtType)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, runID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, runID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID, optionally run-scoped.
func (r Repo) LatestEventID(ctx context.Context, runID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var runID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &runID, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if runID.Valid {
			e.RunID = runID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalEdits(edits map[string]domain.Edit) (any, error) {
	if len(edits) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(edits)
	if err != nil {
		return nil, fmt.Errorf("marshal edits: %w", err)
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
