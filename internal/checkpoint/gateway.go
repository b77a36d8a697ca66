// Package checkpoint owns the human-in-the-loop approval records. The
// gateway is the source of truth for the one-pending-per-run rule and for
// idempotent resolution under duplicate delivery.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"venturegate/internal/domain"
	"venturegate/internal/repo"
)

var (
	ErrAlreadyPending   = errors.New("checkpoint already pending for run")
	ErrFeedbackRequired = errors.New("rejection requires feedback")
)

type OutcomeKind string

const (
	OutcomeApprove    OutcomeKind = "approve"
	OutcomeReject     OutcomeKind = "reject"
	OutcomeRegenerate OutcomeKind = "regenerate"
)

// Outcome is one human resolution. Edits carry corrected values; the
// gateway records the original values from the payload snapshot itself.
type Outcome struct {
	Kind     OutcomeKind
	ActorID  string
	Feedback string
	Edits    map[string]any
}

func (o Outcome) Validate() error {
	switch o.Kind {
	case OutcomeApprove, OutcomeRegenerate:
		return nil
	case OutcomeReject:
		if strings.TrimSpace(o.Feedback) == "" {
			return ErrFeedbackRequired
		}
		return nil
	default:
		return fmt.Errorf("unknown outcome kind %q", o.Kind)
	}
}

// Resolution is the result of a resolve call. Duplicate marks a repeat
// resolution of an already-resolved checkpoint; the original record is
// returned unchanged so UI retries are safe.
type Resolution struct {
	Checkpoint domain.Checkpoint
	Duplicate  bool
}

type Gateway struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (g Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Open creates a pending checkpoint inside the caller's transaction. The
// state machine never calls this while paused, but the gateway enforces the
// invariant anyway since it is the authority under concurrent access.
func (g Gateway) Open(ctx context.Context, tx *sql.Tx, runID, checkpointType string, payload map[string]any) (domain.Checkpoint, error) {
	if _, err := g.Repo.PendingCheckpointTx(ctx, tx, runID); err == nil {
		return domain.Checkpoint{}, ErrAlreadyPending
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Checkpoint{}, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("marshal checkpoint payload: %w", err)
	}
	cp := domain.Checkpoint{
		ID:          uuid.New().String(),
		RunID:       runID,
		Type:        checkpointType,
		Status:      domain.CheckpointPending,
		PayloadJSON: string(data),
		CreatedAt:   g.now().UTC().Format(time.RFC3339),
	}
	if err := g.Repo.InsertCheckpoint(ctx, tx, cp); err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

// Resolve transitions pending -> approved|rejected. A checkpoint resolves
// exactly once; any later call returns the original resolution instead of
// erroring, so duplicate network retries from the approval UI are harmless.
func (g Gateway) Resolve(ctx context.Context, tx *sql.Tx, checkpointID string, out Outcome) (Resolution, error) {
	if err := out.Validate(); err != nil {
		return Resolution{}, err
	}
	cp, err := g.Repo.GetCheckpointTx(ctx, tx, checkpointID)
	if err != nil {
		return Resolution{}, err
	}
	if cp.Status != domain.CheckpointPending {
		return Resolution{Checkpoint: cp, Duplicate: true}, nil
	}

	status := domain.CheckpointApproved
	var feedback *string
	if out.Kind == OutcomeReject || out.Kind == OutcomeRegenerate {
		status = domain.CheckpointRejected
	}
	if out.Feedback != "" {
		feedback = &out.Feedback
	}
	edits, err := annotateEdits(cp.PayloadJSON, out)
	if err != nil {
		return Resolution{}, err
	}
	resolvedAt := g.now().UTC().Format(time.RFC3339)
	if err := g.Repo.MarkCheckpointResolved(ctx, tx, cp.ID, status, feedback, edits, resolvedAt); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Lost a resolution race inside the same process; surface the
			// winner's record.
			cp, rerr := g.Repo.GetCheckpointTx(ctx, tx, checkpointID)
			if rerr != nil {
				return Resolution{}, rerr
			}
			return Resolution{Checkpoint: cp, Duplicate: true}, nil
		}
		return Resolution{}, err
	}
	cp.Status = status
	cp.Feedback = feedback
	cp.Edits = edits
	cp.ResolvedAt = &resolvedAt
	return Resolution{Checkpoint: cp}, nil
}

// annotateEdits pairs each corrected value with the value originally in the
// payload snapshot, tagged with the editing actor.
func annotateEdits(payloadJSON string, out Outcome) (map[string]domain.Edit, error) {
	if len(out.Edits) == 0 {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("decode checkpoint payload: %w", err)
	}
	edits := make(map[string]domain.Edit, len(out.Edits))
	for path, value := range out.Edits {
		original, _ := LookupField(payload, path)
		edits[path] = domain.Edit{
			Value:    value,
			Original: original,
			EditedBy: out.ActorID,
		}
	}
	return edits, nil
}

// LookupField resolves a dotted field path in a decoded JSON object.
func LookupField(obj map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = obj
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetField writes a value at a dotted field path, creating intermediate
// objects as needed.
func SetField(obj map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := obj
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}
