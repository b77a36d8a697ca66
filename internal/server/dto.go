package server

import (
	"encoding/json"

	"venturegate/internal/domain"
)

type CreateRunRequest struct {
	OwnerID string `json:"owner_id,omitempty" example:"founder-1"`
	Idea    string `json:"idea" example:"A marketplace connecting independent bakers with local cafes"`
}

type ResolveCheckpointRequest struct {
	Decision string         `json:"decision" enum:"approve,reject,regenerate"`
	Feedback string         `json:"feedback,omitempty"`
	Edits    map[string]any `json:"edits,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type RunResponse struct {
	ID             string  `json:"id"`
	OwnerID        string  `json:"owner_id"`
	Idea           string  `json:"idea"`
	Phase          int     `json:"phase"`
	State          string  `json:"state"`
	Status         string  `json:"status"`
	HITLState      string  `json:"hitl_state,omitempty"`
	FinalDecision  *string `json:"final_decision,omitempty"`
	PivotType      *string `json:"pivot_type,omitempty"`
	PivotRationale *string `json:"pivot_rationale,omitempty"`
	Caution        bool    `json:"caution"`
	Version        int     `json:"version"`
	Attempts       int     `json:"attempts"`
	NextAttemptAt  *string `json:"next_attempt_at,omitempty"`
	LastError      *string `json:"last_error,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Idea:           r.Idea,
		Phase:          r.Phase,
		State:          r.State,
		Status:         r.Status,
		HITLState:      r.HITLState,
		FinalDecision:  r.FinalDecision,
		PivotType:      r.PivotType,
		PivotRationale: r.PivotRationale,
		Caution:        r.Caution,
		Version:        r.Version,
		Attempts:       r.Attempts,
		NextAttemptAt:  r.NextAttemptAt,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    r.CompletedAt,
	}
}

func mapRuns(items []domain.Run) []RunResponse {
	res := make([]RunResponse, 0, len(items))
	for _, r := range items {
		res = append(res, runResponse(r))
	}
	return res
}

type paginatedRuns struct {
	Items      []RunResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type CheckpointResponse struct {
	ID         string                 `json:"id"`
	RunID      string                 `json:"run_id"`
	Type       string                 `json:"type"`
	Status     string                 `json:"status"`
	Payload    json.RawMessage        `json:"payload"`
	Feedback   *string                `json:"feedback,omitempty"`
	Edits      map[string]domain.Edit `json:"edits,omitempty"`
	CreatedAt  string                 `json:"created_at"`
	ResolvedAt *string                `json:"resolved_at,omitempty"`
}

func checkpointResponse(cp domain.Checkpoint) CheckpointResponse {
	payload := json.RawMessage([]byte("{}"))
	if cp.PayloadJSON != "" && json.Valid([]byte(cp.PayloadJSON)) {
		payload = json.RawMessage(cp.PayloadJSON)
	}
	return CheckpointResponse{
		ID:         cp.ID,
		RunID:      cp.RunID,
		Type:       cp.Type,
		Status:     cp.Status,
		Payload:    payload,
		Feedback:   cp.Feedback,
		Edits:      cp.Edits,
		CreatedAt:  cp.CreatedAt,
		ResolvedAt: cp.ResolvedAt,
	}
}

func mapCheckpoints(items []domain.Checkpoint) []CheckpointResponse {
	res := make([]CheckpointResponse, 0, len(items))
	for _, cp := range items {
		res = append(res, checkpointResponse(cp))
	}
	return res
}

type ResolveCheckpointResponse struct {
	Checkpoint CheckpointResponse `json:"checkpoint"`
	Run        RunResponse        `json:"run"`
	Duplicate  bool               `json:"duplicate"`
}

type PhaseStateResponse struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt string          `json:"updated_at"`
}

func phaseStateResponse(e domain.PhaseStateEntry) PhaseStateResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return PhaseStateResponse{Key: e.Key, Payload: payload, UpdatedAt: e.UpdatedAt}
}

type EventResponse struct {
	ID       int64           `json:"id"`
	TS       string          `json:"ts"`
	Type     string          `json:"type"`
	RunID    string          `json:"run_id,omitempty"`
	EntityID string          `json:"entity_id,omitempty"`
	ActorID  string          `json:"actor_id"`
	Payload  json.RawMessage `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		RunID:    e.RunID,
		EntityID: e.EntityID,
		ActorID:  e.ActorID,
		Payload:  payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}
