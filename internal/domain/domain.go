package domain

// Run statuses.
const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusArchived  = "archived"
)

// Run states. A run moves through the phases in order; awaiting-approval is
// expressed as status=paused plus a non-empty HITLState rather than a
// separate state value, so the phase position survives the pause.
const (
	StatePhase0  = "PHASE_0"
	StatePhase1A = "PHASE_1A"
	StatePhase1B = "PHASE_1B"
	StatePhase2  = "PHASE_2"
	StatePhase3  = "PHASE_3"
	StatePhase4  = "PHASE_4"
)

// Final decisions.
const (
	DecisionProceed = "proceed"
	DecisionPivot   = "pivot"
	DecisionStop    = "stop"
)

// Pivot types.
const (
	PivotSegment   = "SEGMENT_PIVOT"
	PivotValue     = "VALUE_PIVOT"
	PivotFeature   = "FEATURE_PIVOT"
	PivotStrategic = "STRATEGIC_PIVOT"
)

// Checkpoint types.
const (
	CheckpointApproveBrief            = "approve_brief"
	CheckpointApproveDiscoveryOutput  = "approve_discovery_output"
	CheckpointApproveDesirabilityGate = "approve_desirability_gate"
	CheckpointApproveFeasibilityGate  = "approve_feasibility_gate"
	CheckpointApproveViabilityGate    = "approve_viability_gate"
	CheckpointApproveSegmentPivot     = "approve_segment_pivot"
	CheckpointApproveValuePivot       = "approve_value_pivot"
	CheckpointApproveFeaturePivot     = "approve_feature_pivot"
	CheckpointApproveStrategicPivot   = "approve_strategic_pivot"
	CheckpointRequestHumanDecision    = "request_human_decision"
)

// Checkpoint statuses.
const (
	CheckpointPending  = "pending"
	CheckpointApproved = "approved"
	CheckpointRejected = "rejected"
)

type Run struct {
	ID             string  `json:"id"`
	OwnerID        string  `json:"owner_id"`
	Idea           string  `json:"idea"`
	Phase          int     `json:"phase"`
	State          string  `json:"state" enum:"PHASE_0,PHASE_1A,PHASE_1B,PHASE_2,PHASE_3,PHASE_4"`
	Status         string  `json:"status" enum:"running,paused,completed,failed,archived"`
	HITLState      string  `json:"hitl_state,omitempty"`
	FinalDecision  *string `json:"final_decision,omitempty" enum:"proceed,pivot,stop"`
	PivotType      *string `json:"pivot_type,omitempty" enum:"SEGMENT_PIVOT,VALUE_PIVOT,FEATURE_PIVOT,STRATEGIC_PIVOT"`
	PivotRationale *string `json:"pivot_rationale,omitempty"`
	Caution        bool    `json:"caution"`
	Version        int     `json:"version"`
	Attempts       int     `json:"attempts"`
	NextAttemptAt  *string `json:"next_attempt_at,omitempty" format:"date-time"`
	LastError      *string `json:"last_error,omitempty"`
	RetryFeedback  *string `json:"retry_feedback,omitempty"`
	RowVersion     int64   `json:"-"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the run can never transition again without an
// explicit external retry.
func (r Run) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed || r.Status == StatusArchived
}

// Edit records a human correction to one field of a checkpoint payload. The
// original value is kept so generated output is never silently overwritten.
type Edit struct {
	Value    any    `json:"value"`
	Original any    `json:"original,omitempty"`
	EditedBy string `json:"edited_by"`
}

type Checkpoint struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Type        string          `json:"type"`
	Status      string          `json:"status" enum:"pending,approved,rejected"`
	PayloadJSON string          `json:"payload_json"`
	Feedback    *string         `json:"feedback,omitempty"`
	Edits       map[string]Edit `json:"edits,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	ResolvedAt  *string         `json:"resolved_at,omitempty" format:"date-time"`
}

// PhaseStateEntry is one accumulated evidence payload for a run.
type PhaseStateEntry struct {
	RunID     string `json:"run_id"`
	Key       string `json:"key"`
	Payload   string `json:"payload_json"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	RunID    string `json:"run_id,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}
