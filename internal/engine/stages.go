package engine

import (
	"encoding/json"
	"fmt"

	"venturegate/internal/config"
	"venturegate/internal/domain"
	"venturegate/internal/gate"
	"venturegate/internal/task"
)

// stage describes one step of the validation pipeline: which crew runs,
// where its evidence lands, and how the run pauses afterwards. Stages with
// a fixed checkpoint pause unconditionally; gate stages ask the evaluator
// which checkpoint to raise.
type stage struct {
	state       string
	phase       int
	task        task.Kind
	evidenceKey string
	next        string

	checkpointType string
	gateType       string
	gateCheckpoint string
}

const (
	gateDesirability = "desirability"
	gateFeasibility  = "feasibility"
	gateViability    = "viability"
)

var stages = []stage{
	{
		state:          domain.StatePhase1A,
		phase:          1,
		task:           task.KindFoundersBrief,
		evidenceKey:    "founders_brief",
		next:           domain.StatePhase1B,
		checkpointType: domain.CheckpointApproveBrief,
	},
	{
		state:          domain.StatePhase1B,
		phase:          1,
		task:           task.KindCustomerDiscovery,
		evidenceKey:    "customer_profile",
		next:           domain.StatePhase2,
		checkpointType: domain.CheckpointApproveDiscoveryOutput,
	},
	{
		state:          domain.StatePhase2,
		phase:          2,
		task:           task.KindDesirabilityResearch,
		evidenceKey:    "desirability_evidence",
		next:           domain.StatePhase3,
		gateType:       gateDesirability,
		gateCheckpoint: domain.CheckpointApproveDesirabilityGate,
	},
	{
		state:          domain.StatePhase3,
		phase:          3,
		task:           task.KindFeasibilityResearch,
		evidenceKey:    "feasibility_evidence",
		next:           domain.StatePhase4,
		gateType:       gateFeasibility,
		gateCheckpoint: domain.CheckpointApproveFeasibilityGate,
	},
	{
		state:          domain.StatePhase4,
		phase:          4,
		task:           task.KindViabilityResearch,
		evidenceKey:    "viability_evidence",
		next:           "",
		gateType:       gateViability,
		gateCheckpoint: domain.CheckpointApproveViabilityGate,
	},
}

func stageFor(state string) (stage, bool) {
	for _, s := range stages {
		if s.state == state {
			return s, true
		}
	}
	return stage{}, false
}

func phaseForState(state string) int {
	if s, ok := stageFor(state); ok {
		return s.phase
	}
	return 0
}

// evaluateGate runs the stage's evaluator against the task output.
func evaluateGate(s stage, output map[string]any, gates config.GatesConfig) (gate.Decision, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return gate.Decision{}, fmt.Errorf("marshal gate evidence: %w", err)
	}
	switch s.gateType {
	case gateDesirability:
		var ev gate.DesirabilityEvidence
		if err := json.Unmarshal(raw, &ev); err != nil {
			return gate.Decision{}, fmt.Errorf("decode desirability evidence: %w", err)
		}
		return gate.Desirability(ev, gates.Desirability), nil
	case gateFeasibility:
		var ev gate.FeasibilityEvidence
		if err := json.Unmarshal(raw, &ev); err != nil {
			return gate.Decision{}, fmt.Errorf("decode feasibility evidence: %w", err)
		}
		return gate.Feasibility(ev, gates.Feasibility), nil
	case gateViability:
		var ev gate.ViabilityEvidence
		if err := json.Unmarshal(raw, &ev); err != nil {
			return gate.Decision{}, fmt.Errorf("decode viability evidence: %w", err)
		}
		return gate.Viability(ev, gates.Viability), nil
	default:
		return gate.Decision{}, fmt.Errorf("stage %s has no gate", s.state)
	}
}

// checkpointForDecision maps a gate decision to the checkpoint raised for
// human review.
func checkpointForDecision(s stage, d gate.Decision) string {
	switch d.Route {
	case gate.RouteProceed:
		return s.gateCheckpoint
	case gate.RouteStop:
		return domain.CheckpointRequestHumanDecision
	case gate.RoutePivot:
		switch d.PivotType {
		case domain.PivotSegment:
			return domain.CheckpointApproveSegmentPivot
		case domain.PivotValue:
			return domain.CheckpointApproveValuePivot
		case domain.PivotFeature:
			return domain.CheckpointApproveFeaturePivot
		case domain.PivotStrategic:
			return domain.CheckpointApproveStrategicPivot
		}
	}
	return domain.CheckpointRequestHumanDecision
}

// pivotRestartState is where an approved pivot re-enters the pipeline. The
// strategic pivot has no restart state: approving it ends the run with a
// pivot decision for the founder to act on outside this validation cycle.
func pivotRestartState(pivotType string) (string, bool) {
	switch pivotType {
	case domain.PivotSegment, domain.PivotValue:
		return domain.StatePhase1B, true
	case domain.PivotFeature:
		return domain.StatePhase2, true
	default:
		return "", false
	}
}
