// Package gate classifies accumulated phase evidence into named signals and
// routing decisions. Evaluators are pure: the same evidence and thresholds
// always produce the same decision, which keeps gate outcomes auditable.
package gate

import (
	"fmt"

	"venturegate/internal/config"
	"venturegate/internal/domain"
)

// Signals, ordered from weakest to strongest within each gate.
const (
	SignalNoInterest       = "NO_INTEREST"
	SignalMildInterest     = "MILD_INTEREST"
	SignalStrongCommitment = "STRONG_COMMITMENT"

	SignalInfeasible = "INFEASIBLE"
	SignalRisky      = "RISKY"
	SignalFeasible   = "FEASIBLE"

	SignalUnderwater = "UNDERWATER"
	SignalMarginal   = "MARGINAL"
	SignalProfitable = "PROFITABLE"
)

// Routes.
const (
	RouteProceed = "proceed"
	RoutePivot   = "pivot"
	RouteStop    = "stop"
)

// Decision is the outcome of one gate evaluation. Caution marks a proceed
// with reduced confidence, flagged in the final synthesis.
type Decision struct {
	Signal    string
	Route     string
	PivotType string
	Caution   bool
	Rationale string
}

type DesirabilityEvidence struct {
	ProblemResonance float64 `json:"problem_resonance"`
	ZombieRatio      float64 `json:"zombie_ratio"`
	ConversionRate   float64 `json:"conversion_rate"`
}

type FeasibilityEvidence struct {
	SolutionConfidence   float64 `json:"solution_confidence"`
	PrototypeSuccessRate float64 `json:"prototype_success_rate"`
	CriticalRisks        int     `json:"critical_risks"`
}

type ViabilityEvidence struct {
	LTVCACRatio float64 `json:"ltv_cac_ratio"`
}

// Desirability classifies commitment evidence. Strong resonance together
// with strong conversion means real commitment; resonance below the floor
// means the segment does not feel the problem at all.
func Desirability(ev DesirabilityEvidence, th config.DesirabilityThresholds) Decision {
	switch {
	case ev.ConversionRate >= th.StrongConversion && ev.ProblemResonance >= th.StrongResonance:
		return Decision{
			Signal:    SignalStrongCommitment,
			Route:     RouteProceed,
			Rationale: fmt.Sprintf("conversion %.2f and resonance %.2f both above strong thresholds", ev.ConversionRate, ev.ProblemResonance),
		}
	case ev.ProblemResonance < th.FloorResonance:
		return Decision{
			Signal:    SignalNoInterest,
			Route:     RoutePivot,
			PivotType: domain.PivotSegment,
			Rationale: fmt.Sprintf("problem resonance %.2f below floor %.2f; target a different segment", ev.ProblemResonance, th.FloorResonance),
		}
	case ev.ZombieRatio > th.MaxZombieRatio:
		return Decision{
			Signal:    SignalMildInterest,
			Route:     RoutePivot,
			PivotType: domain.PivotValue,
			Rationale: fmt.Sprintf("zombie ratio %.2f above %.2f; interest without commitment suggests the value proposition misses", ev.ZombieRatio, th.MaxZombieRatio),
		}
	default:
		return Decision{
			Signal:    SignalMildInterest,
			Route:     RouteProceed,
			Caution:   true,
			Rationale: "mild interest without excess zombies; proceed with reduced confidence",
		}
	}
}

// Feasibility classifies build-risk evidence. Confidence below the floor
// routes to a human stop decision rather than an automatic pivot; the team,
// not the orchestrator, decides whether the idea is worth reshaping.
func Feasibility(ev FeasibilityEvidence, th config.FeasibilityThresholds) Decision {
	switch {
	case ev.SolutionConfidence >= th.StrongConfidence &&
		ev.PrototypeSuccessRate >= th.MinPrototypeSuccess &&
		ev.CriticalRisks <= th.MaxCriticalRisks:
		return Decision{
			Signal:    SignalFeasible,
			Route:     RouteProceed,
			Rationale: fmt.Sprintf("confidence %.2f with %d critical risks within bounds", ev.SolutionConfidence, ev.CriticalRisks),
		}
	case ev.SolutionConfidence < th.FloorConfidence:
		return Decision{
			Signal:    SignalInfeasible,
			Route:     RouteStop,
			Rationale: fmt.Sprintf("solution confidence %.2f below floor %.2f", ev.SolutionConfidence, th.FloorConfidence),
		}
	case ev.CriticalRisks > th.MaxCriticalRisks:
		return Decision{
			Signal:    SignalRisky,
			Route:     RoutePivot,
			PivotType: domain.PivotFeature,
			Rationale: fmt.Sprintf("%d critical risks above limit %d; narrow the feature scope", ev.CriticalRisks, th.MaxCriticalRisks),
		}
	default:
		return Decision{
			Signal:    SignalRisky,
			Route:     RouteProceed,
			Caution:   true,
			Rationale: "buildable but not strongly proven; proceed with reduced confidence",
		}
	}
}

// Viability classifies unit economics on the LTV:CAC ratio.
func Viability(ev ViabilityEvidence, th config.ViabilityThresholds) Decision {
	switch {
	case ev.LTVCACRatio >= th.ProfitableLTVCAC:
		return Decision{
			Signal:    SignalProfitable,
			Route:     RouteProceed,
			Rationale: fmt.Sprintf("LTV:CAC %.2f at or above %.2f", ev.LTVCACRatio, th.ProfitableLTVCAC),
		}
	case ev.LTVCACRatio < th.UnderwaterLTVCAC:
		return Decision{
			Signal:    SignalUnderwater,
			Route:     RoutePivot,
			PivotType: domain.PivotStrategic,
			Rationale: fmt.Sprintf("LTV:CAC %.2f below %.2f; the business model loses money per customer", ev.LTVCACRatio, th.UnderwaterLTVCAC),
		}
	default:
		return Decision{
			Signal:    SignalMarginal,
			Route:     RouteProceed,
			Caution:   true,
			Rationale: fmt.Sprintf("LTV:CAC %.2f is positive but thin; proceed with optimization", ev.LTVCACRatio),
		}
	}
}
