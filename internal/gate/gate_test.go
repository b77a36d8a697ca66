package gate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"venturegate/internal/config"
	"venturegate/internal/domain"
	"venturegate/internal/gate"
)

func thresholds() config.GatesConfig {
	return config.Default().Gates
}

func TestDesirability(t *testing.T) {
	th := thresholds().Desirability
	cases := []struct {
		name      string
		ev        gate.DesirabilityEvidence
		signal    string
		route     string
		pivotType string
		caution   bool
	}{
		{
			name:   "strong conversion and resonance commit",
			ev:     gate.DesirabilityEvidence{ProblemResonance: 0.6, ZombieRatio: 0.1, ConversionRate: 0.2},
			signal: gate.SignalStrongCommitment, route: gate.RouteProceed,
		},
		{
			name:   "exactly at strong thresholds still commits",
			ev:     gate.DesirabilityEvidence{ProblemResonance: th.StrongResonance, ConversionRate: th.StrongConversion},
			signal: gate.SignalStrongCommitment, route: gate.RouteProceed,
		},
		{
			name:   "resonance below floor pivots segment",
			ev:     gate.DesirabilityEvidence{ProblemResonance: 0.15, ZombieRatio: 0.1, ConversionRate: 0.2},
			signal: gate.SignalNoInterest, route: gate.RoutePivot, pivotType: domain.PivotSegment,
		},
		{
			name:   "zombie excess pivots value",
			ev:     gate.DesirabilityEvidence{ProblemResonance: 0.3, ZombieRatio: 0.6, ConversionRate: 0.05},
			signal: gate.SignalMildInterest, route: gate.RoutePivot, pivotType: domain.PivotValue,
		},
		{
			name:   "mild interest proceeds with caution",
			ev:     gate.DesirabilityEvidence{ProblemResonance: 0.3, ZombieRatio: 0.2, ConversionRate: 0.05},
			signal: gate.SignalMildInterest, route: gate.RouteProceed, caution: true,
		},
		{
			name: "strong conversion alone is not commitment",
			ev:   gate.DesirabilityEvidence{ProblemResonance: 0.3, ZombieRatio: 0.2, ConversionRate: 0.5},
			// Conversion without resonance still reads as mild interest.
			signal: gate.SignalMildInterest, route: gate.RouteProceed, caution: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := gate.Desirability(tc.ev, th)
			assert.Equal(t, tc.signal, d.Signal)
			assert.Equal(t, tc.route, d.Route)
			assert.Equal(t, tc.pivotType, d.PivotType)
			assert.Equal(t, tc.caution, d.Caution)
			assert.NotEmpty(t, d.Rationale)
		})
	}
}

func TestFeasibility(t *testing.T) {
	th := thresholds().Feasibility
	cases := []struct {
		name      string
		ev        gate.FeasibilityEvidence
		signal    string
		route     string
		pivotType string
		caution   bool
	}{
		{
			name:   "confident prototype proceeds",
			ev:     gate.FeasibilityEvidence{SolutionConfidence: 0.8, PrototypeSuccessRate: 0.9, CriticalRisks: 1},
			signal: gate.SignalFeasible, route: gate.RouteProceed,
		},
		{
			name:   "confidence below floor stops",
			ev:     gate.FeasibilityEvidence{SolutionConfidence: 0.2, PrototypeSuccessRate: 0.9, CriticalRisks: 0},
			signal: gate.SignalInfeasible, route: gate.RouteStop,
		},
		{
			name:   "risk overload pivots feature",
			ev:     gate.FeasibilityEvidence{SolutionConfidence: 0.5, PrototypeSuccessRate: 0.6, CriticalRisks: 4},
			signal: gate.SignalRisky, route: gate.RoutePivot, pivotType: domain.PivotFeature,
		},
		{
			name:   "middling confidence proceeds with caution",
			ev:     gate.FeasibilityEvidence{SolutionConfidence: 0.5, PrototypeSuccessRate: 0.6, CriticalRisks: 1},
			signal: gate.SignalRisky, route: gate.RouteProceed, caution: true,
		},
		{
			name: "strong confidence with weak prototype is not feasible",
			ev:   gate.FeasibilityEvidence{SolutionConfidence: 0.9, PrototypeSuccessRate: 0.2, CriticalRisks: 0},
			signal: gate.SignalRisky, route: gate.RouteProceed, caution: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := gate.Feasibility(tc.ev, th)
			assert.Equal(t, tc.signal, d.Signal)
			assert.Equal(t, tc.route, d.Route)
			assert.Equal(t, tc.pivotType, d.PivotType)
			assert.Equal(t, tc.caution, d.Caution)
		})
	}
}

func TestViability(t *testing.T) {
	th := thresholds().Viability
	cases := []struct {
		name      string
		ratio     float64
		signal    string
		route     string
		pivotType string
		caution   bool
	}{
		{name: "above profitable proceeds", ratio: 4.0, signal: gate.SignalProfitable, route: gate.RouteProceed},
		{name: "exactly profitable proceeds", ratio: th.ProfitableLTVCAC, signal: gate.SignalProfitable, route: gate.RouteProceed},
		{name: "below underwater pivots strategically", ratio: 0.7, signal: gate.SignalUnderwater, route: gate.RoutePivot, pivotType: domain.PivotStrategic},
		{name: "marginal proceeds with caution", ratio: 2.0, signal: gate.SignalMarginal, route: gate.RouteProceed, caution: true},
		{name: "exactly underwater is marginal", ratio: th.UnderwaterLTVCAC, signal: gate.SignalMarginal, route: gate.RouteProceed, caution: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := gate.Viability(gate.ViabilityEvidence{LTVCACRatio: tc.ratio}, th)
			assert.Equal(t, tc.signal, d.Signal)
			assert.Equal(t, tc.route, d.Route)
			assert.Equal(t, tc.pivotType, d.PivotType)
			assert.Equal(t, tc.caution, d.Caution)
		})
	}
}

// Signal rank within a gate, weakest first. Improving one metric while
// holding the others must never lower the rank.
func desirabilityRank(s string) int {
	switch s {
	case gate.SignalNoInterest:
		return 0
	case gate.SignalMildInterest:
		return 1
	default:
		return 2
	}
}

func TestDesirabilityResonanceMonotonic(t *testing.T) {
	th := thresholds().Desirability
	prev := -1
	for r := 0.0; r <= 1.0; r += 0.01 {
		d := gate.Desirability(gate.DesirabilityEvidence{ProblemResonance: r, ZombieRatio: 0.2, ConversionRate: 0.15}, th)
		rank := desirabilityRank(d.Signal)
		if rank < prev {
			t.Fatalf("signal weakened as resonance improved: resonance=%.2f signal=%s", r, d.Signal)
		}
		prev = rank
	}
}

func TestDesirabilityConversionMonotonic(t *testing.T) {
	th := thresholds().Desirability
	prev := -1
	for c := 0.0; c <= 1.0; c += 0.01 {
		d := gate.Desirability(gate.DesirabilityEvidence{ProblemResonance: 0.55, ZombieRatio: 0.2, ConversionRate: c}, th)
		rank := desirabilityRank(d.Signal)
		if rank < prev {
			t.Fatalf("signal weakened as conversion improved: conversion=%.2f signal=%s", c, d.Signal)
		}
		prev = rank
	}
}

func TestViabilityRatioMonotonic(t *testing.T) {
	th := thresholds().Viability
	rank := func(s string) int {
		switch s {
		case gate.SignalUnderwater:
			return 0
		case gate.SignalMarginal:
			return 1
		default:
			return 2
		}
	}
	prev := -1
	for ratio := 0.0; ratio <= 5.0; ratio += 0.05 {
		d := gate.Viability(gate.ViabilityEvidence{LTVCACRatio: ratio}, th)
		if rank(d.Signal) < prev {
			t.Fatalf("signal weakened as LTV:CAC improved: ratio=%.2f signal=%s", ratio, d.Signal)
		}
		prev = rank(d.Signal)
	}
}

func TestFeasibilityConfidenceMonotonic(t *testing.T) {
	th := thresholds().Feasibility
	rank := func(s string) int {
		switch s {
		case gate.SignalInfeasible:
			return 0
		case gate.SignalRisky:
			return 1
		default:
			return 2
		}
	}
	prev := -1
	for c := 0.0; c <= 1.0; c += 0.01 {
		d := gate.Feasibility(gate.FeasibilityEvidence{SolutionConfidence: c, PrototypeSuccessRate: 0.8, CriticalRisks: 1}, th)
		if rank(d.Signal) < prev {
			t.Fatalf("signal weakened as confidence improved: confidence=%.2f signal=%s", c, d.Signal)
		}
		prev = rank(d.Signal)
	}
}
