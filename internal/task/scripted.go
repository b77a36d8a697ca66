package task

import (
	"context"
	"fmt"
)

// Scripted returns a registry of deterministic handlers producing plausible
// evidence for every task kind. It stands in for real crew backends in local
// workspaces and development; outputs are stable across retries so runs are
// reproducible.
func Scripted() *Registry {
	r, err := NewRegistry(map[Kind]Executor{
		KindFoundersBrief:        Func(scriptedBrief),
		KindCustomerDiscovery:    Func(scriptedDiscovery),
		KindDesirabilityResearch: Func(scriptedDesirability),
		KindFeasibilityResearch:  Func(scriptedFeasibility),
		KindViabilityResearch:    Func(scriptedViability),
	})
	if err != nil {
		// NewRegistry only fails on a kind mismatch, which is a programming
		// error in this file.
		panic(err)
	}
	return r
}

func scriptedBrief(_ context.Context, req Request) (Result, error) {
	summary := req.Idea
	if req.Feedback != "" {
		summary = fmt.Sprintf("%s (revised: %s)", req.Idea, req.Feedback)
	}
	return Result{Output: map[string]any{
		"summary":         summary,
		"problem":         "Underserved demand signal inferred from the founder's idea",
		"target_customer": "Early adopters in the idea's stated market",
		"assumptions": []any{
			"customers already feel the stated problem",
			"a paid solution is acceptable to the segment",
		},
	}}, nil
}

func scriptedDiscovery(_ context.Context, req Request) (Result, error) {
	segment := "primary segment"
	if brief, ok := req.Evidence["founders_brief"]; ok {
		if tc, ok := brief["target_customer"].(string); ok && tc != "" {
			segment = tc
		}
	}
	return Result{Output: map[string]any{
		"segment": segment,
		"jobs":    []any{"get the underlying job done faster", "reduce coordination overhead"},
		"pains":   []any{"current workarounds are manual", "no trusted provider"},
		"gains":   []any{"time saved", "predictable outcomes"},
	}}, nil
}

func scriptedDesirability(_ context.Context, _ Request) (Result, error) {
	return Result{Output: map[string]any{
		"problem_resonance": 0.55,
		"zombie_ratio":      0.2,
		"conversion_rate":   0.12,
		"sample_size":       40,
	}}, nil
}

func scriptedFeasibility(_ context.Context, _ Request) (Result, error) {
	return Result{Output: map[string]any{
		"solution_confidence":    0.75,
		"prototype_success_rate": 0.8,
		"critical_risks":         1,
		"risk_notes":             []any{"integration depth unknown"},
	}}, nil
}

func scriptedViability(_ context.Context, _ Request) (Result, error) {
	return Result{Output: map[string]any{
		"ltv_cac_ratio": 3.4,
		"ltv":           1700.0,
		"cac":           500.0,
	}}, nil
}
