package task

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Output schemas, one per task kind. The envelope stays flexible JSON, but
// each kind's output must satisfy its schema before the state machine will
// touch it.
var outputSchemas = map[Kind]string{
	KindFoundersBrief: `{
		"type": "object",
		"required": ["summary", "problem", "target_customer"],
		"properties": {
			"summary": {"type": "string", "minLength": 1},
			"problem": {"type": "string", "minLength": 1},
			"target_customer": {"type": "string", "minLength": 1},
			"assumptions": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	KindCustomerDiscovery: `{
		"type": "object",
		"required": ["segment", "jobs", "pains", "gains"],
		"properties": {
			"segment": {"type": "string", "minLength": 1},
			"jobs": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"pains": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"gains": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		}
	}`,
	KindDesirabilityResearch: `{
		"type": "object",
		"required": ["problem_resonance", "zombie_ratio", "conversion_rate"],
		"properties": {
			"problem_resonance": {"type": "number", "minimum": 0, "maximum": 1},
			"zombie_ratio": {"type": "number", "minimum": 0, "maximum": 1},
			"conversion_rate": {"type": "number", "minimum": 0},
			"sample_size": {"type": "integer", "minimum": 0}
		}
	}`,
	KindFeasibilityResearch: `{
		"type": "object",
		"required": ["solution_confidence", "prototype_success_rate", "critical_risks"],
		"properties": {
			"solution_confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"prototype_success_rate": {"type": "number", "minimum": 0, "maximum": 1},
			"critical_risks": {"type": "integer", "minimum": 0},
			"risk_notes": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	KindViabilityResearch: `{
		"type": "object",
		"required": ["ltv_cac_ratio"],
		"properties": {
			"ltv_cac_ratio": {"type": "number", "minimum": 0},
			"ltv": {"type": "number", "minimum": 0},
			"cac": {"type": "number", "minimum": 0}
		}
	}`,
}

// CompileSchemas builds the per-kind validators. Called once at wiring time
// so a bad schema is a startup failure, not a runtime one.
func CompileSchemas() (map[Kind]*gojsonschema.Schema, error) {
	compiled := make(map[Kind]*gojsonschema.Schema, len(outputSchemas))
	for kind, raw := range outputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", kind, err)
		}
		compiled[kind] = schema
	}
	return compiled, nil
}
