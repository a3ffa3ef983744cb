package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AcceptanceCriteria are attached to a task at dispatch time and checked
// when the worker reports completion. A violated criterion leaves the
// task incomplete.
type AcceptanceCriteria struct {
	RequiredOutputs     []string `json:"required_outputs,omitempty"`
	Format              string   `json:"format,omitempty"`
	MinSources          int      `json:"min_sources,omitempty"`
	ConfidenceThreshold float64  `json:"confidence_threshold,omitempty"`
}

// criteriaFromMetadata decodes acceptance criteria out of task metadata.
// Returns nil when the task carries none.
func criteriaFromMetadata(meta map[string]any) *AcceptanceCriteria {
	raw, ok := meta["acceptance_criteria"]
	if !ok || raw == nil {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var c AcceptanceCriteria
	if err := json.Unmarshal(buf, &c); err != nil {
		return nil
	}
	return &c
}

// checkAcceptance validates a reported result against the criteria and
// returns the violations, empty when the result passes.
func checkAcceptance(c *AcceptanceCriteria, result any) []string {
	if c == nil {
		return nil
	}
	var violations []string

	if len(c.RequiredOutputs) > 0 {
		// Contains-check over the stringified result.
		serialized := ""
		if result != nil {
			if buf, err := json.Marshal(result); err == nil {
				serialized = string(buf)
			}
		}
		for _, required := range c.RequiredOutputs {
			if required != "" && !strings.Contains(serialized, required) {
				violations = append(violations, "missing_required_output: "+required)
			}
		}
	}

	obj, isObject := result.(map[string]any)

	if c.Format != "" && result != nil && !isObject {
		if typeName(result) != c.Format {
			violations = append(violations, "format_mismatch: expected "+c.Format)
		}
	}

	if c.MinSources > 0 && isObject {
		sources, _ := obj["sources"].([]any)
		if len(sources) < c.MinSources {
			violations = append(violations, fmt.Sprintf("insufficient_sources: need %d", c.MinSources))
		}
	}

	if c.ConfidenceThreshold > 0 && isObject {
		if confidence, ok := obj["confidence"].(float64); ok && confidence < c.ConfidenceThreshold {
			violations = append(violations, fmt.Sprintf("low_confidence: %v < %v", confidence, c.ConfidenceThreshold))
		}
	}

	return violations
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, int:
		return "number"
	case bool:
		return "boolean"
	default:
		return "object"
	}
}
