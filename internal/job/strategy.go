package job

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Planning modes.
const (
	ModeStatic  = "static"
	ModeDynamic = "dynamic"
)

// Strategy selects how a job is planned and which model its steps use.
type Strategy struct {
	Mode         string `json:"mode"`
	Model        string `json:"model,omitempty"`
	PlannerModel string `json:"planner_model,omitempty"`
}

// Constraints bound what a task of this job may do.
type Constraints struct {
	MaxSteps int `json:"max_steps,omitempty"`
	// MaxReplans is how many failed steps of a dynamic job may be answered
	// with a fresh plan before the task fails.
	MaxReplans int `json:"max_replans,omitempty"`
}

// ParseStrategy decodes a model_strategy document, defaulting to static.
func ParseStrategy(raw []byte) (Strategy, error) {
	var s Strategy
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return s, fmt.Errorf("model_strategy: %w", err)
		}
	}
	if s.Mode == "" {
		s.Mode = ModeStatic
	}
	switch s.Mode {
	case ModeStatic, ModeDynamic:
	default:
		return s, fmt.Errorf("model_strategy: unknown mode %q", s.Mode)
	}
	return s, nil
}

// ParseConstraints decodes a constraints document.
func ParseConstraints(raw []byte) (Constraints, error) {
	var c Constraints
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("constraints: %w", err)
		}
	}
	if c.MaxSteps < 0 {
		return c, fmt.Errorf("constraints: max_steps must not be negative")
	}
	if c.MaxReplans < 0 {
		return c, fmt.Errorf("constraints: max_replans must not be negative")
	}
	return c, nil
}
