package schema

import "time"

// InterruptRequest is published on the human interaction channel when a run
// suspends on a HUMAN step.
type InterruptRequest struct {
	InterruptID string     `json:"interrupt_id"`
	RunID       string     `json:"run_id"`
	StepID      string     `json:"step_id"`
	Prompt      string     `json:"prompt"`
	Options     []string   `json:"options,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// HumanResponse carries a human decision back to a suspended run. RunID and
// StepID must match the run's pending interrupt exactly; anything else is
// rejected with HUMAN_MISMATCH and leaves the run untouched.
type HumanResponse struct {
	RunID  string `json:"run_id"`
	StepID string `json:"step_id"`
	Value  any    `json:"value"`
}

// ExternalEvent resumes runs parked on an event WAIT step. Payload, when
// present, is stored as the WAIT step's result.
type ExternalEvent struct {
	RunID   string         `json:"run_id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}
