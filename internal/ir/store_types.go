package ir

import "time"

// Step is one ordered phase of an Action.
type Step struct {
	ID                       int64      `json:"id"`
	ActionID                 int64      `json:"action_id"`
	DefinitionIndex          int        `json:"definition_index"`
	Status                   StepStatus `json:"status"`
	PendingActionsCount      int        `json:"pending_actions_count"`
	UnsuccessfulActionsCount int        `json:"unsuccessful_actions_count"`
	StartedAt                *time.Time `json:"started_at,omitempty"`
	CompletedAt              *time.Time `json:"completed_at,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// DetermineStatus returns the status a step takes when its last child
// reports in. A status forced by the step body is kept.
func (s *Step) DetermineStatus() StepStatus {
	if s.Status != StepPerforming {
		return s.Status
	}
	if s.UnsuccessfulActionsCount > 0 {
		return StepFailed
	}
	return StepSucceeded
}

// DisplayPosition is the one-based step number.
func (s *Step) DisplayPosition() int { return s.DefinitionIndex + 1 }

// Performance is the mutual-exclusion slot for a concurrency key.
type Performance struct {
	ID                  int64     `json:"id"`
	ActionID            int64     `json:"action_id"`
	ConcurrencyKey      string    `json:"concurrency_key"`
	OutboundCompleteKey string    `json:"outbound_complete_key,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Achievement maps a checksum key to the last accomplished checksum.
type Achievement struct {
	ID          int64     `json:"id"`
	ChecksumKey string    `json:"checksum_key"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
