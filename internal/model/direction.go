package model

import "time"

// KeyStageTarget names the (pipeline, status) pair marking a funnel milestone.
type KeyStageTarget struct {
	PipelineID int64 `json:"pipeline_id"`
	StatusID   int64 `json:"status_id"`
}

// Matches reports whether the target equals the given position.
func (t KeyStageTarget) Matches(pipelineID, statusID int64) bool {
	return t.PipelineID == pipelineID && t.StatusID == statusID
}

// Direction is a tenant's campaign grouping with up to three key-stage
// targets. A nil slot has no target configured.
type Direction struct {
	ID        string                           `json:"id"`
	TenantID  string                           `json:"tenant_id"`
	Name      string                           `json:"name"`
	KeyStages [KeyStageSlots]*KeyStageTarget `json:"key_stages"`
}

// StatusHistoryEvent is an append-only record of a past lead transition.
type StatusHistoryEvent struct {
	LeadID     string    `json:"lead_id"`
	PipelineID int64     `json:"pipeline_id"`
	StatusID   int64     `json:"status_id"`
	OccurredAt time.Time `json:"occurred_at"`
}
