package model

import "time"

// KeyStageSlots is the number of key-stage milestones tracked per lead.
const KeyStageSlots = 3

// StageFlags holds the "reached key stage N" booleans, indexed 0..2 for
// stages 1..3.
type StageFlags [KeyStageSlots]bool

// Merge returns the union of f and other. A flag set in either stays set.
func (f StageFlags) Merge(other StageFlags) StageFlags {
	var out StageFlags
	for i := range f {
		out[i] = f[i] || other[i]
	}
	return out
}

// Any reports whether at least one flag is set.
func (f StageFlags) Any() bool {
	for _, v := range f {
		if v {
			return true
		}
	}
	return false
}

// Lead is a locally stored prospect record linked to a remote CRM lead by
// id and/or phone.
type Lead struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	AccountID    string     `json:"account_id,omitempty"`
	ScopeID      string     `json:"scope_id,omitempty"` // campaign-creative grouping
	Contact      string     `json:"contact"`            // phone or chat handle, as captured
	RemoteLeadID *int64     `json:"remote_lead_id,omitempty"`
	StatusID     *int64     `json:"status_id,omitempty"`
	PipelineID   *int64     `json:"pipeline_id,omitempty"`
	Qualified    bool       `json:"qualified"`
	DirectionID  string     `json:"direction_id,omitempty"`
	KeyStages    StageFlags `json:"key_stages"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// LeadUpdate is one logical write against a lead. Nil pointer fields are
// left untouched by the store.
type LeadUpdate struct {
	RemoteLeadID *int64
	StatusID     *int64
	PipelineID   *int64
	Qualified    *bool
	// KeyStages lists flags that become true. False entries never clear a
	// stored flag.
	KeyStages StageFlags
	UpdatedAt time.Time
}

// Empty reports whether the update would change nothing besides the
// timestamp.
func (u LeadUpdate) Empty() bool {
	return u.RemoteLeadID == nil && u.StatusID == nil && u.PipelineID == nil &&
		u.Qualified == nil && !u.KeyStages.Any()
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }

// Int64Equal compares two optional ids.
func Int64Equal(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
