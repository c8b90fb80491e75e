package model

// FieldKind is the kind of a remote custom field used in a qualification rule.
type FieldKind string

const (
	FieldKindCheckbox    FieldKind = "checkbox"
	FieldKindSelect      FieldKind = "select"
	FieldKindMultiselect FieldKind = "multiselect"
)

// QualificationFieldConfig is a tenant-level rule: the lead qualifies when
// the named remote custom field carries the expected value.
type QualificationFieldConfig struct {
	FieldID   int64     `json:"field_id"`
	Label     string    `json:"label"`
	Kind      FieldKind `json:"kind,omitempty"` // empty means legacy checkbox
	EnumID    *int64    `json:"enum_id,omitempty"`
	TenantID  string    `json:"tenant_id"`
	AccountID string    `json:"account_id,omitempty"`
}

// IsOption reports whether the rule matches on a chosen option id.
func (c QualificationFieldConfig) IsOption() bool {
	return c.Kind == FieldKindSelect || c.Kind == FieldKindMultiselect
}

// StageQualificationMap maps a remote status id to whether that stage
// counts as qualifying. Used only when a tenant has no field rules.
type StageQualificationMap map[int64]bool
