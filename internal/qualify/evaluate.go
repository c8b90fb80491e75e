// Package qualify derives a lead's qualification from tenant field rules.
package qualify

import (
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/pkg/amocrm"
)

// Config is the resolved qualification configuration for one tenant.
type Config struct {
	Rules  []model.QualificationFieldConfig
	Stages model.StageQualificationMap
}

// HasRules reports whether field rules exist. Without rules the stage map
// decides.
func (c Config) HasRules() bool { return len(c.Rules) > 0 }

// Evaluate returns true as soon as any rule matches a custom field on the
// lead or one of its hydrated contacts. With no rules it falls back to the
// stage map keyed by the lead's status; an unmapped status is false.
func Evaluate(lead amocrm.Lead, cfg Config) bool {
	if !cfg.HasRules() {
		return cfg.Stages[lead.StatusID]
	}

	candidates := candidateFields(lead)
	for _, rule := range cfg.Rules {
		field, ok := findField(candidates, rule.FieldID)
		if !ok {
			continue
		}
		if matches(rule, field) {
			return true
		}
	}
	return false
}

// candidateFields unions the lead's fields with every contact's fields,
// lead first.
func candidateFields(lead amocrm.Lead) []amocrm.CustomField {
	n := len(lead.Fields)
	for _, c := range lead.Contacts {
		n += len(c.Fields)
	}
	out := make([]amocrm.CustomField, 0, n)
	out = append(out, lead.Fields...)
	for _, c := range lead.Contacts {
		out = append(out, c.Fields...)
	}
	return out
}

// findField returns the first candidate with the given id that carries at
// least one value.
func findField(candidates []amocrm.CustomField, fieldID int64) (amocrm.CustomField, bool) {
	for _, f := range candidates {
		if f.FieldID == fieldID && len(f.Values) > 0 {
			return f, true
		}
	}
	return amocrm.CustomField{}, false
}

func matches(rule model.QualificationFieldConfig, field amocrm.CustomField) bool {
	switch rule.Kind {
	case model.FieldKindSelect:
		return rule.EnumID != nil && field.Values[0].EnumID == *rule.EnumID
	case model.FieldKindMultiselect:
		if rule.EnumID == nil {
			return false
		}
		for _, v := range field.Values {
			if v.EnumID == *rule.EnumID {
				return true
			}
		}
		return false
	default:
		// checkbox and legacy rules without a kind
		v := field.Values[0]
		return v.IsBool && v.Bool
	}
}
