package amocrm

import (
	"encoding/json"
	"strconv"
	"time"
)

// Credential addresses one amoCRM account.
type Credential struct {
	Subdomain   string
	AccessToken string
}

// FieldValue is one value of a custom field, already decoded from the
// untyped remote payload. Exactly one of the shapes is meaningful:
// IsBool for checkboxes, EnumID for select/multiselect options, Text for
// everything else.
type FieldValue struct {
	IsBool bool
	Bool   bool
	EnumID int64
	Text   string
}

// CustomField is a custom field attached to a lead or contact.
type CustomField struct {
	FieldID int64
	Name    string
	Type    string // remote field_type, e.g. "checkbox", "select", "multiselect"
	Values  []FieldValue
}

// Lead is a snapshot of a remote lead.
type Lead struct {
	ID         int64
	Name       string
	Price      float64
	StatusID   int64
	PipelineID int64
	CreatedAt  time.Time
	Fields     []CustomField
	ContactIDs []int64
	// Contacts is filled by callers that hydrate linked contacts; the
	// lead endpoints only return contact ids.
	Contacts []Contact
}

// Contact is a remote contact with its custom-field values.
type Contact struct {
	ID     int64
	Name   string
	Fields []CustomField
}

type rawValue struct {
	Value    json.RawMessage `json:"value"`
	EnumID   int64           `json:"enum_id"`
	EnumCode string          `json:"enum_code"`
}

type rawField struct {
	FieldID   int64      `json:"field_id"`
	FieldName string     `json:"field_name"`
	FieldType string     `json:"field_type"`
	Values    []rawValue `json:"values"`
}

type rawContactRef struct {
	ID     int64 `json:"id"`
	IsMain bool  `json:"is_main"`
}

type rawLead struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	Price              float64    `json:"price"`
	StatusID           int64      `json:"status_id"`
	PipelineID         int64      `json:"pipeline_id"`
	CreatedAt          int64      `json:"created_at"`
	CustomFieldsValues []rawField `json:"custom_fields_values"`
	Embedded           struct {
		Contacts []rawContactRef `json:"contacts"`
	} `json:"_embedded"`
}

type rawContact struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	CustomFieldsValues []rawField `json:"custom_fields_values"`
}

type leadsPage struct {
	Embedded struct {
		Leads []rawLead `json:"leads"`
	} `json:"_embedded"`
}

func (r rawLead) toLead() Lead {
	l := Lead{
		ID:         r.ID,
		Name:       r.Name,
		Price:      r.Price,
		StatusID:   r.StatusID,
		PipelineID: r.PipelineID,
		Fields:     convertFields(r.CustomFieldsValues),
	}
	if r.CreatedAt > 0 {
		l.CreatedAt = time.Unix(r.CreatedAt, 0).UTC()
	}
	// Main contact first so hydration order is stable.
	for _, c := range r.Embedded.Contacts {
		if c.IsMain {
			l.ContactIDs = append(l.ContactIDs, c.ID)
		}
	}
	for _, c := range r.Embedded.Contacts {
		if !c.IsMain {
			l.ContactIDs = append(l.ContactIDs, c.ID)
		}
	}
	return l
}

func (r rawContact) toContact() Contact {
	return Contact{
		ID:     r.ID,
		Name:   r.Name,
		Fields: convertFields(r.CustomFieldsValues),
	}
}

func convertFields(raw []rawField) []CustomField {
	if len(raw) == 0 {
		return nil
	}
	out := make([]CustomField, 0, len(raw))
	for _, f := range raw {
		cf := CustomField{
			FieldID: f.FieldID,
			Name:    f.FieldName,
			Type:    f.FieldType,
		}
		for _, v := range f.Values {
			cf.Values = append(cf.Values, convertValue(v))
		}
		out = append(out, cf)
	}
	return out
}

func convertValue(v rawValue) FieldValue {
	fv := FieldValue{EnumID: v.EnumID}
	if len(v.Value) == 0 {
		return fv
	}
	var decoded any
	if err := json.Unmarshal(v.Value, &decoded); err != nil {
		return fv
	}
	switch x := decoded.(type) {
	case bool:
		fv.IsBool = true
		fv.Bool = x
	case string:
		fv.Text = x
	case float64:
		fv.Text = strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fv
}
