package store

import (
	"strconv"
	"strings"

	"github.com/sells-group/crm-sync/internal/model"
)

// placeholder renders the n-th (1-based) bind parameter for a driver.
type placeholder func(n int) string

func dollar(n int) string { return "$" + strconv.Itoa(n) }

func question(int) string { return "?" }

// buildLeadQuery renders the ListLeads query for either driver.
func buildLeadQuery(f LeadFilter, ph placeholder) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT " + leadColumns + " FROM leads WHERE tenant_id = " + ph(1))
	args := []any{f.TenantID}

	add := func(clause string, v any) {
		args = append(args, v)
		b.WriteString(" AND " + clause + " " + ph(len(args)))
	}
	if f.AccountID != "" {
		add("account_id =", f.AccountID)
	}
	if f.ScopeID != "" {
		add("scope_id =", f.ScopeID)
	}
	if f.Since != nil {
		add("created_at >=", f.Since.UTC())
	}
	if f.Until != nil {
		add("created_at <", f.Until.UTC())
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")

	if f.Limit > 0 {
		args = append(args, f.Limit)
		b.WriteString(" LIMIT " + ph(len(args)))
		if f.Offset > 0 {
			args = append(args, f.Offset)
			b.WriteString(" OFFSET " + ph(len(args)))
		}
	}
	return b.String(), args
}

// leadUpdateArgs orders the bind values for the UpdateLead statement.
func leadUpdateArgs(leadID string, upd model.LeadUpdate) []any {
	return []any{
		leadID,
		upd.RemoteLeadID,
		upd.StatusID,
		upd.PipelineID,
		upd.Qualified,
		upd.KeyStages[0],
		upd.KeyStages[1],
		upd.KeyStages[2],
		upd.UpdatedAt.UTC(),
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLead(row scannable) (model.Lead, error) {
	var l model.Lead
	var contact, directionID *string
	err := row.Scan(
		&l.ID, &l.TenantID, &l.AccountID, &l.ScopeID, &contact,
		&l.RemoteLeadID, &l.StatusID, &l.PipelineID,
		&l.Qualified, &directionID,
		&l.KeyStages[0], &l.KeyStages[1], &l.KeyStages[2],
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return model.Lead{}, err
	}
	if contact != nil {
		l.Contact = *contact
	}
	if directionID != nil {
		l.DirectionID = *directionID
	}
	return l, nil
}

// setSlot stores t at a 1-based key-stage slot; out-of-range slots are ignored.
func setSlot(d *model.Direction, slot int, t model.KeyStageTarget) {
	if slot < 1 || slot > model.KeyStageSlots {
		return
	}
	d.KeyStages[slot-1] = &t
}
