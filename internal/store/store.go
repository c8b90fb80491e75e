// Package store persists leads, qualification configuration, key-stage
// targets, status history, purchases, CRM connections and the run audit log.
package store

import (
	"context"
	"time"

	"github.com/sells-group/crm-sync/internal/audit"
	"github.com/sells-group/crm-sync/internal/model"
)

// LeadFilter selects local leads. Zero fields are ignored. A zero Limit
// returns every matching lead.
type LeadFilter struct {
	TenantID  string     `json:"tenant_id"`
	AccountID string     `json:"account_id,omitempty"`
	ScopeID   string     `json:"scope_id,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// Store defines the persistence interface for reconciliation.
type Store interface {
	// Leads, newest first.
	ListLeads(ctx context.Context, f LeadFilter) ([]model.Lead, error)
	UpdateLead(ctx context.Context, leadID string, upd model.LeadUpdate) error

	// Qualification configuration. An empty accountID reads the tenant tier.
	QualificationFields(ctx context.Context, tenantID, accountID string) ([]model.QualificationFieldConfig, error)
	StageQualifications(ctx context.Context, tenantID string) (model.StageQualificationMap, error)

	// Key stages. Direction returns nil, nil when nothing is configured.
	Direction(ctx context.Context, directionID string) (*model.Direction, error)
	HasStatusEvent(ctx context.Context, leadID string, pipelineID, statusID int64) (bool, error)

	// Purchases are keyed by (tenant, remote lead id).
	UpsertPurchase(ctx context.Context, p model.Purchase) error

	// Connection returns the stored connection for exactly one tier, or nil, nil.
	Connection(ctx context.Context, tenantID, accountID string) (*model.Connection, error)

	// Audit log.
	audit.Sink

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
