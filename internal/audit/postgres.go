package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-sync/internal/db"
)

// PostgresSink stores entries in the sync_audit_log table.
type PostgresSink struct {
	pool db.Pool
}

// NewPostgresSink creates a sink backed by pool.
func NewPostgresSink(pool db.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// InsertAuditEntry appends one row.
func (s *PostgresSink) InsertAuditEntry(ctx context.Context, e Entry) error {
	summary, err := json.Marshal(e.Summary)
	if err != nil {
		return eris.Wrap(err, "audit: marshal summary")
	}
	var errMsg *string
	if e.Error != "" {
		errMsg = &e.Error
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sync_audit_log
		 (run_id, kind, tenant_id, account_id, scope_id, status, dry_run, started_at, completed_at, summary, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.RunID, string(e.Kind), e.TenantID, e.AccountID, e.ScopeID, string(e.Status), e.DryRun,
		e.StartedAt, e.CompletedAt, summary, errMsg,
	)
	if err != nil {
		return eris.Wrapf(err, "audit: insert run %s", e.RunID)
	}
	return nil
}

// ListAuditEntries returns a tenant's entries, newest first.
func (s *PostgresSink) ListAuditEntries(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, kind, tenant_id, account_id, scope_id, status, dry_run, started_at, completed_at, summary, error
		 FROM sync_audit_log WHERE tenant_id = $1 ORDER BY started_at DESC LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "audit: list entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind, status string
		var completedAt *time.Time
		var summary []byte
		var errMsg *string
		if err := rows.Scan(&e.RunID, &kind, &e.TenantID, &e.AccountID, &e.ScopeID, &status, &e.DryRun,
			&e.StartedAt, &completedAt, &summary, &errMsg); err != nil {
			return nil, eris.Wrap(err, "audit: scan entry")
		}
		e.Kind = Kind(kind)
		e.Status = Status(status)
		if completedAt != nil {
			e.CompletedAt = *completedAt
		}
		if errMsg != nil {
			e.Error = *errMsg
		}
		if summary != nil {
			_ = json.Unmarshal(summary, &e.Summary)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
