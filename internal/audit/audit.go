// Package audit records one append-only row per sync or requalification run.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/syncresult"
)

// Kind names the entry point that produced a run.
type Kind string

const (
	KindSyncAll   Kind = "sync_all"
	KindSyncScope Kind = "sync_scope"
	KindRequalify Kind = "requalify"
)

// Status is the run-level outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Entry is one row of the sync audit log.
type Entry struct {
	RunID       string             `json:"run_id"`
	Kind        Kind               `json:"kind"`
	TenantID    string             `json:"tenant_id"`
	AccountID   string             `json:"account_id,omitempty"`
	ScopeID     string             `json:"scope_id,omitempty"`
	Status      Status             `json:"status"`
	DryRun      bool               `json:"dry_run"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
	Summary     syncresult.Summary `json:"summary"`
	Error       string             `json:"error,omitempty"`
}

// Sink persists audit entries.
type Sink interface {
	InsertAuditEntry(ctx context.Context, e Entry) error
	ListAuditEntries(ctx context.Context, tenantID string, limit int) ([]Entry, error)
}

// StatusFor derives the run status: failed when the run never started or
// every attempt errored, partial when some leads errored, success otherwise.
func StatusFor(s syncresult.Summary) Status {
	switch {
	case !s.Success:
		return StatusFailed
	case s.Errors == 0:
		return StatusSuccess
	case s.Processed > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// Log writes entries to a Sink. A nil Log or Sink drops entries.
type Log struct {
	sink Sink
	now  func() time.Time
}

// NewLog creates a Log over sink.
func NewLog(sink Sink) *Log {
	return &Log{sink: sink, now: time.Now}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Record fills in defaults and inserts e. Insert failures are logged and
// never returned, so auditing cannot change a run's result.
func (l *Log) Record(ctx context.Context, e Entry) Entry {
	if e.RunID == "" {
		e.RunID = NewRunID()
	}
	if e.Status == "" {
		e.Status = StatusFor(e.Summary)
	}
	if e.Error == "" {
		e.Error = e.Summary.Error
	}
	if l == nil || l.sink == nil {
		return e
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = l.now().UTC()
	}
	if err := l.sink.InsertAuditEntry(ctx, e); err != nil {
		zap.L().Error("audit: insert entry",
			zap.String("run_id", e.RunID),
			zap.String("kind", string(e.Kind)),
			zap.Error(err),
		)
	}
	return e
}

// Recent lists the latest entries for a tenant, newest first.
func (l *Log) Recent(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if l == nil || l.sink == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return l.sink.ListAuditEntries(ctx, tenantID, limit)
}
