package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/crm-sync/internal/audit"
	"github.com/sells-group/crm-sync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS crm_connections (
	tenant_id    TEXT NOT NULL,
	account_id   TEXT NOT NULL DEFAULT '',
	subdomain    TEXT NOT NULL,
	access_token TEXT NOT NULL,
	expires_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (tenant_id, account_id)
);

CREATE TABLE IF NOT EXISTS leads (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	account_id          TEXT NOT NULL DEFAULT '',
	scope_id            TEXT NOT NULL DEFAULT '',
	contact             TEXT,
	remote_lead_id      INTEGER,
	status_id           INTEGER,
	pipeline_id         INTEGER,
	qualified           BOOLEAN NOT NULL DEFAULT 0,
	direction_id        TEXT,
	reached_key_stage_1 BOOLEAN NOT NULL DEFAULT 0,
	reached_key_stage_2 BOOLEAN NOT NULL DEFAULT 0,
	reached_key_stage_3 BOOLEAN NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS qualification_fields (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id  TEXT NOT NULL,
	account_id TEXT NOT NULL DEFAULT '',
	field_id   INTEGER NOT NULL,
	label      TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL DEFAULT '',
	enum_id    INTEGER
);

CREATE TABLE IF NOT EXISTS stage_qualifications (
	tenant_id TEXT NOT NULL,
	status_id INTEGER NOT NULL,
	qualified BOOLEAN NOT NULL,
	PRIMARY KEY (tenant_id, status_id)
);

CREATE TABLE IF NOT EXISTS key_stages (
	direction_id TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	slot         INTEGER NOT NULL CHECK (slot BETWEEN 1 AND 3),
	pipeline_id  INTEGER NOT NULL,
	status_id    INTEGER NOT NULL,
	PRIMARY KEY (direction_id, slot)
);

CREATE TABLE IF NOT EXISTS lead_status_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	lead_id     TEXT NOT NULL,
	pipeline_id INTEGER NOT NULL,
	status_id   INTEGER NOT NULL,
	occurred_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS purchases (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	lead_id        TEXT NOT NULL,
	remote_lead_id INTEGER NOT NULL,
	amount         REAL NOT NULL DEFAULT 0,
	status_id      INTEGER NOT NULL,
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (tenant_id, remote_lead_id)
);

CREATE TABLE IF NOT EXISTS sync_audit_log (
	run_id       TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	account_id   TEXT NOT NULL DEFAULT '',
	scope_id     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	dry_run      BOOLEAN NOT NULL DEFAULT 0,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	summary      TEXT,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_leads_tenant_created ON leads(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_leads_scope ON leads(scope_id);
CREATE INDEX IF NOT EXISTS idx_qualification_fields_tier ON qualification_fields(tenant_id, account_id);
CREATE INDEX IF NOT EXISTS idx_lead_status_history_lookup ON lead_status_history(lead_id, pipeline_id, status_id);
CREATE INDEX IF NOT EXISTS idx_sync_audit_log_tenant ON sync_audit_log(tenant_id, started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListLeads(ctx context.Context, f LeadFilter) ([]model.Lead, error) {
	query, args := buildLeadQuery(f, question)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close() //nolint:errcheck

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		leads = append(leads, l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

func (s *SQLiteStore) UpdateLead(ctx context.Context, leadID string, upd model.LeadUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET
			remote_lead_id = COALESCE(?2, remote_lead_id),
			status_id = COALESCE(?3, status_id),
			pipeline_id = COALESCE(?4, pipeline_id),
			qualified = COALESCE(?5, qualified),
			reached_key_stage_1 = (reached_key_stage_1 OR ?6),
			reached_key_stage_2 = (reached_key_stage_2 OR ?7),
			reached_key_stage_3 = (reached_key_stage_3 OR ?8),
			updated_at = ?9
		 WHERE id = ?1`,
		leadUpdateArgs(leadID, upd)...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead %s", leadID)
	}
	return checkRowsAffected(res, "lead", leadID)
}

func (s *SQLiteStore) QualificationFields(ctx context.Context, tenantID, accountID string) ([]model.QualificationFieldConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field_id, label, kind, enum_id, tenant_id, account_id FROM qualification_fields
		 WHERE tenant_id = ? AND account_id = ? ORDER BY id`,
		tenantID, accountID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: qualification fields")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.QualificationFieldConfig
	for rows.Next() {
		var c model.QualificationFieldConfig
		var kind string
		var enumID sql.NullInt64
		if err := rows.Scan(&c.FieldID, &c.Label, &kind, &enumID, &c.TenantID, &c.AccountID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan qualification field")
		}
		c.Kind = model.FieldKind(kind)
		if enumID.Valid {
			c.EnumID = model.Int64Ptr(enumID.Int64)
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: qualification fields iterate")
}

func (s *SQLiteStore) StageQualifications(ctx context.Context, tenantID string) (model.StageQualificationMap, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status_id, qualified FROM stage_qualifications WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stage qualifications")
	}
	defer rows.Close() //nolint:errcheck

	out := make(model.StageQualificationMap)
	for rows.Next() {
		var statusID int64
		var qualified bool
		if err := rows.Scan(&statusID, &qualified); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage qualification")
		}
		out[statusID] = qualified
	}
	return out, eris.Wrap(rows.Err(), "sqlite: stage qualifications iterate")
}

func (s *SQLiteStore) Direction(ctx context.Context, directionID string) (*model.Direction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, slot, pipeline_id, status_id FROM key_stages WHERE direction_id = ? ORDER BY slot`,
		directionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: key stages for %s", directionID)
	}
	defer rows.Close() //nolint:errcheck

	var d *model.Direction
	for rows.Next() {
		var tenantID string
		var slot int
		var t model.KeyStageTarget
		if err := rows.Scan(&tenantID, &slot, &t.PipelineID, &t.StatusID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan key stage")
		}
		if d == nil {
			d = &model.Direction{ID: directionID, TenantID: tenantID}
		}
		setSlot(d, slot, t)
	}
	return d, eris.Wrap(rows.Err(), "sqlite: key stages iterate")
}

func (s *SQLiteStore) HasStatusEvent(ctx context.Context, leadID string, pipelineID, statusID int64) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM lead_status_history WHERE lead_id = ? AND pipeline_id = ? AND status_id = ?)`,
		leadID, pipelineID, statusID,
	).Scan(&found)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: status history for %s", leadID)
	}
	return found, nil
}

// RecordStatusEvent appends a transition to the lead's status history.
func (s *SQLiteStore) RecordStatusEvent(ctx context.Context, e model.StatusHistoryEvent) error {
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lead_status_history (lead_id, pipeline_id, status_id, occurred_at) VALUES (?, ?, ?, ?)`,
		e.LeadID, e.PipelineID, e.StatusID, occurred.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record status event for %s", e.LeadID)
}

func (s *SQLiteStore) UpsertPurchase(ctx context.Context, p model.Purchase) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET lead_id = ?, amount = ?, status_id = ?, updated_at = ?
		 WHERE tenant_id = ? AND remote_lead_id = ?`,
		p.LeadID, p.Amount, p.StatusID, p.UpdatedAt.UTC(), p.TenantID, p.RemoteLeadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update purchase %d", p.RemoteLeadID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO purchases (id, tenant_id, remote_lead_id, lead_id, amount, status_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), p.TenantID, p.RemoteLeadID, p.LeadID, p.Amount, p.StatusID, p.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert purchase %d", p.RemoteLeadID)
}

// Purchase reads the purchase for (tenant, remote lead id), or nil when absent.
func (s *SQLiteStore) Purchase(ctx context.Context, tenantID string, remoteLeadID int64) (*model.Purchase, error) {
	var p model.Purchase
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, lead_id, remote_lead_id, amount, status_id, updated_at FROM purchases
		 WHERE tenant_id = ? AND remote_lead_id = ?`,
		tenantID, remoteLeadID,
	).Scan(&p.TenantID, &p.LeadID, &p.RemoteLeadID, &p.Amount, &p.StatusID, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: purchase %d", remoteLeadID)
	}
	return &p, nil
}

func (s *SQLiteStore) Connection(ctx context.Context, tenantID, accountID string) (*model.Connection, error) {
	var c model.Connection
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, account_id, subdomain, access_token, expires_at FROM crm_connections
		 WHERE tenant_id = ? AND account_id = ?`,
		tenantID, accountID,
	).Scan(&c.TenantID, &c.AccountID, &c.Subdomain, &c.AccessToken, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: connection for %s", tenantID)
	}
	return &c, nil
}

// SaveConnection inserts or replaces the connection for its tier.
func (s *SQLiteStore) SaveConnection(ctx context.Context, c model.Connection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crm_connections (tenant_id, account_id, subdomain, access_token, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, account_id) DO UPDATE SET
			subdomain = excluded.subdomain,
			access_token = excluded.access_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		c.TenantID, c.AccountID, c.Subdomain, c.AccessToken, c.ExpiresAt.UTC(), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save connection for %s", c.TenantID)
}

func (s *SQLiteStore) InsertAuditEntry(ctx context.Context, e audit.Entry) error {
	summary, err := json.Marshal(e.Summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}
	var completedAt *time.Time
	if !e.CompletedAt.IsZero() {
		t := e.CompletedAt.UTC()
		completedAt = &t
	}
	var errMsg *string
	if e.Error != "" {
		errMsg = &e.Error
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_audit_log
		 (run_id, kind, tenant_id, account_id, scope_id, status, dry_run, started_at, completed_at, summary, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, string(e.Kind), e.TenantID, e.AccountID, e.ScopeID, string(e.Status), e.DryRun,
		e.StartedAt.UTC(), completedAt, string(summary), errMsg,
	)
	return eris.Wrapf(err, "sqlite: insert audit run %s", e.RunID)
}

func (s *SQLiteStore) ListAuditEntries(ctx context.Context, tenantID string, limit int) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, kind, tenant_id, account_id, scope_id, status, dry_run, started_at, completed_at, summary, error
		 FROM sync_audit_log WHERE tenant_id = ? ORDER BY started_at DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit entries")
	}
	defer rows.Close() //nolint:errcheck

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var kind, status string
		var completedAt sql.NullTime
		var summary, errMsg sql.NullString
		if err := rows.Scan(&e.RunID, &kind, &e.TenantID, &e.AccountID, &e.ScopeID, &status, &e.DryRun,
			&e.StartedAt, &completedAt, &summary, &errMsg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit entry")
		}
		e.Kind = audit.Kind(kind)
		e.Status = audit.Status(status)
		if completedAt.Valid {
			e.CompletedAt = completedAt.Time
		}
		if summary.Valid {
			_ = json.Unmarshal([]byte(summary.String), &e.Summary)
		}
		e.Error = errMsg.String
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list audit entries iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
