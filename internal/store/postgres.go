package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/audit"
	"github.com/sells-group/crm-sync/internal/db"
	"github.com/sells-group/crm-sync/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID serializes concurrent Migrate calls across processes.
const migrationLockID = 4421907

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `mapstructure:"max_conns"`
	MinConns int32 `mapstructure:"min_conns"`
}

const leadColumns = `id, tenant_id, account_id, scope_id, contact, remote_lead_id, status_id, pipeline_id,
	qualified, direction_id, reached_key_stage_1, reached_key_stage_2, reached_key_stage_3, created_at, updated_at`

// preparedStatements lists the hot-path queries prepared on each new connection.
var preparedStatements = map[string]string{
	"update_lead":      pgUpdateLead,
	"has_status_event": pgHasStatusEvent,
	"update_purchase":  pgUpdatePurchase,
	"insert_purchase":  pgInsertPurchase,
}

const pgUpdateLead = `UPDATE leads SET
	remote_lead_id = COALESCE($2, remote_lead_id),
	status_id = COALESCE($3, status_id),
	pipeline_id = COALESCE($4, pipeline_id),
	qualified = COALESCE($5, qualified),
	reached_key_stage_1 = reached_key_stage_1 OR $6,
	reached_key_stage_2 = reached_key_stage_2 OR $7,
	reached_key_stage_3 = reached_key_stage_3 OR $8,
	updated_at = $9
	WHERE id = $1`

const pgHasStatusEvent = `SELECT EXISTS (SELECT 1 FROM lead_status_history
	WHERE lead_id = $1 AND pipeline_id = $2 AND status_id = $3)`

const pgUpdatePurchase = `UPDATE purchases SET lead_id = $3, amount = $4, status_id = $5, updated_at = $6
	WHERE tenant_id = $1 AND remote_lead_id = $2`

const pgInsertPurchase = `INSERT INTO purchases (id, tenant_id, remote_lead_id, lead_id, amount, status_id, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close does not close it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Close releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Migrate applies pending embedded migrations in lexicographic order under
// an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: release migration lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename) VALUES ($1)", name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
		log.Info("migration applied", zap.String("file", name))
	}
	return nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (s *PostgresStore) ListLeads(ctx context.Context, f LeadFilter) ([]model.Lead, error) {
	query, args := buildLeadQuery(f, dollar)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

func (s *PostgresStore) UpdateLead(ctx context.Context, leadID string, upd model.LeadUpdate) error {
	tag, err := s.pool.Exec(ctx, pgUpdateLead, leadUpdateArgs(leadID, upd)...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: lead not found: %s", leadID)
	}
	return nil
}

func (s *PostgresStore) QualificationFields(ctx context.Context, tenantID, accountID string) ([]model.QualificationFieldConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT field_id, label, kind, enum_id, tenant_id, account_id FROM qualification_fields
		 WHERE tenant_id = $1 AND account_id = $2 ORDER BY id`,
		tenantID, accountID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: qualification fields")
	}
	defer rows.Close()

	var out []model.QualificationFieldConfig
	for rows.Next() {
		var c model.QualificationFieldConfig
		var kind string
		if err := rows.Scan(&c.FieldID, &c.Label, &kind, &c.EnumID, &c.TenantID, &c.AccountID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan qualification field")
		}
		c.Kind = model.FieldKind(kind)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: qualification fields iterate")
}

func (s *PostgresStore) StageQualifications(ctx context.Context, tenantID string) (model.StageQualificationMap, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status_id, qualified FROM stage_qualifications WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stage qualifications")
	}
	defer rows.Close()

	out := make(model.StageQualificationMap)
	for rows.Next() {
		var statusID int64
		var qualified bool
		if err := rows.Scan(&statusID, &qualified); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage qualification")
		}
		out[statusID] = qualified
	}
	return out, eris.Wrap(rows.Err(), "postgres: stage qualifications iterate")
}

func (s *PostgresStore) Direction(ctx context.Context, directionID string) (*model.Direction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, slot, pipeline_id, status_id FROM key_stages WHERE direction_id = $1 ORDER BY slot`,
		directionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: key stages for %s", directionID)
	}
	defer rows.Close()

	var d *model.Direction
	for rows.Next() {
		var tenantID string
		var slot int
		var t model.KeyStageTarget
		if err := rows.Scan(&tenantID, &slot, &t.PipelineID, &t.StatusID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan key stage")
		}
		if d == nil {
			d = &model.Direction{ID: directionID, TenantID: tenantID}
		}
		setSlot(d, slot, t)
	}
	return d, eris.Wrap(rows.Err(), "postgres: key stages iterate")
}

func (s *PostgresStore) HasStatusEvent(ctx context.Context, leadID string, pipelineID, statusID int64) (bool, error) {
	var found bool
	if err := s.pool.QueryRow(ctx, pgHasStatusEvent, leadID, pipelineID, statusID).Scan(&found); err != nil {
		return false, eris.Wrapf(err, "postgres: status history for %s", leadID)
	}
	return found, nil
}

// UpsertPurchase updates the row for (tenant, remote lead id) when it
// exists and inserts one otherwise.
func (s *PostgresStore) UpsertPurchase(ctx context.Context, p model.Purchase) error {
	tag, err := s.pool.Exec(ctx, pgUpdatePurchase,
		p.TenantID, p.RemoteLeadID, p.LeadID, p.Amount, p.StatusID, p.UpdatedAt)
	if err != nil {
		return eris.Wrapf(err, "postgres: update purchase %d", p.RemoteLeadID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, pgInsertPurchase, uuid.NewString(),
		p.TenantID, p.RemoteLeadID, p.LeadID, p.Amount, p.StatusID, p.UpdatedAt); err != nil {
		return eris.Wrapf(err, "postgres: insert purchase %d", p.RemoteLeadID)
	}
	return nil
}

func (s *PostgresStore) Connection(ctx context.Context, tenantID, accountID string) (*model.Connection, error) {
	var c model.Connection
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, account_id, subdomain, access_token, expires_at FROM crm_connections
		 WHERE tenant_id = $1 AND account_id = $2`,
		tenantID, accountID,
	).Scan(&c.TenantID, &c.AccountID, &c.Subdomain, &c.AccessToken, &c.ExpiresAt)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: connection for %s", tenantID)
	}
	return &c, nil
}

func (s *PostgresStore) InsertAuditEntry(ctx context.Context, e audit.Entry) error {
	return audit.NewPostgresSink(s.pool).InsertAuditEntry(ctx, e)
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, tenantID string, limit int) ([]audit.Entry, error) {
	return audit.NewPostgresSink(s.pool).ListAuditEntries(ctx, tenantID, limit)
}
