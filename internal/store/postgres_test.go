package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresFromPool(mock), mock
}

var leadColumnNames = []string{
	"id", "tenant_id", "account_id", "scope_id", "contact", "remote_lead_id", "status_id", "pipeline_id",
	"qualified", "direction_id", "reached_key_stage_1", "reached_key_stage_2", "reached_key_stage_3",
	"created_at", "updated_at",
}

func TestPostgresStore_ListLeads(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	contact := "77010000001"
	remote := int64(900)
	var noID *int64
	var noText *string

	mock.ExpectQuery(`(?s)SELECT .+ FROM leads WHERE tenant_id = \$1 AND scope_id = \$2 ORDER BY created_at DESC, id DESC LIMIT \$3`).
		WithArgs("t1", "s1", 5).
		WillReturnRows(pgxmock.NewRows(leadColumnNames).
			AddRow("a", "t1", "", "s1", &contact, &remote, noID, noID, true, noText, true, false, false, now, now).
			AddRow("b", "t1", "", "s1", noText, noID, noID, noID, false, noText, false, false, false, now, now))

	leads, err := s.ListLeads(context.Background(), LeadFilter{TenantID: "t1", ScopeID: "s1", Limit: 5})
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, contact, leads[0].Contact)
	assert.Equal(t, int64(900), *leads[0].RemoteLeadID)
	assert.Nil(t, leads[0].StatusID)
	assert.True(t, leads[0].KeyStages[0])
	assert.Empty(t, leads[1].Contact)
	assert.Nil(t, leads[1].RemoteLeadID)
	assert.Empty(t, leads[1].DirectionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLead(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	upd := model.LeadUpdate{
		RemoteLeadID: model.Int64Ptr(900),
		StatusID:     model.Int64Ptr(55),
		PipelineID:   model.Int64Ptr(7),
		Qualified:    model.BoolPtr(true),
		KeyStages:    model.StageFlags{true, false, false},
		UpdatedAt:    at,
	}

	mock.ExpectExec(`UPDATE leads SET`).
		WithArgs("a", upd.RemoteLeadID, upd.StatusID, upd.PipelineID, upd.Qualified, true, false, false, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateLead(context.Background(), "a", upd))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLead_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateLead(context.Background(), "missing", model.LeadUpdate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lead not found")
}

func TestPostgresStore_QualificationFields(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	enum := int64(501)

	mock.ExpectQuery(`SELECT field_id, label, kind, enum_id, tenant_id, account_id FROM qualification_fields`).
		WithArgs("t1", "acc").
		WillReturnRows(pgxmock.NewRows([]string{"field_id", "label", "kind", "enum_id", "tenant_id", "account_id"}).
			AddRow(int64(11), "Source", "select", &enum, "t1", "acc"))

	rules, err := s.QualificationFields(context.Background(), "t1", "acc")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, model.FieldKindSelect, rules[0].Kind)
	assert.Equal(t, int64(501), *rules[0].EnumID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Direction_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT tenant_id, slot, pipeline_id, status_id FROM key_stages`).
		WithArgs("dir-1").
		WillReturnRows(pgxmock.NewRows([]string{"tenant_id", "slot", "pipeline_id", "status_id"}))

	d, err := s.Direction(context.Background(), "dir-1")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestPostgresStore_HasStatusEvent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("a", int64(7), int64(60)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	found, err := s.HasStatusEvent(context.Background(), "a", 7, 60)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPostgresStore_UpsertPurchase_InsertsWhenMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	p := model.Purchase{TenantID: "t1", LeadID: "a", RemoteLeadID: 900, Amount: 10, StatusID: 142}

	mock.ExpectExec(`UPDATE purchases SET`).
		WithArgs("t1", int64(900), "a", 10.0, int64(142), p.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`INSERT INTO purchases`).
		WithArgs(pgxmock.AnyArg(), "t1", int64(900), "a", 10.0, int64(142), p.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertPurchase(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertPurchase_UpdatesExisting(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	p := model.Purchase{TenantID: "t1", LeadID: "a", RemoteLeadID: 900, Amount: 10, StatusID: 55}

	mock.ExpectExec(`UPDATE purchases SET`).
		WithArgs("t1", int64(900), "a", 10.0, int64(55), p.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpsertPurchase(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Connection_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT tenant_id, account_id, subdomain, access_token, expires_at FROM crm_connections`).
		WithArgs("t1", "").
		WillReturnError(pgx.ErrNoRows)

	c, err := s.Connection(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestPostgresStore_Connection_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM crm_connections`).
		WithArgs("t1", "acc").
		WillReturnError(errors.New("connection reset"))

	_, err := s.Connection(context.Background(), "t1", "acc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection for t1")
}

func TestPostgresStore_Migrate_SkipsApplied(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_init.sql"))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_AppliesPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS crm_connections`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("001_init.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
