package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-sync/internal/config"
	"github.com/sells-group/crm-sync/internal/credential"
)

func TestInitStore_SQLite(t *testing.T) {
	ctx := context.Background()
	st, err := initStore(ctx, config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "crm.db"),
	})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.Migrate(ctx))
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	_, err := initStore(context.Background(), config.StoreConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitCredentials(t *testing.T) {
	static := initCredentials(config.AmoCRMConfig{Subdomain: "acme", AccessToken: "tok"}, nil)
	cred, err := static.GetValidCredential(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "acme", cred.Subdomain)
	assert.Equal(t, "tok", cred.AccessToken)

	stored := initCredentials(config.AmoCRMConfig{Subdomain: "acme"}, nil)
	_, ok := stored.(*credential.StoreResolver)
	assert.True(t, ok, "token-less config resolves from stored connections")
}

func TestBuildEnv(t *testing.T) {
	ctx := context.Background()
	st, err := initStore(ctx, config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "crm.db"),
	})
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	env := buildEnv(&config.Config{
		AmoCRM: config.AmoCRMConfig{RateLimitRPS: 5, RetryAttempts: 1},
		Sync:   config.SyncConfig{Concurrency: 2},
	}, st)
	defer env.Close()

	assert.NotNil(t, env.Syncer)
	assert.NotNil(t, env.Requalify)
	assert.NotNil(t, env.Audit)

	// No leads and no stored connection: the run fails cleanly and is audited.
	summary := env.Syncer.SyncAllLeads(ctx, "t1", "")
	assert.False(t, summary.Success)

	entries, err := env.Audit.Recent(ctx, "t1", 5)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestParseDate(t *testing.T) {
	got, err := parseDate("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseDate("2024-13-01")
	require.Error(t, err)
}
