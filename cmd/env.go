package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-sync/internal/audit"
	"github.com/sells-group/crm-sync/internal/config"
	"github.com/sells-group/crm-sync/internal/credential"
	"github.com/sells-group/crm-sync/internal/keystage"
	"github.com/sells-group/crm-sync/internal/qualify"
	"github.com/sells-group/crm-sync/internal/reconcile"
	"github.com/sells-group/crm-sync/internal/requalify"
	"github.com/sells-group/crm-sync/internal/resilience"
	"github.com/sells-group/crm-sync/internal/store"
	"github.com/sells-group/crm-sync/pkg/amocrm"
)

// syncEnv holds the store and services needed by sync/requalify/serve.
type syncEnv struct {
	Store     store.Store
	Audit     *audit.Log
	Syncer    *reconcile.Syncer
	Requalify *requalify.Runner
}

// Close releases resources held by the environment.
func (e *syncEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for mode, opens and migrates the store, and
// builds the services. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*syncEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	return buildEnv(cfg, st), nil
}

// buildEnv wires services over an open store.
func buildEnv(c *config.Config, st store.Store) *syncEnv {
	crm := initCRM(c.AmoCRM)
	creds := initCredentials(c.AmoCRM, st)
	rules := qualify.NewResolver(st)
	auditLog := audit.NewLog(st)

	return &syncEnv{
		Store:     st,
		Audit:     auditLog,
		Syncer:    reconcile.New(c.Sync, st, creds, crm, rules, keystage.NewTracker(st), auditLog),
		Requalify: requalify.New(c.Requalify, st, creds, crm, rules, auditLog),
	}
}

func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "sqlite":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = "crm-sync.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, &store.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

func initCRM(ac config.AmoCRMConfig) amocrm.Client {
	timeout := time.Duration(ac.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return amocrm.NewClient(
		amocrm.WithBaseDomain(ac.BaseDomain),
		amocrm.WithHTTPClient(&http.Client{Timeout: timeout}),
		amocrm.WithRateLimit(ac.RateLimitRPS),
		amocrm.WithGuard(resilience.GuardFromConfig(
			ac.RetryAttempts,
			ac.RetryInitialMs,
			ac.RetryMaxMs,
			ac.CircuitThreshold,
			ac.CircuitResetSecs,
		)),
	)
}

// initCredentials prefers a static token from config; otherwise tokens
// come from stored CRM connections.
func initCredentials(ac config.AmoCRMConfig, src credential.ConnectionSource) credential.Resolver {
	if ac.Subdomain != "" && ac.AccessToken != "" {
		return credential.Static(amocrm.Credential{
			Subdomain:   ac.Subdomain,
			AccessToken: ac.AccessToken,
		})
	}
	return credential.NewStoreResolver(src, time.Duration(ac.TokenSkewSecs)*time.Second)
}
