// Package credential resolves a usable amoCRM credential for a tenant or
// one of its ad accounts.
package credential

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/pkg/amocrm"
)

var (
	// ErrNoCredential means neither tier has a stored connection.
	ErrNoCredential = eris.New("credential: no crm connection")
	// ErrExpired means the stored access token has expired. Refresh is
	// owned by the OAuth flow, not by reconciliation.
	ErrExpired = eris.New("credential: access token expired")
)

// Resolver produces a valid credential for a run.
type Resolver interface {
	GetValidCredential(ctx context.Context, tenantID, accountID string) (amocrm.Credential, error)
}

// ConnectionSource reads the stored connection for exactly one tier.
// An empty accountID addresses the tenant tier. A missing row is nil, nil.
type ConnectionSource interface {
	Connection(ctx context.Context, tenantID, accountID string) (*model.Connection, error)
}

// StoreResolver resolves account connection first, then tenant connection.
type StoreResolver struct {
	src  ConnectionSource
	skew time.Duration
	now  func() time.Time
}

// NewStoreResolver creates a StoreResolver. Tokens expiring within skew are
// treated as expired.
func NewStoreResolver(src ConnectionSource, skew time.Duration) *StoreResolver {
	return &StoreResolver{src: src, skew: skew, now: time.Now}
}

func (r *StoreResolver) GetValidCredential(ctx context.Context, tenantID, accountID string) (amocrm.Credential, error) {
	conn, err := r.lookup(ctx, tenantID, accountID)
	if err != nil {
		return amocrm.Credential{}, err
	}
	if conn == nil {
		return amocrm.Credential{}, eris.Wrapf(ErrNoCredential, "tenant %s", tenantID)
	}
	if conn.AccessToken == "" || conn.Subdomain == "" {
		return amocrm.Credential{}, eris.Wrapf(ErrNoCredential, "tenant %s: incomplete connection", tenantID)
	}
	if !conn.ExpiresAt.IsZero() && !r.now().Add(r.skew).Before(conn.ExpiresAt) {
		return amocrm.Credential{}, eris.Wrapf(ErrExpired, "tenant %s expired at %s",
			tenantID, conn.ExpiresAt.Format(time.RFC3339))
	}
	return amocrm.Credential{Subdomain: conn.Subdomain, AccessToken: conn.AccessToken}, nil
}

func (r *StoreResolver) lookup(ctx context.Context, tenantID, accountID string) (*model.Connection, error) {
	if accountID != "" {
		conn, err := r.src.Connection(ctx, tenantID, accountID)
		if err != nil {
			return nil, eris.Wrapf(err, "credential: account connection %s", accountID)
		}
		if conn != nil {
			return conn, nil
		}
		zap.L().Debug("credential: no account connection, using tenant",
			zap.String("tenant_id", tenantID),
			zap.String("account_id", accountID),
		)
	}
	conn, err := r.src.Connection(ctx, tenantID, "")
	if err != nil {
		return nil, eris.Wrapf(err, "credential: tenant connection %s", tenantID)
	}
	return conn, nil
}

// Static always returns the same credential. Used by the CLI when a token
// is supplied through configuration.
type Static amocrm.Credential

func (s Static) GetValidCredential(context.Context, string, string) (amocrm.Credential, error) {
	if s.AccessToken == "" {
		return amocrm.Credential{}, ErrNoCredential
	}
	return amocrm.Credential(s), nil
}
