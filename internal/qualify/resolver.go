package qualify

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-sync/internal/model"
)

// ConfigSource reads qualification configuration for exactly one tier.
// An empty accountID addresses the tenant-level tier.
type ConfigSource interface {
	QualificationFields(ctx context.Context, tenantID, accountID string) ([]model.QualificationFieldConfig, error)
	StageQualifications(ctx context.Context, tenantID string) (model.StageQualificationMap, error)
}

// Resolver resolves configuration account tier first, then tenant tier.
type Resolver struct {
	src ConfigSource
}

// NewResolver creates a Resolver over src.
func NewResolver(src ConfigSource) *Resolver {
	return &Resolver{src: src}
}

// Rules returns the account-tier rules when accountID is set and has any,
// otherwise the tenant-tier rules.
func (r *Resolver) Rules(ctx context.Context, tenantID, accountID string) ([]model.QualificationFieldConfig, error) {
	if accountID != "" {
		rules, err := r.src.QualificationFields(ctx, tenantID, accountID)
		if err != nil {
			return nil, eris.Wrapf(err, "qualify: account rules for %s", accountID)
		}
		if rules = ownedBy(rules, tenantID); len(rules) > 0 {
			return rules, nil
		}
	}

	rules, err := r.src.QualificationFields(ctx, tenantID, "")
	if err != nil {
		return nil, eris.Wrapf(err, "qualify: tenant rules for %s", tenantID)
	}
	return ownedBy(rules, tenantID), nil
}

// Resolve loads the rules and, only when there are none, the stage map.
func (r *Resolver) Resolve(ctx context.Context, tenantID, accountID string) (Config, error) {
	rules, err := r.Rules(ctx, tenantID, accountID)
	if err != nil {
		return Config{}, err
	}
	if len(rules) > 0 {
		return Config{Rules: rules}, nil
	}

	stages, err := r.src.StageQualifications(ctx, tenantID)
	if err != nil {
		return Config{}, eris.Wrapf(err, "qualify: stage map for %s", tenantID)
	}
	return Config{Stages: stages}, nil
}

// ownedBy drops rows belonging to any other tenant.
func ownedBy(rules []model.QualificationFieldConfig, tenantID string) []model.QualificationFieldConfig {
	out := rules[:0:0]
	for _, r := range rules {
		if r.TenantID == "" || r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out
}
