// Package requalify re-evaluates lead qualification in throttled,
// newest-first batches without running a full reconciliation.
package requalify

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/crm-sync/internal/audit"
	"github.com/sells-group/crm-sync/internal/config"
	"github.com/sells-group/crm-sync/internal/credential"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/phone"
	"github.com/sells-group/crm-sync/internal/qualify"
	"github.com/sells-group/crm-sync/internal/store"
	"github.com/sells-group/crm-sync/internal/syncresult"
	"github.com/sells-group/crm-sync/pkg/amocrm"
)

// ErrNoQualificationRules means the tenant has no field rules to evaluate.
var ErrNoQualificationRules = eris.New("requalify: no qualification rules configured")

// Defaults applied when neither options nor config set a value.
const (
	DefaultBatchSize = 50
	DefaultDelay     = 100 * time.Millisecond
)

// Options narrows one requalification run.
type Options struct {
	BatchSize int        `json:"batch_size,omitempty"`
	DryRun    bool       `json:"dry_run,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// Result is the outcome of one run.
type Result struct {
	syncresult.Summary
	RunID    string       `json:"run_id"`
	Status   audit.Status `json:"status"`
	DryRun   bool         `json:"dry_run"`
	Duration string       `json:"duration"`
}

// Store is the persistence surface requalification needs.
type Store interface {
	ListLeads(ctx context.Context, f store.LeadFilter) ([]model.Lead, error)
	UpdateLead(ctx context.Context, leadID string, upd model.LeadUpdate) error
}

// Runner executes requalification runs.
type Runner struct {
	cfg   config.RequalifyConfig
	store Store
	creds credential.Resolver
	crm   amocrm.Client
	rules *qualify.Resolver
	audit *audit.Log
	now   func() time.Time
}

// New creates a Runner. auditLog may be nil.
func New(
	cfg config.RequalifyConfig,
	st Store,
	creds credential.Resolver,
	crm amocrm.Client,
	rules *qualify.Resolver,
	auditLog *audit.Log,
) *Runner {
	return &Runner{
		cfg:   cfg,
		store: st,
		creds: creds,
		crm:   crm,
		rules: rules,
		audit: auditLog,
		now:   time.Now,
	}
}

func (r *Runner) batchSize(opts Options) int {
	switch {
	case opts.BatchSize > 0:
		return opts.BatchSize
	case r.cfg.BatchSize > 0:
		return r.cfg.BatchSize
	default:
		return DefaultBatchSize
	}
}

// limiter enforces the inter-lead delay. A negative configured delay
// disables throttling.
func (r *Runner) limiter() *rate.Limiter {
	delay := DefaultDelay
	switch {
	case r.cfg.DelayMs > 0:
		delay = time.Duration(r.cfg.DelayMs) * time.Millisecond
	case r.cfg.DelayMs < 0:
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// RequalifyLeads re-evaluates qualification for a tenant's leads. It never
// returns an error; failures are reported in the Result and the audit log.
func (r *Runner) RequalifyLeads(ctx context.Context, tenantID, accountID string, opts Options) *Result {
	started := r.now().UTC()
	log := zap.L().With(
		zap.String("component", "requalify"),
		zap.String("tenant_id", tenantID),
		zap.Bool("dry_run", opts.DryRun),
	)

	summary := r.run(ctx, tenantID, accountID, opts, log)

	entry := r.audit.Record(ctx, audit.Entry{
		Kind:      audit.KindRequalify,
		TenantID:  tenantID,
		AccountID: accountID,
		DryRun:    opts.DryRun,
		StartedAt: started,
		Summary:   summary,
	})

	res := &Result{
		Summary:  summary,
		RunID:    entry.RunID,
		Status:   entry.Status,
		DryRun:   opts.DryRun,
		Duration: r.now().Sub(started).Round(time.Millisecond).String(),
	}
	log.Info("requalification complete",
		zap.String("status", string(res.Status)),
		zap.Int("total", res.Total),
		zap.Int("processed", res.Processed),
		zap.Int("updated", res.Updated),
		zap.Int("qualified", res.Qualified),
		zap.Int("not_qualified", res.NotQualified),
		zap.Int("errors", res.Errors),
	)
	return res
}

func (r *Runner) run(ctx context.Context, tenantID, accountID string, opts Options, log *zap.Logger) syncresult.Summary {
	rules, err := r.rules.Rules(ctx, tenantID, accountID)
	if err != nil {
		return failed(log, err)
	}
	if len(rules) == 0 {
		return failed(log, ErrNoQualificationRules)
	}
	cred, err := r.creds.GetValidCredential(ctx, tenantID, accountID)
	if err != nil {
		return failed(log, eris.Wrap(err, "requalify: resolve credential"))
	}

	qcfg := qualify.Config{Rules: rules}
	agg := syncresult.New(0, 0)
	limiter := r.limiter()
	size := r.batchSize(opts)
	filter := store.LeadFilter{
		TenantID:  tenantID,
		AccountID: accountID,
		Since:     opts.StartDate,
		Until:     opts.EndDate,
		Limit:     size,
	}

	for page := 0; ; page++ {
		filter.Offset = page * size
		leads, err := r.store.ListLeads(ctx, filter)
		if err != nil {
			if page == 0 {
				return failed(log, eris.Wrap(err, "requalify: list leads"))
			}
			log.Error("requalify: list page failed", zap.Int("page", page), zap.Error(err))
			agg.Error("", eris.Wrapf(err, "requalify: list page %d", page))
			break
		}
		agg.AddTotal(len(leads))

		for _, lead := range leads {
			if err := limiter.Wait(ctx); err != nil {
				agg.Error(lead.ID, eris.Wrap(err, "requalify: throttle"))
				return agg.Summary()
			}
			r.runTask(ctx, cred, qcfg, opts.DryRun, agg, lead)
		}

		log.Debug("batch done", zap.Int("page", page), zap.Int("leads", len(leads)))
		if len(leads) < size {
			break
		}
	}
	return agg.Summary()
}

func failed(log *zap.Logger, err error) syncresult.Summary {
	log.Error("requalification failed to start", zap.Error(err))
	return syncresult.Failed(err)
}

func (r *Runner) runTask(ctx context.Context, cred amocrm.Credential, qcfg qualify.Config, dryRun bool, agg *syncresult.Aggregator, lead model.Lead) {
	defer func() {
		if p := recover(); p != nil {
			err := eris.Errorf("requalify: panic: %v", p)
			zap.L().Error("requalify task panicked", zap.String("lead_id", lead.ID), zap.Error(err))
			agg.Error(lead.ID, err)
		}
	}()

	if err := r.requalifyLead(ctx, cred, qcfg, dryRun, agg, lead); err != nil {
		zap.L().Error("requalify lead failed", zap.String("lead_id", lead.ID), zap.Error(err))
		agg.Error(lead.ID, err)
	}
}

func (r *Runner) requalifyLead(ctx context.Context, cred amocrm.Credential, qcfg qualify.Config, dryRun bool, agg *syncresult.Aggregator, lead model.Lead) error {
	log := zap.L().With(zap.String("lead_id", lead.ID))

	remote, ok := r.resolveRemote(ctx, cred, lead, agg, log)
	if !ok {
		return nil
	}

	amocrm.HydrateContacts(ctx, r.crm, cred, &remote, func(id int64, err error) {
		log.Warn("contact fetch failed", zap.Int64("contact_id", id), zap.Error(err))
	})
	qualified := qualify.Evaluate(remote, qcfg)
	agg.Processed()
	agg.Qualification(qualified)

	backfill := lead.RemoteLeadID == nil
	if qualified == lead.Qualified && !backfill {
		return nil
	}
	if dryRun {
		log.Debug("dry run: would update", zap.Bool("qualified", qualified), zap.Bool("backfill", backfill))
		return nil
	}

	upd := model.LeadUpdate{Qualified: model.BoolPtr(qualified), UpdatedAt: r.now().UTC()}
	if backfill {
		upd.RemoteLeadID = model.Int64Ptr(remote.ID)
	}
	if err := r.store.UpdateLead(ctx, lead.ID, upd); err != nil {
		return eris.Wrapf(err, "requalify: persist lead %s", lead.ID)
	}
	agg.Updated()
	return nil
}

// resolveRemote fetches by remote id, falling back to a phone search when
// the id is unknown or the fetch fails.
func (r *Runner) resolveRemote(ctx context.Context, cred amocrm.Credential, lead model.Lead, agg *syncresult.Aggregator, log *zap.Logger) (amocrm.Lead, bool) {
	if lead.RemoteLeadID != nil {
		remote, err := r.crm.GetLead(ctx, cred, *lead.RemoteLeadID)
		if err == nil {
			return *remote, true
		}
		if !errors.Is(err, amocrm.ErrNotFound) {
			log.Warn("remote lead fetch failed, searching by phone", zap.Error(err))
		}
	}

	key, ok := phone.Normalize(lead.Contact)
	if !ok {
		if lead.RemoteLeadID == nil {
			agg.Skipped()
		} else {
			agg.NotFound(lead.ID, "")
		}
		return amocrm.Lead{}, false
	}

	results, err := r.crm.SearchLeadsByPhone(ctx, cred, key)
	if err != nil {
		log.Warn("remote search failed", zap.String("phone", phone.Mask(key)), zap.Error(err))
	}
	if len(results) > 1 {
		agg.MultipleFound()
	}
	remote, found := amocrm.MostRecent(results)
	if !found {
		agg.NotFound(lead.ID, key)
	}
	return remote, found
}
