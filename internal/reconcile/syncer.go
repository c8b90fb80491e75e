// Package reconcile pulls remote CRM state for local leads and writes back
// status, qualification and key-stage progress.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/crm-sync/internal/audit"
	"github.com/sells-group/crm-sync/internal/config"
	"github.com/sells-group/crm-sync/internal/credential"
	"github.com/sells-group/crm-sync/internal/keystage"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/phone"
	"github.com/sells-group/crm-sync/internal/qualify"
	"github.com/sells-group/crm-sync/internal/store"
	"github.com/sells-group/crm-sync/internal/syncresult"
	"github.com/sells-group/crm-sync/pkg/amocrm"
)

// DefaultConcurrency caps in-flight lead tasks for a full sync.
const DefaultConcurrency = 10

// Store is the persistence surface a sync needs.
type Store interface {
	ListLeads(ctx context.Context, f store.LeadFilter) ([]model.Lead, error)
	UpdateLead(ctx context.Context, leadID string, upd model.LeadUpdate) error
	Direction(ctx context.Context, directionID string) (*model.Direction, error)
	UpsertPurchase(ctx context.Context, p model.Purchase) error
}

// Syncer reconciles local leads against amoCRM.
type Syncer struct {
	cfg    config.SyncConfig
	store  Store
	creds  credential.Resolver
	crm    amocrm.Client
	rules  *qualify.Resolver
	stages *keystage.Tracker
	audit  *audit.Log
	now    func() time.Time
}

// New creates a Syncer. auditLog may be nil.
func New(
	cfg config.SyncConfig,
	st Store,
	creds credential.Resolver,
	crm amocrm.Client,
	rules *qualify.Resolver,
	stages *keystage.Tracker,
	auditLog *audit.Log,
) *Syncer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Syncer{
		cfg:    cfg,
		store:  st,
		creds:  creds,
		crm:    crm,
		rules:  rules,
		stages: stages,
		audit:  auditLog,
		now:    time.Now,
	}
}

// run is the per-invocation state shared by lead tasks.
type run struct {
	tenantID   string
	accountID  string
	cred       amocrm.Credential
	qcfg       qualify.Config
	purchases  bool
	agg        *syncresult.Aggregator
	directions *directionCache
}

// SyncAllLeads reconciles every lead of a tenant (optionally one ad
// account) with bounded concurrency and records purchases.
func (s *Syncer) SyncAllLeads(ctx context.Context, tenantID, accountID string) syncresult.Summary {
	return s.sync(ctx, audit.KindSyncAll, store.LeadFilter{TenantID: tenantID, AccountID: accountID},
		s.cfg.Concurrency, true)
}

// SyncLeadsInScope reconciles the leads of one scope sequentially without
// touching purchases. accountID may be empty.
func (s *Syncer) SyncLeadsInScope(ctx context.Context, tenantID, scopeID, accountID string) syncresult.Summary {
	return s.sync(ctx, audit.KindSyncScope,
		store.LeadFilter{TenantID: tenantID, AccountID: accountID, ScopeID: scopeID}, 1, false)
}

func (s *Syncer) sync(ctx context.Context, kind audit.Kind, filter store.LeadFilter, concurrency int, purchases bool) syncresult.Summary {
	started := s.now().UTC()
	log := zap.L().With(
		zap.String("component", "reconcile"),
		zap.String("kind", string(kind)),
		zap.String("tenant_id", filter.TenantID),
	)

	r, leads, err := s.prepare(ctx, filter, purchases)
	if err != nil {
		log.Error("sync failed to start", zap.Error(err))
		summary := syncresult.Failed(err)
		s.record(ctx, kind, filter, started, summary)
		return summary
	}

	log.Info("sync started", zap.Int("leads", len(leads)), zap.Int("concurrency", concurrency))
	r.agg.AddTotal(len(leads))

	if concurrency <= 1 {
		for _, lead := range leads {
			s.runTask(ctx, r, lead)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(concurrency)
		for _, lead := range leads {
			g.Go(func() error {
				s.runTask(ctx, r, lead)
				return nil // a lead failure never aborts the run
			})
		}
		_ = g.Wait()
	}

	summary := r.agg.Summary()
	log.Info("sync complete",
		zap.Int("total", summary.Total),
		zap.Int("processed", summary.Processed),
		zap.Int("updated", summary.Updated),
		zap.Int("errors", summary.Errors),
		zap.Int("not_found", summary.NotFound),
		zap.Int("multiple_found", summary.MultipleFound),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("elapsed", s.now().Sub(started)),
	)
	s.record(ctx, kind, filter, started, summary)
	return summary
}

// prepare loads the leads, the credential and the qualification config.
// Any failure here fails the whole run.
func (s *Syncer) prepare(ctx context.Context, filter store.LeadFilter, purchases bool) (*run, []model.Lead, error) {
	leads, err := s.store.ListLeads(ctx, filter)
	if err != nil {
		return nil, nil, eris.Wrap(err, "reconcile: list leads")
	}
	cred, err := s.creds.GetValidCredential(ctx, filter.TenantID, filter.AccountID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "reconcile: resolve credential")
	}
	qcfg, err := s.rules.Resolve(ctx, filter.TenantID, filter.AccountID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "reconcile: qualification config")
	}
	return &run{
		tenantID:   filter.TenantID,
		accountID:  filter.AccountID,
		cred:       cred,
		qcfg:       qcfg,
		purchases:  purchases,
		agg:        syncresult.New(s.cfg.NotFoundSampleCap, s.cfg.ErrorSampleCap),
		directions: newDirectionCache(s.store),
	}, leads, nil
}

func (s *Syncer) record(ctx context.Context, kind audit.Kind, filter store.LeadFilter, started time.Time, summary syncresult.Summary) {
	s.audit.Record(ctx, audit.Entry{
		Kind:      kind,
		TenantID:  filter.TenantID,
		AccountID: filter.AccountID,
		ScopeID:   filter.ScopeID,
		StartedAt: started,
		Summary:   summary,
	})
}

// runTask reconciles one lead and converts any failure, including a
// panic, into a recorded per-lead error.
func (s *Syncer) runTask(ctx context.Context, r *run, lead model.Lead) {
	defer func() {
		if p := recover(); p != nil {
			err := eris.Errorf("reconcile: panic: %v", p)
			zap.L().Error("lead task panicked", zap.String("lead_id", lead.ID), zap.Error(err))
			r.agg.Error(lead.ID, err)
		}
	}()

	if err := s.reconcileLead(ctx, r, lead); err != nil {
		zap.L().Error("lead sync failed", zap.String("lead_id", lead.ID), zap.Error(err))
		r.agg.Error(lead.ID, err)
	}
}

func (s *Syncer) reconcileLead(ctx context.Context, r *run, lead model.Lead) error {
	key, ok := phone.Normalize(lead.Contact)
	if !ok {
		r.agg.Skipped()
		return nil
	}
	log := zap.L().With(zap.String("lead_id", lead.ID), zap.String("phone", phone.Mask(key)))

	remote, found := s.findRemote(ctx, r, key, log)
	if !found {
		r.agg.NotFound(lead.ID, key)
		return nil
	}

	if r.qcfg.HasRules() {
		amocrm.HydrateContacts(ctx, s.crm, r.cred, &remote, func(id int64, err error) {
			log.Warn("contact fetch failed", zap.Int64("contact_id", id), zap.Error(err))
		})
	}
	qualified := qualify.Evaluate(remote, r.qcfg)
	r.agg.Processed()
	r.agg.Qualification(qualified)

	newly, err := s.advanceStages(ctx, r, lead, remote.PipelineID, remote.StatusID)
	if err != nil {
		log.Warn("key stage history unavailable", zap.Error(err))
	}

	if r.purchases {
		s.upsertPurchase(ctx, r, lead, remote, log)
	}

	upd, changed := BuildUpdate(lead, remote, qualified, newly, s.now().UTC())
	if !changed {
		log.Debug("lead unchanged")
		return nil
	}
	if err := s.store.UpdateLead(ctx, lead.ID, upd); err != nil {
		return eris.Wrapf(err, "reconcile: persist lead %s", lead.ID)
	}
	r.agg.Updated()
	return nil
}

// findRemote searches the CRM by phone under the per-lead timeout. Gateway
// errors count as not found.
func (s *Syncer) findRemote(ctx context.Context, r *run, key string, log *zap.Logger) (amocrm.Lead, bool) {
	if s.cfg.LeadTimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.LeadTimeoutSecs)*time.Second)
		defer cancel()
	}

	results, err := s.crm.SearchLeadsByPhone(ctx, r.cred, key)
	if err != nil {
		log.Warn("remote search failed", zap.Error(err))
		return amocrm.Lead{}, false
	}
	if len(results) > 1 {
		r.agg.MultipleFound()
		log.Warn("multiple remote leads for phone", zap.Int("matches", len(results)))
	}
	return amocrm.MostRecent(results)
}

func (s *Syncer) advanceStages(ctx context.Context, r *run, lead model.Lead, pipelineID, statusID int64) (model.StageFlags, error) {
	if lead.DirectionID == "" || s.stages == nil {
		return model.StageFlags{}, nil
	}
	dir, err := r.directions.get(ctx, lead.DirectionID)
	if err != nil {
		return model.StageFlags{}, err
	}
	if dir == nil {
		return model.StageFlags{}, nil
	}
	return s.stages.Advance(ctx, keystage.Input{
		LeadID:     lead.ID,
		PipelineID: pipelineID,
		StatusID:   statusID,
		Targets:    dir.KeyStages,
		Reached:    lead.KeyStages,
	})
}

// upsertPurchase records the sale side effect for leads with a price or a
// won status. Failures are logged only.
func (s *Syncer) upsertPurchase(ctx context.Context, r *run, lead model.Lead, remote amocrm.Lead, log *zap.Logger) {
	if remote.Price <= 0 && remote.StatusID != model.WonStatusID {
		return
	}
	err := s.store.UpsertPurchase(ctx, model.Purchase{
		TenantID:     r.tenantID,
		LeadID:       lead.ID,
		RemoteLeadID: remote.ID,
		Amount:       remote.Price,
		StatusID:     remote.StatusID,
		UpdatedAt:    s.now().UTC(),
	})
	if err != nil {
		log.Warn("purchase upsert failed", zap.Int64("remote_lead_id", remote.ID), zap.Error(err))
	}
}

// BuildUpdate compares the stored lead with the freshly observed remote
// state. It reports false when nothing observable differs; otherwise the
// update carries the full observed state and the newly reached stages.
func BuildUpdate(lead model.Lead, remote amocrm.Lead, qualified bool, newly model.StageFlags, now time.Time) (model.LeadUpdate, bool) {
	var stages model.StageFlags
	for i := range newly {
		stages[i] = newly[i] && !lead.KeyStages[i]
	}

	changed := !model.Int64Equal(lead.RemoteLeadID, &remote.ID) ||
		!model.Int64Equal(lead.StatusID, &remote.StatusID) ||
		!model.Int64Equal(lead.PipelineID, &remote.PipelineID) ||
		lead.Qualified != qualified ||
		stages.Any()
	if !changed {
		return model.LeadUpdate{}, false
	}
	return model.LeadUpdate{
		RemoteLeadID: model.Int64Ptr(remote.ID),
		StatusID:     model.Int64Ptr(remote.StatusID),
		PipelineID:   model.Int64Ptr(remote.PipelineID),
		Qualified:    model.BoolPtr(qualified),
		KeyStages:    stages,
		UpdatedAt:    now,
	}, true
}

// directionCache memoizes direction lookups for one run.
type directionCache struct {
	st Store
	mu sync.Mutex
	m  map[string]*model.Direction
}

func newDirectionCache(st Store) *directionCache {
	return &directionCache{st: st, m: make(map[string]*model.Direction)}
}

func (c *directionCache) get(ctx context.Context, id string) (*model.Direction, error) {
	c.mu.Lock()
	d, ok := c.m[id]
	c.mu.Unlock()
	if ok {
		return d, nil
	}

	d, err := c.st.Direction(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: direction %s", id)
	}
	c.mu.Lock()
	c.m[id] = d
	c.mu.Unlock()
	return d, nil
}
