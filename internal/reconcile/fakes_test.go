package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sells-group/crm-sync/internal/audit"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/store"
	"github.com/sells-group/crm-sync/pkg/amocrm"
)

// memStore is an in-memory Store that also serves qualification config
// and status history.
type memStore struct {
	mu         sync.Mutex
	leads      []model.Lead
	writes     int
	failUpdate map[string]error
	directions map[string]*model.Direction
	history    map[string]bool
	rules      []model.QualificationFieldConfig
	stages     model.StageQualificationMap
	purchases  []model.Purchase
	listErr    error
}

func newMemStore(leads ...model.Lead) *memStore {
	return &memStore{
		leads:      leads,
		failUpdate: map[string]error{},
		directions: map[string]*model.Direction{},
		history:    map[string]bool{},
	}
}

func historyKey(leadID string, pipelineID, statusID int64) string {
	return fmt.Sprintf("%s/%d/%d", leadID, pipelineID, statusID)
}

func (m *memStore) ListLeads(_ context.Context, f store.LeadFilter) ([]model.Lead, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Lead
	for _, l := range m.leads {
		if f.ScopeID != "" && l.ScopeID != f.ScopeID {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *memStore) UpdateLead(_ context.Context, leadID string, upd model.LeadUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failUpdate[leadID]; err != nil {
		return err
	}
	for i := range m.leads {
		l := &m.leads[i]
		if l.ID != leadID {
			continue
		}
		m.writes++
		if upd.RemoteLeadID != nil {
			l.RemoteLeadID = model.Int64Ptr(*upd.RemoteLeadID)
		}
		if upd.StatusID != nil {
			l.StatusID = model.Int64Ptr(*upd.StatusID)
		}
		if upd.PipelineID != nil {
			l.PipelineID = model.Int64Ptr(*upd.PipelineID)
		}
		if upd.Qualified != nil {
			l.Qualified = *upd.Qualified
		}
		l.KeyStages = l.KeyStages.Merge(upd.KeyStages)
		l.UpdatedAt = upd.UpdatedAt
		return nil
	}
	return errors.New("lead not found")
}

func (m *memStore) Direction(_ context.Context, id string) (*model.Direction, error) {
	return m.directions[id], nil
}

func (m *memStore) UpsertPurchase(_ context.Context, p model.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.purchases {
		if m.purchases[i].RemoteLeadID == p.RemoteLeadID {
			m.purchases[i] = p
			return nil
		}
	}
	m.purchases = append(m.purchases, p)
	return nil
}

func (m *memStore) QualificationFields(_ context.Context, _, accountID string) ([]model.QualificationFieldConfig, error) {
	if accountID != "" {
		return nil, nil
	}
	return m.rules, nil
}

func (m *memStore) StageQualifications(context.Context, string) (model.StageQualificationMap, error) {
	return m.stages, nil
}

func (m *memStore) HasStatusEvent(_ context.Context, leadID string, pipelineID, statusID int64) (bool, error) {
	return m.history[historyKey(leadID, pipelineID, statusID)], nil
}

func (m *memStore) lead(id string) model.Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.leads {
		if l.ID == id {
			return l
		}
	}
	return model.Lead{}
}

// fakeCRM answers phone searches from a map and tracks concurrency.
type fakeCRM struct {
	amocrm.Client
	byPhone  map[string][]amocrm.Lead
	errs     map[string]error
	panicOn  string
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	searches atomic.Int32
}

func (f *fakeCRM) SearchLeadsByPhone(ctx context.Context, _ amocrm.Credential, phone string) ([]amocrm.Lead, error) {
	f.searches.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if phone == f.panicOn {
		panic("decoder exploded")
	}
	if err := f.errs[phone]; err != nil {
		return nil, err
	}
	return f.byPhone[phone], nil
}

type memSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memSink) InsertAuditEntry(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memSink) ListAuditEntries(context.Context, string, int) ([]audit.Entry, error) {
	return s.entries, nil
}
