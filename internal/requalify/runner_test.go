package requalify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/audit"
	"github.com/sells-group/crm-sync/internal/config"
	"github.com/sells-group/crm-sync/internal/credential"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/qualify"
	"github.com/sells-group/crm-sync/internal/store"
	"github.com/sells-group/crm-sync/pkg/amocrm"
	"github.com/sells-group/crm-sync/pkg/amocrm/mocks"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testCred = credential.Static{Subdomain: "acme", AccessToken: "tok"}

type fakeStore struct {
	mu      sync.Mutex
	leads   []model.Lead
	rules   []model.QualificationFieldConfig
	filters []store.LeadFilter
	updates map[string]model.LeadUpdate
	fail    map[string]error
}

func newFakeStore(leads ...model.Lead) *fakeStore {
	return &fakeStore{
		leads:   leads,
		rules:   []model.QualificationFieldConfig{{FieldID: 10, Kind: model.FieldKindCheckbox, TenantID: "t1"}},
		updates: map[string]model.LeadUpdate{},
		fail:    map[string]error{},
	}
}

func (f *fakeStore) ListLeads(_ context.Context, filter store.LeadFilter) ([]model.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	if filter.Offset >= len(f.leads) {
		return nil, nil
	}
	end := min(filter.Offset+filter.Limit, len(f.leads))
	return append([]model.Lead(nil), f.leads[filter.Offset:end]...), nil
}

func (f *fakeStore) UpdateLead(_ context.Context, leadID string, upd model.LeadUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[leadID]; err != nil {
		return err
	}
	f.updates[leadID] = upd
	return nil
}

func (f *fakeStore) QualificationFields(_ context.Context, _, accountID string) ([]model.QualificationFieldConfig, error) {
	if accountID != "" {
		return nil, nil
	}
	return f.rules, nil
}

func (f *fakeStore) StageQualifications(context.Context, string) (model.StageQualificationMap, error) {
	return nil, nil
}

type memSink struct{ entries []audit.Entry }

func (s *memSink) InsertAuditEntry(_ context.Context, e audit.Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

func (s *memSink) ListAuditEntries(context.Context, string, int) ([]audit.Entry, error) {
	return s.entries, nil
}

// stubCRM serves leads by remote id and phone; every lead whose id is in
// qualifiedIDs carries a checked field 10.
type stubCRM struct {
	amocrm.Client
	byID         map[int64]amocrm.Lead
	byPhone      map[string][]amocrm.Lead
	qualifiedIDs map[int64]bool
	getCalls     int
	searchCalls  int
}

func (s *stubCRM) decorate(l amocrm.Lead) amocrm.Lead {
	if s.qualifiedIDs[l.ID] {
		l.Fields = []amocrm.CustomField{{FieldID: 10, Values: []amocrm.FieldValue{{IsBool: true, Bool: true}}}}
	}
	return l
}

func (s *stubCRM) GetLead(_ context.Context, _ amocrm.Credential, id int64) (*amocrm.Lead, error) {
	s.getCalls++
	l, ok := s.byID[id]
	if !ok {
		return nil, amocrm.ErrNotFound
	}
	l = s.decorate(l)
	return &l, nil
}

func (s *stubCRM) SearchLeadsByPhone(_ context.Context, _ amocrm.Credential, phone string) ([]amocrm.Lead, error) {
	s.searchCalls++
	var out []amocrm.Lead
	for _, l := range s.byPhone[phone] {
		out = append(out, s.decorate(l))
	}
	return out, nil
}

func (s *stubCRM) GetContact(context.Context, amocrm.Credential, int64) (*amocrm.Contact, error) {
	return nil, amocrm.ErrNotFound
}

func newRunner(st *fakeStore, crm amocrm.Client, sink *memSink) *Runner {
	return New(config.RequalifyConfig{BatchSize: 2, DelayMs: -1}, st, testCred, crm,
		qualify.NewResolver(st), audit.NewLog(sink))
}

func seedLeads(n int) ([]model.Lead, *stubCRM) {
	crm := &stubCRM{byID: map[int64]amocrm.Lead{}, byPhone: map[string][]amocrm.Lead{}, qualifiedIDs: map[int64]bool{}}
	var leads []model.Lead
	for i := range n {
		id := int64(100 + i)
		leads = append(leads, model.Lead{ID: fmt.Sprint(i), TenantID: "t1", RemoteLeadID: model.Int64Ptr(id)})
		crm.byID[id] = amocrm.Lead{ID: id}
		if i%2 == 0 {
			crm.qualifiedIDs[id] = true
		}
	}
	return leads, crm
}

func TestRequalifyLeads_PersistsChangedQualification(t *testing.T) {
	leads, crm := seedLeads(5)
	st := newFakeStore(leads...)
	sink := &memSink{}

	res := newRunner(st, crm, sink).RequalifyLeads(context.Background(), "t1", "", Options{})
	assert.True(t, res.Success)
	assert.Equal(t, audit.StatusSuccess, res.Status)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 3, res.Qualified)
	assert.Equal(t, 2, res.NotQualified)
	assert.Equal(t, 3, res.Updated, "only leads whose flag changed are written")
	assert.Len(t, st.updates, 3)
	assert.Nil(t, st.updates["0"].RemoteLeadID)
	assert.Equal(t, 0, crm.searchCalls)

	// Batches of two: offsets 0, 2, 4.
	require.Len(t, st.filters, 3)
	assert.Equal(t, 4, st.filters[2].Offset)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, audit.KindRequalify, sink.entries[0].Kind)
	assert.Equal(t, res.RunID, sink.entries[0].RunID)
}

func TestRequalifyLeads_DryRunNeverWrites(t *testing.T) {
	leads, crm := seedLeads(4)
	st := newFakeStore(leads...)
	sink := &memSink{}

	res := newRunner(st, crm, sink).RequalifyLeads(context.Background(), "t1", "", Options{DryRun: true})
	assert.True(t, res.DryRun)
	assert.Equal(t, 2, res.Qualified)
	assert.Equal(t, 2, res.NotQualified)
	assert.Equal(t, 0, res.Updated)
	assert.Empty(t, st.updates)
	assert.True(t, sink.entries[0].DryRun)
}

func TestRequalifyLeads_NoRulesFailsFast(t *testing.T) {
	leads, crm := seedLeads(3)
	st := newFakeStore(leads...)
	st.rules = nil
	sink := &memSink{}

	res := newRunner(st, crm, sink).RequalifyLeads(context.Background(), "t1", "", Options{})
	assert.False(t, res.Success)
	assert.Equal(t, audit.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "no qualification rules")
	assert.Empty(t, st.filters, "no leads are loaded")
	require.Len(t, sink.entries, 1)
	assert.Equal(t, audit.StatusFailed, sink.entries[0].Status)
}

func TestRequalifyLeads_MissingCredential(t *testing.T) {
	leads, crm := seedLeads(1)
	st := newFakeStore(leads...)
	r := New(config.RequalifyConfig{DelayMs: -1}, st, credential.Static{}, crm, qualify.NewResolver(st), nil)

	res := r.RequalifyLeads(context.Background(), "t1", "", Options{})
	assert.False(t, res.Success)
	assert.Equal(t, audit.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "no crm connection")
}

func TestRequalifyLeads_PartialOnPersistError(t *testing.T) {
	leads, crm := seedLeads(3)
	st := newFakeStore(leads...)
	st.fail["0"] = errors.New("write timeout")

	res := newRunner(st, crm, &memSink{}).RequalifyLeads(context.Background(), "t1", "", Options{})
	assert.Equal(t, audit.StatusPartial, res.Status)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Updated)
}

func TestRequalifyLeads_FallsBackToPhoneAndBackfills(t *testing.T) {
	st := newFakeStore(
		model.Lead{ID: "a", TenantID: "t1", Contact: "8 701 000 00 01"},
		model.Lead{ID: "b", TenantID: "t1", RemoteLeadID: model.Int64Ptr(404), Contact: "77010000002"},
		model.Lead{ID: "c", TenantID: "t1"},
	)
	crm := &stubCRM{
		byID: map[int64]amocrm.Lead{},
		byPhone: map[string][]amocrm.Lead{
			"77010000001": {{ID: 901}},
			"77010000002": {{ID: 902}},
		},
		qualifiedIDs: map[int64]bool{901: true, 902: true},
	}

	res := newRunner(st, crm, &memSink{}).RequalifyLeads(context.Background(), "t1", "", Options{BatchSize: 10})
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, crm.getCalls)
	assert.Equal(t, 2, crm.searchCalls)

	require.Contains(t, st.updates, "a")
	assert.Equal(t, int64(901), *st.updates["a"].RemoteLeadID, "unknown remote id is backfilled")
	assert.True(t, *st.updates["a"].Qualified)
	require.Contains(t, st.updates, "b")
	assert.Nil(t, st.updates["b"].RemoteLeadID, "known remote id is left alone")
}

func TestRequalifyLeads_PassesDateWindow(t *testing.T) {
	st := newFakeStore()
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := since.AddDate(0, 1, 0)

	res := newRunner(st, &stubCRM{}, &memSink{}).RequalifyLeads(context.Background(), "t1", "acc",
		Options{StartDate: &since, EndDate: &until})
	assert.Equal(t, audit.StatusSuccess, res.Status)
	require.Len(t, st.filters, 1)
	assert.Equal(t, &since, st.filters[0].Since)
	assert.Equal(t, &until, st.filters[0].Until)
	assert.Equal(t, "acc", st.filters[0].AccountID)
}

func TestRequalifyLeads_HydratesContactsWithMockClient(t *testing.T) {
	st := newFakeStore(model.Lead{ID: "a", TenantID: "t1", RemoteLeadID: model.Int64Ptr(901)})

	crm := mocks.NewMockClient(t)
	crm.On("GetLead", mock.Anything, amocrm.Credential(testCred), int64(901)).
		Return(&amocrm.Lead{ID: 901, ContactIDs: []int64{8}}, nil)
	crm.On("GetContact", mock.Anything, amocrm.Credential(testCred), int64(8)).
		Return(&amocrm.Contact{ID: 8, Fields: []amocrm.CustomField{
			{FieldID: 10, Values: []amocrm.FieldValue{{IsBool: true, Bool: true}}},
		}}, nil)

	res := newRunner(st, crm, &memSink{}).RequalifyLeads(context.Background(), "t1", "", Options{})
	assert.Equal(t, 1, res.Qualified)
	assert.True(t, *st.updates["a"].Qualified)
}

func TestRunner_Limiter(t *testing.T) {
	t.Parallel()

	r := New(config.RequalifyConfig{}, nil, nil, nil, nil, nil)
	assert.InDelta(t, 10.0, float64(r.limiter().Limit()), 0.001)

	r = New(config.RequalifyConfig{DelayMs: 250}, nil, nil, nil, nil, nil)
	assert.InDelta(t, 4.0, float64(r.limiter().Limit()), 0.001)
	assert.Equal(t, DefaultBatchSize, r.batchSize(Options{}))
	assert.Equal(t, 7, r.batchSize(Options{BatchSize: 7}))
}

func TestRequalifyLeads_SpacesLeadsByDelay(t *testing.T) {
	leads, crm := seedLeads(4)
	st := newFakeStore(leads...)
	r := New(config.RequalifyConfig{BatchSize: 10, DelayMs: 20}, st, testCred, crm,
		qualify.NewResolver(st), audit.NewLog(&memSink{}))

	start := time.Now()
	res := r.RequalifyLeads(context.Background(), "t1", "", Options{})
	elapsed := time.Since(start)

	assert.True(t, res.Success)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 4, crm.getCalls)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond, "three gaps of 20ms between four leads")
}
