// Package mocks provides test doubles for the amocrm client.
package mocks

import (
	"context"

	amocrm "github.com/sells-group/crm-sync/pkg/amocrm"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// SearchLeadsByPhone provides a mock function with given fields: ctx, cred, phone
func (_m *MockClient) SearchLeadsByPhone(ctx context.Context, cred amocrm.Credential, phone string) ([]amocrm.Lead, error) {
	ret := _m.Called(ctx, cred, phone)

	if len(ret) == 0 {
		panic("no return value specified for SearchLeadsByPhone")
	}

	var r0 []amocrm.Lead
	if rf, ok := ret.Get(0).(func(context.Context, amocrm.Credential, string) []amocrm.Lead); ok {
		r0 = rf(ctx, cred, phone)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]amocrm.Lead)
	}

	return r0, ret.Error(1)
}

// GetLead provides a mock function with given fields: ctx, cred, id
func (_m *MockClient) GetLead(ctx context.Context, cred amocrm.Credential, id int64) (*amocrm.Lead, error) {
	ret := _m.Called(ctx, cred, id)

	if len(ret) == 0 {
		panic("no return value specified for GetLead")
	}

	var r0 *amocrm.Lead
	if rf, ok := ret.Get(0).(func(context.Context, amocrm.Credential, int64) *amocrm.Lead); ok {
		r0 = rf(ctx, cred, id)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*amocrm.Lead)
	}

	return r0, ret.Error(1)
}

// GetContact provides a mock function with given fields: ctx, cred, id
func (_m *MockClient) GetContact(ctx context.Context, cred amocrm.Credential, id int64) (*amocrm.Contact, error) {
	ret := _m.Called(ctx, cred, id)

	if len(ret) == 0 {
		panic("no return value specified for GetContact")
	}

	var r0 *amocrm.Contact
	if rf, ok := ret.Get(0).(func(context.Context, amocrm.Credential, int64) *amocrm.Contact); ok {
		r0 = rf(ctx, cred, id)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*amocrm.Contact)
	}

	return r0, ret.Error(1)
}

// NewMockClient creates a new instance of MockClient. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
