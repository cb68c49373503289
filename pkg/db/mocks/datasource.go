// this package provide "mock" implementation of database for testing.
package mocks

import (
	"context"
	"errors"

	tdb "github.com/geoforge/tilerd/pkg/db"
)

type MockDatasourceInterface struct {
	Impl struct {
		List   func(context.Context) ([]tdb.Datasource, error)
		Get    func(context.Context, string) (tdb.Datasource, error)
		Create func(context.Context, tdb.Datasource) error
		Update func(context.Context, tdb.Datasource) error
		Delete func(context.Context, string) error
	}
}

func NewMockDatasourceInterface() *MockDatasourceInterface {
	return &MockDatasourceInterface{}
}

func (m *MockDatasourceInterface) List(ctx context.Context) ([]tdb.Datasource, error) {
	if m.Impl.List == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.List(ctx)
}

func (m *MockDatasourceInterface) Get(ctx context.Context, identifier string) (tdb.Datasource, error) {
	if m.Impl.Get == nil {
		return tdb.Datasource{}, errors.New("[MOCK] not implemented")
	}
	return m.Impl.Get(ctx, identifier)
}

func (m *MockDatasourceInterface) Create(ctx context.Context, ds tdb.Datasource) error {
	if m.Impl.Create == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.Create(ctx, ds)
}

func (m *MockDatasourceInterface) Update(ctx context.Context, ds tdb.Datasource) error {
	if m.Impl.Update == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.Update(ctx, ds)
}

func (m *MockDatasourceInterface) Delete(ctx context.Context, identifier string) error {
	if m.Impl.Delete == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.Delete(ctx, identifier)
}
