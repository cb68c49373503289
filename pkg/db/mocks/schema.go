package mocks

import (
	"context"
	"errors"
)

type MockSchemaInterface struct {
	Impl struct {
		Apply        func(context.Context) error
		TableExists  func(context.Context, string) (bool, error)
		ColumnExists func(context.Context, string, string) (bool, error)
	}
}

func NewMockSchemaInterface() *MockSchemaInterface {
	return &MockSchemaInterface{}
}

func (m *MockSchemaInterface) Apply(ctx context.Context) error {
	if m.Impl.Apply == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.Apply(ctx)
}

func (m *MockSchemaInterface) TableExists(ctx context.Context, table string) (bool, error) {
	if m.Impl.TableExists == nil {
		return false, errors.New("[MOCK] not implemented")
	}
	return m.Impl.TableExists(ctx, table)
}

func (m *MockSchemaInterface) ColumnExists(ctx context.Context, table string, column string) (bool, error) {
	if m.Impl.ColumnExists == nil {
		return false, errors.New("[MOCK] not implemented")
	}
	return m.Impl.ColumnExists(ctx, table, column)
}
