package mocks

import (
	"context"
	"errors"
	"time"

	tdb "github.com/geoforge/tilerd/pkg/db"
)

type MockQueueInterface struct {
	Impl struct {
		Push         func(context.Context, string, time.Time, []byte) error
		Claim        func(context.Context, string, int) ([]tdb.Job, error)
		Complete     func(context.Context, string) error
		Retry        func(context.Context, string, time.Time) error
		MarkFailed   func(context.Context, string) error
		RequeueStale func(context.Context, string) (int, error)
		List         func(context.Context, []tdb.JobStatus) ([]tdb.Job, error)
		Get          func(context.Context, string) (tdb.Job, error)
		Cancel       func(context.Context, string) error
	}
}

func NewMockQueueInterface() *MockQueueInterface {
	return &MockQueueInterface{}
}

func (m *MockQueueInterface) Push(ctx context.Context, jobID string, scheduledFor time.Time, detail []byte) error {
	if m.Impl.Push == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.Push(ctx, jobID, scheduledFor, detail)
}

func (m *MockQueueInterface) Claim(ctx context.Context, owner string, limit int) ([]tdb.Job, error) {
	if m.Impl.Claim == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.Claim(ctx, owner, limit)
}

func (m *MockQueueInterface) Complete(ctx context.Context, jobID string) error {
	if m.Impl.Complete == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.Complete(ctx, jobID)
}

func (m *MockQueueInterface) Retry(ctx context.Context, jobID string, at time.Time) error {
	if m.Impl.Retry == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.Retry(ctx, jobID, at)
}

func (m *MockQueueInterface) MarkFailed(ctx context.Context, jobID string) error {
	if m.Impl.MarkFailed == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.MarkFailed(ctx, jobID)
}

func (m *MockQueueInterface) RequeueStale(ctx context.Context, owner string) (int, error) {
	if m.Impl.RequeueStale == nil {
		return 0, errors.New("[MOCK] not implemented")
	}
	return m.Impl.RequeueStale(ctx, owner)
}

func (m *MockQueueInterface) List(ctx context.Context, statuses []tdb.JobStatus) ([]tdb.Job, error) {
	if m.Impl.List == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.List(ctx, statuses)
}

func (m *MockQueueInterface) Get(ctx context.Context, jobID string) (tdb.Job, error) {
	if m.Impl.Get == nil {
		return tdb.Job{}, errors.New("[MOCK] not implemented")
	}
	return m.Impl.Get(ctx, jobID)
}

func (m *MockQueueInterface) Cancel(ctx context.Context, jobID string) error {
	if m.Impl.Cancel == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.Cancel(ctx, jobID)
}
