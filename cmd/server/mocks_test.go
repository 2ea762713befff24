package main

import (
	"context"
	"io"

	"github.com/damacus/drive-index/internal/services"
	"github.com/stretchr/testify/mock"
)

// MockObjectStore implements services.ObjectStore for testing
type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) RootID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockObjectStore) GetByID(ctx context.Context, id string) (*services.Object, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.Object), args.Error(1)
}

func (m *MockObjectStore) ListChildren(ctx context.Context, q services.ListQuery) ([]services.Object, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]services.Object), args.Error(1)
}

// GetMedia accepts a func() io.ReadCloser return so a body can be served
// more than once.
func (m *MockObjectStore) GetMedia(ctx context.Context, id string, rng *services.ByteRange) (io.ReadCloser, error) {
	args := m.Called(ctx, id, rng)
	switch body := args.Get(0).(type) {
	case func() io.ReadCloser:
		return body(), args.Error(1)
	case io.ReadCloser:
		return body, args.Error(1)
	}
	return nil, args.Error(1)
}
