package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/sunwaysbridge/pkg/storage"
	"github.com/raterudder/sunwaysbridge/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetEntry(ctx context.Context, id string) (types.Entry, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Entry), args.Error(1)
}

func (m *MockDatabase) ListEntries(ctx context.Context) ([]types.Entry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Entry), args.Error(1)
}

func (m *MockDatabase) SaveEntry(ctx context.Context, entry types.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDatabase) DeleteEntry(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
