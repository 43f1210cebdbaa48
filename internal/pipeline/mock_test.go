package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/catalog-sync/internal/model"
)

// --- Staging Mock ---

type mockStaging struct {
	mock.Mock
}

func (m *mockStaging) AppendStaged(ctx context.Context, runID string, recs []model.StagedRecord) ([]model.StagedRecord, error) {
	args := m.Called(ctx, runID, recs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.StagedRecord), args.Error(1)
}

func (m *mockStaging) ListStaged(ctx context.Context, runID string) ([]model.StagedRecord, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.StagedRecord), args.Error(1)
}

func (m *mockStaging) CountStaged(ctx context.Context, runID string) (int, error) {
	args := m.Called(ctx, runID)
	return args.Int(0), args.Error(1)
}
