package storagemock

import (
	"context"
	"time"

	"github.com/loadshift/loadshift/pkg/storage"
	"github.com/loadshift/loadshift/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context, siteID string) (types.Settings, int, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error {
	args := m.Called(ctx, siteID, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) GetEnergyLog(ctx context.Context, siteID string) ([]types.EnergyLot, int, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		return args.Get(0).([]types.EnergyLot), args.Int(1), args.Error(2)
	}
	return nil, 0, nil
}

func (m *MockDatabase) SetEnergyLog(ctx context.Context, siteID string, lots []types.EnergyLot, version int) error {
	args := m.Called(ctx, siteID, lots, version)
	return args.Error(0)
}

func (m *MockDatabase) GetPlan(ctx context.Context, siteID string) (*types.Plan, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		if p := args.Get(0); p != nil {
			return p.(*types.Plan), args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) SetPlan(ctx context.Context, siteID string, plan *types.Plan) error {
	args := m.Called(ctx, siteID, plan)
	return args.Error(0)
}

func (m *MockDatabase) GetControlState(ctx context.Context, siteID string) (types.ControlState, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		return args.Get(0).(types.ControlState), args.Error(1)
	}
	return types.ControlState{}, nil
}

func (m *MockDatabase) SetControlState(ctx context.Context, siteID string, state types.ControlState) error {
	args := m.Called(ctx, siteID, state)
	return args.Error(0)
}

func (m *MockDatabase) InsertDecision(ctx context.Context, siteID string, decision types.Decision) error {
	args := m.Called(ctx, siteID, decision)
	return args.Error(0)
}

func (m *MockDatabase) GetDecisionHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.Decision, error) {
	args := m.Called(ctx, siteID, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.Decision), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) InsertIntervalEnergy(ctx context.Context, siteID string, e types.IntervalEnergy) error {
	args := m.Called(ctx, siteID, e)
	return args.Error(0)
}

func (m *MockDatabase) GetIntervalSamples(ctx context.Context, siteID string, start time.Time) (types.IntervalSamples, error) {
	args := m.Called(ctx, siteID, start)
	if len(args) > 0 {
		return args.Get(0).(types.IntervalSamples), args.Error(1)
	}
	return types.IntervalSamples{}, nil
}

func (m *MockDatabase) UpsertPriceIntervals(ctx context.Context, siteID string, intervals []types.PriceInterval) error {
	args := m.Called(ctx, siteID, intervals)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.PriceInterval, error) {
	args := m.Called(ctx, siteID, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.PriceInterval), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
