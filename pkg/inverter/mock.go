package inverter

import (
	"context"

	"github.com/loadshift/loadshift/pkg/types"
	"github.com/stretchr/testify/mock"
)

// MockSystem is a testify mock of the System interface.
type MockSystem struct {
	mock.Mock
}

var _ System = (*MockSystem)(nil)

func (m *MockSystem) GetTelemetry(ctx context.Context) (types.Telemetry, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Telemetry), args.Error(1)
	}
	return types.Telemetry{}, nil
}

func (m *MockSystem) GetBatteryState(ctx context.Context) (types.BatteryState, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.BatteryState), args.Error(1)
	}
	return types.BatteryState{}, nil
}

func (m *MockSystem) SetMode(ctx context.Context, mode types.Mode) error {
	args := m.Called(ctx, mode)
	return args.Error(0)
}

func (m *MockSystem) ApplySettings(ctx context.Context, settings types.Settings) error {
	args := m.Called(ctx, settings)
	return args.Error(0)
}
