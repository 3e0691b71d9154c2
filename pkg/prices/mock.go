package prices

import (
	"context"
	"time"

	"github.com/loadshift/loadshift/pkg/types"
	"github.com/stretchr/testify/mock"
)

// MockProvider is a testify mock of the Provider interface.
type MockProvider struct {
	mock.Mock
}

var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) CurrentInterval(ctx context.Context) (types.PriceInterval, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.PriceInterval), args.Error(1)
	}
	return types.PriceInterval{}, nil
}

func (m *MockProvider) FutureIntervals(ctx context.Context) ([]types.PriceInterval, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.PriceInterval), args.Error(1)
	}
	return nil, nil
}

func (m *MockProvider) ConfirmedIntervals(ctx context.Context, start, end time.Time) ([]types.PriceInterval, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.PriceInterval), args.Error(1)
	}
	return nil, nil
}
