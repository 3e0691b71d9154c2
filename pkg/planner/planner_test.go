package planner

import (
	"context"
	"testing"
	"time"

	"github.com/loadshift/loadshift/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourlyHorizon(start time.Time, prices []float64) []types.PriceInterval {
	out := make([]types.PriceInterval, 0, len(prices))
	for i, price := range prices {
		ts := start.Add(time.Duration(i) * time.Hour)
		out = append(out, types.PriceInterval{
			TSStart:       ts,
			PricePerKWH:   price,
			Index:         i,
			IntervalOfDay: ts.Hour(),
		})
	}
	return out
}

func samplesWithDemand(demand map[int]float64) types.IntervalSamples {
	s := types.IntervalSamples{
		ConsumptionKWH: make(map[int][]float64),
		ProductionKWH:  make(map[int][]float64),
	}
	for iod, d := range demand {
		s.ConsumptionKWH[iod] = []float64{d, d}
	}
	return s
}

func baseSettings() types.Settings {
	return types.Settings{
		IntervalMinutes:      60,
		MinProfitPerKWH:      0.02,
		ExpensivePriceFactor: 1.2,
		EfficiencyLoss:       0,
		MinSOC:               0.1,
		TargetSOC:            1.0,
	}
}

func TestComputePlanEmptyHorizon(t *testing.T) {
	p := New()
	now := time.Now()

	plan := p.ComputePlan(context.Background(), Request{Now: now, Settings: baseSettings()})
	require.NotNil(t, plan)
	assert.Empty(t, plan.ChargeIntervals)
	assert.Empty(t, plan.DischargeIntervals)
	assert.Equal(t, 0.0, plan.EstimatedSavings)
}

func TestComputePlanNoProfit(t *testing.T) {
	p := New()
	start := time.Date(2024, 3, 10, 10, 0, 0, 0, time.Local)

	// flat prices leave nothing eligible in either direction
	req := Request{
		Now:     start,
		Horizon: hourlyHorizon(start, []float64{0.2, 0.2, 0.2, 0.2}),
		Battery: types.BatteryState{
			CurrentSOC: 0.5, CapacityKWH: 10, ChargePowerKW: 4,
			MinSOC: 0.1, TargetSOC: 1.0,
		},
		Samples:  samplesWithDemand(map[int]float64{12: 2, 13: 2}),
		Settings: baseSettings(),
	}
	assert.Nil(t, p.ComputePlan(context.Background(), req))
}

func TestComputePlanSolver(t *testing.T) {
	p := New()
	start := time.Date(2024, 3, 10, 10, 0, 0, 0, time.Local)

	// cheap morning, expensive afternoon with real demand; battery starts at
	// the minimum so every discharged kWh must first be charged
	req := Request{
		Now:     start,
		Horizon: hourlyHorizon(start, []float64{0.10, 0.10, 0.40, 0.40}),
		Battery: types.BatteryState{
			CurrentSOC: 0.1, CapacityKWH: 10, ChargePowerKW: 4,
			MinSOC: 0.1, TargetSOC: 1.0,
		},
		Samples:  samplesWithDemand(map[int]float64{12: 2, 13: 2}),
		Settings: baseSettings(),
	}

	plan := p.ComputePlan(context.Background(), req)
	require.NotNil(t, plan)
	assert.Equal(t, "solver", plan.Strategy)

	assert.InDelta(t, 4.0, plan.TotalChargeKWH, 1e-6)
	assert.InDelta(t, 4.0, plan.TotalDischargeKWH, 1e-6)

	for _, pc := range plan.ChargeIntervals {
		assert.InDelta(t, 0.10, pc.PricePerKWH, 1e-9, "charges must land on cheap slots")
	}
	for _, pd := range plan.DischargeIntervals {
		assert.InDelta(t, 0.40, pd.PricePerKWH, 1e-9, "discharges must land on expensive slots")
	}

	// bought at 0.10, sold at 0.40
	assert.InDelta(t, 1.2, plan.EstimatedSavings, 1e-6)
}

func TestComputePlanSolverUsesStoredEnergy(t *testing.T) {
	p := New()
	start := time.Date(2024, 3, 10, 10, 0, 0, 0, time.Local)

	// battery already holds cheap energy; charging would only add cost
	req := Request{
		Now:     start,
		Horizon: hourlyHorizon(start, []float64{0.10, 0.10, 0.40, 0.40}),
		Battery: types.BatteryState{
			CurrentSOC: 0.5, CapacityKWH: 10, ChargePowerKW: 4,
			MinSOC: 0.1, TargetSOC: 1.0,
		},
		Samples: samplesWithDemand(map[int]float64{12: 2, 13: 2}),
		CostBasis: &types.CostBasis{
			TotalKWH:       4.0,
			AvgPricePerKWH: 0.12,
		},
		Settings: baseSettings(),
	}

	plan := p.ComputePlan(context.Background(), req)
	require.NotNil(t, plan)
	assert.Empty(t, plan.ChargeIntervals)
	assert.InDelta(t, 4.0, plan.TotalDischargeKWH, 1e-6)
}

func TestDemandForecast(t *testing.T) {
	p := New()

	samples := types.IntervalSamples{
		ConsumptionKWH: map[int][]float64{
			10: {2.0, 4.0},
			11: {1.0, 1.0},
			12: {0.5},
		},
		ProductionKWH: map[int][]float64{
			10: {1.0, 1.0},
			11: {3.0, 3.0},
		},
	}

	demand := p.forecastDemand(samples)
	assert.InDelta(t, 2.0, demand[10], 1e-9)
	// production exceeding consumption floors at zero
	_, ok := demand[11]
	assert.False(t, ok)
	assert.InDelta(t, 0.5, demand[12], 1e-9)
	// no history means no demand
	_, ok = demand[13]
	assert.False(t, ok)
}

func TestGreedyPlan(t *testing.T) {
	p := New()
	start := time.Date(2024, 3, 10, 10, 0, 0, 0, time.Local)
	ctx := context.Background()

	req := Request{
		Now:     start,
		Horizon: hourlyHorizon(start, []float64{0.10, 0.30, 0.30, 0.10}),
		Battery: types.BatteryState{
			CurrentSOC: 0.4, CapacityKWH: 5, ChargePowerKW: 2,
			MinSOC: 0.2, TargetSOC: 1.0,
		},
		Samples:  samplesWithDemand(map[int]float64{11: 1, 12: 1}),
		Settings: baseSettings(),
	}
	req.Settings.ExpensivePriceFactor = 1.5 // expensive = 0.30

	b := deriveBounds(req.Battery, req.Settings.IntervalMinutes)
	plan := p.greedyPlan(ctx, req, b, 0.15, p.forecastDemand(req.Samples))
	require.NotNil(t, plan)

	// headroom is 3 kWh: 2 in the first cheap slot, 1 in the second
	require.Len(t, plan.ChargeIntervals, 2)
	assert.InDelta(t, 3.0, plan.TotalChargeKWH, 1e-6)
	grid0, solar0, ok := plan.ChargeIntervals[0].NormalizeSource()
	assert.True(t, ok)
	assert.InDelta(t, 2.0, grid0, 1e-6)
	assert.Equal(t, 0.0, solar0)

	// both expensive slots discharge their forecasted demand
	require.Len(t, plan.DischargeIntervals, 2)
	assert.InDelta(t, 2.0, plan.TotalDischargeKWH, 1e-6)
	assert.Greater(t, plan.EstimatedSavings, 0.0)
}

func TestGreedyPlanForwardSimulation(t *testing.T) {
	p := New()
	start := time.Date(2024, 3, 10, 10, 0, 0, 0, time.Local)
	ctx := context.Background()

	// nothing charge-eligible and only 0.5 kWh above the minimum: the
	// simulation must shrink the first discharge and zero out the second
	req := Request{
		Now:     start,
		Horizon: hourlyHorizon(start, []float64{0.30, 0.30}),
		Battery: types.BatteryState{
			CurrentSOC: 0.3, CapacityKWH: 5, ChargePowerKW: 2,
			MinSOC: 0.2, TargetSOC: 1.0,
		},
		Samples:  samplesWithDemand(map[int]float64{10: 1, 11: 1}),
		Settings: baseSettings(),
	}
	req.Settings.ExpensivePriceFactor = 1.0

	b := deriveBounds(req.Battery, req.Settings.IntervalMinutes)
	plan := p.greedyPlan(ctx, req, b, 0.15, p.forecastDemand(req.Samples))
	require.NotNil(t, plan)

	require.Len(t, plan.DischargeIntervals, 1)
	assert.InDelta(t, 0.5, plan.TotalDischargeKWH, 1e-6)
	assert.True(t, plan.DischargeIntervals[0].TSStart.Equal(start))
}

func TestGreedyTieBreakChronological(t *testing.T) {
	p := New()
	start := time.Date(2024, 3, 10, 10, 0, 0, 0, time.Local)
	ctx := context.Background()

	// equal cheap prices: the earlier slot must be charged first
	req := Request{
		Now:     start,
		Horizon: hourlyHorizon(start, []float64{0.10, 0.10, 0.10}),
		Battery: types.BatteryState{
			CurrentSOC: 0.5, CapacityKWH: 4, ChargePowerKW: 2,
			MinSOC: 0.1, TargetSOC: 1.0,
		},
		Samples:  types.IntervalSamples{},
		Settings: baseSettings(),
	}

	b := deriveBounds(req.Battery, req.Settings.IntervalMinutes)
	plan := p.greedyPlan(ctx, req, b, 0.20, p.forecastDemand(req.Samples))
	require.NotNil(t, plan)

	// headroom 2 kWh fills exactly one slot, and it must be the first
	require.Len(t, plan.ChargeIntervals, 1)
	assert.True(t, plan.ChargeIntervals[0].TSStart.Equal(start))
}

func TestSolarSurplusAttribution(t *testing.T) {
	p := New()
	start := time.Date(2024, 3, 10, 10, 0, 0, 0, time.Local)
	ctx := context.Background()

	req := Request{
		Now:     start,
		Horizon: hourlyHorizon(start, []float64{0.10}),
		Battery: types.BatteryState{
			CurrentSOC: 0.5, CapacityKWH: 4, ChargePowerKW: 2,
			MinSOC: 0.1, TargetSOC: 1.0,
		},
		Samples: types.IntervalSamples{
			ConsumptionKWH: map[int][]float64{10: {0.5}},
			ProductionKWH:  map[int][]float64{10: {1.5}},
		},
		Settings: baseSettings(),
	}

	b := deriveBounds(req.Battery, req.Settings.IntervalMinutes)
	plan := p.greedyPlan(ctx, req, b, 0.20, p.forecastDemand(req.Samples))
	require.NotNil(t, plan)
	require.Len(t, plan.ChargeIntervals, 1)

	// 1 kWh of expected solar surplus is attributed before the grid
	grid, solar, ok := plan.ChargeIntervals[0].NormalizeSource()
	assert.True(t, ok)
	assert.InDelta(t, 1.0, solar, 1e-6)
	assert.InDelta(t, 1.0, grid, 1e-6)
}
