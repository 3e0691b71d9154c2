// Package planner decides which future price intervals should charge the
// battery from the grid or discharge it to cover demand. The primary
// strategy solves a linear program over the whole horizon; a greedy
// heuristic takes over when the solver declines or fails.
package planner

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/loadshift/loadshift/pkg/ledger"
	"github.com/loadshift/loadshift/pkg/log"
	"github.com/loadshift/loadshift/pkg/types"
)

const selectionEpsilonKWH = 1e-6

// Request carries everything one scheduling cycle needs. The horizon must
// already be filtered to current+future slots and enriched with
// intervalOfDay indices.
type Request struct {
	Now       time.Time
	Horizon   []types.PriceInterval
	Battery   types.BatteryState
	Samples   types.IntervalSamples
	CostBasis *types.CostBasis
	Settings  types.Settings
}

// Planner computes charge/discharge plans.
type Planner struct {
}

// New creates a new Planner.
func New() *Planner {
	return &Planner{}
}

// bounds are the physical limits derived from the battery state, in kWh.
type bounds struct {
	minKWH         float64
	maxKWH         float64
	currentKWH     float64
	perIntervalKWH float64
	intervalHours  float64
}

func deriveBounds(b types.BatteryState, intervalMinutes int) bounds {
	if intervalMinutes <= 0 {
		intervalMinutes = 15
	}
	hours := float64(intervalMinutes) / 60.0
	chargeKW := b.ChargePowerKW
	if chargeKW <= 0 {
		// conservatively assume it takes 3 hours to charge the battery from 0->100
		chargeKW = b.CapacityKWH / 3.0
	}
	return bounds{
		minKWH:         b.MinSOC * b.CapacityKWH,
		maxKWH:         b.TargetSOC * b.CapacityKWH,
		currentKWH:     b.CurrentSOC * b.CapacityKWH,
		perIntervalKWH: chargeKW * hours,
		intervalHours:  hours,
	}
}

// ComputePlan produces a plan for the given horizon, or nil when no
// profitable assignment exists. An empty or missing horizon yields an
// empty plan, never an error.
func (p *Planner) ComputePlan(ctx context.Context, req Request) *types.Plan {
	if len(req.Horizon) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "empty price horizon, returning empty plan")
		return &types.Plan{CreatedAt: req.Now}
	}

	b := deriveBounds(req.Battery, req.Settings.IntervalMinutes)
	basis, basisEstimated := p.costBasisRef(req)
	demand := p.forecastDemand(req.Samples)

	log.Ctx(ctx).DebugContext(
		ctx,
		"planning cycle started",
		slog.Int("horizon", len(req.Horizon)),
		slog.Float64("currentKWH", b.currentKWH),
		slog.Float64("minKWH", b.minKWH),
		slog.Float64("maxKWH", b.maxKWH),
		slog.Float64("costBasis", basis),
		slog.Bool("costBasisEstimated", basisEstimated),
	)

	if plan := p.solvePlan(ctx, req, b, basis, demand); plan != nil {
		plan.Strategy = "solver"
		return plan
	}

	log.Ctx(ctx).DebugContext(ctx, "solver declined, trying greedy fallback")
	if plan := p.greedyPlan(ctx, req, b, basis, demand); plan != nil {
		plan.Strategy = "greedy"
		return plan
	}

	log.Ctx(ctx).DebugContext(ctx, "no profitable plan found")
	return nil
}

// costBasisRef returns the price the eligibility filter compares against:
// the blended cost of stored energy, or a forward-looking estimate from
// the average horizon price when the battery holds negligible energy.
func (p *Planner) costBasisRef(req Request) (float64, bool) {
	if req.CostBasis != nil && req.CostBasis.TotalKWH > ledger.EmptyEpsilonKWH && !req.CostBasis.IsEstimated {
		return req.CostBasis.AvgPricePerKWH, false
	}
	return avgHorizonPrice(req.Horizon), true
}

func avgHorizonPrice(horizon []types.PriceInterval) float64 {
	if len(horizon) == 0 {
		return 0
	}
	var sum float64
	for _, iv := range horizon {
		sum += iv.PricePerKWH
	}
	return sum / float64(len(horizon))
}

// effectivePrice is what a kWh charged at price really costs once the
// round trip loss is paid.
func effectivePrice(price, efficiencyLoss float64) float64 {
	return price * (1 + efficiencyLoss)
}

func (p *Planner) chargeEligible(price float64, basis float64, s types.Settings) bool {
	return effectivePrice(price, s.EfficiencyLoss)+s.MinProfitPerKWH <= basis
}

func (p *Planner) dischargeEligible(price float64, basis float64, s types.Settings) bool {
	return price >= basis+s.MinProfitPerKWH
}

// forecastDemand returns the expected net demand per intervalOfDay: the
// historical average of consumption minus production for that slot,
// floored at zero. Slots without history forecast zero demand and are
// never selected for discharge; serving real load is what separates a
// plan worth acting on from blind price arbitrage.
func (p *Planner) forecastDemand(samples types.IntervalSamples) map[int]float64 {
	demand := make(map[int]float64, len(samples.ConsumptionKWH))
	for iod, cons := range samples.ConsumptionKWH {
		c := mean(cons)
		prod := mean(samples.ProductionKWH[iod])
		if d := c - prod; d > 0 {
			demand[iod] = d
		}
	}
	return demand
}

// solarSurplus is the expected production beyond consumption for a slot,
// used to attribute planned charge energy to solar before the grid.
func (p *Planner) solarSurplus(samples types.IntervalSamples, iod int) float64 {
	prod := mean(samples.ProductionKWH[iod])
	cons := mean(samples.ConsumptionKWH[iod])
	if s := prod - cons; s > 0 {
		return s
	}
	return 0
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v
	}
	return sum / float64(len(vals))
}

// assemble builds a Plan out of per-interval charge/discharge energies,
// splitting charge energy into the forecasted solar surplus first and the
// grid for the remainder.
func (p *Planner) assemble(req Request, chargeKWH, dischargeKWH []float64, basis float64) *types.Plan {
	plan := &types.Plan{CreatedAt: req.Now}

	var chargeCost float64
	for i, iv := range req.Horizon {
		c := chargeKWH[i]
		if c <= selectionEpsilonKWH {
			continue
		}
		solar := math.Min(c, p.solarSurplus(req.Samples, iv.IntervalOfDay))
		grid := c - solar
		pc := types.PlannedCharge{
			TSStart:        iv.TSStart,
			PricePerKWH:    iv.PricePerKWH,
			GridEnergyKWH:  &grid,
			SolarEnergyKWH: &solar,
		}
		plan.ChargeIntervals = append(plan.ChargeIntervals, pc)
		plan.TotalChargeKWH += c
		chargeCost += grid * effectivePrice(iv.PricePerKWH, req.Settings.EfficiencyLoss)
	}

	// effective price of the energy the discharges will draw on
	effCharge := effectivePrice(basis, req.Settings.EfficiencyLoss)
	if plan.TotalChargeKWH > selectionEpsilonKWH {
		effCharge = chargeCost / plan.TotalChargeKWH
	}

	for i, iv := range req.Horizon {
		d := dischargeKWH[i]
		if d <= selectionEpsilonKWH {
			continue
		}
		// charge takes priority if a strategy ever produced both
		if chargeKWH[i] > selectionEpsilonKWH {
			continue
		}
		plan.DischargeIntervals = append(plan.DischargeIntervals, types.PlannedDischarge{
			TSStart:     iv.TSStart,
			PricePerKWH: iv.PricePerKWH,
			EnergyKWH:   d,
		})
		plan.TotalDischargeKWH += d
		plan.EstimatedSavings += (iv.PricePerKWH - effCharge) * d
	}

	if plan.TotalChargeKWH <= selectionEpsilonKWH && plan.TotalDischargeKWH <= selectionEpsilonKWH {
		return nil
	}
	return plan
}

// greedyPlan is the fallback heuristic: fill up on the cheapest eligible
// intervals, discharge on the most expensive ones, and let a forward
// simulation keep the state of charge honest.
func (p *Planner) greedyPlan(ctx context.Context, req Request, b bounds, basis float64, demand map[int]float64) *types.Plan {
	n := len(req.Horizon)
	chargeKWH := make([]float64, n)
	dischargeKWH := make([]float64, n)

	avgPrice := avgHorizonPrice(req.Horizon)
	expensive := avgPrice * req.Settings.ExpensivePriceFactor

	// cheapest-first charge selection until headroom is gone or prices stop
	// being cheap; equal prices prefer the earlier slot
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, z := req.Horizon[order[i]], req.Horizon[order[j]]
		if a.PricePerKWH != z.PricePerKWH {
			return a.PricePerKWH < z.PricePerKWH
		}
		return a.TSStart.Before(z.TSStart)
	})

	headroom := b.maxKWH - b.currentKWH
	for _, i := range order {
		if headroom <= selectionEpsilonKWH {
			break
		}
		price := req.Horizon[i].PricePerKWH
		if price > expensive {
			break
		}
		if !p.chargeEligible(price, basis, req.Settings) {
			continue
		}
		c := math.Min(b.perIntervalKWH, headroom)
		chargeKWH[i] = c
		headroom -= c
	}

	// most-expensive-first discharge selection, capped per slot by the
	// demand forecast; equal prices prefer the earlier slot
	sort.SliceStable(order, func(i, j int) bool {
		a, z := req.Horizon[order[i]], req.Horizon[order[j]]
		if a.PricePerKWH != z.PricePerKWH {
			return a.PricePerKWH > z.PricePerKWH
		}
		return a.TSStart.Before(z.TSStart)
	})

	for _, i := range order {
		iv := req.Horizon[i]
		if iv.PricePerKWH < expensive {
			break
		}
		if !p.dischargeEligible(iv.PricePerKWH, basis, req.Settings) {
			continue
		}
		d := math.Min(demand[iv.IntervalOfDay], b.perIntervalKWH)
		if d > selectionEpsilonKWH && chargeKWH[i] <= selectionEpsilonKWH {
			dischargeKWH[i] = d
		}
	}

	// forward simulation: walk the horizon in time order and shrink any
	// discharge that would pull the simulated state of charge below the
	// minimum at that point
	sim := b.currentKWH
	for i := range req.Horizon {
		sim += chargeKWH[i]
		if sim > b.maxKWH {
			chargeKWH[i] -= sim - b.maxKWH
			if chargeKWH[i] < 0 {
				chargeKWH[i] = 0
			}
			sim = b.maxKWH
		}
		available := sim - b.minKWH
		if dischargeKWH[i] > available {
			if available < selectionEpsilonKWH {
				available = 0
			}
			dischargeKWH[i] = available
		}
		sim -= dischargeKWH[i]
	}

	plan := p.assemble(req, chargeKWH, dischargeKWH, basis)
	if plan == nil {
		return nil
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"greedy plan assembled",
		slog.Float64("chargeKWH", plan.TotalChargeKWH),
		slog.Float64("dischargeKWH", plan.TotalDischargeKWH),
		slog.Float64("estimatedSavings", plan.EstimatedSavings),
	)
	return plan
}
