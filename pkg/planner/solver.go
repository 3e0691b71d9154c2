package planner

import (
	"context"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/loadshift/loadshift/pkg/log"
	"github.com/loadshift/loadshift/pkg/types"
)

// solverMaxIntervals bounds the LP size; 48 hours of 15-minute slots.
const solverMaxIntervals = 192

// solvePlan is the primary strategy: a linear program with one charge and
// one discharge variable per interval,
//
//	maximize  sum(discharge_i * price_i) - sum(charge_i * effPrice_i)
//
// subject to per-interval power caps, demand-capped discharge, and the
// running state of charge staying inside [minKWH, maxKWH] after every
// prefix of the horizon. It returns nil when the problem is infeasible,
// unprofitable, or the solver fails; the greedy fallback takes over then.
func (p *Planner) solvePlan(ctx context.Context, req Request, b bounds, basis float64, demand map[int]float64) *types.Plan {
	horizon := req.Horizon
	if len(horizon) > solverMaxIntervals {
		horizon = horizon[:solverMaxIntervals]
	}
	n := len(horizon)

	chargeCap := make([]float64, n)
	dischargeCap := make([]float64, n)
	var anyBound float64
	for i, iv := range horizon {
		if p.chargeEligible(iv.PricePerKWH, basis, req.Settings) {
			chargeCap[i] = b.perIntervalKWH
		}
		if p.dischargeEligible(iv.PricePerKWH, basis, req.Settings) {
			dischargeCap[i] = math.Min(b.perIntervalKWH, demand[iv.IntervalOfDay])
		}
		anyBound += chargeCap[i] + dischargeCap[i]
	}
	if anyBound <= selectionEpsilonKWH {
		return nil
	}

	// variables x = [charge_0..charge_n-1, discharge_0..discharge_n-1],
	// constraints expressed as G x <= h
	nVar := 2 * n
	nRows := 4*n + 2*n
	g := mat.NewDense(nRows, nVar, nil)
	h := make([]float64, nRows)
	c := make([]float64, nVar)

	for i, iv := range horizon {
		// objective is minimized, so charges cost and discharges earn
		c[i] = effectivePrice(iv.PricePerKWH, req.Settings.EfficiencyLoss)
		c[n+i] = -iv.PricePerKWH

		// 0 <= charge_i <= chargeCap_i
		g.Set(4*i, i, -1)
		h[4*i] = 0
		g.Set(4*i+1, i, 1)
		h[4*i+1] = chargeCap[i]

		// 0 <= discharge_i <= dischargeCap_i
		g.Set(4*i+2, n+i, -1)
		h[4*i+2] = 0
		g.Set(4*i+3, n+i, 1)
		h[4*i+3] = dischargeCap[i]
	}

	// running state of charge after each prefix:
	//   minKWH <= currentKWH + sum_{j<=k}(charge_j - discharge_j) <= maxKWH
	for k := 0; k < n; k++ {
		upper := 4*n + 2*k
		lower := 4*n + 2*k + 1
		for j := 0; j <= k; j++ {
			g.Set(upper, j, 1)
			g.Set(upper, n+j, -1)
			g.Set(lower, j, -1)
			g.Set(lower, n+j, 1)
		}
		h[upper] = b.maxKWH - b.currentKWH
		h[lower] = b.currentKWH - b.minKWH
	}

	cStd, aStd, bStd := lp.Convert(c, g, h, nil, nil)
	optCost, optX, err := lp.Simplex(cStd, aStd, bStd, 1e-10, nil)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "simplex failed", slog.Any("error", err))
		return nil
	}

	// Convert models each free variable v as vPlus - vMinus with
	// vPlus = optX[i], vMinus = optX[nVar+i]
	value := func(i int) float64 {
		v := optX[i] - optX[nVar+i]
		if v < selectionEpsilonKWH {
			return 0
		}
		return v
	}

	profit := -optCost
	if profit <= selectionEpsilonKWH {
		log.Ctx(ctx).DebugContext(ctx, "no profitable solver assignment", slog.Float64("profit", profit))
		return nil
	}

	chargeKWH := make([]float64, len(req.Horizon))
	dischargeKWH := make([]float64, len(req.Horizon))
	for i := 0; i < n; i++ {
		chargeKWH[i] = value(i)
		dischargeKWH[i] = value(n + i)
	}

	plan := p.assemble(req, chargeKWH, dischargeKWH, basis)
	if plan == nil {
		return nil
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"solver plan assembled",
		slog.Float64("profit", profit),
		slog.Float64("chargeKWH", plan.TotalChargeKWH),
		slog.Float64("dischargeKWH", plan.TotalDischargeKWH),
		slog.Float64("estimatedSavings", plan.EstimatedSavings),
	)
	return plan
}
