// Package ledger tracks the cost basis of the energy physically stored in
// the battery. Charge lots enter at a known solar/grid split and price;
// discharge events drain the oldest surviving lots first. The ledger is a
// caller-owned snapshot: every function here is pure over the slice it is
// given and nothing is retained.
package ledger

import (
	"math"
	"time"

	"github.com/loadshift/loadshift/pkg/types"
)

const (
	// EmptyEpsilonKWH is the threshold below which remaining stored energy
	// is considered zero.
	EmptyEpsilonKWH = 0.01

	splitEpsilonKWH = 1e-6
)

// sanitizeKWH clamps NaN, infinite, and negative telemetry values to zero.
// Meter resets and transient nulls must not corrupt a multi-day log.
func sanitizeKWH(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// ChargeParams describes energy that entered the battery.
type ChargeParams struct {
	Timestamp  time.Time
	ChargedKWH float64
	SolarKWH   float64
	// GridPricePerKWH is the tariff price at the time of charging. Solar
	// energy is assumed free.
	GridPricePerKWH float64
	SOC             float64
}

// NewChargeLot builds a charge lot from telemetry. The grid share is
// whatever the solar share doesn't cover, floored at zero.
func NewChargeLot(p ChargeParams) types.EnergyLot {
	charged := sanitizeKWH(p.ChargedKWH)
	solar := sanitizeKWH(p.SolarKWH)
	if solar > charged {
		solar = charged
	}
	price := p.GridPricePerKWH
	if math.IsNaN(price) || math.IsInf(price, 0) {
		price = 0
	}
	return types.EnergyLot{
		Kind:            types.LotKindCharge,
		Timestamp:       p.Timestamp,
		TotalKWH:        charged,
		SolarKWH:        solar,
		GridKWH:         charged - solar,
		GridPricePerKWH: price,
		SOC:             p.SOC,
	}
}

// DischargeParams describes energy that left the battery.
type DischargeParams struct {
	Timestamp       time.Time
	DischargedKWH   float64
	GridPricePerKWH float64
	// AvgBatteryPricePerKWH is the blended cost basis at the moment of
	// discharge, recorded for later savings accounting.
	AvgBatteryPricePerKWH float64
	SOC                   float64
}

// NewDischargeEvent builds a discharge event from telemetry.
func NewDischargeEvent(p DischargeParams) types.EnergyLot {
	return types.EnergyLot{
		Kind:                  types.LotKindDischarge,
		Timestamp:             p.Timestamp,
		DischargedKWH:         sanitizeKWH(p.DischargedKWH),
		GridPricePerKWH:       p.GridPricePerKWH,
		AvgBatteryPricePerKWH: p.AvgBatteryPricePerKWH,
		SOC:                   p.SOC,
	}
}

type remainingLot struct {
	solarKWH        float64
	gridKWH         float64
	gridPricePerKWH float64
}

// consume walks the log in order and returns the charge lots that survive
// after all discharge events have been drained FIFO. A discharge never
// picks which lot to draw from; it always consumes the oldest surviving
// energy, splitting a lot proportionally when only part of it is drained.
func consume(log []types.EnergyLot) []remainingLot {
	var remaining []remainingLot
	for _, lot := range log {
		switch lot.Kind {
		case types.LotKindCharge:
			remaining = append(remaining, remainingLot{
				solarKWH:        sanitizeKWH(lot.SolarKWH),
				gridKWH:         sanitizeKWH(lot.GridKWH),
				gridPricePerKWH: lot.GridPricePerKWH,
			})
		case types.LotKindDischarge:
			toDrain := sanitizeKWH(lot.DischargedKWH)
			for len(remaining) > 0 && toDrain > splitEpsilonKWH {
				head := &remaining[0]
				total := head.solarKWH + head.gridKWH
				if total <= toDrain+splitEpsilonKWH {
					toDrain -= total
					remaining = remaining[1:]
					continue
				}
				// partial consumption keeps the lot's solar/grid ratio
				frac := (total - toDrain) / total
				head.solarKWH *= frac
				head.gridKWH *= frac
				toDrain = 0
			}
		}
	}
	return remaining
}

// BlendedCost reports the cost and composition of the energy currently
// stored, or nil when nothing meaningful remains. Solar energy counts
// toward the total but contributes zero cost.
func BlendedCost(log []types.EnergyLot) *types.CostBasis {
	remaining := consume(log)

	var totalKWH, solarKWH, gridKWH, gridCost float64
	for _, r := range remaining {
		solarKWH += r.solarKWH
		gridKWH += r.gridKWH
		totalKWH += r.solarKWH + r.gridKWH
		gridCost += r.gridKWH * r.gridPricePerKWH
	}

	if totalKWH <= EmptyEpsilonKWH {
		return nil
	}

	return &types.CostBasis{
		TotalKWH:       totalKWH,
		AvgPricePerKWH: gridCost / totalKWH,
		SolarKWH:       solarKWH,
		GridKWH:        gridKWH,
		SolarPercent:   int(math.Round(solarKWH / totalKWH * 100)),
		GridPercent:    int(math.Round(gridKWH / totalKWH * 100)),
		TotalGridCost:  gridCost,
	}
}

// RemainingKWH returns the total stored energy the log accounts for.
func RemainingKWH(log []types.EnergyLot) float64 {
	var total float64
	for _, r := range consume(log) {
		total += r.solarKWH + r.gridKWH
	}
	return total
}

// ShouldReset reports whether the log no longer corresponds to real stored
// energy: the live state of charge has fallen to or below the configured
// minimum while lot entries still remain. Clearing the log at that point
// stops measurement drift from accumulating into the cost basis.
func ShouldReset(currentSOC, minSOC float64, logLen int) bool {
	return logLen > 0 && currentSOC <= minSOC
}

// Trim drops the oldest entries beyond maxEntries. It does not re-derive
// the cost basis retroactively; callers accept some historical-accounting
// loss in exchange for bounded memory.
func Trim(log []types.EnergyLot, maxEntries int) []types.EnergyLot {
	if maxEntries <= 0 || len(log) <= maxEntries {
		return log
	}
	return log[len(log)-maxEntries:]
}
