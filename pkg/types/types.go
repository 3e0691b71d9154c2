package types

import "time"

const (
	// CurrentEnergyLogVersion is bumped when the stored lot format changes.
	CurrentEnergyLogVersion = 1
	// CurrentPlanVersion is bumped when the stored plan format changes.
	CurrentPlanVersion = 1

	SiteIDNone = "none"
)

// PriceInterval is one fixed-length slot of the tariff horizon.
// Index and IntervalOfDay are only set after enrichment.
type PriceInterval struct {
	TSStart       time.Time `json:"tsStart"`
	PricePerKWH   float64   `json:"pricePerKWH"`
	Index         int       `json:"index"`
	IntervalOfDay int       `json:"intervalOfDay"`
}

// LotKind distinguishes energy entering the battery from energy leaving it.
type LotKind string

const (
	LotKindCharge    LotKind = "charge"
	LotKindDischarge LotKind = "discharge"
)

// EnergyLot is one entry of the append-only battery cost log.
// Charge lots carry the solar/grid split of the charged energy; discharge
// events record how much left and what the blended price was at that moment.
type EnergyLot struct {
	Kind      LotKind   `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// charge fields
	TotalKWH        float64 `json:"totalKWH,omitempty"`
	SolarKWH        float64 `json:"solarKWH,omitempty"`
	GridKWH         float64 `json:"gridKWH,omitempty"`
	GridPricePerKWH float64 `json:"gridPricePerKWH,omitempty"`

	// discharge fields
	DischargedKWH         float64 `json:"dischargedKWH,omitempty"`
	AvgBatteryPricePerKWH float64 `json:"avgBatteryPricePerKWH,omitempty"`

	// SOC is the battery state of charge (fraction 0-1) when the lot was recorded.
	SOC float64 `json:"soc"`
}

// CostBasis describes the energy currently stored in the battery: how much
// there is, where it came from, and what the grid-sourced share cost.
type CostBasis struct {
	TotalKWH       float64 `json:"totalKWH"`
	AvgPricePerKWH float64 `json:"avgPricePerKWH"`
	SolarKWH       float64 `json:"solarKWH"`
	GridKWH        float64 `json:"gridKWH"`
	// SolarPercent/GridPercent are rounded to whole percents for display.
	SolarPercent  int     `json:"solarPercent"`
	GridPercent   int     `json:"gridPercent"`
	TotalGridCost float64 `json:"totalGridCost"`
	// IsEstimated is set when the basis was derived from planned/average
	// prices instead of recorded lots.
	IsEstimated bool `json:"isEstimated,omitempty"`
}

// ChargePart is one itemized source share of a planned charge interval.
type ChargePart struct {
	Source    string  `json:"source"` // "grid" or "solar"
	EnergyKWH float64 `json:"energyKWH"`
}

// PlannedCharge designates a price interval for charging. The source split
// has appeared in three shapes over time: an explicit grid/solar split, an
// itemized Parts list, and a flattened single Source+EnergyKWH. All three
// are preserved on the wire; NormalizeSource folds them into one split.
// A charge with no source information at all means "charge from grid".
type PlannedCharge struct {
	TSStart     time.Time `json:"tsStart"`
	PricePerKWH float64   `json:"pricePerKWH"`

	GridEnergyKWH  *float64 `json:"gridEnergyKWH,omitempty"`
	SolarEnergyKWH *float64 `json:"solarEnergyKWH,omitempty"`

	Parts []ChargePart `json:"parts,omitempty"`

	Source    string   `json:"source,omitempty"`
	EnergyKWH *float64 `json:"energyKWH,omitempty"`
}

// NormalizeSource resolves the historical field shapes into a single
// (gridKWH, solarKWH) split. specified reports whether the charge carried
// any source information; an unspecified split is legacy shorthand for a
// grid charge.
func (pc PlannedCharge) NormalizeSource() (gridKWH, solarKWH float64, specified bool) {
	switch {
	case pc.GridEnergyKWH != nil || pc.SolarEnergyKWH != nil:
		if pc.GridEnergyKWH != nil {
			gridKWH = *pc.GridEnergyKWH
		}
		if pc.SolarEnergyKWH != nil {
			solarKWH = *pc.SolarEnergyKWH
		}
		return gridKWH, solarKWH, true
	case len(pc.Parts) > 0:
		for _, p := range pc.Parts {
			switch p.Source {
			case "solar":
				solarKWH += p.EnergyKWH
			default:
				gridKWH += p.EnergyKWH
			}
		}
		return gridKWH, solarKWH, true
	case pc.EnergyKWH != nil:
		if pc.Source == "solar" {
			return 0, *pc.EnergyKWH, true
		}
		return *pc.EnergyKWH, 0, true
	}
	return 0, 0, false
}

// PlannedDischarge designates a price interval for covering demand from the
// battery.
type PlannedDischarge struct {
	TSStart     time.Time `json:"tsStart"`
	PricePerKWH float64   `json:"pricePerKWH"`
	EnergyKWH   float64   `json:"energyKWH"`
}

// Plan is the output of one scheduling cycle. A given TSStart appears in at
// most one of ChargeIntervals/DischargeIntervals; charge wins if a strategy
// ever produced both.
type Plan struct {
	CreatedAt          time.Time          `json:"createdAt"`
	Strategy           string             `json:"strategy,omitempty"`
	ChargeIntervals    []PlannedCharge    `json:"chargeIntervals"`
	DischargeIntervals []PlannedDischarge `json:"dischargeIntervals"`
	TotalChargeKWH     float64            `json:"totalChargeKWH"`
	TotalDischargeKWH  float64            `json:"totalDischargeKWH"`
	EstimatedSavings   float64            `json:"estimatedSavings"`
}

// ChargeAt returns the planned charge for the interval starting at ts.
func (p *Plan) ChargeAt(ts time.Time) *PlannedCharge {
	if p == nil {
		return nil
	}
	for i := range p.ChargeIntervals {
		if p.ChargeIntervals[i].TSStart.Equal(ts) {
			return &p.ChargeIntervals[i]
		}
	}
	return nil
}

// DischargeAt returns the planned discharge for the interval starting at ts.
func (p *Plan) DischargeAt(ts time.Time) *PlannedDischarge {
	if p == nil {
		return nil
	}
	for i := range p.DischargeIntervals {
		if p.DischargeIntervals[i].TSStart.Equal(ts) {
			return &p.DischargeIntervals[i]
		}
	}
	return nil
}

// BatteryState is a snapshot of the battery's physical configuration and
// current fill level. Fractions are 0-1.
type BatteryState struct {
	CurrentSOC     float64 `json:"currentSOC"`
	CapacityKWH    float64 `json:"capacityKWH"`
	ChargePowerKW  float64 `json:"chargePowerKW"`
	TargetSOC      float64 `json:"targetSOC"`
	MinSOC         float64 `json:"minSOC"`
	EfficiencyLoss float64 `json:"efficiencyLoss"`
}

// Telemetry is one live reading from the inverter. Unavailable fields are
// zero, never an error.
type Telemetry struct {
	Timestamp time.Time `json:"timestamp"`
	// GridKW is signed: positive = import, negative = export.
	GridKW float64 `json:"gridKW"`
	// SolarKW is the instantaneous photovoltaic generation.
	SolarKW float64 `json:"solarKW"`
	// BatteryKW is signed: positive = discharge, negative = charge.
	BatteryKW float64 `json:"batteryKW"`
	// BatterySOC is the state of charge as a fraction 0-1.
	BatterySOC float64 `json:"batterySOC"`
}

// Mode is the inverter operating mode the decision engine resolves to.
type Mode string

const (
	// ModeCharge draws from the grid into the battery.
	ModeCharge Mode = "charge"
	// ModeNormal lets the inverter run its own priority: solar, battery, grid.
	ModeNormal Mode = "normal"
	// ModeConstant blocks battery discharge; solar excess still charges it.
	ModeConstant Mode = "constant"
	// ModeIdle means no actionable interval; nothing is sent to the device.
	ModeIdle Mode = "idle"
)

// DecisionReason categorizes why a mode was chosen.
type DecisionReason string

const (
	ReasonInvalidInput       DecisionReason = "invalidInput"
	ReasonNoCurrentInterval  DecisionReason = "noCurrentInterval"
	ReasonPlannedGridCharge  DecisionReason = "plannedGridCharge"
	ReasonPlannedSolarCharge DecisionReason = "plannedSolarCharge"
	ReasonPlannedDischarge   DecisionReason = "plannedDischarge"
	ReasonKickstart          DecisionReason = "kickstart"
	ReasonDefaultHold        DecisionReason = "defaultHold"
)

// Decision is the output of one control tick.
type Decision struct {
	Timestamp     time.Time      `json:"timestamp"`
	Mode          Mode           `json:"mode"`
	IntervalIndex int            `json:"intervalIndex"`
	Reason        DecisionReason `json:"reason"`
	Description   string         `json:"description"`
}

// KickstartState is the single piece of cross-tick mutable state: the
// once-per-day morning override that forces normal operation so PV
// generation can start while discharge would otherwise be blocked.
type KickstartState struct {
	// Date is the local calendar date (2006-01-02) the kickstart was used for.
	Date string `json:"date,omitempty"`
	// ActiveUntil is when the forced normal window ends.
	ActiveUntil time.Time `json:"activeUntil,omitempty"`
}

// UsedOn reports whether the kickstart has already been consumed on the
// given local calendar date.
func (k KickstartState) UsedOn(date string) bool {
	return k.Date == date
}

// ControlState is the carried state persisted between control ticks.
type ControlState struct {
	LastMode      Mode           `json:"lastMode,omitempty"`
	Kickstart     KickstartState `json:"kickstart"`
	LastTelemetry Telemetry      `json:"lastTelemetry"`
	LastPlanAt    time.Time      `json:"lastPlanAt,omitempty"`
	LastPriceSync time.Time      `json:"lastPriceSync,omitempty"`
}

// IntervalSamples holds bounded per-interval-of-day history used for the
// demand forecast. Keys are intervalOfDay; each value is one sample per
// observed day, in kWh for that slot.
type IntervalSamples struct {
	ConsumptionKWH map[int][]float64 `json:"consumptionKWH"`
	ProductionKWH  map[int][]float64 `json:"productionKWH"`
	BatteryKWH     map[int][]float64 `json:"batteryKWH"`
}

// Add records one measured interval into the per-interval-of-day history.
func (s *IntervalSamples) Add(e IntervalEnergy) {
	if s.ConsumptionKWH == nil {
		s.ConsumptionKWH = make(map[int][]float64)
	}
	if s.ProductionKWH == nil {
		s.ProductionKWH = make(map[int][]float64)
	}
	if s.BatteryKWH == nil {
		s.BatteryKWH = make(map[int][]float64)
	}
	s.ConsumptionKWH[e.IntervalOfDay] = append(s.ConsumptionKWH[e.IntervalOfDay], e.ConsumptionKWH)
	s.ProductionKWH[e.IntervalOfDay] = append(s.ProductionKWH[e.IntervalOfDay], e.ProductionKWH)
	s.BatteryKWH[e.IntervalOfDay] = append(s.BatteryKWH[e.IntervalOfDay], e.BatteryKWH)
}

// IntervalEnergy is one measured interval of site energy flows, in kWh.
// Battery energy is positive when discharging.
type IntervalEnergy struct {
	TSStart        time.Time `json:"tsStart"`
	IntervalOfDay  int       `json:"intervalOfDay"`
	ConsumptionKWH float64   `json:"consumptionKWH"`
	ProductionKWH  float64   `json:"productionKWH"`
	BatteryKWH     float64   `json:"batteryKWH"`
}
