// Package decision turns the current plan, telemetry, and control state
// into a concrete inverter mode for this moment.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loadshift/loadshift/pkg/interval"
	"github.com/loadshift/loadshift/pkg/log"
	"github.com/loadshift/loadshift/pkg/types"
)

const (
	// below this much solar power the production sensor is considered dark
	solarThresholdKW = 0.05

	kickstartDuration = 5 * time.Minute

	// the kickstart window, in minutes after local midnight
	kickstartWindowStartMin = 4 * 60
	kickstartWindowEndMin   = 11*60 + 30
)

// Input carries everything a single mode decision depends on.
type Input struct {
	Now       time.Time
	Horizon   []types.PriceInterval
	Plan      *types.Plan
	Telemetry types.Telemetry
	LastMode  types.Mode
	Kickstart types.KickstartState
	Settings  types.Settings
}

// Decide evaluates the rules in priority order and returns the decision
// along with the possibly-updated kickstart state. It never returns an
// error: when the inputs cannot be trusted the safe answer is idle.
func Decide(ctx context.Context, in Input) (types.Decision, types.KickstartState) {
	d := types.Decision{
		Timestamp:     in.Now,
		IntervalIndex: -1,
	}

	if in.Telemetry.Timestamp.IsZero() || len(in.Horizon) == 0 || in.Plan == nil {
		d.Mode = types.ModeIdle
		d.Reason = types.ReasonInvalidInput
		d.Description = "missing telemetry, prices, or plan"
		return logged(ctx, d), in.Kickstart
	}

	idx := interval.CurrentIndex(in.Now, in.Horizon, in.Settings.IntervalMinutes)
	if idx < 0 {
		d.Mode = types.ModeIdle
		d.Reason = types.ReasonNoCurrentInterval
		d.Description = "no price interval covers the current time"
		return logged(ctx, d), in.Kickstart
	}
	d.IntervalIndex = idx
	ts := in.Horizon[idx].TSStart

	if pc := in.Plan.ChargeAt(ts); pc != nil {
		grid, solar, specified := pc.NormalizeSource()
		if !specified || grid > 0 {
			d.Mode = types.ModeCharge
			d.Reason = types.ReasonPlannedGridCharge
			d.Description = fmt.Sprintf("plan charges %.2f kWh from the grid at %.3f/kWh", grid, pc.PricePerKWH)
			return logged(ctx, d), in.Kickstart
		}
		// a solar-only charge needs the sun to be out to mean anything
		d.Reason = types.ReasonPlannedSolarCharge
		if in.Telemetry.SolarKW > solarThresholdKW {
			d.Mode = types.ModeNormal
			d.Description = fmt.Sprintf("plan charges %.2f kWh from solar surplus", solar)
		} else {
			d.Mode = types.ModeConstant
			d.Description = "plan charges from solar but no production is measured"
		}
		return logged(ctx, d), in.Kickstart
	}

	if pd := in.Plan.DischargeAt(ts); pd != nil {
		// even at the minimum state of charge normal mode is correct: the
		// inverter enforces its own floor and will simply not discharge
		d.Mode = types.ModeNormal
		d.Reason = types.ReasonPlannedDischarge
		d.Description = fmt.Sprintf("plan discharges %.2f kWh at %.3f/kWh", pd.EnergyKWH, pd.PricePerKWH)
		return logged(ctx, d), in.Kickstart
	}

	return defaultHold(ctx, in, d)
}

// defaultHold handles the no-planned-action case: hold the battery in
// constant mode, with a once-a-day morning kickstart that briefly forces
// normal mode so the inverter relearns that solar production exists.
func defaultHold(ctx context.Context, in Input, d types.Decision) (types.Decision, types.KickstartState) {
	kick := in.Kickstart
	today := in.Now.Local().Format("2006-01-02")

	if kick.UsedOn(today) && in.Now.Before(kick.ActiveUntil) {
		d.Mode = types.ModeNormal
		d.Reason = types.ReasonKickstart
		d.Description = fmt.Sprintf("kickstart active until %s", kick.ActiveUntil.Local().Format(time.Kitchen))
		return logged(ctx, d), kick
	}

	if !kick.UsedOn(today) && inKickstartWindow(in.Now) &&
		in.Telemetry.SolarKW <= solarThresholdKW &&
		(in.LastMode == types.ModeConstant || in.LastMode == "") {
		kick.Date = today
		kick.ActiveUntil = in.Now.Add(kickstartDuration)
		d.Mode = types.ModeNormal
		d.Reason = types.ReasonKickstart
		d.Description = "kickstarting solar production detection"
		return logged(ctx, d), kick
	}

	d.Mode = types.ModeConstant
	d.Reason = types.ReasonDefaultHold
	d.Description = "no planned action, holding charge"
	return logged(ctx, d), kick
}

func inKickstartWindow(now time.Time) bool {
	local := now.Local()
	m := local.Hour()*60 + local.Minute()
	return m >= kickstartWindowStartMin && m <= kickstartWindowEndMin
}

func logged(ctx context.Context, d types.Decision) types.Decision {
	log.Ctx(ctx).DebugContext(
		ctx,
		"mode decided",
		slog.String("mode", string(d.Mode)),
		slog.String("reason", string(d.Reason)),
		slog.Int("intervalIndex", d.IntervalIndex),
		slog.String("description", d.Description),
	)
	return d
}
