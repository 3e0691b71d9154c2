package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loadshift/loadshift/pkg/decision"
	"github.com/loadshift/loadshift/pkg/interval"
	"github.com/loadshift/loadshift/pkg/inverter"
	"github.com/loadshift/loadshift/pkg/ledger"
	"github.com/loadshift/loadshift/pkg/log"
	"github.com/loadshift/loadshift/pkg/planner"
	"github.com/loadshift/loadshift/pkg/prices"
	"github.com/loadshift/loadshift/pkg/types"
)

// runLoop drives the periodic control ticks until the context is canceled.
func (s *Server) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one control cycle. A cycle already in flight is never
// overlapped; the new one is skipped instead.
func (s *Server) tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		log.Ctx(ctx).WarnContext(ctx, "control tick still running, skipping")
		return
	}
	defer s.tickMu.Unlock()

	if err := s.runTick(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "control tick failed", slog.Any("error", err))
	}
}

func (s *Server) runTick(ctx context.Context) error {
	ctx = log.WithSite(ctx, s.siteID)
	now := time.Now()

	settings, version, err := s.storage.GetSettings(ctx, s.siteID)
	if err != nil {
		return fmt.Errorf("failed to get settings: %w", err)
	}
	settings, changed, err := types.MigrateSettings(settings, version)
	if err != nil {
		return fmt.Errorf("failed to migrate settings: %w", err)
	}
	if changed {
		if err := s.storage.SetSettings(ctx, s.siteID, settings, types.CurrentSettingsVersion); err != nil {
			return fmt.Errorf("failed to save migrated settings: %w", err)
		}
	}

	if settings.Pause {
		log.Ctx(ctx).DebugContext(ctx, "control paused, skipping tick")
		return nil
	}

	inv, err := s.inverters.Site(ctx, s.siteID, settings)
	if err != nil {
		return fmt.Errorf("failed to get inverter: %w", err)
	}
	tel, err := inv.GetTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to get telemetry: %w", err)
	}

	state, err := s.storage.GetControlState(ctx, s.siteID)
	if err != nil {
		return fmt.Errorf("failed to get control state: %w", err)
	}

	provider, err := s.prices.Provider(settings.PriceProvider)
	if err != nil {
		return fmt.Errorf("failed to get price provider: %w", err)
	}
	horizon, err := s.refreshPrices(ctx, provider, settings, now)
	if err != nil {
		return err
	}
	s.syncConfirmedPrices(ctx, provider, &state, now)

	var currentPrice float64
	if idx := interval.CurrentIndex(now, horizon, settings.IntervalMinutes); idx >= 0 {
		currentPrice = horizon[idx].PricePerKWH
	}

	basis, err := s.accountEnergy(ctx, settings, state.LastTelemetry, tel, currentPrice)
	if err != nil {
		return err
	}

	plan, err := s.currentPlan(ctx, settings, &state, horizon, inv, basis, now)
	if err != nil {
		return err
	}

	d, kick := decision.Decide(ctx, decision.Input{
		Now:       now,
		Horizon:   horizon,
		Plan:      plan,
		Telemetry: tel,
		LastMode:  state.LastMode,
		Kickstart: state.Kickstart,
		Settings:  settings,
	})

	if d.Mode == types.ModeIdle {
		// idle is a validation outcome, not an operating mode; the device
		// stays in whatever mode it last received
		log.Ctx(ctx).WarnContext(
			ctx,
			"no actionable decision, leaving inverter untouched",
			slog.String("reason", string(d.Reason)),
		)
	} else if settings.DryRun {
		log.Ctx(ctx).InfoContext(
			ctx,
			"dry run, not applying mode",
			slog.String("mode", string(d.Mode)),
			slog.String("reason", string(d.Reason)),
		)
	} else if err := inv.SetMode(ctx, d.Mode); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}

	if err := s.storage.InsertDecision(ctx, s.siteID, d); err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}

	if d.Mode != types.ModeIdle {
		state.LastMode = d.Mode
	}
	state.Kickstart = kick
	state.LastTelemetry = tel
	if err := s.storage.SetControlState(ctx, s.siteID, state); err != nil {
		return fmt.Errorf("failed to save control state: %w", err)
	}
	return nil
}

// refreshPrices fetches the provider horizon, persists it for history, and
// returns it filtered to current-and-future slots with indexes attached.
func (s *Server) refreshPrices(ctx context.Context, provider prices.Provider, settings types.Settings, now time.Time) ([]types.PriceInterval, error) {
	raw, err := provider.FutureIntervals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}

	horizon := interval.Enrich(
		interval.FilterCurrentAndFuture(raw, now, settings.IntervalMinutes),
		settings.IntervalMinutes,
	)

	// day-ahead prices are settled once published
	if err := s.storage.UpsertPriceIntervals(ctx, s.siteID, horizon); err != nil {
		return nil, fmt.Errorf("failed to persist prices: %w", err)
	}
	return horizon, nil
}

const priceSyncInterval = 6 * time.Hour

// syncConfirmedPrices backfills settled prices into the history collection.
// Failures only log; the tick must not stall on a history gap.
func (s *Server) syncConfirmedPrices(ctx context.Context, provider prices.Provider, state *types.ControlState, now time.Time) {
	if !state.LastPriceSync.IsZero() && now.Sub(state.LastPriceSync) < priceSyncInterval {
		return
	}
	start := state.LastPriceSync
	if start.IsZero() || now.Sub(start) > 7*24*time.Hour {
		start = now.Add(-24 * time.Hour)
	}

	confirmed, err := provider.ConfirmedIntervals(ctx, start, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to sync confirmed prices", slog.Any("error", err))
		return
	}
	if len(confirmed) > 0 {
		if err := s.storage.UpsertPriceIntervals(ctx, s.siteID, confirmed); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist confirmed prices", slog.Any("error", err))
			return
		}
	}
	state.LastPriceSync = now
}

// accountEnergy folds the telemetry delta since the previous tick into the
// interval history and the FIFO lot ledger, and returns the blended cost
// basis of what the battery currently holds.
func (s *Server) accountEnergy(ctx context.Context, settings types.Settings, last, tel types.Telemetry, currentPrice float64) (*types.CostBasis, error) {
	lots, _, err := s.storage.GetEnergyLog(ctx, s.siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to get energy log: %w", err)
	}

	if !last.Timestamp.IsZero() && tel.Timestamp.After(last.Timestamp) {
		dt := tel.Timestamp.Sub(last.Timestamp).Hours()
		maxDT := 2 * float64(settings.IntervalMinutes) / 60.0
		if dt > maxDT {
			// a gap this long means we were down; the flows in between are unknown
			dt = 0
		}

		if dt > 0 {
			productionKWH := (last.SolarKW + tel.SolarKW) / 2 * dt
			batteryKWH := (last.BatteryKW + tel.BatteryKW) / 2 * dt
			gridKWH := (last.GridKW + tel.GridKW) / 2 * dt
			consumptionKWH := productionKWH + batteryKWH + gridKWH
			if consumptionKWH < 0 {
				consumptionKWH = 0
			}

			if iod, err := interval.OfDay(last.Timestamp, settings.IntervalMinutes); err == nil {
				e := types.IntervalEnergy{
					TSStart:        last.Timestamp,
					IntervalOfDay:  iod,
					ConsumptionKWH: consumptionKWH,
					ProductionKWH:  productionKWH,
					BatteryKWH:     batteryKWH,
				}
				if err := s.storage.InsertIntervalEnergy(ctx, s.siteID, e); err != nil {
					return nil, fmt.Errorf("failed to record interval energy: %w", err)
				}
			}

			if batteryKWH < -ledger.EmptyEpsilonKWH {
				chargedKWH := -batteryKWH
				surplusKWH := productionKWH - consumptionKWH
				if surplusKWH < 0 {
					surplusKWH = 0
				}
				if surplusKWH > chargedKWH {
					surplusKWH = chargedKWH
				}
				lots = append(lots, ledger.NewChargeLot(ledger.ChargeParams{
					Timestamp:       tel.Timestamp,
					ChargedKWH:      chargedKWH,
					SolarKWH:        surplusKWH,
					GridPricePerKWH: currentPrice,
					SOC:             tel.BatterySOC,
				}))
			} else if batteryKWH > ledger.EmptyEpsilonKWH {
				var avgPrice float64
				if cb := ledger.BlendedCost(lots); cb != nil {
					avgPrice = cb.AvgPricePerKWH
				}
				lots = append(lots, ledger.NewDischargeEvent(ledger.DischargeParams{
					Timestamp:             tel.Timestamp,
					DischargedKWH:         batteryKWH,
					GridPricePerKWH:       currentPrice,
					AvgBatteryPricePerKWH: avgPrice,
					SOC:                   tel.BatterySOC,
				}))
			}
		}
	}

	if ledger.ShouldReset(tel.BatterySOC, settings.MinSOC, len(lots)) {
		log.Ctx(ctx).DebugContext(
			ctx,
			"battery at minimum, resetting energy log",
			slog.Float64("soc", tel.BatterySOC),
			slog.Int("entries", len(lots)),
		)
		lots = nil
	}
	lots = ledger.Trim(lots, settings.MaxLedgerEntries)

	if err := s.storage.SetEnergyLog(ctx, s.siteID, lots, types.CurrentEnergyLogVersion); err != nil {
		return nil, fmt.Errorf("failed to save energy log: %w", err)
	}
	return ledger.BlendedCost(lots), nil
}

// currentPlan returns the plan to act on, recomputing it at interval
// boundaries and whenever no plan exists yet. A "no profitable plan"
// result is stored as an empty plan so the decision engine holds.
func (s *Server) currentPlan(ctx context.Context, settings types.Settings, state *types.ControlState, horizon []types.PriceInterval, inv inverter.System, basis *types.CostBasis, now time.Time) (*types.Plan, error) {
	recompute := state.LastPlanAt.IsZero()
	if !recompute {
		lastIOD, lastErr := interval.OfDay(state.LastPlanAt, settings.IntervalMinutes)
		nowIOD, nowErr := interval.OfDay(now, settings.IntervalMinutes)
		sameDay := state.LastPlanAt.Local().Format("2006-01-02") == now.Local().Format("2006-01-02")
		recompute = lastErr != nil || nowErr != nil || lastIOD != nowIOD || !sameDay
	}

	if !recompute {
		plan, err := s.storage.GetPlan(ctx, s.siteID)
		if err != nil {
			return nil, fmt.Errorf("failed to get plan: %w", err)
		}
		if plan != nil {
			return plan, nil
		}
		// fall through and compute one
	}

	battery, err := inv.GetBatteryState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get battery state: %w", err)
	}
	samples, err := s.storage.GetIntervalSamples(ctx, s.siteID, now.AddDate(0, 0, -settings.HistoryDays))
	if err != nil {
		return nil, fmt.Errorf("failed to get interval samples: %w", err)
	}

	plan := s.planner.ComputePlan(ctx, planner.Request{
		Now:       now,
		Horizon:   horizon,
		Battery:   battery,
		Samples:   samples,
		CostBasis: basis,
		Settings:  settings,
	})
	if plan == nil {
		plan = &types.Plan{CreatedAt: now}
	}

	if err := s.storage.SetPlan(ctx, s.siteID, plan); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}
	state.LastPlanAt = now
	return plan, nil
}
