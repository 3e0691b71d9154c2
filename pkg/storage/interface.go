package storage

import (
	"context"
	"time"

	"github.com/loadshift/loadshift/pkg/types"
)

// Database defines the interface for persisting scheduler state per site.
type Database interface {
	// Settings
	GetSettings(ctx context.Context, siteID string) (types.Settings, int, error)
	SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error

	// Energy lot ledger
	GetEnergyLog(ctx context.Context, siteID string) ([]types.EnergyLot, int, error)
	SetEnergyLog(ctx context.Context, siteID string, lots []types.EnergyLot, version int) error

	// Latest plan
	GetPlan(ctx context.Context, siteID string) (*types.Plan, error)
	SetPlan(ctx context.Context, siteID string, plan *types.Plan) error

	// Control loop state (last mode, kickstart, last telemetry)
	GetControlState(ctx context.Context, siteID string) (types.ControlState, error)
	SetControlState(ctx context.Context, siteID string, state types.ControlState) error

	// History
	InsertDecision(ctx context.Context, siteID string, decision types.Decision) error
	GetDecisionHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.Decision, error)
	InsertIntervalEnergy(ctx context.Context, siteID string, e types.IntervalEnergy) error
	GetIntervalSamples(ctx context.Context, siteID string, start time.Time) (types.IntervalSamples, error)
	UpsertPriceIntervals(ctx context.Context, siteID string, intervals []types.PriceInterval) error
	GetPriceHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.PriceInterval, error)

	// Lifecycle
	Close() error
}
