package inverter

import (
	"context"

	"github.com/loadshift/loadshift/pkg/types"
)

// System defines the interface for interacting with a hybrid inverter and
// its attached battery.
type System interface {
	// GetTelemetry returns the current power flows and state of charge.
	GetTelemetry(ctx context.Context) (types.Telemetry, error)

	// GetBatteryState returns the physical battery limits combined with
	// the configured state of charge band.
	GetBatteryState(ctx context.Context) (types.BatteryState, error)

	// SetMode sets the operating mode of the system.
	SetMode(ctx context.Context, mode types.Mode) error

	// ApplySettings updates the system using the provided global settings.
	ApplySettings(ctx context.Context, settings types.Settings) error
}
