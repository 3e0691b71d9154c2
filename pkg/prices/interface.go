package prices

import (
	"context"
	"time"

	"github.com/loadshift/loadshift/pkg/types"
)

// Provider defines the interface for fetching electricity prices.
type Provider interface {
	// CurrentInterval returns the price interval covering now.
	CurrentInterval(ctx context.Context) (types.PriceInterval, error)

	// FutureIntervals returns the known upcoming price intervals,
	// including the one covering now.
	FutureIntervals(ctx context.Context) ([]types.PriceInterval, error)

	// ConfirmedIntervals returns settled prices for a specific time range.
	// This should be used for syncing historical data.
	ConfirmedIntervals(ctx context.Context, start, end time.Time) ([]types.PriceInterval, error)
}
