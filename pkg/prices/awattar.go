package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/loadshift/loadshift/pkg/common"
	"github.com/loadshift/loadshift/pkg/interval"
	"github.com/loadshift/loadshift/pkg/log"
	"github.com/loadshift/loadshift/pkg/types"
)

const (
	awattarMaxAttempts = 3
	awattarRetryDelay  = 500 * time.Millisecond
)

// Awattar implements the Provider interface against the aWATTar/EPEX
// day-ahead market data API. Entries longer than the interval length are
// sliced into equal-priced planner intervals.
type Awattar struct {
	apiURL string
	client *http.Client

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedPrices  []types.PriceInterval
}

// configuredAwattar sets up flags for aWATTar and returns the instance.
func configuredAwattar() *Awattar {
	a := &Awattar{
		client: common.HTTPClient(10 * time.Second),
	}
	apiURL := lflag.String("awattar-api-url", "https://api.awattar.de/v1/marketdata", "URL for the aWATTar market data API")

	lflag.Do(func() {
		a.apiURL = *apiURL
	})

	return a
}

// Validate ensures the configuration is valid.
func (a *Awattar) Validate() error {
	if a.apiURL == "" {
		return fmt.Errorf("awattar-api-url is required")
	}
	if _, err := url.Parse(a.apiURL); err != nil {
		return fmt.Errorf("failed to parse awattar url (%s): %w", a.apiURL, err)
	}
	return nil
}

type awattarEntry struct {
	StartTimestamp int64   `json:"start_timestamp"`
	EndTimestamp   int64   `json:"end_timestamp"`
	Marketprice    float64 `json:"marketprice"`
	Unit           string  `json:"unit"`
}

type awattarResponse struct {
	Data []awattarEntry `json:"data"`
}

// CurrentInterval returns the price interval covering now.
func (a *Awattar) CurrentInterval(ctx context.Context) (types.PriceInterval, error) {
	intervals, err := a.FutureIntervals(ctx)
	if err != nil {
		return types.PriceInterval{}, err
	}

	now := time.Now()
	length := time.Duration(interval.DefaultLengthMinutes) * time.Minute
	for _, iv := range intervals {
		if !iv.TSStart.After(now) && now.Before(iv.TSStart.Add(length)) {
			return iv, nil
		}
	}
	return types.PriceInterval{}, fmt.Errorf("no price interval covers now")
}

// FutureIntervals returns the known upcoming intervals, from the start of
// the current hour through the end of the published day-ahead horizon.
// Responses are cached for 5 minutes.
func (a *Awattar) FutureIntervals(ctx context.Context) ([]types.PriceInterval, error) {
	now := time.Now()

	a.mu.Lock()
	if !a.lastFetchTime.IsZero() && !now.Truncate(5*time.Minute).After(a.lastFetchTime) {
		cached := a.cachedPrices
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	// the market publishes through the end of tomorrow at most
	start := now.Truncate(time.Hour)
	end := now.AddDate(0, 0, 2).Truncate(24 * time.Hour)
	intervals, err := a.fetchRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cachedPrices = intervals
	a.lastFetchTime = now
	a.mu.Unlock()

	return intervals, nil
}

// ConfirmedIntervals returns settled prices for a specific time range.
func (a *Awattar) ConfirmedIntervals(ctx context.Context, start, end time.Time) ([]types.PriceInterval, error) {
	log.Ctx(ctx).DebugContext(
		ctx,
		"getting awattar confirmed price history",
		slog.Time("start", start),
		slog.Time("end", end),
	)

	intervals, err := a.fetchRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	// day-ahead prices are settled once published, only drop the future
	now := time.Now()
	confirmed := intervals[:0]
	for _, iv := range intervals {
		if iv.TSStart.After(now) {
			continue
		}
		confirmed = append(confirmed, iv)
	}
	return confirmed, nil
}

// fetchRange retrieves market data for a specific range, retrying
// transient failures with a short backoff.
func (a *Awattar) fetchRange(ctx context.Context, start, end time.Time) ([]types.PriceInterval, error) {
	u, err := url.Parse(a.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}

	params := url.Values{}
	params.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	u.RawQuery = params.Encode()

	var lastErr error
	for attempt := 1; attempt <= awattarMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * awattarRetryDelay):
			}
		}

		intervals, retryable, err := a.fetchOnce(ctx, u.String())
		if err == nil {
			return intervals, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		log.Ctx(ctx).WarnContext(
			ctx,
			"retrying awattar fetch",
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
	return nil, lastErr
}

func (a *Awattar) fetchOnce(ctx context.Context, rawURL string) ([]types.PriceInterval, bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from awattar", "url", rawURL)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode >= 500, fmt.Errorf("awattar api returned status: %d", resp.StatusCode)
	}

	var data awattarResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, false, fmt.Errorf("failed to decode response: %w", err)
	}

	intervals := a.sliceEntries(ctx, data.Data)
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched awattar prices",
		slog.Int("entries", len(data.Data)),
		slog.Int("intervals", len(intervals)),
	)
	return intervals, false, nil
}

// sliceEntries converts API entries into planner intervals, splitting
// entries that span more than one interval length.
func (a *Awattar) sliceEntries(ctx context.Context, entries []awattarEntry) []types.PriceInterval {
	length := time.Duration(interval.DefaultLengthMinutes) * time.Minute

	var intervals []types.PriceInterval
	for _, e := range entries {
		tsStart := time.UnixMilli(e.StartTimestamp)
		tsEnd := time.UnixMilli(e.EndTimestamp)
		if !tsEnd.After(tsStart) {
			log.Ctx(ctx).WarnContext(
				ctx,
				"skipping awattar entry with invalid range",
				slog.Time("start", tsStart),
				slog.Time("end", tsEnd),
			)
			continue
		}

		// EUR/MWh to per-kWh
		price := e.Marketprice / 1000.0

		for ts := tsStart; ts.Before(tsEnd); ts = ts.Add(length) {
			intervals = append(intervals, types.PriceInterval{
				TSStart:     ts,
				PricePerKWH: price,
			})
		}
	}

	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i].TSStart.Before(intervals[j].TSStart)
	})
	return intervals
}
