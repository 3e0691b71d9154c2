package prices

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAwattar(t *testing.T, handler http.HandlerFunc) *Awattar {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Awattar{
		apiURL: srv.URL,
		client: srv.Client(),
	}
}

func TestAwattarSliceEntries(t *testing.T) {
	a := &Awattar{}
	ctx := context.Background()
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("hourly entry becomes four intervals", func(t *testing.T) {
		got := a.sliceEntries(ctx, []awattarEntry{{
			StartTimestamp: start.UnixMilli(),
			EndTimestamp:   start.Add(time.Hour).UnixMilli(),
			Marketprice:    85.0, // EUR/MWh
		}})
		require.Len(t, got, 4)
		for i, iv := range got {
			assert.True(t, iv.TSStart.Equal(start.Add(time.Duration(i)*15*time.Minute)))
			assert.InDelta(t, 0.085, iv.PricePerKWH, 1e-9)
		}
	})

	t.Run("native quarter hour entry passes through", func(t *testing.T) {
		got := a.sliceEntries(ctx, []awattarEntry{{
			StartTimestamp: start.UnixMilli(),
			EndTimestamp:   start.Add(15 * time.Minute).UnixMilli(),
			Marketprice:    -5.0,
		}})
		require.Len(t, got, 1)
		assert.InDelta(t, -0.005, got[0].PricePerKWH, 1e-9)
	})

	t.Run("invalid range skipped", func(t *testing.T) {
		got := a.sliceEntries(ctx, []awattarEntry{{
			StartTimestamp: start.UnixMilli(),
			EndTimestamp:   start.UnixMilli(),
			Marketprice:    10,
		}})
		assert.Empty(t, got)
	})

	t.Run("sorted by start", func(t *testing.T) {
		got := a.sliceEntries(ctx, []awattarEntry{
			{
				StartTimestamp: start.Add(time.Hour).UnixMilli(),
				EndTimestamp:   start.Add(2 * time.Hour).UnixMilli(),
				Marketprice:    20,
			},
			{
				StartTimestamp: start.UnixMilli(),
				EndTimestamp:   start.Add(time.Hour).UnixMilli(),
				Marketprice:    10,
			},
		})
		require.Len(t, got, 8)
		assert.True(t, got[0].TSStart.Equal(start))
		for i := 1; i < len(got); i++ {
			assert.True(t, got[i-1].TSStart.Before(got[i].TSStart))
		}
	})
}

func TestAwattarRetries(t *testing.T) {
	t.Run("5xx retried then succeeds", func(t *testing.T) {
		var calls int
		a := newTestAwattar(t, func(w http.ResponseWriter, req *http.Request) {
			calls++
			if calls < 3 {
				http.Error(w, "upstream error", http.StatusBadGateway)
				return
			}
			start := time.Now().Truncate(time.Hour)
			json.NewEncoder(w).Encode(awattarResponse{Data: []awattarEntry{{
				StartTimestamp: start.UnixMilli(),
				EndTimestamp:   start.Add(time.Hour).UnixMilli(),
				Marketprice:    50,
			}}})
		})

		got, err := a.fetchRange(context.Background(), time.Now(), time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, got, 4)
		assert.Equal(t, 3, calls)
	})

	t.Run("4xx not retried", func(t *testing.T) {
		var calls int
		a := newTestAwattar(t, func(w http.ResponseWriter, req *http.Request) {
			calls++
			http.Error(w, "bad request", http.StatusBadRequest)
		})

		_, err := a.fetchRange(context.Background(), time.Now(), time.Now().Add(time.Hour))
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestAwattarFutureIntervalsCaches(t *testing.T) {
	var calls int
	a := newTestAwattar(t, func(w http.ResponseWriter, req *http.Request) {
		calls++
		start := time.Now().Truncate(time.Hour)
		json.NewEncoder(w).Encode(awattarResponse{Data: []awattarEntry{{
			StartTimestamp: start.UnixMilli(),
			EndTimestamp:   start.Add(time.Hour).UnixMilli(),
			Marketprice:    50,
		}}})
	})
	ctx := context.Background()

	first, err := a.FutureIntervals(ctx)
	require.NoError(t, err)
	second, err := a.FutureIntervals(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}

func TestAwattarConfirmedIntervals(t *testing.T) {
	// one settled hour plus one hour still in the future
	a := newTestAwattar(t, func(w http.ResponseWriter, req *http.Request) {
		past := time.Now().Add(-time.Hour).Truncate(time.Hour)
		future := time.Now().Add(time.Hour).Truncate(time.Hour)
		json.NewEncoder(w).Encode(awattarResponse{Data: []awattarEntry{
			{
				StartTimestamp: past.UnixMilli(),
				EndTimestamp:   past.Add(time.Hour).UnixMilli(),
				Marketprice:    40,
			},
			{
				StartTimestamp: future.UnixMilli(),
				EndTimestamp:   future.Add(time.Hour).UnixMilli(),
				Marketprice:    60,
			},
		}})
	})

	got, err := a.ConfirmedIntervals(context.Background(), time.Now().Add(-2*time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, got, 4)
	for _, iv := range got {
		assert.True(t, iv.TSStart.Before(time.Now()))
		assert.InDelta(t, 0.04, iv.PricePerKWH, 1e-9)
	}
}

func TestMapProvider(t *testing.T) {
	m := NewMap()
	p := &MockProvider{}
	m.SetProvider("awattar", p)

	got, err := m.Provider("awattar")
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = m.Provider("missing")
	assert.Error(t, err)
}
