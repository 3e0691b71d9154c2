package inverter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loadshift/loadshift/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestRCT(t *testing.T, handler http.HandlerFunc) *RCT {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newRCT(srv.URL)
}

func TestRCTGetTelemetry(t *testing.T) {
	r := newTestRCT(t, func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/api/v1/status", req.URL.Path)
		json.NewEncoder(w).Encode(rctStatus{
			GridW:    1250,
			SolarW:   3400,
			BatteryW: -2000,
			SOC:      0.42,
		})
	})

	tel, err := r.GetTelemetry(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.25, tel.GridKW, 1e-9)
	assert.InDelta(t, 3.4, tel.SolarKW, 1e-9)
	assert.InDelta(t, -2.0, tel.BatteryKW, 1e-9)
	assert.InDelta(t, 0.42, tel.BatterySOC, 1e-9)
	assert.False(t, tel.Timestamp.IsZero())
}

func TestRCTGetBatteryState(t *testing.T) {
	r := newTestRCT(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/v1/device":
			json.NewEncoder(w).Encode(rctDeviceInfo{CapacityWH: 10000, MaxChargeW: 4000})
		case "/api/v1/status":
			json.NewEncoder(w).Encode(rctStatus{SOC: 0.5})
		default:
			http.NotFound(w, req)
		}
	})
	require.NoError(t, r.ApplySettings(context.Background(), types.Settings{
		MinSOC: 0.07, TargetSOC: 0.97, EfficiencyLoss: 0.1,
	}))

	state, err := r.GetBatteryState(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10.0, state.CapacityKWH, 1e-9)
	assert.InDelta(t, 4.0, state.ChargePowerKW, 1e-9)
	assert.InDelta(t, 0.5, state.CurrentSOC, 1e-9)
	assert.InDelta(t, 0.07, state.MinSOC, 1e-9)
	assert.InDelta(t, 0.97, state.TargetSOC, 1e-9)
	assert.InDelta(t, 0.1, state.EfficiencyLoss, 1e-9)
}

func TestRCTSetMode(t *testing.T) {
	var gotCmd rctModeCommand
	var modeCalls int
	r := newTestRCT(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/v1/device":
			json.NewEncoder(w).Encode(rctDeviceInfo{CapacityWH: 10000, MaxChargeW: 4000})
		case "/api/v1/battery/mode":
			require.Equal(t, "POST", req.Method)
			modeCalls++
			gotCmd = rctModeCommand{}
			require.NoError(t, json.NewDecoder(req.Body).Decode(&gotCmd))
		default:
			http.NotFound(w, req)
		}
	})
	ctx := context.Background()

	t.Run("charge", func(t *testing.T) {
		require.NoError(t, r.SetMode(ctx, types.ModeCharge))
		assert.Equal(t, "grid_charge", gotCmd.Mode)
		require.NotNil(t, gotCmd.PowerW)
		assert.InDelta(t, 4000, *gotCmd.PowerW, 1e-9)
	})

	t.Run("normal", func(t *testing.T) {
		require.NoError(t, r.SetMode(ctx, types.ModeNormal))
		assert.Equal(t, "auto", gotCmd.Mode)
		assert.Nil(t, gotCmd.PowerW)
	})

	t.Run("constant", func(t *testing.T) {
		require.NoError(t, r.SetMode(ctx, types.ModeConstant))
		assert.Equal(t, "hold", gotCmd.Mode)
	})

	t.Run("idle never reaches the device", func(t *testing.T) {
		before := modeCalls
		require.Error(t, r.SetMode(ctx, types.ModeIdle))
		assert.Equal(t, before, modeCalls)
	})

	t.Run("unknown", func(t *testing.T) {
		before := modeCalls
		assert.Error(t, r.SetMode(ctx, types.Mode("bogus")))
		assert.Equal(t, before, modeCalls)
	})
}

func TestMapSetSystem(t *testing.T) {
	m := NewMap()
	sys := &MockSystem{}
	sys.On("ApplySettings", mock.Anything, mock.Anything).Return(nil)
	m.SetSystem("site1", sys)

	got, err := m.Site(context.Background(), "site1", types.Settings{})
	require.NoError(t, err)
	assert.Same(t, sys, got)
}
