package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/loadshift/loadshift/pkg/inverter"
	"github.com/loadshift/loadshift/pkg/prices"
	"github.com/loadshift/loadshift/pkg/storage/storagemock"
	"github.com/loadshift/loadshift/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func doRequest(s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	s.setupHandler().ServeHTTP(w, r)
	return w
}

func TestHandleStatus(t *testing.T) {
	db := &storagemock.MockDatabase{}
	s := newTestServer(db, &inverter.MockSystem{}, &prices.MockProvider{})

	lots := []types.EnergyLot{{
		Kind:            types.LotKindCharge,
		Timestamp:       time.Now().Add(-time.Hour),
		TotalKWH:        2.0,
		GridKWH:         2.0,
		GridPricePerKWH: 0.25,
	}}
	db.On("GetSettings", mock.Anything, testSiteID).Return(testSettings(), types.CurrentSettingsVersion, nil)
	db.On("GetControlState", mock.Anything, testSiteID).Return(types.ControlState{LastMode: types.ModeNormal}, nil)
	db.On("GetEnergyLog", mock.Anything, testSiteID).Return(lots, types.CurrentEnergyLogVersion, nil)

	w := doRequest(s, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, testSiteID, resp.SiteID)
	assert.Equal(t, types.ModeNormal, resp.ControlState.LastMode)
	assert.Equal(t, 1, resp.LedgerEntries)
	require.NotNil(t, resp.CostBasis)
	assert.InDelta(t, 0.25, resp.CostBasis.AvgPricePerKWH, 1e-9)
	assert.InDelta(t, 2.0, resp.RemainingKWH, 1e-9)
}

func TestHandlePlan(t *testing.T) {
	db := &storagemock.MockDatabase{}
	s := newTestServer(db, &inverter.MockSystem{}, &prices.MockProvider{})

	start := time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC)
	gridKWH := 1.5
	db.On("GetPlan", mock.Anything, testSiteID).Return(&types.Plan{
		CreatedAt: start,
		Strategy:  "solver",
		ChargeIntervals: []types.PlannedCharge{{
			TSStart:       start,
			GridEnergyKWH: &gridKWH,
		}},
	}, nil)

	w := doRequest(s, http.MethodGet, "/api/plan", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var plan types.Plan
	require.NoError(t, json.NewDecoder(w.Body).Decode(&plan))
	assert.Equal(t, "solver", plan.Strategy)
	require.Len(t, plan.ChargeIntervals, 1)
	grid, solar, ok := plan.ChargeIntervals[0].NormalizeSource()
	require.True(t, ok)
	assert.InDelta(t, 1.5, grid, 1e-9)
	assert.Zero(t, solar)
}

func TestHandleLedger(t *testing.T) {
	db := &storagemock.MockDatabase{}
	s := newTestServer(db, &inverter.MockSystem{}, &prices.MockProvider{})

	db.On("GetEnergyLog", mock.Anything, testSiteID).Return([]types.EnergyLot(nil), 0, nil)

	w := doRequest(s, http.MethodGet, "/api/ledger", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp ledgerResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Empty(t, resp.Lots)
	assert.Nil(t, resp.CostBasis)
	assert.Zero(t, resp.RemainingKWH)
}

func TestHandleUpdateSettings(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		s := newTestServer(db, &inverter.MockSystem{}, &prices.MockProvider{})

		db.On("SetSettings", mock.Anything, testSiteID, mock.MatchedBy(func(st types.Settings) bool {
			return st.MinSOC == 0.1
		}), types.CurrentSettingsVersion).Return(nil)

		settings := testSettings()
		settings.MinSOC = 0.1
		body, err := json.Marshal(settings)
		require.NoError(t, err)

		w := doRequest(s, http.MethodPost, "/api/settings", body)
		require.Equal(t, http.StatusOK, w.Code)
		db.AssertExpectations(t)
	})

	t.Run("invalid body", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		s := newTestServer(db, &inverter.MockSystem{}, &prices.MockProvider{})

		w := doRequest(s, http.MethodPost, "/api/settings", []byte("{not json"))
		require.Equal(t, http.StatusBadRequest, w.Code)
		db.AssertNotCalled(t, "SetSettings", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("fails validation", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		s := newTestServer(db, &inverter.MockSystem{}, &prices.MockProvider{})

		settings := testSettings()
		settings.MinSOC = 2.0
		body, err := json.Marshal(settings)
		require.NoError(t, err)

		w := doRequest(s, http.MethodPost, "/api/settings", body)
		require.Equal(t, http.StatusBadRequest, w.Code)
		db.AssertNotCalled(t, "SetSettings", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHandleDecisionHistory(t *testing.T) {
	db := &storagemock.MockDatabase{}
	s := newTestServer(db, &inverter.MockSystem{}, &prices.MockProvider{})

	start := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	db.On("GetDecisionHistory", mock.Anything, testSiteID, mock.MatchedBy(func(t time.Time) bool {
		return t.Equal(start)
	}), mock.MatchedBy(func(t time.Time) bool {
		return t.Equal(end)
	})).Return([]types.Decision{{Mode: types.ModeCharge}}, nil)

	url := "/api/history/decisions?start=" + start.Format(time.RFC3339) + "&end=" + end.Format(time.RFC3339)
	w := doRequest(s, http.MethodGet, url, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var decisions []types.Decision
	require.NoError(t, json.NewDecoder(w.Body).Decode(&decisions))
	require.Len(t, decisions, 1)
	assert.Equal(t, types.ModeCharge, decisions[0].Mode)

	w = doRequest(s, http.MethodGet, "/api/history/decisions?start=notatime", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePriceHistory(t *testing.T) {
	db := &storagemock.MockDatabase{}
	s := newTestServer(db, &inverter.MockSystem{}, &prices.MockProvider{})

	db.On("GetPriceHistory", mock.Anything, testSiteID, mock.Anything, mock.Anything).
		Return([]types.PriceInterval{{PricePerKWH: 0.3}}, nil)

	w := doRequest(s, http.MethodGet, "/api/history/prices", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var intervals []types.PriceInterval
	require.NoError(t, json.NewDecoder(w.Body).Decode(&intervals))
	require.Len(t, intervals, 1)
	assert.InDelta(t, 0.3, intervals[0].PricePerKWH, 1e-9)
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(&storagemock.MockDatabase{}, &inverter.MockSystem{}, &prices.MockProvider{})
	w := doRequest(s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	db := &storagemock.MockDatabase{}
	s := newTestServer(db, &inverter.MockSystem{}, &prices.MockProvider{})
	s.verifyToken = func(ctx context.Context, raw string) (*oidc.IDToken, error) {
		if raw == "good-token" {
			return &oidc.IDToken{}, nil
		}
		return nil, errors.New("bad token")
	}

	db.On("GetSettings", mock.Anything, testSiteID).Return(testSettings(), types.CurrentSettingsVersion, nil)
	db.On("GetControlState", mock.Anything, testSiteID).Return(types.ControlState{}, nil)
	db.On("GetEnergyLog", mock.Anything, testSiteID).Return([]types.EnergyLot(nil), 0, nil)
	db.On("SetSettings", mock.Anything, testSiteID, mock.Anything, types.CurrentSettingsVersion).Return(nil)

	body, err := json.Marshal(testSettings())
	require.NoError(t, err)

	t.Run("reads pass without a token", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/api/status", nil)
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("writes require a token", func(t *testing.T) {
		w := doRequest(s, http.MethodPost, "/api/settings", body)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects an invalid token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/settings", bytes.NewReader(body))
		r.Header.Set("Authorization", "Bearer forged")
		w := httptest.NewRecorder()
		s.setupHandler().ServeHTTP(w, r)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("accepts a valid token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/settings", bytes.NewReader(body))
		r.Header.Set("Authorization", "Bearer good-token")
		w := httptest.NewRecorder()
		s.setupHandler().ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)
	})
}
