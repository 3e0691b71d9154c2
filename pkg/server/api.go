package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/loadshift/loadshift/pkg/ledger"
	"github.com/loadshift/loadshift/pkg/log"
	"github.com/loadshift/loadshift/pkg/types"
)

type statusResponse struct {
	SiteID        string             `json:"siteID"`
	Settings      types.Settings     `json:"settings"`
	ControlState  types.ControlState `json:"controlState"`
	CostBasis     *types.CostBasis   `json:"costBasis"`
	RemainingKWH  float64            `json:"remainingKWH"`
	LedgerEntries int                `json:"ledgerEntries"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	settings, version, err := s.storage.GetSettings(ctx, s.siteID)
	if err != nil {
		writeJSONError(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	settings, _, err = types.MigrateSettings(settings, version)
	if err != nil {
		writeJSONError(w, "failed to migrate settings", http.StatusInternalServerError)
		return
	}

	state, err := s.storage.GetControlState(ctx, s.siteID)
	if err != nil {
		writeJSONError(w, "failed to load control state", http.StatusInternalServerError)
		return
	}
	lots, _, err := s.storage.GetEnergyLog(ctx, s.siteID)
	if err != nil {
		writeJSONError(w, "failed to load energy log", http.StatusInternalServerError)
		return
	}

	writeJSON(w, statusResponse{
		SiteID:        s.siteID,
		Settings:      settings,
		ControlState:  state,
		CostBasis:     ledger.BlendedCost(lots),
		RemainingKWH:  ledger.RemainingKWH(lots),
		LedgerEntries: len(lots),
	})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.storage.GetPlan(r.Context(), s.siteID)
	if err != nil {
		writeJSONError(w, "failed to load plan", http.StatusInternalServerError)
		return
	}
	writeJSON(w, plan)
}

type ledgerResponse struct {
	Lots         []types.EnergyLot `json:"lots"`
	CostBasis    *types.CostBasis  `json:"costBasis"`
	RemainingKWH float64           `json:"remainingKWH"`
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	lots, _, err := s.storage.GetEnergyLog(r.Context(), s.siteID)
	if err != nil {
		writeJSONError(w, "failed to load energy log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, ledgerResponse{
		Lots:         lots,
		CostBasis:    ledger.BlendedCost(lots),
		RemainingKWH: ledger.RemainingKWH(lots),
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, version, err := s.storage.GetSettings(r.Context(), s.siteID)
	if err != nil {
		writeJSONError(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	settings, _, err = types.MigrateSettings(settings, version)
	if err != nil {
		writeJSONError(w, "failed to migrate settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var settings types.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSONError(w, "invalid settings body", http.StatusBadRequest)
		return
	}
	if err := settings.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.storage.SetSettings(ctx, s.siteID, settings, types.CurrentSettingsVersion); err != nil {
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "settings updated")
	writeJSON(w, settings)
}

// historyRange parses start/end query parameters, defaulting to the last day.
func historyRange(r *http.Request) (time.Time, time.Time, bool) {
	now := time.Now()
	start := now.AddDate(0, 0, -1)
	end := now

	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		end = t
	}
	return start, end, true
}

func (s *Server) handleDecisionHistory(w http.ResponseWriter, r *http.Request) {
	start, end, ok := historyRange(r)
	if !ok {
		writeJSONError(w, "invalid start/end, expected RFC3339", http.StatusBadRequest)
		return
	}
	decisions, err := s.storage.GetDecisionHistory(r.Context(), s.siteID, start, end)
	if err != nil {
		writeJSONError(w, "failed to load decision history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, decisions)
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	start, end, ok := historyRange(r)
	if !ok {
		writeJSONError(w, "invalid start/end, expected RFC3339", http.StatusBadRequest)
		return
	}
	intervals, err := s.storage.GetPriceHistory(r.Context(), s.siteID, start, end)
	if err != nil {
		writeJSONError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, intervals)
}
