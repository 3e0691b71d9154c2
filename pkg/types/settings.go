package types

import (
	"fmt"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings represents the per-site configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	DryRun bool `json:"dryRun"`
	// Pause control ticks entirely
	Pause bool `json:"pause"`

	// Price provider
	PriceProvider string `json:"priceProvider"`
	// Interval length of the tariff, in minutes
	IntervalMinutes int `json:"intervalMinutes"`

	// Inverter provider
	Inverter string `json:"inverter"`

	// Economics
	// Minimum profit required to charge now and discharge later (per kWh)
	MinProfitPerKWH float64 `json:"minProfitPerKWH"`
	// An interval is "expensive" when priced above avgHorizonPrice times this
	ExpensivePriceFactor float64 `json:"expensivePriceFactor"`
	// Round-trip efficiency loss as a fraction (0.1 = 10%)
	EfficiencyLoss float64 `json:"efficiencyLoss"`

	// Battery bounds (fractions 0-1)
	MinSOC    float64 `json:"minSOC"`
	TargetSOC float64 `json:"targetSOC"`

	// Ledger
	// Maximum number of lot entries retained before trimming the oldest
	MaxLedgerEntries int `json:"maxLedgerEntries"`

	// History
	// How many days of per-interval samples feed the demand forecast
	HistoryDays int `json:"historyDays"`
}

// Validate checks user-supplied settings for values the scheduler cannot
// operate with.
func (s Settings) Validate() error {
	if s.IntervalMinutes <= 0 || s.IntervalMinutes > 24*60 {
		return fmt.Errorf("intervalMinutes must be between 1 and 1440")
	}
	if s.PriceProvider == "" {
		return fmt.Errorf("priceProvider is required")
	}
	if s.MinSOC < 0 || s.MinSOC > 1 {
		return fmt.Errorf("minSOC must be a fraction between 0 and 1")
	}
	if s.TargetSOC <= s.MinSOC || s.TargetSOC > 1 {
		return fmt.Errorf("targetSOC must be a fraction above minSOC and at most 1")
	}
	if s.EfficiencyLoss < 0 || s.EfficiencyLoss >= 1 {
		return fmt.Errorf("efficiencyLoss must be a fraction below 1")
	}
	if s.MinProfitPerKWH < 0 {
		return fmt.Errorf("minProfitPerKWH cannot be negative")
	}
	if s.ExpensivePriceFactor < 1 {
		return fmt.Errorf("expensivePriceFactor must be at least 1")
	}
	return nil
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were
// made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial economics
			if s.MinProfitPerKWH == 0 {
				s.MinProfitPerKWH = 0.05
				migrated = true
			}
			if s.ExpensivePriceFactor == 0 {
				s.ExpensivePriceFactor = 1.5
				migrated = true
			}
			if s.EfficiencyLoss == 0 {
				s.EfficiencyLoss = 0.1
				migrated = true
			}
			if s.MinSOC == 0 {
				s.MinSOC = 0.07
				migrated = true
			}
			if s.TargetSOC == 0 {
				s.TargetSOC = 0.97
				migrated = true
			}
		case 2:
			// version 2: interval length and price provider
			if s.IntervalMinutes == 0 {
				s.IntervalMinutes = 15
				migrated = true
			}
			if s.PriceProvider == "" {
				s.PriceProvider = "awattar"
				migrated = true
			}
		case 3:
			// version 3: ledger retention and history window
			if s.MaxLedgerEntries == 0 {
				s.MaxLedgerEntries = 500
				migrated = true
			}
			if s.HistoryDays == 0 {
				s.HistoryDays = 7
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
