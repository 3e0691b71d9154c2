// Package inverter talks to the hybrid inverter that owns the battery:
// it reads telemetry and pushes the mode the decision engine picked.
package inverter

import (
	"context"
	"sync"

	"github.com/levenlabs/go-lflag"
	"github.com/loadshift/loadshift/pkg/types"
)

// Configured sets up the inverter system Map based on flags.
func Configured() *Map {
	m := NewMap()
	apiURL := lflag.String("rct-api-url", "http://rct.local:8080", "base URL for the RCT inverter API")
	lflag.Do(func() {
		m.rctBaseURL = *apiURL
	})
	return m
}

// Map manages multiple inverter systems.
type Map struct {
	mu         sync.Mutex
	rctBaseURL string
	systems    map[string]System
}

// NewMap creates a new inverter Map.
func NewMap() *Map {
	return &Map{
		systems: make(map[string]System),
	}
}

// Site returns the system for the given siteID.
// If the siteID is new, it creates a new system instance.
func (m *Map) Site(ctx context.Context, siteID string, settings types.Settings) (System, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if siteID == "" {
		siteID = types.SiteIDNone
	}

	if sys, ok := m.systems[siteID]; ok {
		if err := sys.ApplySettings(ctx, settings); err != nil {
			return nil, err
		}
		return sys, nil
	}

	r := newRCT(m.rctBaseURL)
	if err := r.ApplySettings(ctx, settings); err != nil {
		return nil, err
	}
	m.systems[siteID] = r
	return r, nil
}

// SetSystem sets the system for a specific site. This is primarily used for testing.
func (m *Map) SetSystem(siteID string, sys System) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systems[siteID] = sys
}
