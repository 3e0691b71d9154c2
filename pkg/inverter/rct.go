package inverter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loadshift/loadshift/pkg/common"
	"github.com/loadshift/loadshift/pkg/log"
	"github.com/loadshift/loadshift/pkg/types"
)

const deviceInfoTTL = time.Hour

// RCT implements the System interface against the local HTTP API of an
// RCT Power hybrid inverter.
type RCT struct {
	client  *http.Client
	baseURL string

	mu               sync.Mutex
	settings         types.Settings
	deviceInfoCache  rctDeviceInfo
	deviceInfoExpiry time.Time
}

func newRCT(baseURL string) *RCT {
	return &RCT{
		client:  common.HTTPClient(30 * time.Second),
		baseURL: baseURL,
	}
}

// ApplySettings applies the given settings to the RCT struct.
func (r *RCT) ApplySettings(ctx context.Context, settings types.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = settings
	return nil
}

type rctStatus struct {
	GridW     float64 `json:"grid_w"`
	SolarW    float64 `json:"solar_w"`
	BatteryW  float64 `json:"battery_w"`
	SOC       float64 `json:"soc"`
	Timestamp int64   `json:"timestamp"`
}

type rctDeviceInfo struct {
	CapacityWH   float64 `json:"capacity_wh"`
	MaxChargeW   float64 `json:"max_charge_w"`
	SerialNumber string  `json:"serial_number"`
}

// GetTelemetry returns the current power flows and state of charge.
// Battery power is positive when discharging, grid power positive when
// importing, matching the inverter's own sign convention.
func (r *RCT) GetTelemetry(ctx context.Context) (types.Telemetry, error) {
	var status rctStatus
	if err := r.get(ctx, "/api/v1/status", &status); err != nil {
		return types.Telemetry{}, err
	}

	ts := time.Now()
	if status.Timestamp > 0 {
		ts = time.Unix(status.Timestamp, 0)
	}

	t := types.Telemetry{
		Timestamp:  ts,
		GridKW:     status.GridW / 1000,
		SolarKW:    status.SolarW / 1000,
		BatteryKW:  status.BatteryW / 1000,
		BatterySOC: status.SOC,
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"got inverter telemetry",
		slog.Float64("gridKW", t.GridKW),
		slog.Float64("solarKW", t.SolarKW),
		slog.Float64("batteryKW", t.BatteryKW),
		slog.Float64("soc", t.BatterySOC),
	)
	return t, nil
}

// GetBatteryState combines the inverter's reported capacity and charge
// power with the configured state of charge band.
func (r *RCT) GetBatteryState(ctx context.Context) (types.BatteryState, error) {
	info, err := r.deviceInfo(ctx)
	if err != nil {
		return types.BatteryState{}, err
	}

	var status rctStatus
	if err := r.get(ctx, "/api/v1/status", &status); err != nil {
		return types.BatteryState{}, err
	}

	r.mu.Lock()
	s := r.settings
	r.mu.Unlock()

	return types.BatteryState{
		CurrentSOC:     status.SOC,
		CapacityKWH:    info.CapacityWH / 1000,
		ChargePowerKW:  info.MaxChargeW / 1000,
		MinSOC:         s.MinSOC,
		TargetSOC:      s.TargetSOC,
		EfficiencyLoss: s.EfficiencyLoss,
	}, nil
}

// deviceInfo fetches the static battery parameters, cached for an hour.
func (r *RCT) deviceInfo(ctx context.Context) (rctDeviceInfo, error) {
	r.mu.Lock()
	if time.Now().Before(r.deviceInfoExpiry) {
		info := r.deviceInfoCache
		r.mu.Unlock()
		return info, nil
	}
	r.mu.Unlock()

	var info rctDeviceInfo
	if err := r.get(ctx, "/api/v1/device", &info); err != nil {
		return rctDeviceInfo{}, err
	}
	if info.CapacityWH <= 0 {
		return rctDeviceInfo{}, fmt.Errorf("inverter reported no battery capacity")
	}

	r.mu.Lock()
	r.deviceInfoCache = info
	r.deviceInfoExpiry = time.Now().Add(deviceInfoTTL)
	r.mu.Unlock()

	return info, nil
}

type rctModeCommand struct {
	Mode   string   `json:"mode"`
	PowerW *float64 `json:"power_w,omitempty"`
}

// SetMode translates the decision mode onto the inverter's power
// management commands.
func (r *RCT) SetMode(ctx context.Context, mode types.Mode) error {
	cmd := rctModeCommand{}
	switch mode {
	case types.ModeCharge:
		info, err := r.deviceInfo(ctx)
		if err != nil {
			return err
		}
		cmd.Mode = "grid_charge"
		cmd.PowerW = &info.MaxChargeW
	case types.ModeNormal:
		cmd.Mode = "auto"
	case types.ModeConstant:
		cmd.Mode = "hold"
	default:
		// idle is a validation outcome and must never reach the device
		return fmt.Errorf("mode %q cannot be sent to the inverter", mode)
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"setting inverter mode",
		slog.String("mode", string(mode)),
		slog.String("command", cmd.Mode),
	)
	return r.post(ctx, "/api/v1/battery/mode", cmd)
}

func (r *RCT) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", r.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call inverter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inverter returned status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode inverter response: %w", err)
	}
	return nil
}

func (r *RCT) post(ctx context.Context, path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call inverter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inverter returned status: %d", resp.StatusCode)
	}
	return nil
}
