// v0
// internal/fusion/alerts.go
package fusion

import (
	"math"
	"sync"
	"time"
)

// Alert types raised from tag telemetry.
const (
	AlertLowBattery      = "low_battery"
	AlertTemperatureHigh = "temperature_high"
	AlertTemperatureLow  = "temperature_low"
)

// AlertThresholds configures telemetry checks. A zero BatteryBelow and
// infinite temperature bounds disable the corresponding check.
type AlertThresholds struct {
	BatteryBelow     int
	TemperatureAbove float64
	TemperatureBelow float64
}

// DefaultAlertThresholds alerts on batteries below 20% only.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{BatteryBelow: 20, TemperatureAbove: math.Inf(1), TemperatureBelow: math.Inf(-1)}
}

// Alert is raised when a tag's telemetry crosses a threshold.
type Alert struct {
	TagMAC     string    `json:"tag_mac"`
	ReceiverID string    `json:"receiver_id"`
	Type       string    `json:"type"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Timestamp  time.Time `json:"timestamp"`
}

// alertTracker raises each alert type once per tag until the condition
// clears.
type alertTracker struct {
	mu     sync.Mutex
	limits AlertThresholds
	active map[string]map[string]bool
}

func newAlertTracker(limits AlertThresholds) *alertTracker {
	return &alertTracker{limits: limits, active: make(map[string]map[string]bool)}
}

func (a *alertTracker) evaluate(v Vote, at time.Time) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Alert
	check := func(kind string, firing bool, value, threshold float64) {
		state := a.active[v.TagMAC]
		if state == nil {
			state = make(map[string]bool)
			a.active[v.TagMAC] = state
		}
		if firing && !state[kind] {
			out = append(out, Alert{
				TagMAC:     v.TagMAC,
				ReceiverID: v.ReceiverID,
				Type:       kind,
				Value:      value,
				Threshold:  threshold,
				Timestamp:  at.UTC(),
			})
		}
		state[kind] = firing
	}

	if v.Battery != nil && a.limits.BatteryBelow > 0 {
		b := float64(*v.Battery)
		check(AlertLowBattery, b < float64(a.limits.BatteryBelow), b, float64(a.limits.BatteryBelow))
	}
	if v.Temperature != nil {
		t := *v.Temperature
		if !math.IsInf(a.limits.TemperatureAbove, 1) {
			check(AlertTemperatureHigh, t > a.limits.TemperatureAbove, t, a.limits.TemperatureAbove)
		}
		if !math.IsInf(a.limits.TemperatureBelow, -1) {
			check(AlertTemperatureLow, t < a.limits.TemperatureBelow, t, a.limits.TemperatureBelow)
		}
	}
	return out
}
