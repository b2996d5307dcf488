// Package alerts implements the Alert Evaluator (C5): a pure derivation
// of the ActiveAlert set from a State Store snapshot plus open
// incidents. It owns no authoritative state of its own.
package alerts

import "time"

// Code is a stable alert taxonomy token, suitable for dashboards and
// client-side filtering.
type Code string

const (
	CodeFreezerTempHigh  Code = "freezer_temp_high"
	CodeFreezerDoorAjar  Code = "freezer_door_ajar"
	CodeCityPowerOffline Code = "city_power_offline"
	CodeDeviceDegraded   Code = "device_degraded"
	CodeDeviceSilent     Code = "device_silent"
	CodeWeatherStuck     Code = "weather_stuck"
)

// Thresholds from spec §4.5.
const (
	FreezerTempThresholdF = 10.0
	FreezerDoorAjarS      = 300.0
	DeviceSilentTimeout   = 90 * time.Second
	WeatherStallTimeout   = 120 * time.Second
	TickInterval          = 5 * time.Second
)

// Alert is one entry of the ActiveAlert set: `(device_id, code,
// message, last_seen)`, de-duplicated by (device_id, code).
type Alert struct {
	DeviceID string
	Code     Code
	Message  string
	LastSeen time.Time
}

func key(deviceID string, code Code) string { return deviceID + "\x00" + string(code) }
