package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Fixed device identities for the literal (non-wildcard) topics that
// carry no device_id segment of their own. The garage controller
// station is wired to the freezer, door, light and city-power sensors;
// the freezer also exposes a standalone dual-probe monitor. Spec §6
// does not say how these literal topics map to a device_id, so this
// mapping is an explicit implementation decision (see DESIGN.md).
const (
	DeviceGarageController = "garage-controller"
	DeviceFreezerMonitor   = "freezer-monitor"
)

func registerDefaults(r *Registry) {
	r.Register("home/+/status", decodeConsolidatedStatus)

	r.Register("home/garage/door/status", fixedDevice(DeviceGarageController, decodeDoorState))
	r.Register("home/garage/light/status", fixedDevice(DeviceGarageController, decodeLightState))
	r.Register("home/garage/weather/temperature", fixedMetric(DeviceGarageController, "weather.temperature_f"))
	r.Register("home/garage/weather/pressure", fixedMetric(DeviceGarageController, "weather.pressure_inhg"))
	r.Register("home/garage/freezer/temperature", fixedMetric(DeviceGarageController, "freezer.temperature_f"))

	r.Register("home/power/city/status", fixedDevice(DeviceGarageController, decodeCityPowerStatus))
	r.Register("home/power/city/heartbeat", fixedDevice(DeviceGarageController, decodeCityPowerHeartbeat))

	r.Register("home/freezer/temperature/+", decodeFreezerDualTemperature)
	r.Register("home/freezer/door/status", fixedDevice(DeviceFreezerMonitor, decodeFreezerDoorStatus))
	r.Register("home/freezer/door/ajar_time", fixedDevice(DeviceFreezerMonitor, decodeFreezerAjarTime))

	r.Register("home/system/+/status", decodeSystemStatus)
	r.Register("home/system/+/sos", decodeSos)
	r.Register("home/system/+/health", decodeHealth)
	r.Register("home/system/+/version", decodeVersion)
	r.Register("home/system/+/boot", decodeBoot)
}

func fixedDevice(deviceID string, f func(deviceID string, payload []byte) (Event, error)) Decoder {
	return func(path []string, payload []byte) (Event, error) {
		return f(deviceID, payload)
	}
}

func fixedMetric(deviceID, metric string) Decoder {
	return func(path []string, payload []byte) (Event, error) {
		v, err := strconv.ParseFloat(string(payload), 64)
		if err != nil {
			return Event{}, fmt.Errorf("parse %s: %w", metric, err)
		}
		return Event{Kind: KindTelemetryReading, DeviceID: deviceID, Metric: metric, Value: v, Ts: time.Now()}, nil
	}
}

func decodeDoorState(deviceID string, payload []byte) (Event, error) {
	s := string(payload)
	switch s {
	case "open", "closed", "opening", "closing", "error":
	default:
		return Event{}, fmt.Errorf("unknown door state %q", s)
	}
	return Event{Kind: KindDoorState, DeviceID: deviceID, DoorState: s, Ts: time.Now()}, nil
}

func decodeLightState(deviceID string, payload []byte) (Event, error) {
	s := string(payload)
	switch s {
	case "on", "off":
	default:
		return Event{}, fmt.Errorf("unknown light state %q", s)
	}
	return Event{Kind: KindLightState, DeviceID: deviceID, LightState: s, Ts: time.Now()}, nil
}

func decodeCityPowerStatus(deviceID string, payload []byte) (Event, error) {
	s := string(payload)
	switch s {
	case "online", "offline":
	default:
		return Event{}, fmt.Errorf("unknown power status %q", s)
	}
	return Event{Kind: KindTelemetryReading, DeviceID: deviceID, Metric: "power.city", Value: powerStatusValue(s), Ts: time.Now()}, nil
}

// powerStatusValue encodes "online"/"offline" as 1/0 so the metric can
// travel through the same float64-valued telemetry pipeline as every
// other reading; the state store re-derives the string for display.
func powerStatusValue(s string) float64 {
	if s == "online" {
		return 1
	}
	return 0
}

func decodeCityPowerHeartbeat(deviceID string, payload []byte) (Event, error) {
	ms, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("parse heartbeat: %w", err)
	}
	return Event{Kind: KindTelemetryReading, DeviceID: deviceID, Metric: "power.heartbeat_ms", Value: float64(ms), Ts: time.Now()}, nil
}

func decodeFreezerDualTemperature(path []string, payload []byte) (Event, error) {
	if len(path) < 4 {
		return Event{}, fmt.Errorf("malformed freezer temperature topic")
	}
	probe := path[3] // "main" or "backup"
	v, err := strconv.ParseFloat(string(payload), 64)
	if err != nil {
		return Event{}, fmt.Errorf("parse freezer temperature: %w", err)
	}
	return Event{
		Kind:     KindTelemetryReading,
		DeviceID: DeviceFreezerMonitor,
		Metric:   "freezer.temperature_f." + probe,
		Value:    v,
		Ts:       time.Now(),
	}, nil
}

func decodeFreezerDoorStatus(deviceID string, payload []byte) (Event, error) {
	s := string(payload)
	switch s {
	case "open", "closed":
	default:
		return Event{}, fmt.Errorf("unknown freezer door state %q", s)
	}
	return Event{Kind: KindDoorState, DeviceID: deviceID, DoorState: s, Metric: "freezer.door", Ts: time.Now()}, nil
}

func decodeFreezerAjarTime(deviceID string, payload []byte) (Event, error) {
	secs, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("parse ajar_time: %w", err)
	}
	return Event{Kind: KindTelemetryReading, DeviceID: deviceID, Metric: "freezer.door_ajar_s", Value: float64(secs), Ts: time.Now()}, nil
}

func decodeSystemStatus(path []string, payload []byte) (Event, error) {
	deviceID, err := systemDeviceID(path)
	if err != nil {
		return Event{}, err
	}
	s := string(payload)
	switch s {
	case "running", "update_received", "updating", "updated", "alive", "offline":
	default:
		return Event{}, fmt.Errorf("unknown system status %q", s)
	}
	return Event{Kind: KindStatusUpdate, DeviceID: deviceID, Status: s, Ts: time.Now()}, nil
}

func decodeSos(path []string, payload []byte) (Event, error) {
	deviceID, err := systemDeviceID(path)
	if err != nil {
		return Event{}, err
	}
	var sos SosPayload
	if err := json.Unmarshal(payload, &sos); err != nil {
		return Event{}, fmt.Errorf("decode sos: %w", err)
	}
	if sos.DeviceID == "" {
		sos.DeviceID = deviceID
	}
	return Event{Kind: KindSos, DeviceID: deviceID, Sos: sos, Ts: time.UnixMilli(sos.Timestamp)}, nil
}

func decodeHealth(path []string, payload []byte) (Event, error) {
	deviceID, err := systemDeviceID(path)
	if err != nil {
		return Event{}, err
	}
	s := string(payload)
	switch s {
	case "online", "error", "needs_help", "offline":
	default:
		return Event{}, fmt.Errorf("unknown health value %q", s)
	}
	return Event{Kind: KindHealth, DeviceID: deviceID, Status: s, Ts: time.Now()}, nil
}

func decodeVersion(path []string, payload []byte) (Event, error) {
	deviceID, err := systemDeviceID(path)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: KindVersion, DeviceID: deviceID, Version: string(payload), Ts: time.Now()}, nil
}

func decodeBoot(path []string, payload []byte) (Event, error) {
	deviceID, err := systemDeviceID(path)
	if err != nil {
		return Event{}, err
	}
	var boot BootPayload
	if err := json.Unmarshal(payload, &boot); err != nil {
		return Event{}, fmt.Errorf("decode boot: %w", err)
	}
	return Event{Kind: KindBoot, DeviceID: deviceID, Boot: boot, Ts: time.UnixMilli(boot.Ts)}, nil
}

func decodeConsolidatedStatus(path []string, payload []byte) (Event, error) {
	if len(path) < 2 {
		return Event{}, fmt.Errorf("malformed consolidated status topic")
	}
	deviceID := path[1]
	var cs ConsolidatedStatus
	if err := json.Unmarshal(payload, &cs); err != nil {
		return Event{}, fmt.Errorf("decode consolidated status: %w", err)
	}
	return Event{Kind: KindConsolidatedStatus, DeviceID: deviceID, Consolidated: cs, Ts: time.UnixMilli(cs.Timestamp)}, nil
}

func systemDeviceID(path []string) (string, error) {
	if len(path) < 3 {
		return "", fmt.Errorf("malformed system topic")
	}
	return path[2], nil
}
