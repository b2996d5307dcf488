// Package state implements the authoritative in-memory device and
// sensor snapshot (C2, the State Store). A single writer goroutine
// serializes all updates; readers take copy-on-read snapshots and never
// block the writer.
package state

import "time"

// DeviceStatus is the device status automaton's current state.
type DeviceStatus string

const (
	StatusUnknown    DeviceStatus = "unknown"
	StatusOnline     DeviceStatus = "online"
	StatusOffline    DeviceStatus = "offline"
	StatusNeedsHelp  DeviceStatus = "needs_help"
	StatusUpdating   DeviceStatus = "updating"
	StatusError      DeviceStatus = "error"
)

// MetricReading is one (value, timestamp) telemetry point.
type MetricReading struct {
	Value float64
	Ts    time.Time
}

// DeviceState is the copy-on-read snapshot of one device's state.
type DeviceState struct {
	DeviceID   string
	Status     DeviceStatus
	LastSeen   time.Time
	Metrics    map[string]MetricReading
	DoorState  string
	LightState string
	Health     string
	Version    string
}

// clone returns a deep-enough copy of the record suitable for handing
// to a reader, so the reader holds no reference into writer-owned
// storage.
func (r *deviceRecord) clone() DeviceState {
	metrics := make(map[string]MetricReading, len(r.metrics))
	for k, v := range r.metrics {
		metrics[k] = v
	}
	return DeviceState{
		DeviceID:   r.id,
		Status:     r.status,
		LastSeen:   r.lastSeen,
		Metrics:    metrics,
		DoorState:  r.doorState,
		LightState: r.lightState,
		Health:     r.health,
		Version:    r.version,
	}
}

// deviceRecord is the writer-owned, mutable record. It is only ever
// touched by the single State Store writer goroutine.
type deviceRecord struct {
	id              string
	status          DeviceStatus
	awaitingConfirm bool // "updated" received, waiting for confirming status/health
	lastSeen        time.Time

	metrics   map[string]MetricReading
	doorState string
	doorTs    time.Time

	lightState string
	lightTs    time.Time

	health   string
	healthTs time.Time

	version   string
	versionTs time.Time
}

func newDeviceRecord(id string) *deviceRecord {
	return &deviceRecord{
		id:      id,
		status:  StatusUnknown,
		metrics: make(map[string]MetricReading),
	}
}

// ChangeKind discriminates StateChange.
type ChangeKind string

const (
	ChangeStatus  ChangeKind = "status"
	ChangeMetric  ChangeKind = "metric"
	ChangeDoor    ChangeKind = "door"
	ChangeLight   ChangeKind = "light"
	ChangeHealth  ChangeKind = "health"
	ChangeVersion ChangeKind = "version"
	ChangeSos     ChangeKind = "sos"
	ChangeBoot    ChangeKind = "boot"
	ChangeErrors  ChangeKind = "errors"
)

// StateChange is a coarse record of a device-visible transition,
// emitted by apply and delivered to subscribers.
type StateChange struct {
	DeviceID string
	Kind     ChangeKind
	Metric   string // set when Kind == ChangeMetric
	Before   any
	After    any
	Ts       time.Time
}
