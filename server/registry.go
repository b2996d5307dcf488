package server

import "github.com/rustyeddy/hearth/state"

// DeviceRegistry adapts the State Store to the Known(device_id) lookup
// the OTA Orchestrator and Command Dispatcher need: a device is known
// once the store has a record for it, which happens on first observed
// message (see state.Store.record).
type DeviceRegistry struct {
	store *state.Store
}

func NewDeviceRegistry(s *state.Store) DeviceRegistry {
	return DeviceRegistry{store: s}
}

func (r DeviceRegistry) Known(deviceID string) bool {
	_, ok := r.store.SnapshotDevice(deviceID)
	return ok
}
