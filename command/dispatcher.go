// Package command implements the Command Dispatcher (C7): translates
// client intents into bus publishes via the Codec Registry.
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/rustyeddy/hearth/codec"
	"github.com/rustyeddy/hearth/ota"
)

// ErrBusUnavailable is returned when the Bus Adapter's outbound queue
// is saturated and cannot accept another publish. A disconnected but
// not-yet-full queue still accepts the publish; the Bus Adapter's own
// outbound loop is responsible for draining (and, if still
// disconnected, dropping) it.
var ErrBusUnavailable = errors.New("command: bus unavailable")

// ErrUnknownDevice is returned for reboot/trigger_update against a
// device_id absent from the device registry.
var ErrUnknownDevice = errors.New("command: unknown device")

// Bus is the subset of the Bus Adapter the dispatcher needs: a
// non-blocking publish plus a queue-saturation check so
// ErrBusUnavailable can be reported instead of silently dropping into
// a full buffer.
type Bus interface {
	Publish(topic string, payload []byte)
	QueueFull() bool
}

// DeviceRegistry reports whether a device_id is known, for reboot and
// trigger_update's refusal requirement.
type DeviceRegistry interface {
	Known(deviceID string) bool
}

// Dispatcher is the Command Dispatcher (C7). It returns as soon as the
// publish is accepted by the Bus Adapter's outbound channel; it never
// waits for device acknowledgment.
type Dispatcher struct {
	bus          Bus
	devices      DeviceRegistry
	orchestrator *ota.Orchestrator
	defaultRef   string
}

// New returns a Dispatcher. orchestrator and defaultRef back
// TriggerUpdate; both may be zero-valued if OTA triggering isn't
// wired up (TriggerUpdate then always fails).
func New(bus Bus, devices DeviceRegistry, orchestrator *ota.Orchestrator, defaultRef string) *Dispatcher {
	return &Dispatcher{bus: bus, devices: devices, orchestrator: orchestrator, defaultRef: defaultRef}
}

func (d *Dispatcher) publish(kind codec.CommandKind, args codec.CommandArgs) error {
	if d.bus.QueueFull() {
		return ErrBusUnavailable
	}
	topic, payload, err := codec.EncodeCommand(kind, args)
	if err != nil {
		return fmt.Errorf("command: %w", err)
	}
	d.bus.Publish(topic, payload)
	return nil
}

// Door sends the garage door command ∈ {open, close, toggle}.
func (d *Dispatcher) Door(cmd string) error {
	return d.publish(codec.CommandDoor, codec.CommandArgs{Door: cmd})
}

// Light sends the garage light command ∈ {on, off}.
func (d *Dispatcher) Light(state string) error {
	return d.publish(codec.CommandLight, codec.CommandArgs{Light: state})
}

// LightToggle sends the garage light toggle command.
func (d *Dispatcher) LightToggle() error {
	return d.publish(codec.CommandLight, codec.CommandArgs{Light: "toggle"})
}

// Reboot requests deviceID reboot.
func (d *Dispatcher) Reboot(deviceID string) error {
	if d.devices != nil && !d.devices.Known(deviceID) {
		return ErrUnknownDevice
	}
	return d.publish(codec.CommandReboot, codec.CommandArgs{DeviceID: deviceID})
}

// TriggerUpdate builds and publishes an OTA manifest for deviceID. An
// empty ref falls back to the dispatcher's configured default ref.
func (d *Dispatcher) TriggerUpdate(ctx context.Context, deviceID, ref string) (ota.Manifest, error) {
	if d.devices != nil && !d.devices.Known(deviceID) {
		return ota.Manifest{}, ErrUnknownDevice
	}
	if d.bus.QueueFull() {
		return ota.Manifest{}, ErrBusUnavailable
	}
	if ref == "" {
		ref = d.defaultRef
	}
	if d.orchestrator == nil {
		return ota.Manifest{}, fmt.Errorf("command: no OTA orchestrator configured")
	}
	return d.orchestrator.Trigger(ctx, d.bus, deviceID, ref)
}
