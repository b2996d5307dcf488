package ota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rustyeddy/hearth/codec"
	"github.com/rustyeddy/hearth/state"
)

// Publisher is the subset of the Bus Adapter the Orchestrator needs.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// toCodecManifest translates the OTA package's own Manifest (returned
// to callers like the Query Surface) into codec's wire shape, so the
// update topic's payload format has exactly one source of truth:
// codec.EncodeCommand.
func toCodecManifest(m Manifest) codec.Manifest {
	files := make([]codec.ManifestFile, len(m.Files))
	for i, f := range m.Files {
		files[i] = codec.ManifestFile{URL: f.URL, Path: f.Path}
	}
	return codec.Manifest{Ref: m.Ref, Files: files}
}

// Trigger publishes a manifest to deviceID's update topic and records
// the attempt for observability. "Emit no retries at this layer" — a
// publish failure here means the outbound queue accepted or dropped
// the message; C6 does not retry.
func (o *Orchestrator) Trigger(ctx context.Context, bus Publisher, deviceID, ref string) (Manifest, error) {
	m, err := o.Build(deviceID, ref)
	if err != nil {
		return Manifest{}, err
	}

	topic, payload, err := codec.EncodeCommand(codec.CommandUpdate, codec.CommandArgs{
		DeviceID: deviceID,
		Manifest: toCodecManifest(m),
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("ota: encode update command: %w", err)
	}

	if o.attempts != nil {
		o.attempts.start(deviceID, ref)
	}
	bus.Publish(topic, payload)
	slog.Info("ota: manifest published", "device_id", deviceID, "ref", ref, "files", len(m.Files))
	return m, nil
}

// AttemptTracker watches the State Store's change stream for a
// needs_help transition on a device with an in-flight OTA attempt, and
// marks that attempt failed for observability — spec: "If the device
// transitions to needs_help instead, the Orchestrator marks the OTA
// attempt failed."
type AttemptTracker struct {
	mu       sync.Mutex
	inFlight map[string]string // device_id -> ref
	failed   map[string]string // device_id -> ref of most recently failed attempt
}

func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{inFlight: map[string]string{}, failed: map[string]string{}}
}

func (t *AttemptTracker) start(deviceID, ref string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[deviceID] = ref
}

// Failed reports the ref of the most recently failed OTA attempt for
// deviceID, if any.
func (t *AttemptTracker) Failed(deviceID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.failed[deviceID]
	return ref, ok
}

// Run watches changes for status transitions into needs_help or
// online; an in-flight attempt is resolved (cleared or marked failed)
// by either.
func (t *AttemptTracker) Run(ctx context.Context, s *state.Store) {
	changes, unsub := s.Subscribe(state.DefaultSubscriberBuffer)
	defer unsub()

	for {
		select {
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.Kind != state.ChangeStatus {
				continue
			}
			after, _ := c.After.(state.DeviceStatus)
			t.mu.Lock()
			ref, inFlight := t.inFlight[c.DeviceID]
			if inFlight {
				switch after {
				case state.StatusNeedsHelp:
					delete(t.inFlight, c.DeviceID)
					t.failed[c.DeviceID] = ref
					slog.Warn("ota: attempt marked failed", "device_id", c.DeviceID, "ref", ref)
				case state.StatusOnline:
					delete(t.inFlight, c.DeviceID)
				}
			}
			t.mu.Unlock()

		case <-ctx.Done():
			return
		}
	}
}
