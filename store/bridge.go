package store

import (
	"context"
	"time"

	"github.com/rustyeddy/hearth/codec"
	"github.com/rustyeddy/hearth/state"
)

// BridgeFromStateChanges subscribes to st's change stream and
// translates every StateChange into the corresponding Writer
// operation, implementing the "Operations consumed from C2's change
// stream" list in spec §4.3. It runs until ctx is cancelled or
// unsubscribe is called.
func BridgeFromStateChanges(ctx context.Context, st *state.Store, w *Writer) (unsubscribe func()) {
	changes, unsub := st.Subscribe(DefaultQueueCapacity)
	done := make(chan struct{})
	b := &bridge{w: w, emptyErrorStreak: make(map[string]int)}

	go func() {
		defer close(done)
		for {
			select {
			case c, ok := <-changes:
				if !ok {
					return
				}
				b.applyChange(c)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		unsub()
		<-done
	}
}

// bridge carries the one piece of state translating the change stream
// into Writer operations needs across calls: the per-device count of
// consecutive empty-errors consolidated reports, for scenario 5's
// two-in-a-row incident resolution debounce.
type bridge struct {
	w                *Writer
	emptyErrorStreak map[string]int
}

func (b *bridge) applyChange(c state.StateChange) {
	w := b.w
	switch c.Kind {
	case state.ChangeMetric:
		reading, ok := c.After.(state.MetricReading)
		if !ok {
			return
		}
		w.AppendReading(c.DeviceID, c.Metric, reading.Value, reading.Ts)

	case state.ChangeStatus:
		status, ok := c.After.(state.DeviceStatus)
		if !ok {
			return
		}
		w.UpsertDevice(c.DeviceID, string(status), "", "", c.Ts)

	case state.ChangeHealth:
		health, _ := c.After.(string)
		w.UpsertDevice(c.DeviceID, "", health, "", c.Ts)

	case state.ChangeVersion:
		version, _ := c.After.(string)
		w.UpsertDevice(c.DeviceID, "", "", version, c.Ts)

	case state.ChangeBoot:
		boot, ok := c.After.(codec.BootPayload)
		if !ok {
			return
		}
		w.RecordBoot(c.DeviceID, c.Ts, boot.Reason, boot.Success)

	case state.ChangeSos:
		sos, ok := c.After.(codec.SosPayload)
		if !ok {
			return
		}
		w.UpsertIncident(c.DeviceID, sos.Error, sos.Message, c.Ts)

	case state.ChangeErrors:
		errs, _ := c.After.([]codec.ErrorEntry)
		b.applyConsolidatedErrors(c.DeviceID, errs, c.Ts)

	case state.ChangeDoor, state.ChangeLight:
		// Door/light transitions are queryable live from the State
		// Store directly (C8 reads snapshots); they are not themselves
		// persisted as their own table, only as the metrics/incidents
		// above. No bridge action needed.
	}
}

// applyConsolidatedErrors implements spec §8 scenario 5: every error
// entry in a consolidated status payload opens or refreshes an
// incident by its own code; two consecutive reports with an empty
// errors array resolve every incident still open for the device. A
// single empty report is not enough — it starts the streak but the
// incident stays open, matching "for two consecutive messages".
func (b *bridge) applyConsolidatedErrors(deviceID string, errs []codec.ErrorEntry, ts time.Time) {
	if len(errs) == 0 {
		b.emptyErrorStreak[deviceID]++
		if b.emptyErrorStreak[deviceID] >= 2 {
			b.w.ResolveAllIncidents(deviceID, "consolidated status reported no errors", ts)
		}
		return
	}
	b.emptyErrorStreak[deviceID] = 0
	for _, e := range errs {
		b.w.UpsertIncident(deviceID, e.Code, e.Message, ts)
	}
}
