package state

import (
	"time"

	"github.com/rustyeddy/hearth/codec"
)

// applyLocked runs only on the writer goroutine; it owns s.records
// exclusively and performs no I/O, per the State Store writer's
// contract (it must not block on anything but its own request
// channel).
//
// Status precedence, since spec's automaton lists sos and
// update-in-progress as sticky overrides with no documented exit
// transition other than their own explicit rules: a device in
// needs_help or updating is left alone by the generic "any message
// implies online" rule; only sos (-> needs_help), the matching
// status_update values, or, once "updated" has arrived, the next
// confirming message (updating -> online) move it out again.
func (s *Store) applyLocked(ev codec.Event) []StateChange {
	r := s.record(ev.DeviceID)
	now := ev.Ts
	if now.IsZero() {
		now = s.clk.Now()
	}
	r.lastSeen = now

	var changes []StateChange

	beforeStatus := r.status
	switch ev.Kind {
	case codec.KindSos:
		r.status = StatusNeedsHelp
		r.awaitingConfirm = false
		changes = append(changes, StateChange{DeviceID: ev.DeviceID, Kind: ChangeSos, Before: ev.Sos, After: ev.Sos, Ts: now})

	case codec.KindStatusUpdate:
		applyStatusUpdate(r, ev.Status)

	case codec.KindHealth:
		if r.healthTs.IsZero() || !now.Before(r.healthTs) {
			beforeHealth := r.health
			r.health = ev.Status
			r.healthTs = now
			if beforeHealth != r.health {
				changes = append(changes, StateChange{DeviceID: ev.DeviceID, Kind: ChangeHealth, Before: beforeHealth, After: r.health, Ts: now})
			}
		}
		bumpOnline(r)

	case codec.KindBoot:
		changes = append(changes, StateChange{DeviceID: ev.DeviceID, Kind: ChangeBoot, Before: nil, After: ev.Boot, Ts: now})
		bumpOnline(r)

	case codec.KindVersion:
		if r.versionTs.IsZero() || !now.Before(r.versionTs) {
			before := r.version
			r.version = ev.Version
			r.versionTs = now
			if before != r.version {
				changes = append(changes, StateChange{DeviceID: ev.DeviceID, Kind: ChangeVersion, Before: before, After: r.version, Ts: now})
			}
		}
		bumpOnline(r)

	case codec.KindDoorState:
		if r.doorTs.IsZero() || !now.Before(r.doorTs) {
			before := r.doorState
			r.doorState = ev.DoorState
			r.doorTs = now
			if before != r.doorState {
				changes = append(changes, StateChange{DeviceID: ev.DeviceID, Kind: ChangeDoor, Before: before, After: r.doorState, Ts: now})
			}
		}
		bumpOnline(r)

	case codec.KindLightState:
		if r.lightTs.IsZero() || !now.Before(r.lightTs) {
			before := r.lightState
			r.lightState = ev.LightState
			r.lightTs = now
			if before != r.lightState {
				changes = append(changes, StateChange{DeviceID: ev.DeviceID, Kind: ChangeLight, Before: before, After: r.lightState, Ts: now})
			}
		}
		bumpOnline(r)

	case codec.KindTelemetryReading:
		if applyMetric(r, ev.Metric, ev.Value, now) {
			changes = append(changes, StateChange{
				DeviceID: ev.DeviceID, Kind: ChangeMetric, Metric: ev.Metric,
				Before: nil, After: MetricReading{Value: ev.Value, Ts: now}, Ts: now,
			})
		}
		changes = append(changes, foldFreezerProbe(r, ev.DeviceID, ev.Metric, ev.Value, now)...)
		bumpOnline(r)

	case codec.KindConsolidatedStatus:
		changes = append(changes, applyConsolidated(r, ev, now)...)
		bumpOnline(r)
	}

	if r.status != beforeStatus {
		changes = append(changes, StateChange{DeviceID: ev.DeviceID, Kind: ChangeStatus, Before: beforeStatus, After: r.status, Ts: now})
	}
	return changes
}

// applyStatusUpdate implements the status_update leg of the device
// status automaton.
func applyStatusUpdate(r *deviceRecord, status string) {
	switch status {
	case "offline":
		r.status = StatusOffline
		r.awaitingConfirm = false
	case "update_received", "updating":
		r.status = StatusUpdating
		r.awaitingConfirm = false
	case "updated":
		r.status = StatusUpdating
		r.awaitingConfirm = true
	default:
		if r.status == StatusUpdating && r.awaitingConfirm {
			r.status = StatusOnline
			r.awaitingConfirm = false
			return
		}
		bumpOnline(r)
	}
}

// bumpOnline implements "any message implies online" for messages
// that are not status_update/sos, leaving needs_help/updating alone
// since only their own explicit rules clear them. An updating device
// that has already reported "updated" takes this message as its
// confirmation and returns to online.
func bumpOnline(r *deviceRecord) {
	if r.status == StatusUpdating && r.awaitingConfirm {
		r.status = StatusOnline
		r.awaitingConfirm = false
		return
	}
	if r.status == StatusNeedsHelp || r.status == StatusUpdating {
		return
	}
	r.status = StatusOnline
}

// applyConsolidated fans a single consolidated status payload out into
// the same fields the individual per-topic decoders would have
// touched, so a device that only ever publishes home/<id>/status still
// drives door/light/health/metric state identically to one that
// publishes the split topics.
func applyConsolidated(r *deviceRecord, ev codec.Event, now time.Time) []StateChange {
	cs := ev.Consolidated
	var changes []StateChange

	if cs.Health != "" && (r.healthTs.IsZero() || !now.Before(r.healthTs)) {
		before := r.health
		r.health = cs.Health
		r.healthTs = now
		if before != r.health {
			changes = append(changes, StateChange{DeviceID: ev.DeviceID, Kind: ChangeHealth, Before: before, After: r.health, Ts: now})
		}
	}

	if cs.Door != nil && (r.doorTs.IsZero() || !now.Before(r.doorTs)) {
		before := r.doorState
		r.doorState = cs.Door.State
		r.doorTs = now
		if before != r.doorState {
			changes = append(changes, StateChange{DeviceID: ev.DeviceID, Kind: ChangeDoor, Before: before, After: r.doorState, Ts: now})
		}
	}

	if cs.Light != nil && (r.lightTs.IsZero() || !now.Before(r.lightTs)) {
		before := r.lightState
		r.lightState = cs.Light.State
		r.lightTs = now
		if before != r.lightState {
			changes = append(changes, StateChange{DeviceID: ev.DeviceID, Kind: ChangeLight, Before: before, After: r.lightState, Ts: now})
		}
	}

	emit := func(metric string, v *float64) {
		if v == nil {
			return
		}
		if applyMetric(r, metric, *v, now) {
			changes = append(changes, StateChange{
				DeviceID: ev.DeviceID, Kind: ChangeMetric, Metric: metric,
				Before: nil, After: MetricReading{Value: *v, Ts: now}, Ts: now,
			})
		}
	}

	if cs.Freezer != nil {
		emit("freezer.temperature_f", cs.Freezer.TemperatureF)
		if cs.Freezer.Door != "" && applyMetric(r, "freezer.door_ajar_s", float64(cs.Freezer.DoorAjarS), now) {
			changes = append(changes, StateChange{
				DeviceID: ev.DeviceID, Kind: ChangeMetric, Metric: "freezer.door_ajar_s",
				Before: nil, After: MetricReading{Value: float64(cs.Freezer.DoorAjarS), Ts: now}, Ts: now,
			})
		}
	}
	if cs.Weather != nil {
		emit("weather.temperature_f", cs.Weather.TemperatureF)
		emit("weather.pressure_inhg", cs.Weather.PressureInHg)
		emit("weather.bmp388_temperature_f", cs.Weather.Bmp388TemperatureF)
	}
	if cs.Memory != nil {
		freeV := float64(cs.Memory.Free)
		allocV := float64(cs.Memory.Allocated)
		emit("memory.free", &freeV)
		emit("memory.allocated", &allocV)
	}
	if cs.Power != nil {
		emit("power.city", ptr(powerStatusValue(cs.Power.City)))
	}

	// Always emitted, even when cs.Errors is empty: the Persistence
	// Writer's incident resolution (spec §8 scenario 5) needs to see
	// every consolidated report, including consecutive empty ones, to
	// count the two-in-a-row debounce.
	changes = append(changes, StateChange{
		DeviceID: ev.DeviceID, Kind: ChangeErrors, Before: nil, After: cs.Errors, Ts: now,
	})

	return changes
}

// dualProbeSuffixes are the standalone per-probe topics
// (codec/decoders.go's "home/freezer/temperature/+") that Open Question
// #2 resolves into a single folded "freezer.temperature_f" metric,
// last-writer-wins across whichever probe reported most recently.
var dualProbeSuffixes = [...]string{"freezer.temperature_f.main", "freezer.temperature_f.backup"}

// foldFreezerProbe mirrors a dual-probe reading into the consolidated
// "freezer.temperature_f" metric so a device that only ever publishes
// the split main/backup topics still drives the same folded reading a
// consolidated-status payload would (applyConsolidated folds
// cs.Freezer.TemperatureF the same way).
func foldFreezerProbe(r *deviceRecord, deviceID, metric string, value float64, now time.Time) []StateChange {
	isProbe := false
	for _, suffix := range dualProbeSuffixes {
		if metric == suffix {
			isProbe = true
			break
		}
	}
	if !isProbe {
		return nil
	}
	if !applyMetric(r, "freezer.temperature_f", value, now) {
		return nil
	}
	return []StateChange{{
		DeviceID: deviceID, Kind: ChangeMetric, Metric: "freezer.temperature_f",
		Before: nil, After: MetricReading{Value: value, Ts: now}, Ts: now,
	}}
}

func ptr(v float64) *float64 { return &v }

// powerStatusValue mirrors codec's own encoding so a consolidated
// status payload's power.city string ends up as the same 1/0 metric
// value as the standalone power topic.
func powerStatusValue(s string) float64 {
	if s == "online" {
		return 1
	}
	return 0
}

// applyMetric enforces the monotonic-ts-per-metric invariant: a
// reading older than the stored one is dropped; an equal ts is an
// idempotent replay (no change emitted, no error). Returns true if the
// reading was accepted and a StateChange should be emitted.
func applyMetric(r *deviceRecord, metric string, value float64, ts time.Time) bool {
	existing, ok := r.metrics[metric]
	if ok {
		if ts.Before(existing.Ts) {
			return false
		}
		if ts.Equal(existing.Ts) {
			return false
		}
	}
	r.metrics[metric] = MetricReading{Value: value, Ts: ts}
	return true
}
