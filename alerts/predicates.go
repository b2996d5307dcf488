package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/hearth/state"
)

// freezerTempMetricPrefix matches both the single consolidated
// "freezer.temperature_f" metric and the standalone dual-probe
// "freezer.temperature_f.main"/".backup" metrics (codec/decoders.go).
const freezerTempMetricPrefix = "freezer.temperature_f"

// weatherMetricPrefix matches every weather.* metric codec decodes.
const weatherMetricPrefix = "weather."

// evalDevice derives the alert set for one device from its current
// snapshot plus four pieces of information a single-valued snapshot
// cannot express on its own: freezerCritical (whether a
// freezer.temperature_f* reading has now exceeded threshold in two
// consecutive messages, tracked by the Evaluator from the StateChange
// stream — see evaluator.go), freezerValue (the most recent triggering
// reading, for the alert message), openCodes (incident codes open for
// this device, supplied by the Persistence Writer), and
// weatherStallTimeout (the Evaluator's configured §6 knob). Every other
// predicate is a pure function of ds and now alone.
func evalDevice(ds state.DeviceState, now time.Time, freezerCritical bool, freezerValue float64, openCodes []string, weatherStallTimeout time.Duration) []Alert {
	var out []Alert

	if freezerCritical {
		out = append(out, Alert{
			DeviceID: ds.DeviceID,
			Code:     CodeFreezerTempHigh,
			Message:  fmt.Sprintf("freezer temperature %.1f°F for two consecutive readings", freezerValue),
			LastSeen: now,
		})
	}

	if ajar, ok := ds.Metrics["freezer.door_ajar_s"]; ok && ajar.Value > FreezerDoorAjarS {
		out = append(out, Alert{
			DeviceID: ds.DeviceID,
			Code:     CodeFreezerDoorAjar,
			Message:  fmt.Sprintf("freezer door open for %.0fs", ajar.Value),
			LastSeen: ajar.Ts,
		})
	}

	// power.city is encoded 1=online/0=offline by codec.powerStatusValue
	// and state.powerStatusValue. Checking the current value is
	// sufficient for "edge-triggered; surfaces immediately": the alert
	// is present for as long as the snapshot reads offline, and the
	// evaluator's own StateChange-triggered re-evaluation is what makes
	// it surface without waiting for the next tick.
	if power, ok := ds.Metrics["power.city"]; ok && power.Value == 0 {
		out = append(out, Alert{
			DeviceID: ds.DeviceID,
			Code:     CodeCityPowerOffline,
			Message:  "city power reporting offline",
			LastSeen: power.Ts,
		})
	}

	if ds.Status == state.StatusNeedsHelp || len(openCodes) > 0 {
		msg := "device status is needs_help"
		if len(openCodes) > 0 {
			msg = "open incident(s): " + strings.Join(openCodes, ", ")
		}
		out = append(out, Alert{
			DeviceID: ds.DeviceID,
			Code:     CodeDeviceDegraded,
			Message:  msg,
			LastSeen: now,
		})
	}

	// A device that has never been seen has a zero LastSeen and no
	// status beyond unknown; only a device the automaton has already
	// moved past "unknown" can be "previously online" in any sense.
	if ds.Status != state.StatusUnknown && !ds.LastSeen.IsZero() && now.Sub(ds.LastSeen) > DeviceSilentTimeout {
		out = append(out, Alert{
			DeviceID: ds.DeviceID,
			Code:     CodeDeviceSilent,
			Message:  fmt.Sprintf("no message received in %s", now.Sub(ds.LastSeen).Round(time.Second)),
			LastSeen: ds.LastSeen,
		})
	}

	if ds.Status == state.StatusOnline {
		var newest state.MetricReading
		var found bool
		for metric, reading := range ds.Metrics {
			if !strings.HasPrefix(metric, weatherMetricPrefix) {
				continue
			}
			if !found || reading.Ts.After(newest.Ts) {
				newest = reading
				found = true
			}
		}
		if found && now.Sub(newest.Ts) > weatherStallTimeout {
			out = append(out, Alert{
				DeviceID: ds.DeviceID,
				Code:     CodeWeatherStuck,
				Message:  fmt.Sprintf("no new weather reading in %s", now.Sub(newest.Ts).Round(time.Second)),
				LastSeen: newest.Ts,
			})
		}
	}

	return out
}
