package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/hearth/clock"
	"github.com/rustyeddy/hearth/codec"
	"github.com/rustyeddy/hearth/state"
	"github.com/rustyeddy/hearth/store"
)

type fakeIncidents struct {
	open []store.OpenIncident
	err  error
}

func (f *fakeIncidents) OpenIncidents(ctx context.Context) ([]store.OpenIncident, error) {
	return f.open, f.err
}

func newTestEvaluator(t *testing.T) (*Evaluator, *state.Store, *clock.Fake, *fakeIncidents) {
	t.Helper()
	fk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := state.New(fk)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	inc := &fakeIncidents{}
	e := New(s, inc, fk)
	return e, s, fk, inc
}

func hasAlert(alerts []Alert, deviceID string, code Code) bool {
	for _, a := range alerts {
		if a.DeviceID == deviceID && a.Code == code {
			return true
		}
	}
	return false
}

func TestFreezerTempCriticalRequiresTwoConsecutiveReadings(t *testing.T) {
	e, s, fk, _ := newTestEvaluator(t)
	ctx := context.Background()

	changes, err := s.Apply(ctx, codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "freezer-monitor", Metric: "freezer.temperature_f", Value: 15, Ts: fk.Now()})
	require.NoError(t, err)
	for _, c := range changes {
		e.observe(c)
	}

	alerts, err := e.Evaluate(ctx)
	require.NoError(t, err)
	assert.False(t, hasAlert(alerts, "freezer-monitor", CodeFreezerTempHigh), "one over-threshold reading should not yet alert")

	changes, err = s.Apply(ctx, codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "freezer-monitor", Metric: "freezer.temperature_f", Value: 16, Ts: fk.Now().Add(time.Second)})
	require.NoError(t, err)
	for _, c := range changes {
		e.observe(c)
	}

	alerts, err = e.Evaluate(ctx)
	require.NoError(t, err)
	require.True(t, hasAlert(alerts, "freezer-monitor", CodeFreezerTempHigh))
	for _, a := range alerts {
		if a.DeviceID == "freezer-monitor" && a.Code == CodeFreezerTempHigh {
			assert.Contains(t, a.Message, "16.0", "message should carry the triggering reading, not just the threshold")
		}
	}
}

func TestFreezerTempCriticalResetsOnNormalReading(t *testing.T) {
	e, s, fk, _ := newTestEvaluator(t)
	ctx := context.Background()

	for i, v := range []float64{15, 16} {
		changes, err := s.Apply(ctx, codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "freezer-monitor", Metric: "freezer.temperature_f", Value: v, Ts: fk.Now().Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		for _, c := range changes {
			e.observe(c)
		}
	}

	changes, err := s.Apply(ctx, codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "freezer-monitor", Metric: "freezer.temperature_f", Value: 2, Ts: fk.Now().Add(3 * time.Second)})
	require.NoError(t, err)
	for _, c := range changes {
		e.observe(c)
	}

	alerts, err := e.Evaluate(ctx)
	require.NoError(t, err)
	assert.False(t, hasAlert(alerts, "freezer-monitor", CodeFreezerTempHigh))
}

func TestFreezerDoorAjarAlert(t *testing.T) {
	e, s, fk, _ := newTestEvaluator(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "freezer-monitor", Metric: "freezer.door_ajar_s", Value: 301, Ts: fk.Now()})
	require.NoError(t, err)

	alerts, err := e.Evaluate(ctx)
	require.NoError(t, err)
	assert.True(t, hasAlert(alerts, "freezer-monitor", CodeFreezerDoorAjar))
}

func TestCityPowerOfflineAlert(t *testing.T) {
	e, s, fk, _ := newTestEvaluator(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "garage-controller", Metric: "power.city", Value: 0, Ts: fk.Now()})
	require.NoError(t, err)

	alerts, err := e.Evaluate(ctx)
	require.NoError(t, err)
	assert.True(t, hasAlert(alerts, "garage-controller", CodeCityPowerOffline))
}

func TestDeviceDegradedOnSos(t *testing.T) {
	e, s, fk, _ := newTestEvaluator(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindSos, DeviceID: "d1", Sos: codec.SosPayload{Error: "fault"}, Ts: fk.Now()})
	require.NoError(t, err)

	alerts, err := e.Evaluate(ctx)
	require.NoError(t, err)
	assert.True(t, hasAlert(alerts, "d1", CodeDeviceDegraded))
}

func TestDeviceDegradedOnOpenIncident(t *testing.T) {
	e, s, fk, inc := newTestEvaluator(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindStatusUpdate, DeviceID: "d1", Status: "running", Ts: fk.Now()})
	require.NoError(t, err)
	inc.open = []store.OpenIncident{{DeviceID: "d1", Code: "power_flicker", Message: "seen twice"}}

	alerts, err := e.Evaluate(ctx)
	require.NoError(t, err)
	assert.True(t, hasAlert(alerts, "d1", CodeDeviceDegraded))
}

func TestDeviceSilentAlert(t *testing.T) {
	e, s, fk, _ := newTestEvaluator(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindStatusUpdate, DeviceID: "d1", Status: "running", Ts: fk.Now()})
	require.NoError(t, err)

	fk.Advance(state.OfflineTimeout + 10*time.Second)
	alerts, err := e.Evaluate(ctx)
	require.NoError(t, err)
	assert.True(t, hasAlert(alerts, "d1", CodeDeviceSilent))
}

func TestDeviceSilentNotRaisedForUnknownDevice(t *testing.T) {
	e, _, _, _ := newTestEvaluator(t)
	ctx := context.Background()

	alerts, err := e.Evaluate(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestWeatherStuckAlertWhileOnline(t *testing.T) {
	e, s, fk, _ := newTestEvaluator(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "garage-controller", Metric: "weather.temperature_f", Value: 61, Ts: fk.Now()})
	require.NoError(t, err)

	fk.Advance(WeatherStallTimeout + time.Second)
	// A heartbeat-style message keeps the device online without
	// refreshing the weather metric itself.
	_, err = s.Apply(ctx, codec.Event{Kind: codec.KindHealth, DeviceID: "garage-controller", Status: "online", Ts: fk.Now()})
	require.NoError(t, err)

	alerts, err := e.Evaluate(ctx)
	require.NoError(t, err)
	assert.True(t, hasAlert(alerts, "garage-controller", CodeWeatherStuck))
}

func TestEvaluateIsPureGivenSameInputs(t *testing.T) {
	e, s, fk, _ := newTestEvaluator(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "garage-controller", Metric: "power.city", Value: 0, Ts: fk.Now()})
	require.NoError(t, err)

	a1, err := e.Evaluate(ctx)
	require.NoError(t, err)
	a2, err := e.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}
