package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/hearth/clock"
	"github.com/rustyeddy/hearth/codec"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	fk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(fk)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s, fk
}

func TestApplyTelemetryReadingUpdatesSnapshot(t *testing.T) {
	s, fk := newTestStore(t)
	ctx := context.Background()

	ev := codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "garage-controller", Metric: "weather.temperature_f", Value: 61.5, Ts: fk.Now()}
	changes, err := s.Apply(ctx, ev)
	require.NoError(t, err)
	require.Len(t, changes, 2) // metric + status->online

	ds, ok := s.SnapshotDevice("garage-controller")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, ds.Status)
	assert.Equal(t, 61.5, ds.Metrics["weather.temperature_f"].Value)
}

func TestApplyRejectsOutOfOrderReading(t *testing.T) {
	s, fk := newTestStore(t)
	ctx := context.Background()

	t1 := fk.Now()
	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "d1", Metric: "m", Value: 1, Ts: t1})
	require.NoError(t, err)

	older := t1.Add(-time.Second)
	changes, err := s.Apply(ctx, codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "d1", Metric: "m", Value: 99, Ts: older})
	require.NoError(t, err)
	assert.Empty(t, changes)

	ds, _ := s.SnapshotDevice("d1")
	assert.Equal(t, float64(1), ds.Metrics["m"].Value)
}

func TestApplySameTimestampIsIdempotent(t *testing.T) {
	s, fk := newTestStore(t)
	ctx := context.Background()
	ts := fk.Now()

	ev := codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "d1", Metric: "m", Value: 5, Ts: ts}
	_, err := s.Apply(ctx, ev)
	require.NoError(t, err)

	changes, err := s.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestSosTransitionsToNeedsHelpAndSticks(t *testing.T) {
	s, fk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindSos, DeviceID: "house-monitor", Ts: fk.Now(), Sos: codec.SosPayload{Error: "ds18b20_read_error"}})
	require.NoError(t, err)

	ds, _ := s.SnapshotDevice("house-monitor")
	assert.Equal(t, StatusNeedsHelp, ds.Status)

	// A subsequent ordinary telemetry reading must not clear needs_help.
	_, err = s.Apply(ctx, codec.Event{Kind: codec.KindTelemetryReading, DeviceID: "house-monitor", Metric: "m", Value: 1, Ts: fk.Now().Add(time.Second)})
	require.NoError(t, err)

	ds, _ = s.SnapshotDevice("house-monitor")
	assert.Equal(t, StatusNeedsHelp, ds.Status)
}

func TestUpdatingRequiresConfirmingMessageToReturnOnline(t *testing.T) {
	s, fk := newTestStore(t)
	ctx := context.Background()
	base := fk.Now()

	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindStatusUpdate, DeviceID: "d1", Status: "update_received", Ts: base})
	require.NoError(t, err)
	ds, _ := s.SnapshotDevice("d1")
	assert.Equal(t, StatusUpdating, ds.Status)

	_, err = s.Apply(ctx, codec.Event{Kind: codec.KindStatusUpdate, DeviceID: "d1", Status: "updated", Ts: base.Add(time.Second)})
	require.NoError(t, err)
	ds, _ = s.SnapshotDevice("d1")
	assert.Equal(t, StatusUpdating, ds.Status, "updated alone must not flip to online")

	_, err = s.Apply(ctx, codec.Event{Kind: codec.KindHealth, DeviceID: "d1", Status: "online", Ts: base.Add(2 * time.Second)})
	require.NoError(t, err)
	ds, _ = s.SnapshotDevice("d1")
	assert.Equal(t, StatusOnline, ds.Status, "a confirming message after updated must flip to online")
}

func TestLWTOfflineTransitionsOffline(t *testing.T) {
	s, fk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindStatusUpdate, DeviceID: "d1", Status: "running", Ts: fk.Now()})
	require.NoError(t, err)
	ds, _ := s.SnapshotDevice("d1")
	assert.Equal(t, StatusOnline, ds.Status)

	_, err = s.Apply(ctx, codec.Event{Kind: codec.KindStatusUpdate, DeviceID: "d1", Status: "offline", Ts: fk.Now().Add(time.Second)})
	require.NoError(t, err)
	ds, _ = s.SnapshotDevice("d1")
	assert.Equal(t, StatusOffline, ds.Status)
}

func TestSweeperTakesDeviceOfflineAfterSilence(t *testing.T) {
	s, fk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, codec.Event{Kind: codec.KindHealth, DeviceID: "d1", Status: "online", Ts: fk.Now()})
	require.NoError(t, err)

	ch, unsub := s.Subscribe(DefaultSubscriberBuffer)
	defer unsub()

	fk.Advance(OfflineTimeout + SweepInterval)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-ch:
			if c.Kind == ChangeStatus && c.After == StatusOffline {
				ds, _ := s.SnapshotDevice("d1")
				assert.Equal(t, StatusOffline, ds.Status)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for sweeper to mark device offline")
		}
	}
}

func TestSubscribeDropsOldestWhenSubscriberLags(t *testing.T) {
	s, fk := newTestStore(t)
	ctx := context.Background()
	const bufSize = 32
	ch, unsub := s.Subscribe(bufSize)
	defer unsub()

	// Flood more events than the subscriber buffer without draining.
	for i := 0; i < bufSize+10; i++ {
		_, err := s.Apply(ctx, codec.Event{
			Kind: codec.KindTelemetryReading, DeviceID: "d1", Metric: "m",
			Value: float64(i), Ts: fk.Now().Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, len(ch), bufSize)
}
