package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/hearth/clock"
	"github.com/rustyeddy/hearth/codec"
	"github.com/rustyeddy/hearth/state"
)

func newTestStore(t *testing.T) (*state.Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := state.New(clk)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s, clk
}

func TestNewWebsock(t *testing.T) {
	ws := NewWebsock(nil)

	assert.NotNil(t, ws.Done, "Done channel should be initialized")
	assert.NotNil(t, ws.writeQ, "writeQ channel should be initialized")

	select {
	case <-ws.Done:
		t.Error("Done channel should not be closed initially")
	default:
	}
}

func TestWebsockGetWriteQ(t *testing.T) {
	ws := NewWebsock(nil)
	wq := ws.GetWriteQ()
	require.NotNil(t, wq)

	ev := wsEvent{Type: "door", Data: "open"}
	require.True(t, ws.enqueue(ev))

	select {
	case got := <-wq:
		assert.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("expected to read the enqueued event")
	}
}

func TestWebsockEnqueueReportsOverflow(t *testing.T) {
	ws := NewWebsock(nil)
	for i := 0; i < wsQueueSize; i++ {
		require.True(t, ws.enqueue(wsEvent{Type: "door"}))
	}
	assert.False(t, ws.enqueue(wsEvent{Type: "door"}), "queue is full, enqueue should report overflow")
}

func TestCheckOriginAlwaysTrue(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "http://example.com")
	assert.True(t, checkOrigin(req))

	assert.NotPanics(t, func() {
		assert.True(t, checkOrigin(nil))
	})
}

func TestUpgraderConfiguration(t *testing.T) {
	assert.Equal(t, 1024, upgrader.ReadBufferSize)
	assert.Equal(t, 1024, upgrader.WriteBufferSize)
	require.NotNil(t, upgrader.CheckOrigin)
}

func TestWServeRejectsNonWebsocketRequest(t *testing.T) {
	ws := WServe{}

	req := httptest.NewRequest("GET", "/ws", nil)
	w := httptest.NewRecorder()
	ws.ServeHTTP(w, req)

	assert.Equal(t, 400, w.Code, "a plain HTTP request should fail the upgrade")
}

func TestTopicGroupMapping(t *testing.T) {
	cases := []struct {
		name  string
		c     state.StateChange
		group string
		ok    bool
	}{
		{"garage door", state.StateChange{DeviceID: codec.DeviceGarageController, Kind: state.ChangeDoor}, "door", true},
		{"freezer door", state.StateChange{DeviceID: codec.DeviceFreezerMonitor, Kind: state.ChangeDoor}, "freezer", true},
		{"light", state.StateChange{DeviceID: codec.DeviceGarageController, Kind: state.ChangeLight}, "light", true},
		{"weather metric", state.StateChange{DeviceID: codec.DeviceGarageController, Kind: state.ChangeMetric, Metric: "weather.temperature_f"}, "weather", true},
		{"freezer metric", state.StateChange{DeviceID: codec.DeviceFreezerMonitor, Kind: state.ChangeMetric, Metric: "freezer.temperature_f"}, "freezer", true},
		{"status on freezer monitor", state.StateChange{DeviceID: codec.DeviceFreezerMonitor, Kind: state.ChangeStatus}, "house-monitor", true},
		{"status on garage controller", state.StateChange{DeviceID: codec.DeviceGarageController, Kind: state.ChangeStatus}, "garage-controller", true},
		{"unmapped kind", state.StateChange{DeviceID: codec.DeviceGarageController, Kind: state.ChangeKind("bogus")}, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			group, ok := topicGroup(tc.c)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.group, group)
		})
	}
}

func TestHubRegisterSendsSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	hub := NewHub(s, nil)

	ws := hub.register(nil)
	t.Cleanup(func() { hub.unregister(ws) })

	assert.Equal(t, 1, hub.ClientCount())

	select {
	case ev := <-ws.GetWriteQ():
		assert.Equal(t, "snapshot", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot event on register")
	}
}

func TestHubBroadcastCoalescesWithinWindow(t *testing.T) {
	s, _ := newTestStore(t)
	hub := NewHub(s, nil)

	ws := hub.register(nil)
	t.Cleanup(func() { hub.unregister(ws) })
	<-ws.GetWriteQ() // drain the initial snapshot

	for i := 0; i < 5; i++ {
		hub.onChange(state.StateChange{DeviceID: codec.DeviceGarageController, Kind: state.ChangeDoor})
	}

	select {
	case ev := <-ws.GetWriteQ():
		assert.Equal(t, "door", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a coalesced door event")
	}

	select {
	case ev := <-ws.GetWriteQ():
		t.Fatalf("expected only one coalesced event, got a second: %+v", ev)
	case <-time.After(150 * time.Millisecond):
		// expected: the five changes collapsed into a single broadcast
	}
}

func TestHubBroadcastClosesSlowConsumer(t *testing.T) {
	s, _ := newTestStore(t)
	hub := NewHub(s, nil)

	ws := hub.register(nil)
	<-ws.GetWriteQ() // drain the initial snapshot

	for i := 0; i < wsQueueSize; i++ {
		require.True(t, ws.enqueue(wsEvent{Type: "door"}))
	}

	hub.broadcast(wsEvent{Type: "door"})

	select {
	case <-ws.Done:
		// expected: overflow closes the client
	case <-time.After(time.Second):
		t.Fatal("expected the slow consumer to be closed")
	}
	assert.Equal(t, 0, hub.ClientCount())
}

func TestWebSocketMessageJSON(t *testing.T) {
	ev := wsEvent{Type: "weather", Data: map[string]float64{"temperature_f": 68.5}}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.True(t, json.Valid(b))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "weather", decoded["type"])
	assert.Contains(t, decoded, "data")
}

func TestWebsockConcurrentCreation(t *testing.T) {
	const n = 10
	done := make(chan *Websock, n)
	for i := 0; i < n; i++ {
		go func() { done <- NewWebsock(nil) }()
	}
	for i := 0; i < n; i++ {
		ws := <-done
		assert.NotNil(t, ws.Done)
		assert.NotNil(t, ws.writeQ)
	}
}
