package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rustyeddy/hearth/alerts"
	"github.com/rustyeddy/hearth/codec"
	"github.com/rustyeddy/hearth/state"
)

const (
	wsQueueSize      = 64
	wsCoalesceWindow = 100 * time.Millisecond
	wsPingPeriod     = 30 * time.Second
	wsMaxMissedPings = 2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts every origin. The fan-out channel carries no
// per-user authentication of its own (end-user auth is out of scope,
// spec §1); it is expected to sit behind a reverse proxy that enforces
// network-level access.
func checkOrigin(r *http.Request) bool { return true }

// wsEvent is one message sent to a connected client, tagged per spec's
// message catalog: snapshot, door, light, weather, freezer,
// house-monitor, garage-controller, alerts, pong.
type wsEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// snapshotPayload is the full-state event sent once on connect.
type snapshotPayload struct {
	Devices map[string]state.DeviceState `json:"devices"`
	Alerts  []alerts.Alert               `json:"alerts"`
}

// Websock wraps one client connection. A dedicated writer goroutine
// drains writeQ so a slow client never blocks the Hub's broadcast; a
// dedicated reader goroutine watches for client-sent messages and
// connection close. Done is closed exactly once, by whichever side
// notices the connection is finished.
type Websock struct {
	ID   string
	Conn *websocket.Conn

	Done   chan struct{}
	writeQ chan wsEvent

	closeOnce sync.Once
}

func NewWebsock(conn *websocket.Conn) *Websock {
	return &Websock{
		ID:     uuid.NewString(),
		Conn:   conn,
		Done:   make(chan struct{}),
		writeQ: make(chan wsEvent, wsQueueSize),
	}
}

func (w *Websock) GetWriteQ() chan wsEvent { return w.writeQ }

func (w *Websock) close() {
	w.closeOnce.Do(func() {
		close(w.Done)
		if w.Conn != nil {
			w.Conn.Close()
		}
	})
}

// enqueue attempts a non-blocking send. It reports false when the
// bounded queue is full, which the Hub treats as a slow-consumer
// overflow.
func (w *Websock) enqueue(ev wsEvent) bool {
	select {
	case w.writeQ <- ev:
		return true
	default:
		return false
	}
}

// WServe upgrades incoming requests to WebSocket connections and
// registers them with Hub.
type WServe struct {
	Hub *Hub
}

func (ws WServe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("server: websocket upgrade failed", "error", err)
		return
	}
	if ws.Hub != nil {
		ws.Hub.register(conn)
	}
}

// Hub implements the Client Fan-Out (C9): it pushes StateChange events
// to every connected client, coalesced per (device_id, topic-group)
// within a 100 ms window, and enforces each client's bounded queue.
type Hub struct {
	store     *state.Store
	evaluator *alerts.Evaluator

	mu       sync.Mutex
	clients  map[*Websock]struct{}
	pending  map[string]*time.Timer
	builders map[string]func() wsEvent
}

func NewHub(s *state.Store, ev *alerts.Evaluator) *Hub {
	return &Hub{
		store:     s,
		evaluator: ev,
		clients:   make(map[*Websock]struct{}),
		pending:   make(map[string]*time.Timer),
		builders:  make(map[string]func() wsEvent),
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// register adds conn as a tracked client, sends it an immediate
// snapshot, and, for a non-nil conn, starts its reader/writer
// goroutines. With a nil conn no goroutines start: the client stays
// registered and its queued events stay in writeQ.
func (h *Hub) register(conn *websocket.Conn) *Websock {
	ws := NewWebsock(conn)

	h.mu.Lock()
	h.clients[ws] = struct{}{}
	h.mu.Unlock()

	ws.enqueue(h.snapshotEvent())

	if conn != nil {
		go h.writeLoop(ws)
		go h.readLoop(ws)
	}
	return ws
}

func (h *Hub) unregister(ws *Websock) {
	h.mu.Lock()
	_, ok := h.clients[ws]
	delete(h.clients, ws)
	h.mu.Unlock()
	if ok {
		ws.close()
	}
}

func (h *Hub) snapshotEvent() wsEvent {
	payload := snapshotPayload{Devices: h.store.SnapshotAll()}
	if h.evaluator != nil {
		if active, err := h.evaluator.Evaluate(context.Background()); err == nil {
			payload.Alerts = active
		}
	}
	return wsEvent{Type: "snapshot", Data: payload}
}

// writeLoop owns the connection's write side (gorilla/websocket
// forbids concurrent writers) and the 30 s ping heartbeat (T7).
func (h *Hub) writeLoop(ws *Websock) {
	defer h.unregister(ws)

	pingTicker := time.NewTicker(wsPingPeriod)
	defer pingTicker.Stop()

	missed := 0
	if ws.Conn != nil {
		ws.Conn.SetPongHandler(func(string) error { missed = 0; return nil })
	}

	for {
		select {
		case ev, ok := <-ws.writeQ:
			if !ok {
				return
			}
			if ws.Conn == nil {
				continue
			}
			if err := ws.Conn.WriteJSON(ev); err != nil {
				return
			}

		case <-pingTicker.C:
			if missed >= wsMaxMissedPings {
				return
			}
			missed++
			if ws.Conn != nil {
				if err := ws.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}

		case <-ws.Done:
			return
		}
	}
}

// readLoop watches for client-sent application-level messages; the
// only one the contract defines is `{"type": "ping"}`, answered with a
// `pong` event. Any other type, or malformed JSON, is ignored per
// spec §6.
func (h *Hub) readLoop(ws *Websock) {
	defer h.unregister(ws)
	if ws.Conn == nil {
		return
	}
	for {
		_, data, err := ws.Conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if !ws.enqueue(wsEvent{Type: "pong"}) {
				return
			}
		}
	}
}

// Run subscribes to the State Store's change stream and schedules a
// coalesced broadcast for every StateChange that maps to a
// topic-group. It blocks until ctx is cancelled or the change stream
// closes.
func (h *Hub) Run(ctx context.Context) {
	changes, unsub := h.store.Subscribe(state.DefaultSubscriberBuffer)
	defer unsub()

	for {
		select {
		case c, ok := <-changes:
			if !ok {
				return
			}
			h.onChange(c)

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) onChange(c state.StateChange) {
	if group, ok := topicGroup(c); ok {
		deviceID := c.DeviceID
		h.scheduleCoalesced(deviceID+"\x00"+group, func() wsEvent {
			ds, _ := h.store.SnapshotDevice(deviceID)
			return wsEvent{Type: group, Data: map[string]any{"device_id": deviceID, "state": ds}}
		})
	}

	if h.evaluator != nil {
		h.scheduleCoalesced("*\x00alerts", func() wsEvent {
			active, err := h.evaluator.Evaluate(context.Background())
			if err != nil {
				active = nil
			}
			return wsEvent{Type: "alerts", Data: active}
		})
	}
}

// scheduleCoalesced arms a one-shot wsCoalesceWindow timer the first
// time key is seen; subsequent calls within the window only replace
// the builder that will run when the timer fires, so repeated changes
// to the same (device_id, topic-group) collapse into a single
// broadcast of the last value.
func (h *Hub) scheduleCoalesced(key string, build func() wsEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.builders[key] = build
	if _, armed := h.pending[key]; armed {
		return
	}

	h.pending[key] = time.AfterFunc(wsCoalesceWindow, func() {
		h.mu.Lock()
		b := h.builders[key]
		delete(h.pending, key)
		delete(h.builders, key)
		h.mu.Unlock()
		if b != nil {
			h.broadcast(b())
		}
	})
}

func (h *Hub) broadcast(ev wsEvent) {
	h.mu.Lock()
	clients := make([]*Websock, 0, len(h.clients))
	for ws := range h.clients {
		clients = append(clients, ws)
	}
	h.mu.Unlock()

	for _, ws := range clients {
		if !ws.enqueue(ev) {
			slog.Warn("server: closing slow-consumer client", "client_id", ws.ID, "type", ev.Type)
			h.unregister(ws)
		}
	}
}

// topicGroup maps a StateChange to one of the fan-out message types.
// Door/light/weather/freezer are domain-scoped; everything else
// (status, health, version, boot, sos) is scoped to the device that
// produced it.
func topicGroup(c state.StateChange) (string, bool) {
	switch c.Kind {
	case state.ChangeDoor:
		if c.DeviceID == codec.DeviceFreezerMonitor {
			return "freezer", true
		}
		return "door", true

	case state.ChangeLight:
		return "light", true

	case state.ChangeMetric:
		switch {
		case strings.HasPrefix(c.Metric, "weather."):
			return "weather", true
		case strings.HasPrefix(c.Metric, "freezer."):
			return "freezer", true
		default:
			return deviceTopicGroup(c.DeviceID), true
		}

	case state.ChangeStatus, state.ChangeHealth, state.ChangeVersion, state.ChangeBoot, state.ChangeSos:
		return deviceTopicGroup(c.DeviceID), true

	default:
		return "", false
	}
}

// deviceTopicGroup assigns device-scoped changes to one of the two
// named device groups in spec's message catalog. This installation
// has exactly two physical nodes, the freezer monitor and the garage
// controller (see codec.DeviceFreezerMonitor/DeviceGarageController);
// any other device_id (a home/system/+/... wildcard device) is
// bucketed with the garage controller, the catch-all node in this
// topology.
func deviceTopicGroup(deviceID string) string {
	if deviceID == codec.DeviceFreezerMonitor {
		return "house-monitor"
	}
	return "garage-controller"
}
