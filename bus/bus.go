// Package bus implements the Bus Adapter (C4): the sole owner of the
// MQTT connection. It reconnects with exponential backoff, subscribes
// the Codec Registry's full topic set, decodes inbound traffic into
// the State Store, and serializes outbound publishes through a single
// bounded queue to preserve per-client ordering.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/rustyeddy/hearth/clock"
	"github.com/rustyeddy/hearth/codec"
	"github.com/rustyeddy/hearth/state"
)

const (
	inboundSoftCap    = 4096
	inboundBlockLimit = 100 * time.Millisecond

	OutboundCapacity = 1024

	reconnectInitial = 200 * time.Millisecond
	reconnectCap     = 30 * time.Second
)

// Config carries the connection parameters for the bus.
type Config struct {
	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	Username string
	Password string
}

type rawMessage struct {
	topic   string
	payload []byte
}

type outboundMsg struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Adapter is the Bus Adapter (C4).
type Adapter struct {
	cfg      Config
	clk      clock.Clock
	registry *codec.Registry
	store    *state.Store

	newClient func(opts *paho.ClientOptions) paho.Client

	connMu sync.Mutex
	client paho.Client
	lost   chan struct{}

	inCh  chan rawMessage
	outCh chan outboundMsg

	connected       atomic.Bool
	droppedInbound  atomic.Int64
	droppedOutbound atomic.Int64
	decodeErrors    atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns an Adapter. Call Start to connect and begin pumping
// messages.
func New(cfg Config, registry *codec.Registry, store *state.Store, clk clock.Clock) *Adapter {
	return &Adapter{
		cfg:       cfg,
		clk:       clk,
		registry:  registry,
		store:     store,
		newClient: paho.NewClient,
		inCh:      make(chan rawMessage, inboundSoftCap),
		outCh:     make(chan outboundMsg, OutboundCapacity),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the connect-with-backoff loop (T1/T2 supervisor), the
// inbound decode/apply loop (T1 continuation), and the outbound send
// loop (T2). It returns once the first connect attempt has been
// dispatched; connection itself proceeds in the background.
func (a *Adapter) Start(ctx context.Context) {
	a.wg.Add(3)
	go a.connectLoop(ctx)
	go a.inboundLoop(ctx)
	go a.outboundLoop(ctx)
}

// Stop disconnects and halts all adapter goroutines.
func (a *Adapter) Stop() {
	close(a.stopCh)
	a.connMu.Lock()
	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect(250)
	}
	a.connMu.Unlock()
	a.wg.Wait()
}

// Connected reports whether the adapter currently holds a live
// connection to the broker.
func (a *Adapter) Connected() bool { return a.connected.Load() }

// QueueFull reports whether the outbound queue is at OutboundCapacity.
// The Command Dispatcher uses this, not Connected, to decide whether a
// publish should be refused: a disconnected adapter still accepts
// publishes into the queue and drains (dropping, if still
// disconnected) them from the other end, so disconnection alone is not
// reason to refuse.
func (a *Adapter) QueueFull() bool { return len(a.outCh) == cap(a.outCh) }

// DroppedOutbound returns the running count of outbound publishes
// dropped because the 1024-deep outbound queue was full.
func (a *Adapter) DroppedOutbound() int64 { return a.droppedOutbound.Load() }

// DroppedInbound returns the running count of inbound messages dropped
// because the inbound soft-cap queue could not accept them within the
// block window.
func (a *Adapter) DroppedInbound() int64 { return a.droppedInbound.Load() }

// DecodeErrors returns the running count of malformed/unexpected
// payloads encountered.
func (a *Adapter) DecodeErrors() int64 { return a.decodeErrors.Load() }

// Publish enqueues an outbound publish. The outbound queue is bounded
// at OutboundCapacity; when full, the oldest queued publish is dropped
// (counted) to make room, per spec's outbound backpressure policy.
func (a *Adapter) Publish(topic string, payload []byte) {
	a.enqueueOutbound(outboundMsg{topic: topic, payload: payload, qos: 0, retain: false})
}

func (a *Adapter) enqueueOutbound(m outboundMsg) {
	select {
	case a.outCh <- m:
		return
	default:
	}
	select {
	case <-a.outCh:
		a.droppedOutbound.Add(1)
	default:
	}
	select {
	case a.outCh <- m:
	default:
		a.droppedOutbound.Add(1)
	}
}

func (a *Adapter) outboundLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case m := <-a.outCh:
			a.connMu.Lock()
			c := a.client
			a.connMu.Unlock()
			if c == nil || !c.IsConnected() {
				slog.Warn("bus: dropping publish, not connected", "topic", m.topic)
				a.droppedOutbound.Add(1)
				continue
			}
			tok := c.Publish(m.topic, m.qos, m.retain, m.payload)
			if !tok.WaitTimeout(5 * time.Second) {
				slog.Error("bus: publish timeout", "topic", m.topic)
			} else if tok.Error() != nil {
				slog.Error("bus: publish failed", "topic", m.topic, "error", tok.Error())
			}
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) inboundLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case raw := <-a.inCh:
			a.dispatch(ctx, raw)
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, raw rawMessage) {
	ev, err := a.registry.Decode(raw.topic, raw.payload)
	if err != nil {
		a.decodeErrors.Add(1)
		slog.Warn("bus: decode error", "topic", raw.topic, "error", err)
		return
	}
	if ev == nil {
		return
	}
	if _, err := a.store.Apply(ctx, *ev); err != nil {
		slog.Error("bus: state store apply failed", "topic", raw.topic, "error", err)
	}
}

// onMessage is the Paho subscribe callback. It must not block the
// Paho receive goroutine for long: it tries a direct send, then waits
// up to inboundBlockLimit, then falls back to dropping the oldest
// queued message to make room. Because decode has not happened yet at
// this layer, the drop-oldest fallback evicts whatever message is
// oldest in the queue rather than preferring to keep status/incident
// traffic — a documented simplification (see DESIGN.md).
func (a *Adapter) onMessage(topic string, payload []byte) {
	raw := rawMessage{topic: topic, payload: payload}
	select {
	case a.inCh <- raw:
		return
	default:
	}

	select {
	case a.inCh <- raw:
	case <-a.clk.After(inboundBlockLimit):
		select {
		case <-a.inCh:
			a.droppedInbound.Add(1)
		default:
		}
		select {
		case a.inCh <- raw:
		default:
			a.droppedInbound.Add(1)
		}
	}
}
