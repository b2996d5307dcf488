package bus

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// connectLoop owns the connection lifecycle: it dials with exponential
// backoff (200ms -> 30s cap), and on every successful connect
// re-subscribes the full registered topic set, since Paho sessions are
// not assumed to survive a reconnect. A failed dial never tears down
// the rest of the server; this loop keeps redialing until the adapter
// is stopped or ctx is cancelled.
func (a *Adapter) connectLoop(ctx context.Context) {
	defer a.wg.Done()

	backoff := reconnectInitial
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := a.connectOnce(ctx); err != nil {
			slog.Warn("bus: connect failed, backing off", "error", err, "backoff", backoff)
			select {
			case <-a.clk.After(backoff):
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
			continue
		}

		backoff = reconnectInitial
		a.connected.Store(true)

		// Block here until the connection drops, then loop back to
		// redial. onConnectionLost below is what unblocks this select.
		select {
		case <-a.disconnected():
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
		a.connected.Store(false)
	}
}

func (a *Adapter) connectOnce(ctx context.Context) error {
	id := a.cfg.ClientID
	if id == "" {
		id = "hearth-" + randSuffix()
	}

	lost := make(chan struct{}, 1)

	opts := paho.NewClientOptions().
		AddBroker(a.cfg.Broker).
		SetClientID(id).
		SetUsername(a.cfg.Username).
		SetPassword(a.cfg.Password).
		SetAutoReconnect(false). // we own reconnect/backoff ourselves
		SetConnectTimeout(10 * time.Second).
		SetCleanSession(true)

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Info("bus: disconnected", "error", err)
		select {
		case lost <- struct{}{}:
		default:
		}
	})

	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		a.onMessage(msg.Topic(), msg.Payload())
	})

	c := a.newClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(15 * time.Second) {
		return errTimeout("connect")
	}
	if tok.Error() != nil {
		return tok.Error()
	}

	for _, pattern := range a.registry.Patterns() {
		subTok := c.Subscribe(pattern, 1, nil)
		if !subTok.WaitTimeout(10 * time.Second) {
			c.Disconnect(0)
			return errTimeout("subscribe " + pattern)
		}
		if subTok.Error() != nil {
			c.Disconnect(0)
			return subTok.Error()
		}
	}

	a.connMu.Lock()
	a.client = c
	a.lost = lost
	a.connMu.Unlock()

	slog.Info("bus: connected", "broker", a.cfg.Broker, "topics", len(a.registry.Patterns()))
	return nil
}

func (a *Adapter) disconnected() <-chan struct{} {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.lost
}

type errTimeout string

func (e errTimeout) Error() string { return "bus: timeout waiting for " + string(e) }

func randSuffix() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
