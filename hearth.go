/*
Package hearth wires together a small home-automation control plane
sitting between an MQTT-speaking device fleet (a garage controller and
a freezer/house monitor) and the outside world: a web UI over REST and
WebSocket, plus a SQLite-backed history.

Messages arrive over MQTT on topics under home/..., are decoded into a
closed set of domain events, folded into an in-memory State Store, and
fanned out three ways: to connected WebSocket clients (coalesced,
bounded), to a durable SQLite store (batched, retried), and to an
alert evaluator that derives the active-incident set on demand.

The Hearth type is the Lifecycle Supervisor (C10): it owns every
component's construction and start/stop ordering so no package reaches
for a package-level singleton. Everything else in this module is
injected.
*/
package hearth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rustyeddy/hearth/alerts"
	"github.com/rustyeddy/hearth/bus"
	"github.com/rustyeddy/hearth/clock"
	"github.com/rustyeddy/hearth/codec"
	"github.com/rustyeddy/hearth/command"
	"github.com/rustyeddy/hearth/config"
	"github.com/rustyeddy/hearth/logging"
	"github.com/rustyeddy/hearth/ota"
	"github.com/rustyeddy/hearth/server"
	"github.com/rustyeddy/hearth/state"
	"github.com/rustyeddy/hearth/store"
)

// persistenceDrain and fanoutDrain bound how long Stop waits for the
// Persistence Writer and Client Fan-Out to finish in-flight work,
// per spec's shutdown ordering.
const (
	persistenceDrain = 5 * time.Second
	fanoutDrain      = 2 * time.Second
)

// Hearth owns every component in the system and the order in which
// they start and stop. Nothing below this type reaches for a
// package-level singleton; Hearth is the one place that wires
// concrete dependencies together.
type Hearth struct {
	Config config.Config

	clk clock.Clock

	db        *store.DB
	writer    *store.Writer
	registry  *codec.Registry
	deviceSt  *state.Store
	adapter   *bus.Adapter
	evaluator *alerts.Evaluator
	attempts  *ota.AttemptTracker
	orch      *ota.Orchestrator
	dispatch  *command.Dispatcher
	logSvc    *logging.Service

	srv   *server.Server
	query *server.QueryAPI
	hub   *server.Hub

	unsubPersist func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hubDone    chan struct{}
	serverDone chan any
}

// New returns an uninitialized Hearth. Call Init before Start.
func New() *Hearth {
	return &Hearth{clk: clock.Real{}}
}

// Init constructs every component in the startup order spec's
// Lifecycle Supervisor mandates (Persistence Writer, State Store,
// Codec Registry, Bus Adapter, Alert Evaluator, Query Surface and
// Client Fan-Out), but does not start any goroutines — that happens
// in Start. Init may be called at most once.
func (h *Hearth) Init(cfg config.Config) error {
	if h.ctx != nil {
		return fmt.Errorf("hearth: Init called twice")
	}
	h.Config = cfg
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.serverDone = make(chan any)

	logSvc, err := logging.NewService(logging.DefaultConfig())
	if err != nil {
		return fmt.Errorf("hearth: build logger: %w", err)
	}
	h.logSvc = logSvc

	db, err := store.Open(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("hearth: open store: %w", err)
	}
	if err := db.CheckVersion(h.ctx, "v"+Version); err != nil {
		db.Close()
		return fmt.Errorf("hearth: schema version check: %w", err)
	}
	h.db = db
	h.writer = store.NewWriter(db, h.clk, func(deviceID, code, message string) {
		slog.Error("hearth: persistence write permanently failed", "device_id", deviceID, "code", code, "message", message)
	})

	h.deviceSt = state.New(h.clk, state.WithOfflineTimeout(cfg.OfflineTimeout))

	h.registry = codec.NewRegistry()

	h.adapter = bus.New(bus.Config{
		Broker:   fmt.Sprintf("tcp://%s:%d", cfg.BusHost, cfg.BusPort),
		ClientID: cfg.BusClientID,
		Username: cfg.BusUsername,
		Password: cfg.BusPassword,
	}, h.registry, h.deviceSt, h.clk)

	h.evaluator = alerts.New(h.deviceSt, h.db, h.clk, alerts.WithWeatherStallTimeout(cfg.WeatherStallTimeout))

	devices := server.NewDeviceRegistry(h.deviceSt)
	h.attempts = ota.NewAttemptTracker()
	h.orch = ota.New(cfg.OTASourceRoot, cfg.OTARawContentURL, cfg.OTAProxyURL, devices)
	h.orch.SetAttemptTracker(h.attempts)
	h.dispatch = command.New(h.adapter, devices, h.orch, cfg.OTADefaultRef)

	h.srv = server.NewServer()
	h.srv.Addr = cfg.HTTPAddr
	h.hub = server.NewHub(h.deviceSt, h.evaluator)
	h.query = &server.QueryAPI{
		Store:        h.deviceSt,
		DB:           h.db,
		Evaluator:    h.evaluator,
		Dispatcher:   h.dispatch,
		Orchestrator: h.orch,
		DefaultRef:   cfg.OTADefaultRef,
	}
	h.query.Mount(h.srv)
	h.srv.Register("/ws", server.WServe{Hub: h.hub})
	h.srv.Register("/api/logging", h.logSvc)

	return nil
}

// Start launches every component's goroutines in the mandated order
// and returns once the first connect attempt has been dispatched. It
// does not block for the server's lifetime; call Stop to shut down.
func (h *Hearth) Start() {
	h.writer.Start(h.ctx)
	h.unsubPersist = store.BridgeFromStateChanges(h.ctx, h.deviceSt, h.writer)

	h.deviceSt.Start(h.ctx)

	h.adapter.Start(h.ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.evaluator.Run(h.ctx)
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.attempts.Run(h.ctx, h.deviceSt)
	}()

	h.hubDone = make(chan struct{})
	go func() {
		defer close(h.hubDone)
		h.hub.Run(h.ctx)
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.srv.Start(h.serverDone)
	}()

	slog.Info("hearth: started", "addr", h.srv.Addr)
}

// Stop shuts every component down in reverse startup order: Query
// Surface and Client Fan-Out (2s drain), Alert Evaluator, Bus Adapter,
// Codec Registry (nothing to stop), State Store, Persistence Writer
// (5s drain). A component that does not honor its drain window logs a
// warning, and Stop keeps waiting for it to finish.
func (h *Hearth) Stop() {
	close(h.serverDone)
	h.cancel()

	h.drain("client fan-out", fanoutDrain, func() { <-h.hubDone })

	h.wg.Wait() // evaluator, attempts tracker, server listener

	h.adapter.Stop()

	if h.unsubPersist != nil {
		h.unsubPersist()
	}
	h.deviceSt.Stop()

	h.drain("persistence writer", persistenceDrain, h.writer.Stop)

	if err := h.db.Close(); err != nil {
		slog.Error("hearth: failed to close store", "error", err)
	}

	slog.Info("hearth: stopped")
}

// drain runs stop synchronously but warns if it takes longer than
// budget (0 disables the warning, used where the component has no
// bounded drain requirement of its own).
func (h *Hearth) drain(name string, budget time.Duration, stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		stop()
	}()

	if budget <= 0 {
		<-done
		return
	}

	select {
	case <-done:
	case <-time.After(budget):
		slog.Warn("hearth: component did not drain within budget", "component", name, "budget", budget)
		<-done
	}
}
