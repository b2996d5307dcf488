package alerts

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rustyeddy/hearth/clock"
	"github.com/rustyeddy/hearth/state"
	"github.com/rustyeddy/hearth/store"
)

// IncidentSource supplies the open-incident half of the ActiveAlert
// set. *store.DB satisfies this.
type IncidentSource interface {
	OpenIncidents(ctx context.Context) ([]store.OpenIncident, error)
}

// Evaluator is the Alert Evaluator (C5). Evaluate is pure given its
// inputs; Run (T5) is the long-lived task that feeds it a State Store
// snapshot on each StateChange and on a 5 s tick, per spec §4.5.
type Evaluator struct {
	store     *state.Store
	incidents IncidentSource
	clk       clock.Clock

	weatherStallTimeout time.Duration

	mu           sync.Mutex
	freezerOver  map[string]int     // "device_id\x00metric" -> consecutive over-threshold readings
	freezerValue map[string]float64 // "device_id\x00metric" -> most recent reading
}

// Option configures an Evaluator at construction. Every option has a
// default matching spec §6's stated defaults, so New(s, incidents, clk)
// alone is a valid Evaluator.
type Option func(*Evaluator)

// WithWeatherStallTimeout overrides WeatherStallTimeout with a
// configured value, per spec §6's weather_stall_timeout knob. d <= 0
// leaves the default in place.
func WithWeatherStallTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.weatherStallTimeout = d
		}
	}
}

func New(s *state.Store, incidents IncidentSource, clk clock.Clock, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:               s,
		incidents:           incidents,
		clk:                 clk,
		weatherStallTimeout: WeatherStallTimeout,
		freezerOver:         make(map[string]int),
		freezerValue:        make(map[string]float64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate derives the full ActiveAlert set from the current State
// Store snapshot and open incidents. Calling it twice with no
// intervening state change (including no intervening StateChange fed
// to Run, which is what updates the freezer-consecutive counters)
// returns the same set.
func (e *Evaluator) Evaluate(ctx context.Context) ([]Alert, error) {
	snap := e.store.SnapshotAll()

	openByDevice := map[string][]string{}
	if e.incidents != nil {
		open, err := e.incidents.OpenIncidents(ctx)
		if err != nil {
			return nil, err
		}
		for _, oi := range open {
			openByDevice[oi.DeviceID] = append(openByDevice[oi.DeviceID], oi.Code)
		}
	}

	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Alert
	for deviceID, ds := range snap {
		critical, value := e.freezerCriticalLocked(deviceID)
		out = append(out, evalDevice(ds, now, critical, value, openByDevice[deviceID], e.weatherStallTimeout)...)
	}
	return out, nil
}

// freezerCriticalLocked reports whether any freezer.temperature_f*
// metric on deviceID currently has two or more consecutive
// over-threshold readings, along with the most recent triggering
// value. Caller holds e.mu.
func (e *Evaluator) freezerCriticalLocked(deviceID string) (bool, float64) {
	for k, count := range e.freezerOver {
		id, _, ok := strings.Cut(k, "\x00")
		if ok && id == deviceID && count >= 2 {
			return true, e.freezerValue[k]
		}
	}
	return false, 0
}

// observe updates the freezer-consecutive-reading bookkeeping from one
// StateChange. It is the only state Evaluate's purity claim excepts:
// DeviceState carries only the latest value per metric, so detecting
// "two consecutive messages over threshold" needs a one-reading
// rolling window fed from the change stream rather than the snapshot
// alone.
func (e *Evaluator) observe(c state.StateChange) {
	if c.Kind != state.ChangeMetric || !strings.HasPrefix(c.Metric, freezerTempMetricPrefix) {
		return
	}
	reading, ok := c.After.(state.MetricReading)
	if !ok {
		return
	}
	k := c.DeviceID + "\x00" + c.Metric

	e.mu.Lock()
	defer e.mu.Unlock()
	e.freezerValue[k] = reading.Value
	if reading.Value > FreezerTempThresholdF {
		e.freezerOver[k]++
	} else {
		e.freezerOver[k] = 0
	}
}

// Run subscribes to the State Store's change stream and re-evaluates
// on every change plus a 5 s tick (T5), logging newly-raised and
// newly-cleared alerts. It blocks until ctx is cancelled or the
// change stream closes.
func (e *Evaluator) Run(ctx context.Context) {
	changes, unsub := e.store.Subscribe(state.DefaultSubscriberBuffer)
	defer unsub()

	ticker := e.clk.NewTicker(TickInterval)
	defer ticker.Stop()

	active := map[string]Alert{}

	reevaluate := func() {
		alerts, err := e.Evaluate(ctx)
		if err != nil {
			slog.Error("alerts: evaluate failed", "err", err)
			return
		}
		next := make(map[string]Alert, len(alerts))
		for _, a := range alerts {
			k := key(a.DeviceID, a.Code)
			next[k] = a
			if _, ok := active[k]; !ok {
				slog.Warn("alerts: raised", "device_id", a.DeviceID, "code", a.Code, "message", a.Message)
			}
		}
		for k, a := range active {
			if _, ok := next[k]; !ok {
				slog.Info("alerts: cleared", "device_id", a.DeviceID, "code", a.Code)
			}
		}
		active = next
	}

	for {
		select {
		case c, ok := <-changes:
			if !ok {
				return
			}
			e.observe(c)
			reevaluate()

		case <-ticker.C():
			reevaluate()

		case <-ctx.Done():
			return
		}
	}
}
