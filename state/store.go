package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rustyeddy/hearth/clock"
	"github.com/rustyeddy/hearth/codec"
)

// OfflineTimeout is the default health-silence window after which an
// online device is swept to offline. Spec requires the sweeper run at
// <= 1 Hz; SweepInterval below satisfies that.
const (
	OfflineTimeout = 90 * time.Second
	SweepInterval  = 5 * time.Second

	// DefaultSubscriberBuffer is used by callers that don't need a
	// specific depth. Consumers with their own bound from spec's
	// backpressure table (Persistence Writer: 4096, per-client
	// fan-out: 64) pass it explicitly to Subscribe.
	DefaultSubscriberBuffer = 256
)

// Store is the State Store (C2): the sole authoritative in-memory
// snapshot of device state. Apply is serialized through a single
// internal writer goroutine; SnapshotDevice/SnapshotAll/Subscribe never
// block the writer.
type Store struct {
	clk            clock.Clock
	offlineTimeout time.Duration
	sweepInterval  time.Duration

	reqCh chan applyRequest

	subMu sync.Mutex
	subs  map[int]chan StateChange
	nextSub int

	snapshot atomic.Pointer[map[string]DeviceState]

	records map[string]*deviceRecord // writer-goroutine-owned only

	wg     sync.WaitGroup
	stopCh chan struct{}
}

type applyRequest struct {
	event codec.Event
	reply chan []StateChange
}

// Option configures a Store at construction. Every option has a
// default matching spec §6's stated defaults, so New(clk) alone is a
// valid Store.
type Option func(*Store)

// WithOfflineTimeout overrides OfflineTimeout with a configured value,
// per spec §6's offline_timeout knob. d <= 0 leaves the default in place.
func WithOfflineTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.offlineTimeout = d
		}
	}
}

// New returns a Store using clk for time. Call Start before calling
// Apply.
func New(clk clock.Clock, opts ...Option) *Store {
	s := &Store{
		clk:            clk,
		offlineTimeout: OfflineTimeout,
		sweepInterval:  SweepInterval,
		reqCh:          make(chan applyRequest),
		subs:           make(map[int]chan StateChange),
		records:        make(map[string]*deviceRecord),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	empty := map[string]DeviceState{}
	s.snapshot.Store(&empty)
	return s
}

// Start launches the writer goroutine (T3) and the offline sweeper
// (T6). It returns immediately; Stop shuts both down.
func (s *Store) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop shuts down the writer goroutine and sweeper, closing all
// subscriber channels.
func (s *Store) Stop() {
	close(s.stopCh)
	s.wg.Wait()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Store) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clk.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-s.reqCh:
			changes := s.applyLocked(req.event)
			req.reply <- changes
			s.publish(changes)
			s.refreshSnapshot()

		case <-ticker.C():
			changes := s.sweepLocked()
			if len(changes) > 0 {
				s.publish(changes)
				s.refreshSnapshot()
			}

		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Apply hands an event to the writer goroutine and waits for the
// resulting change set. Safe to call from any number of goroutines;
// the writer itself processes one request at a time.
func (s *Store) Apply(ctx context.Context, ev codec.Event) ([]StateChange, error) {
	reply := make(chan []StateChange, 1)
	select {
	case s.reqCh <- applyRequest{event: ev, reply: reply}:
	case <-s.stopCh:
		return nil, fmt.Errorf("state: store stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case changes := <-reply:
		return changes, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SnapshotDevice returns a copy of one device's state. ok is false if
// the device has never been seen.
func (s *Store) SnapshotDevice(deviceID string) (DeviceState, bool) {
	m := *s.snapshot.Load()
	ds, ok := m[deviceID]
	return ds, ok
}

// SnapshotAll returns a copy of every known device's state.
func (s *Store) SnapshotAll() map[string]DeviceState {
	m := *s.snapshot.Load()
	out := make(map[string]DeviceState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Subscribe returns a stream of StateChange records bounded at
// bufferSize, and an unsubscribe function. If the subscriber falls
// behind, the oldest buffered change is dropped to make room for the
// newest (a generic drop-oldest safety net; consumers that need a
// different overflow policy, such as the per-client fan-out closing
// slow clients instead of dropping, apply it themselves on top of this
// stream).
func (s *Store) Subscribe(bufferSize int) (<-chan StateChange, func()) {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	ch := make(chan StateChange, bufferSize)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	unsub := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if existing, ok := s.subs[id]; ok {
			close(existing)
			delete(s.subs, id)
		}
	}
	return ch, unsub
}

func (s *Store) publish(changes []StateChange) {
	if len(changes) == 0 {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		for _, c := range changes {
			select {
			case ch <- c:
			default:
				// Drop the oldest buffered change to make room, per
				// the State Store -> fan-out backpressure policy.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- c:
				default:
				}
			}
		}
	}
}

func (s *Store) refreshSnapshot() {
	out := make(map[string]DeviceState, len(s.records))
	for id, r := range s.records {
		out[id] = r.clone()
	}
	s.snapshot.Store(&out)
}

func (s *Store) record(deviceID string) *deviceRecord {
	r, ok := s.records[deviceID]
	if !ok {
		r = newDeviceRecord(deviceID)
		s.records[deviceID] = r
	}
	return r
}

// sweepLocked runs from the writer goroutine: devices whose last
// message predates the offline timeout transition online -> offline.
func (s *Store) sweepLocked() []StateChange {
	now := s.clk.Now()
	var changes []StateChange
	for id, r := range s.records {
		if r.status != StatusOnline {
			continue
		}
		if now.Sub(r.lastSeen) <= s.offlineTimeout {
			continue
		}
		before := r.status
		r.status = StatusOffline
		slog.Info("state: device went offline on silence", "device_id", id, "silence", now.Sub(r.lastSeen))
		changes = append(changes, StateChange{
			DeviceID: id,
			Kind:     ChangeStatus,
			Before:   before,
			After:    r.status,
			Ts:       now,
		})
	}
	return changes
}
