package store

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rustyeddy/hearth/clock"
)

const (
	// DefaultQueueCapacity matches the State Store -> Persistence
	// backpressure bound from spec's concurrency table.
	DefaultQueueCapacity = 4096
	DefaultBatchSize     = 128
	DefaultBatchInterval = 250 * time.Millisecond

	retryInitial = 100 * time.Millisecond
	retryCap     = 10 * time.Second
	retryJitter  = 0.2
)

type jobKind int

const (
	jobReading jobKind = iota
	jobUpsertDevice
	jobBoot
	jobUpsertIncident
	jobResolveIncident
	jobResolveAllIncidents
)

type writeJob struct {
	kind jobKind

	deviceID string
	ts       time.Time

	// reading
	metric string
	value  float64

	// upsertDevice
	status  string
	health  string
	version string

	// boot
	reason  string
	success bool

	// incident
	code       string
	message    string
	resolution string
}

// writeQueue is a mutex-guarded slice (not a channel) so that,
// unlike a plain channel, it can evict a specific *kind* of entry
// (readings) instead of only the physically-oldest one.
type writeQueue struct {
	mu       sync.Mutex
	items    []writeJob
	capacity int

	notify chan struct{}

	droppedReadings atomic.Int64
}

func newWriteQueue(capacity int) *writeQueue {
	return &writeQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push appends job, applying the State Store -> Persistence overflow
// policy when full: evict the oldest *reading* job to make room;
// status/incident/boot jobs are never evicted by this path (they grow
// within memory limits, per spec).
func (q *writeQueue) push(job writeJob) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		for i, it := range q.items {
			if it.kind == jobReading {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.droppedReadings.Add(1)
				break
			}
		}
	}
	q.items = append(q.items, job)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *writeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain removes and returns up to max queued jobs, oldest first.
func (q *writeQueue) drain(max int) []writeJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	batch := make([]writeJob, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	return batch
}

// Writer batches writeJobs and flushes them to the relational store,
// retrying transient failures with jittered exponential backoff. It
// never blocks its producers (AppendReading etc. only touch the
// mutex-guarded queue).
type Writer struct {
	db    *DB
	clk   clock.Clock
	queue *writeQueue

	batchSize     int
	batchInterval time.Duration

	onPermanentFailure func(deviceID, code, message string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWriter returns a Writer over db. onPermanentFailure, if non-nil,
// is called when a batch exhausts its retry budget; callers typically
// wire this to raise a system-level incident.
func NewWriter(db *DB, clk clock.Clock, onPermanentFailure func(deviceID, code, message string)) *Writer {
	return &Writer{
		db:                 db,
		clk:                clk,
		queue:              newWriteQueue(DefaultQueueCapacity),
		batchSize:          DefaultBatchSize,
		batchInterval:      DefaultBatchInterval,
		onPermanentFailure: onPermanentFailure,
		stopCh:             make(chan struct{}),
	}
}

// Start launches the batching goroutine (T4).
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop flushes any remaining queued writes (best-effort, within the 5s
// drain window the Lifecycle Supervisor allows) and halts the writer.
func (w *Writer) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := w.clk.NewTicker(w.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.queue.notify:
			if w.queue.len() >= w.batchSize {
				w.flush(ctx)
			}
		case <-ticker.C():
			w.flush(ctx)
		case <-w.stopCh:
			w.flush(ctx)
			return
		case <-ctx.Done():
			w.flush(ctx)
			return
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	for {
		batch := w.queue.drain(w.batchSize)
		if len(batch) == 0 {
			return
		}
		if err := w.writeBatchWithRetry(ctx, batch); err != nil {
			slog.Error("store: batch write permanently failed", "error", err, "batch_size", len(batch))
			if w.onPermanentFailure != nil {
				w.onPermanentFailure("", "persistence_write_failed", err.Error())
			}
		}
	}
}

func (w *Writer) writeBatchWithRetry(ctx context.Context, batch []writeJob) error {
	backoff := retryInitial
	for {
		err := w.writeBatch(ctx, batch)
		if err == nil {
			return nil
		}
		slog.Warn("store: batch write failed, retrying", "error", err, "backoff", backoff)

		jittered := jitter(backoff, retryJitter)
		select {
		case <-w.clk.After(jittered):
		case <-w.stopCh:
			return err
		case <-ctx.Done():
			return err
		}

		backoff *= 2
		if backoff > retryCap {
			backoff = retryCap
		}
		if backoff >= retryCap && jittered >= retryCap {
			// One more attempt at the capped interval, then surface as
			// a permanent failure rather than retry forever and risk
			// unbounded queue growth behind this batch.
			if err := w.writeBatch(ctx, batch); err != nil {
				return err
			}
			return nil
		}
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

func (w *Writer) writeBatch(ctx context.Context, batch []writeJob) error {
	tx, err := w.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, job := range batch {
		if err := applyJob(ctx, tx, job); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func applyJob(ctx context.Context, tx *sql.Tx, job writeJob) error {
	switch job.kind {
	case jobReading:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sensor_readings (device_id, metric, value, ts) VALUES (?, ?, ?, ?)`,
			job.deviceID, job.metric, job.value, formatTime(job.ts))
		return err

	case jobUpsertDevice:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO devices (device_id, status, health, version, last_seen)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				status=CASE WHEN excluded.status <> '' THEN excluded.status ELSE devices.status END,
				health=CASE WHEN excluded.health <> '' THEN excluded.health ELSE devices.health END,
				version=CASE WHEN excluded.version <> '' THEN excluded.version ELSE devices.version END,
				last_seen=excluded.last_seen
			WHERE excluded.last_seen >= devices.last_seen OR devices.last_seen IS NULL`,
			job.deviceID, job.status, job.health, job.version, formatTime(job.ts))
		return err

	case jobBoot:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO device_boots (device_id, ts, reason, success) VALUES (?, ?, ?, ?)`,
			job.deviceID, formatTime(job.ts), job.reason, job.success)
		return err

	case jobUpsertIncident:
		var id int64
		row := tx.QueryRowContext(ctx,
			`SELECT id FROM incidents WHERE device_id = ? AND code = ? AND resolved_at IS NULL`,
			job.deviceID, job.code)
		err := row.Scan(&id)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO incidents (device_id, code, message, opened_at, last_seen) VALUES (?, ?, ?, ?, ?)`,
				job.deviceID, job.code, job.message, formatTime(job.ts), formatTime(job.ts))
			return err
		case err != nil:
			return err
		default:
			_, err = tx.ExecContext(ctx,
				`UPDATE incidents SET message = ?, last_seen = ? WHERE id = ?`,
				job.message, formatTime(job.ts), id)
			return err
		}

	case jobResolveIncident:
		_, err := tx.ExecContext(ctx,
			`UPDATE incidents SET resolved_at = ?, resolution_note = ? WHERE device_id = ? AND code = ? AND resolved_at IS NULL`,
			formatTime(job.ts), job.resolution, job.deviceID, job.code)
		return err

	case jobResolveAllIncidents:
		_, err := tx.ExecContext(ctx,
			`UPDATE incidents SET resolved_at = ?, resolution_note = ? WHERE device_id = ? AND resolved_at IS NULL`,
			formatTime(job.ts), job.resolution, job.deviceID)
		return err
	}
	return nil
}
