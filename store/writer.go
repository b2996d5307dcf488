package store

import "time"

// AppendReading queues a telemetry reading for batched insert. Subject
// to the drop-oldest-reading overflow policy when the queue is full.
func (w *Writer) AppendReading(deviceID, metric string, value float64, ts time.Time) {
	w.queue.push(writeJob{kind: jobReading, deviceID: deviceID, metric: metric, value: value, ts: ts})
}

// UpsertDevice records last-known status/health/version and bumps
// last_seen. Last-writer-wins is enforced in the SQL (see applyJob).
func (w *Writer) UpsertDevice(deviceID, status, health, version string, ts time.Time) {
	w.queue.push(writeJob{kind: jobUpsertDevice, deviceID: deviceID, status: status, health: health, version: version, ts: ts})
}

// RecordBoot appends a boot record.
func (w *Writer) RecordBoot(deviceID string, ts time.Time, reason string, success bool) {
	w.queue.push(writeJob{kind: jobBoot, deviceID: deviceID, ts: ts, reason: reason, success: success})
}

// UpsertIncident opens a new incident for (deviceID, code) or, if one
// is already open, refreshes its last_seen/message.
func (w *Writer) UpsertIncident(deviceID, code, message string, ts time.Time) {
	w.queue.push(writeJob{kind: jobUpsertIncident, deviceID: deviceID, code: code, message: message, ts: ts})
}

// ResolveIncident closes the open incident for (deviceID, code), if
// any, recording note and the resolution timestamp.
func (w *Writer) ResolveIncident(deviceID, code, note string, ts time.Time) {
	w.queue.push(writeJob{kind: jobResolveIncident, deviceID: deviceID, code: code, resolution: note, ts: ts})
}

// ResolveAllIncidents closes every open incident for deviceID,
// regardless of code. Used for spec §8 scenario 5's consolidated-status
// resolution: a device whose errors array goes empty is recovering
// from whatever set of problems it had, not necessarily just the one
// the state machine happened to see first.
func (w *Writer) ResolveAllIncidents(deviceID, note string, ts time.Time) {
	w.queue.push(writeJob{kind: jobResolveAllIncidents, deviceID: deviceID, resolution: note, ts: ts})
}

// DroppedReadings returns the running count of reading events dropped
// because the write queue was full.
func (w *Writer) DroppedReadings() int64 { return w.queue.droppedReadings.Load() }

// QueueDepth returns the current number of queued, unflushed jobs.
func (w *Writer) QueueDepth() int { return w.queue.len() }
