package store

import (
	"context"
	"fmt"
	"time"
)

// Bucket is a history query aggregation granularity. Bucket
// boundaries align to wall-clock (an hourly bucket starts at :00).
type Bucket string

const (
	BucketMinute Bucket = "minute"
	BucketHour   Bucket = "hour"
	BucketDay    Bucket = "day"
)

// Point is one (timestamp, averaged value) sample of a history query
// result. Empty buckets are omitted, never zero-filled.
type Point struct {
	Ts    time.Time
	Value float64
}

// sqliteStrftime maps a Bucket to the strftime format that truncates a
// timestamp down to that bucket's boundary.
func sqliteStrftime(b Bucket) (string, error) {
	switch b {
	case BucketMinute:
		return "%Y-%m-%dT%H:%M:00Z", nil
	case BucketHour:
		return "%Y-%m-%dT%H:00:00Z", nil
	case BucketDay:
		return "%Y-%m-%dT00:00:00Z", nil
	default:
		return "", fmt.Errorf("store: unknown bucket %q", b)
	}
}

// History returns averaged readings for (deviceID, metric) between
// start and end (inclusive), aggregated into bucket-sized wall-clock
// windows, ordered by time ascending.
func (db *DB) History(ctx context.Context, deviceID, metric string, start, end time.Time, bucket Bucket) ([]Point, error) {
	format, err := sqliteStrftime(bucket)
	if err != nil {
		return nil, err
	}

	rows, err := db.sql.QueryContext(ctx, fmt.Sprintf(`
		SELECT strftime(%q, ts) AS bucket_ts, AVG(value) AS avg_value
		FROM sensor_readings
		WHERE device_id = ? AND metric = ? AND ts >= ? AND ts <= ?
		GROUP BY bucket_ts
		ORDER BY bucket_ts ASC`, format),
		deviceID, metric, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("store: history query: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var bucketTs string
		var avg float64
		if err := rows.Scan(&bucketTs, &avg); err != nil {
			return nil, fmt.Errorf("store: scan history row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, bucketTs)
		if err != nil {
			return nil, fmt.Errorf("store: parse bucket ts %q: %w", bucketTs, err)
		}
		points = append(points, Point{Ts: ts, Value: avg})
	}
	return points, rows.Err()
}
