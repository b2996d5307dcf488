package store

import (
	"context"
	"database/sql"
	"fmt"
)

// OpenIncident is one still-open incident row, used by the Alert
// Evaluator's "device degraded" predicate and by the Query Surface's
// alerts endpoint.
type OpenIncident struct {
	DeviceID string
	Code     string
	Message  string
}

// OpenIncidents returns every currently-open incident across all
// devices.
func (db *DB) OpenIncidents(ctx context.Context) ([]OpenIncident, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT device_id, code, message FROM incidents WHERE resolved_at IS NULL ORDER BY device_id, code`)
	if err != nil {
		return nil, fmt.Errorf("store: open incidents query: %w", err)
	}
	defer rows.Close()

	var out []OpenIncident
	for rows.Next() {
		var oi OpenIncident
		var msg sql.NullString
		if err := rows.Scan(&oi.DeviceID, &oi.Code, &msg); err != nil {
			return nil, fmt.Errorf("store: scan open incident: %w", err)
		}
		oi.Message = msg.String
		out = append(out, oi)
	}
	return out, rows.Err()
}
