package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aethernet/core/internal/shared"
)

// Alert delivery routes.
const (
	RouteDB      = "db"
	RouteStdout  = "stdout"
	RouteWebhook = "webhook"
)

// Alert is an append-only routed notification.
type Alert struct {
	ID        string
	Code      string
	Severity  string
	Route     string
	Message   string
	Metadata  map[string]any
	Timestamp time.Time
}

// InsertAlert appends a new alert row.
func (s *Store) InsertAlert(ctx context.Context, a Alert) (string, error) {
	if a.ID == "" {
		a.ID = newID("alert")
	}
	meta, err := redactMetadata(a.Metadata)
	if err != nil {
		return "", fmt.Errorf("encode alert metadata: %w", err)
	}
	message := shared.Redact(a.Message)
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO alerts (id, code, severity, route, message, metadata, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?);`,
			a.ID, a.Code, a.Severity, a.Route, message, meta, a.Timestamp.UTC())
		return err
	})
	return a.ID, err
}

// RecentAlerts returns the most recent alerts, newest first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, severity, route, message, metadata, timestamp
		 FROM alerts ORDER BY timestamp DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var metaRaw string
		if err := rows.Scan(&a.ID, &a.Code, &a.Severity, &a.Route, &a.Message, &metaRaw, &a.Timestamp); err != nil {
			return nil, err
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaRaw), &meta); err == nil {
			a.Metadata = meta
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LastAlertForCode returns the timestamp of the most recent alert with
// the given code. ok is false if none exists. The survival evaluator's
// de-dup window does not call it; it keeps its own timestamps in KV.
func (s *Store) LastAlertForCode(ctx context.Context, code string) (ts time.Time, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT timestamp FROM alerts WHERE code = ? ORDER BY timestamp DESC LIMIT 1;`, code)
	err = row.Scan(&ts)
	if err != nil {
		return time.Time{}, false, nil //nolint:nilerr // sql.ErrNoRows means "no prior alert"
	}
	return ts, true, nil
}
