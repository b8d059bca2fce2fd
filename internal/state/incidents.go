package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aethernet/core/internal/shared"
)

// Incident severities, per the runtime's error-handling design.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Incident is an append-only fault record.
type Incident struct {
	ID        string
	Code      string
	Severity  string
	Category  string
	Message   string
	Metadata  map[string]any
	Timestamp time.Time
}

// InsertIncident appends a new incident row.
func (s *Store) InsertIncident(ctx context.Context, inc Incident) (string, error) {
	if inc.ID == "" {
		inc.ID = newID("incident")
	}
	meta, err := redactMetadata(inc.Metadata)
	if err != nil {
		return "", fmt.Errorf("encode incident metadata: %w", err)
	}
	message := shared.Redact(inc.Message)
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO incidents (id, code, severity, category, message, metadata, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?);`,
			inc.ID, inc.Code, inc.Severity, inc.Category, message, meta, inc.Timestamp.UTC())
		return err
	})
	return inc.ID, err
}

// RecentIncidents returns the most recent incidents, newest first.
func (s *Store) RecentIncidents(ctx context.Context, limit int) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, severity, category, message, metadata, timestamp
		 FROM incidents ORDER BY timestamp DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		var metaRaw string
		if err := rows.Scan(&inc.ID, &inc.Code, &inc.Severity, &inc.Category, &inc.Message, &metaRaw, &inc.Timestamp); err != nil {
			return nil, err
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaRaw), &meta); err == nil {
			inc.Metadata = meta
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// severityRank orders severities for threshold comparisons.
var severityRank = map[string]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// CountIncidentsSince counts incidents at or above minSeverity recorded
// since ts, used by survival/alert threshold evaluation.
func (s *Store) CountIncidentsSince(ctx context.Context, minSeverity string, since time.Time) (int, error) {
	rank, ok := severityRank[minSeverity]
	if !ok {
		rank = severityRank[SeverityCritical]
	}
	var qualifying []string
	for sev, r := range severityRank {
		if r >= rank {
			qualifying = append(qualifying, sev)
		}
	}
	if len(qualifying) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(qualifying))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(qualifying)+1)
	for _, sev := range qualifying {
		args = append(args, sev)
	}
	args = append(args, since.UTC())

	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM incidents WHERE severity IN (%s) AND timestamp >= ?;`, placeholders),
		args...).Scan(&n)
	return n, err
}
