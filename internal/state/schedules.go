package state

import (
	"context"
	"database/sql"
	"time"
)

// Schedule is a supplementary cron-triggered operator prompt: at the
// named cadence the daemon injects Prompt as if it had arrived as an
// inbound message, without requiring an external sender.
type Schedule struct {
	ID        string
	Name      string
	CronExpr  string
	Prompt    string
	Enabled   bool
	NextRunAt *time.Time
	LastRunAt *time.Time
}

// InsertSchedule appends a new schedule definition.
func (s *Store) InsertSchedule(ctx context.Context, sch Schedule) (string, error) {
	if sch.ID == "" {
		sch.ID = newID("schedule")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO schedules (id, name, cron_expr, prompt, enabled, next_run_at, last_run_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?);`,
			sch.ID, sch.Name, sch.CronExpr, sch.Prompt, sch.Enabled, sch.NextRunAt, sch.LastRunAt)
		return err
	})
	return sch.ID, err
}

// DueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cron_expr, prompt, enabled, next_run_at, last_run_at
		 FROM schedules WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC;`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sch Schedule
		var next, last sql.NullTime
		if err := rows.Scan(&sch.ID, &sch.Name, &sch.CronExpr, &sch.Prompt, &sch.Enabled, &next, &last); err != nil {
			return nil, err
		}
		if next.Valid {
			t := next.Time
			sch.NextRunAt = &t
		}
		if last.Valid {
			t := last.Time
			sch.LastRunAt = &t
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// MarkScheduleFired records the fire time and the next computed run.
func (s *Store) MarkScheduleFired(ctx context.Context, id string, firedAt, nextRunAt time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;`,
			firedAt.UTC(), nextRunAt.UTC(), id)
		return err
	})
}
