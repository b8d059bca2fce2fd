package state

import (
	"context"
	"time"
)

// SelfModMutation records one self-modification file write.
type SelfModMutation struct {
	ID         string
	Path       string
	BeforeHash *string
	AfterHash  string
	Reason     *string
	CreatedAt  time.Time
}

// RollbackPoint references a SelfModMutation and the hash to restore to.
// The backup blob itself is located via KV key self_mod_backup_v1:<mutationId>.
type RollbackPoint struct {
	ID           string
	MutationID   string
	Path         string
	RollbackHash string
	CreatedAt    time.Time
}

// InsertSelfModMutation appends a mutation record.
func (s *Store) InsertSelfModMutation(ctx context.Context, m SelfModMutation) (string, error) {
	if m.ID == "" {
		m.ID = newID("mutation")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO self_mod_mutations (id, path, before_hash, after_hash, reason, created_at)
			 VALUES (?, ?, ?, ?, ?, ?);`,
			m.ID, m.Path, m.BeforeHash, m.AfterHash, m.Reason, m.CreatedAt.UTC())
		return err
	})
	return m.ID, err
}

// InsertRollbackPoint appends a rollback point for an existing mutation.
func (s *Store) InsertRollbackPoint(ctx context.Context, r RollbackPoint) (string, error) {
	if r.ID == "" {
		r.ID = newID("rollback")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO rollback_points (id, mutation_id, path, rollback_hash, created_at)
			 VALUES (?, ?, ?, ?, ?);`,
			r.ID, r.MutationID, r.Path, r.RollbackHash, r.CreatedAt.UTC())
		return err
	})
	return r.ID, err
}

// RollbackPointsForPath returns rollback points for a path, newest first.
func (s *Store) RollbackPointsForPath(ctx context.Context, path string, limit int) ([]RollbackPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mutation_id, path, rollback_hash, created_at
		 FROM rollback_points WHERE path = ? ORDER BY created_at DESC LIMIT ?;`, path, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RollbackPoint
	for rows.Next() {
		var r RollbackPoint
		if err := rows.Scan(&r.ID, &r.MutationID, &r.Path, &r.RollbackHash, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MutationTimestampsSince returns the creation timestamps of every
// self-mod mutation since ts, oldest first. The self-mod engine's rate
// limit does not call it; it reads the KV-tracked timestamp list
// (KVSelfModTimestampsV1).
func (s *Store) MutationTimestampsSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT created_at FROM self_mod_mutations WHERE created_at >= ? ORDER BY created_at ASC;`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
