package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// MemoryFact is a confidence-weighted key/value belief. Upserted by key;
// the newest write wins regardless of confidence.
type MemoryFact struct {
	ID         string
	Key        string
	Value      string
	Confidence float64
	Source     string
	UpdatedAt  time.Time
}

// MemoryEpisode is an append-only record of one notable event the agent
// chose to remember.
type MemoryEpisode struct {
	ID         string
	Summary    string
	Outcome    *string
	ActionType *string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// UpsertMemoryFact inserts a fact or overwrites the existing row for the
// same key.
func (s *Store) UpsertMemoryFact(ctx context.Context, f MemoryFact) error {
	if f.ID == "" {
		f.ID = newID("fact")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO memory_facts (id, key, value, confidence, source, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				confidence = excluded.confidence,
				source = excluded.source,
				updated_at = excluded.updated_at;`,
			f.ID, f.Key, f.Value, f.Confidence, f.Source, f.UpdatedAt.UTC())
		return err
	})
}

// GetMemoryFact fetches a fact by key.
func (s *Store) GetMemoryFact(ctx context.Context, key string) (MemoryFact, error) {
	var f MemoryFact
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, value, confidence, source, updated_at FROM memory_facts WHERE key = ?;`, key)
	err := row.Scan(&f.ID, &f.Key, &f.Value, &f.Confidence, &f.Source, &f.UpdatedAt)
	return f, err
}

// ListMemoryFacts returns every known fact.
func (s *Store) ListMemoryFacts(ctx context.Context) ([]MemoryFact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, value, confidence, source, updated_at FROM memory_facts ORDER BY key ASC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryFact
	for rows.Next() {
		var f MemoryFact
		if err := rows.Scan(&f.ID, &f.Key, &f.Value, &f.Confidence, &f.Source, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertMemoryEpisode appends a new episode row.
func (s *Store) InsertMemoryEpisode(ctx context.Context, e MemoryEpisode) error {
	if e.ID == "" {
		e.ID = newID("episode")
	}
	meta, err := redactMetadata(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode episode metadata: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO memory_episodes (id, summary, outcome, action_type, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?);`,
			e.ID, e.Summary, e.Outcome, e.ActionType, meta, e.CreatedAt.UTC())
		return err
	})
}

// RecentMemoryEpisodes returns the most recent episodes, newest first.
func (s *Store) RecentMemoryEpisodes(ctx context.Context, limit int) ([]MemoryEpisode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, summary, outcome, action_type, metadata, created_at
		 FROM memory_episodes ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryEpisode
	for rows.Next() {
		var e MemoryEpisode
		var metaRaw string
		if err := rows.Scan(&e.ID, &e.Summary, &e.Outcome, &e.ActionType, &metaRaw, &e.CreatedAt); err != nil {
			return nil, err
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaRaw), &meta); err == nil {
			e.Metadata = meta
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
