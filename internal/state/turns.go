package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Turn is an immutable record of one orchestrator tick.
type Turn struct {
	ID        string
	Timestamp time.Time
	State     string
	Input     json.RawMessage
	Output    json.RawMessage
	Metadata  map[string]any
}

// TurnTelemetry is the one-to-one telemetry row for a Turn.
type TurnTelemetry struct {
	TurnID          string
	SurvivalTier    string
	EstimatedUSD    float64
	QueueDepth      int
	SpendProxyUSD   float64
	ActionsTotal    int
	ActionFailures  int
	BrainDurationMs int64
	BrainFailures   int
}

// InsertTurn appends a new Turn row. Turns are never updated after
// insertion.
func (s *Store) InsertTurn(ctx context.Context, t Turn) error {
	if t.ID == "" {
		t.ID = newID("turn")
	}
	meta, err := redactMetadata(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode turn metadata: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO turns (id, timestamp, state, input, output, metadata) VALUES (?, ?, ?, ?, ?, ?);`,
			t.ID, t.Timestamp.UTC(), t.State, nullableJSON(t.Input), nullableJSON(t.Output), meta)
		return err
	})
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// InsertTurnTelemetry appends the telemetry row for a Turn. Must be called
// after the referenced Turn exists.
func (s *Store) InsertTurnTelemetry(ctx context.Context, tt TurnTelemetry) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO turn_telemetry
				(turn_id, survival_tier, estimated_usd, queue_depth, spend_proxy_usd, actions_total, action_failures, brain_duration_ms, brain_failures)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			tt.TurnID, tt.SurvivalTier, tt.EstimatedUSD, tt.QueueDepth, tt.SpendProxyUSD,
			tt.ActionsTotal, tt.ActionFailures, tt.BrainDurationMs, tt.BrainFailures)
		return err
	})
}

// GetTurn fetches a single turn by id.
func (s *Store) GetTurn(ctx context.Context, id string) (Turn, error) {
	var t Turn
	var metaRaw string
	var input, output *string
	row := s.db.QueryRowContext(ctx,
		`SELECT id, timestamp, state, input, output, metadata FROM turns WHERE id = ?;`, id)
	if err := row.Scan(&t.ID, &t.Timestamp, &t.State, &input, &output, &metaRaw); err != nil {
		return Turn{}, err
	}
	if input != nil {
		t.Input = json.RawMessage(*input)
	}
	if output != nil {
		t.Output = json.RawMessage(*output)
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaRaw), &meta); err == nil {
		t.Metadata = meta
	}
	return t, nil
}

// RecentTurns returns the most recent turns, newest first, bounded by
// limit.
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, state, input, output, metadata FROM turns ORDER BY timestamp DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var metaRaw string
		var input, output *string
		if err := rows.Scan(&t.ID, &t.Timestamp, &t.State, &input, &output, &metaRaw); err != nil {
			return nil, err
		}
		if input != nil {
			t.Input = json.RawMessage(*input)
		}
		if output != nil {
			t.Output = json.RawMessage(*output)
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaRaw), &meta); err == nil {
			t.Metadata = meta
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
