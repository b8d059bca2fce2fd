package state

import (
	"context"
	"database/sql"
	"time"
)

// Message is an inbound or outbound item in the agent's message log. A
// message is delivered to at most one turn: ProcessedAt is set exactly
// once, by the turn that claims it.
type Message struct {
	ID          string
	From        string
	To          string
	ThreadID    *string
	Content     string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// InsertMessage records a new inbound or outbound message.
func (s *Store) InsertMessage(ctx context.Context, m Message) (string, error) {
	if m.ID == "" {
		m.ID = newID("msg")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (id, from_addr, to_addr, thread_id, content, received_at, processed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?);`,
			m.ID, m.From, m.To, m.ThreadID, m.Content, m.ReceivedAt.UTC(), m.ProcessedAt)
		return err
	})
	return m.ID, err
}

// PollMessages returns unprocessed messages, oldest first, bounded by
// limit.
func (s *Store) PollMessages(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_addr, to_addr, thread_id, content, received_at, processed_at
		 FROM messages WHERE processed_at IS NULL ORDER BY received_at ASC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var thread sql.NullString
		var processed sql.NullTime
		if err := rows.Scan(&m.ID, &m.From, &m.To, &thread, &m.Content, &m.ReceivedAt, &processed); err != nil {
			return nil, err
		}
		if thread.Valid {
			m.ThreadID = &thread.String
		}
		if processed.Valid {
			t := processed.Time
			m.ProcessedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessageProcessed stamps a message as claimed by the current turn.
// Idempotent: marking an already-processed message again is a no-op.
func (s *Store) MarkMessageProcessed(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE messages SET processed_at = ? WHERE id = ? AND processed_at IS NULL;`,
			time.Now().UTC(), id)
		return err
	})
}

// CountMessages returns the queue depth: the number of messages still
// awaiting processing.
func (s *Store) CountMessages(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE processed_at IS NULL;`).Scan(&n)
	return n, err
}
