package state

import (
	"context"
	"database/sql"
	"time"
)

// UnlockSession is a time-bounded wallet unlock. At most one session is
// active at a time: creating a new one is expected to follow a revoke of
// any prior active session.
type UnlockSession struct {
	ID         string
	Address    string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

// InsertUnlockSession appends a new unlock session row.
func (s *Store) InsertUnlockSession(ctx context.Context, u UnlockSession) (string, error) {
	if u.ID == "" {
		u.ID = newID("unlock")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO unlock_sessions (id, address, created_at, expires_at, revoked_at)
			 VALUES (?, ?, ?, ?, ?);`,
			u.ID, u.Address, u.CreatedAt.UTC(), u.ExpiresAt.UTC(), u.RevokedAt)
		return err
	})
	return u.ID, err
}

// RevokeUnlockSession marks a session revoked (on lock or rotate).
func (s *Store) RevokeUnlockSession(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE unlock_sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL;`,
			time.Now().UTC(), id)
		return err
	})
}

// ActiveUnlockSession returns the session that is neither revoked nor
// expired as of now, if any.
func (s *Store) ActiveUnlockSession(ctx context.Context, now time.Time) (UnlockSession, bool, error) {
	var u UnlockSession
	var revoked sql.NullTime
	row := s.db.QueryRowContext(ctx,
		`SELECT id, address, created_at, expires_at, revoked_at
		 FROM unlock_sessions
		 WHERE revoked_at IS NULL AND expires_at > ?
		 ORDER BY created_at DESC LIMIT 1;`, now.UTC())
	err := row.Scan(&u.ID, &u.Address, &u.CreatedAt, &u.ExpiresAt, &revoked)
	if err == sql.ErrNoRows {
		return UnlockSession{}, false, nil
	}
	if err != nil {
		return UnlockSession{}, false, err
	}
	if revoked.Valid {
		t := revoked.Time
		u.RevokedAt = &t
	}
	return u, true, nil
}
