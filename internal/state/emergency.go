package state

import (
	"context"
	"database/sql"
	"time"
)

// EmergencyState is the singleton emergency-stop switch. When enabled,
// every mutating action must refuse regardless of any other gate.
type EmergencyState struct {
	Enabled   bool
	Reason    *string
	UpdatedAt time.Time
}

// GetEmergencyState reads the current emergency-stop state.
func (s *Store) GetEmergencyState(ctx context.Context) (EmergencyState, error) {
	var es EmergencyState
	var reason sql.NullString
	row := s.db.QueryRowContext(ctx,
		`SELECT enabled, reason, updated_at FROM emergency_state WHERE id = 1;`)
	if err := row.Scan(&es.Enabled, &reason, &es.UpdatedAt); err != nil {
		return EmergencyState{}, err
	}
	if reason.Valid {
		es.Reason = &reason.String
	}
	return es, nil
}

// SetEmergencyStop flips the singleton emergency-stop switch.
func (s *Store) SetEmergencyStop(ctx context.Context, enabled bool, reason *string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE emergency_state SET enabled = ?, reason = ?, updated_at = ? WHERE id = 1;`,
			enabled, reason, time.Now().UTC())
		return err
	})
}
