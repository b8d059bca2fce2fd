package state

import (
	"context"
	"time"
)

// Agent lifecycle states. Set only at tick boundaries; no mid-tick
// setter exists, so a reader never observes a transient value.
const (
	AgentStateRunning  = "running"
	AgentStateSleeping = "sleeping"
	AgentStateStopped  = "stopped"
	AgentStateDead     = "dead"
)

// AgentState returns the current lifecycle status.
func (s *Store) AgentState(ctx context.Context) (string, error) {
	var status string
	row := s.db.QueryRowContext(ctx, `SELECT status FROM agent_state WHERE id = 1;`)
	if err := row.Scan(&status); err != nil {
		return "", err
	}
	return status, nil
}

// SetAgentState updates the singleton lifecycle status.
func (s *Store) SetAgentState(ctx context.Context, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE agent_state SET status = ?, updated_at = ? WHERE id = 1;`,
			status, time.Now().UTC())
		return err
	})
}
