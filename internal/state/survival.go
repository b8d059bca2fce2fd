package state

import (
	"context"
	"database/sql"
)

// SurvivalSnapshot is the last-known liquidity/tier reading, derived from
// the most recent turn's telemetry row.
type SurvivalSnapshot struct {
	TurnID        string
	SurvivalTier  string
	EstimatedUSD  float64
	SpendProxyUSD float64
}

// GetLatestSurvivalSnapshot returns the telemetry of the most recently
// completed turn. ok is false if no turn has completed yet.
func (s *Store) GetLatestSurvivalSnapshot(ctx context.Context) (SurvivalSnapshot, bool, error) {
	var snap SurvivalSnapshot
	row := s.db.QueryRowContext(ctx,
		`SELECT tt.turn_id, tt.survival_tier, tt.estimated_usd, tt.spend_proxy_usd
		 FROM turn_telemetry tt
		 JOIN turns t ON t.id = tt.turn_id
		 ORDER BY t.timestamp DESC LIMIT 1;`)
	err := row.Scan(&snap.TurnID, &snap.SurvivalTier, &snap.EstimatedUSD, &snap.SpendProxyUSD)
	if err == sql.ErrNoRows {
		return SurvivalSnapshot{}, false, nil
	}
	if err != nil {
		return SurvivalSnapshot{}, false, err
	}
	return snap, true, nil
}
