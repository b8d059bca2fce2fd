package state

import (
	"context"
	"time"
)

// RecordPolicyVersion notes that a given policy fingerprint was loaded,
// for correlation with audit entries and incidents recorded under it.
func (s *Store) RecordPolicyVersion(ctx context.Context, version, checksum, source string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO policy_versions (policy_version, checksum, loaded_at, source)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(policy_version) DO NOTHING;`,
			version, checksum, time.Now().UTC(), source)
		return err
	})
}
