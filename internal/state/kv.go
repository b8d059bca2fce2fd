package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Reserved KV keys used by the orchestrator, self-mod engine, and brain
// client to carry state across ticks.
const (
	KVStartedAt               = "started_at"
	KVSelfChildID             = "self_child_id"
	KVEnabledSkillIDs         = "enabled_skill_ids"
	KVBrainFailureStreakV1    = "brain_failure_streak_v1"
	KVSelfModTimestampsV1     = "self_mod_timestamps_v1"
	KVAutonomyNextSleepMs     = "autonomy_next_sleep_ms"
)

// SelfModBackupKey returns the KV key under which the backup blob
// locator for a mutation is stored. The value is either a backup file
// path, or the sentinel "__DELETE__" if the pre-image did not exist.
func SelfModBackupKey(mutationID string) string {
	return "self_mod_backup_v1:" + mutationID
}

// SelfModBackupDeletedSentinel marks that a mutation's pre-image was
// the absence of a file, not its content.
const SelfModBackupDeletedSentinel = "__DELETE__"

// GetKV reads a raw string value. ok is false if the key is unset.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, true, nil
}

// SetKV upserts a raw string value.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
			key, value, time.Now().UTC())
		return err
	})
}

// DeleteKV removes a key.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?;`, key)
		return err
	})
}

// GetKVJSON reads and unmarshals a JSON-encoded KV value into dest.
// ok is false if the key is unset; dest is left untouched in that case.
func (s *Store) GetKVJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := s.GetKV(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	return true, json.Unmarshal([]byte(raw), dest)
}

// SetKVJSON marshals v and upserts it under key.
func (s *Store) SetKVJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SetKV(ctx, key, string(raw))
}
