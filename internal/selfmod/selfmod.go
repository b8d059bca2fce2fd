// Package selfmod implements the self-modify engine: rate-limited,
// path-protected, reversible writes to the runtime's own files, with a
// backup-and-rollback mechanism keyed off the state store's KV table.
package selfmod

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/aethernet/core/internal/executor"
	"github.com/aethernet/core/internal/state"
)

const (
	rateLimitWindow    = time.Hour
	rateLimitThreshold = 6
)

// PathPolicy is the policy surface the engine is built with. Apply calls
// only AllowPath (the protected-paths check); it does not call
// AllowSelfModify, which the executor's self-modify policy gate checks
// before an action reaches the engine. Satisfied by policy.Policy /
// *policy.LivePolicy.
type PathPolicy interface {
	AllowPath(path string) bool
	AllowSelfModify() bool
	PolicyVersion() string
}

// Store is the narrow state-store surface consumed by the engine.
type Store interface {
	GetKVJSON(ctx context.Context, key string, dest any) (bool, error)
	SetKVJSON(ctx context.Context, key string, v any) error
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
	InsertSelfModMutation(ctx context.Context, m state.SelfModMutation) (string, error)
	InsertRollbackPoint(ctx context.Context, r state.RollbackPoint) (string, error)
	RollbackPointsForPath(ctx context.Context, path string, limit int) ([]state.RollbackPoint, error)
}

// EmergencySurvival is consulted for the engine's own copy of the
// emergency/survival gate (spec step 1 of the self-modify procedure). A
// self_modify action only reaches the engine after the executor's own
// gates already passed; Apply checks the gate again so that it also holds
// for a caller that reaches Apply directly. Rollback does not consult it.
type EmergencySurvival interface {
	GetEmergencyState(ctx context.Context) (state.EmergencyState, error)
	GetLatestSurvivalSnapshot(ctx context.Context) (state.SurvivalSnapshot, bool, error)
}

// Config bounds the engine's filesystem scope.
type Config struct {
	Enabled bool
	DataDir string // rollbacks live under <DataDir>/rollbacks
	WorkDir string // process working directory, a scope-gate boundary
	HomeDir string // agent home directory, a scope-gate boundary
}

// Tracer wraps a mutation in a trace span. internal/telemetry/trace.Provider
// satisfies this; a nil Tracer skips tracing entirely.
type Tracer interface {
	MutationSpan(ctx context.Context, path string) (context.Context, trace.Span)
}

// Engine is the self-modify engine.
type Engine struct {
	cfg    Config
	policy PathPolicy
	store  Store
	es     EmergencySurvival
	tracer Tracer
}

func New(cfg Config, pol PathPolicy, store Store, es EmergencySurvival) *Engine {
	return &Engine{cfg: cfg, policy: pol, store: store, es: es}
}

// WithTracer wraps every Apply call in a trace span. Optional: a nil
// Tracer skips tracing.
func (e *Engine) WithTracer(t Tracer) *Engine {
	e.tracer = t
	return e
}

// Apply performs one self-modify action: write params["content"] to
// params["targetPath"] after passing every gate, and records a mutation
// and rollback point.
func (e *Engine) Apply(ctx context.Context, params map[string]any) (result executor.SelfModResult, err error) {
	targetPath, _ := params["targetPath"].(string)
	content, _ := params["content"].(string)
	if targetPath == "" {
		return executor.SelfModResult{}, fmt.Errorf("targetPath is required")
	}

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.MutationSpan(ctx, targetPath)
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()
	}

	if !e.cfg.Enabled {
		return executor.SelfModResult{}, fmt.Errorf("self-modify is disabled by config")
	}

	if e.es != nil {
		if es, err := e.es.GetEmergencyState(ctx); err == nil && es.Enabled {
			return executor.SelfModResult{}, fmt.Errorf("emergency stop enabled")
		}
		if snap, ok, err := e.es.GetLatestSurvivalSnapshot(ctx); err == nil && ok && snap.SurvivalTier == "dead" {
			return executor.SelfModResult{}, fmt.Errorf("survival tier is dead")
		}
	}

	if err := e.checkRateLimit(ctx); err != nil {
		return executor.SelfModResult{}, err
	}

	normalized, err := normalizePath(targetPath)
	if err != nil {
		return executor.SelfModResult{}, fmt.Errorf("normalize target path: %w", err)
	}
	if e.policy != nil && !e.policy.AllowPath(normalized) {
		return executor.SelfModResult{}, fmt.Errorf("target path is protected: %s", normalized)
	}
	if !e.withinScope(normalized) {
		return executor.SelfModResult{}, fmt.Errorf("target path outside allowed scope: %s", normalized)
	}

	beforeHash, existed, err := hashFileIfExists(normalized)
	if err != nil {
		return executor.SelfModResult{}, fmt.Errorf("hash existing file: %w", err)
	}

	mutationID := newMutationID()
	if err := e.backup(ctx, mutationID, normalized, existed); err != nil {
		return executor.SelfModResult{}, fmt.Errorf("backup: %w", err)
	}

	if err := writeAtomic(normalized, content); err != nil {
		return executor.SelfModResult{}, fmt.Errorf("write new content: %w", err)
	}
	afterHash := hashBytes([]byte(content))

	mutation := state.SelfModMutation{
		ID:        mutationID,
		Path:      normalized,
		AfterHash: afterHash,
		CreatedAt: time.Now(),
	}
	if existed {
		mutation.BeforeHash = &beforeHash
	}
	if reason, ok := params["reason"].(string); ok && reason != "" {
		mutation.Reason = &reason
	}
	if _, err := e.store.InsertSelfModMutation(ctx, mutation); err != nil {
		return executor.SelfModResult{}, fmt.Errorf("record mutation: %w", err)
	}

	rollbackHash := afterHash
	if existed {
		rollbackHash = beforeHash
	}
	if _, err := e.store.InsertRollbackPoint(ctx, state.RollbackPoint{
		MutationID:   mutationID,
		Path:         normalized,
		RollbackHash: rollbackHash,
		CreatedAt:    time.Now(),
	}); err != nil {
		return executor.SelfModResult{}, fmt.Errorf("record rollback point: %w", err)
	}

	if err := e.appendRateLimitTimestamp(ctx); err != nil {
		return executor.SelfModResult{}, fmt.Errorf("record rate-limit timestamp: %w", err)
	}

	return executor.SelfModResult{MutationID: mutationID, Path: normalized}, nil
}

// Rollback restores the most recent RollbackPoint for a path.
func (e *Engine) Rollback(ctx context.Context, path string) error {
	normalized, err := normalizePath(path)
	if err != nil {
		return fmt.Errorf("normalize path: %w", err)
	}
	points, err := e.store.RollbackPointsForPath(ctx, normalized, 1)
	if err != nil {
		return fmt.Errorf("lookup rollback points: %w", err)
	}
	if len(points) == 0 {
		return fmt.Errorf("no rollback point for path %s", normalized)
	}
	point := points[0]

	backupLocator, ok, err := e.store.GetKV(ctx, state.SelfModBackupKey(point.MutationID))
	if err != nil {
		return fmt.Errorf("read backup locator: %w", err)
	}
	if !ok {
		return fmt.Errorf("fatal rollback error: no backup recorded for mutation %s", point.MutationID)
	}

	if backupLocator == state.SelfModBackupDeletedSentinel {
		if err := os.Remove(normalized); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove file for rollback: %w", err)
		}
		return nil
	}

	data, err := os.ReadFile(backupLocator)
	if err != nil {
		return fmt.Errorf("fatal rollback error: read backup: %w", err)
	}
	return writeAtomic(normalized, string(data))
}

func (e *Engine) checkRateLimit(ctx context.Context) error {
	recent, err := e.recentTimestamps(ctx)
	if err != nil {
		return fmt.Errorf("read rate-limit timestamps: %w", err)
	}
	if len(recent) >= rateLimitThreshold {
		return fmt.Errorf("self-modify rate limit exceeded: %d mutations in the last hour", len(recent))
	}
	return nil
}

func (e *Engine) appendRateLimitTimestamp(ctx context.Context) error {
	recent, err := e.recentTimestamps(ctx)
	if err != nil {
		recent = nil
	}
	recent = append(recent, time.Now())
	return e.store.SetKVJSON(ctx, state.KVSelfModTimestampsV1, recent)
}

func (e *Engine) recentTimestamps(ctx context.Context) ([]time.Time, error) {
	var timestamps []time.Time
	if _, err := e.store.GetKVJSON(ctx, state.KVSelfModTimestampsV1, &timestamps); err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-rateLimitWindow)
	var recent []time.Time
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	return recent, nil
}

func (e *Engine) withinScope(normalized string) bool {
	for _, boundary := range []string{e.cfg.WorkDir, e.cfg.HomeDir} {
		if boundary == "" {
			continue
		}
		abs, err := filepath.Abs(boundary)
		if err != nil {
			continue
		}
		if normalized == abs || strings.HasPrefix(normalized, abs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// backup copies the existing file (if any) to <DataDir>/rollbacks and
// records its path (or the deleted sentinel) under the mutation's backup
// KV key.
func (e *Engine) backup(ctx context.Context, mutationID, path string, existed bool) error {
	if !existed {
		return e.store.SetKV(ctx, state.SelfModBackupKey(mutationID), state.SelfModBackupDeletedSentinel)
	}

	rollbackDir := filepath.Join(e.cfg.DataDir, "rollbacks")
	if err := os.MkdirAll(rollbackDir, 0o700); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	backupName := fmt.Sprintf("%s.%d.bak", sanitizeBasename(filepath.Base(path)), time.Now().UnixMilli())
	backupPath := filepath.Join(rollbackDir, backupName)
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return err
	}
	return e.store.SetKV(ctx, state.SelfModBackupKey(mutationID), backupPath)
}

func newMutationID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "mutation-" + hex.EncodeToString(b[:])
}

func sanitizeBasename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func normalizePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashFileIfExists(path string) (hash string, existed bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return hashBytes(data), true, nil
}

func writeAtomic(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
