package selfmod_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aethernet/core/internal/selfmod"
	"github.com/aethernet/core/internal/state"
	"github.com/aethernet/core/internal/telemetry/trace"
)

type fakeStore struct {
	kv        map[string]string
	mutations []state.SelfModMutation
	rollbacks []state.RollbackPoint
}

func newFakeStore() *fakeStore {
	return &fakeStore{kv: map[string]string{}}
}

func (f *fakeStore) GetKVJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok := f.kv[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal([]byte(raw), dest)
}
func (f *fakeStore) SetKVJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.kv[key] = string(raw)
	return nil
}
func (f *fakeStore) GetKV(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.kv[key]
	return v, ok, nil
}
func (f *fakeStore) SetKV(ctx context.Context, key, value string) error {
	f.kv[key] = value
	return nil
}
func (f *fakeStore) InsertSelfModMutation(ctx context.Context, m state.SelfModMutation) (string, error) {
	f.mutations = append(f.mutations, m)
	return m.ID, nil
}
func (f *fakeStore) InsertRollbackPoint(ctx context.Context, r state.RollbackPoint) (string, error) {
	f.rollbacks = append(f.rollbacks, r)
	return "rb-" + r.MutationID, nil
}
func (f *fakeStore) RollbackPointsForPath(ctx context.Context, path string, limit int) ([]state.RollbackPoint, error) {
	var out []state.RollbackPoint
	for i := len(f.rollbacks) - 1; i >= 0 && len(out) < limit; i-- {
		if f.rollbacks[i].Path == path {
			out = append(out, f.rollbacks[i])
		}
	}
	return out, nil
}

type allowAllPolicy struct{ protect string }

func (p allowAllPolicy) AllowPath(path string) bool {
	return p.protect == "" || path != p.protect
}
func (p allowAllPolicy) AllowSelfModify() bool { return true }
func (p allowAllPolicy) PolicyVersion() string { return "v1" }

func TestApply_WritesNewFileAndRecordsMutation(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "note.txt")
	store := newFakeStore()
	eng := selfmod.New(selfmod.Config{Enabled: true, DataDir: dir, WorkDir: dir}, allowAllPolicy{}, store, nil)

	res, err := eng.Apply(context.Background(), map[string]any{"targetPath": target, "content": "hello"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.MutationID == "" {
		t.Fatal("expected a mutation id")
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "hello" {
		t.Fatalf("file contents = %q, err = %v", data, err)
	}
	if len(store.mutations) != 1 || store.mutations[0].BeforeHash != nil {
		t.Fatalf("expected one mutation with nil BeforeHash (new file), got %+v", store.mutations)
	}
}

func TestApply_RecordsSpanWhenTracerConfigured(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "note.txt")
	store := newFakeStore()
	provider, err := trace.Init(context.Background(), trace.Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("trace.Init: %v", err)
	}
	defer provider.Shutdown(context.Background())

	eng := selfmod.New(selfmod.Config{Enabled: true, DataDir: dir, WorkDir: dir}, allowAllPolicy{}, store, nil).
		WithTracer(provider)

	if _, err := eng.Apply(context.Background(), map[string]any{"targetPath": target, "content": "hello"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func TestApply_RefusesWhenDisabled(t *testing.T) {
	store := newFakeStore()
	eng := selfmod.New(selfmod.Config{Enabled: false}, allowAllPolicy{}, store, nil)
	_, err := eng.Apply(context.Background(), map[string]any{"targetPath": "/tmp/x", "content": "y"})
	if err == nil {
		t.Fatal("expected disabled self-modify to be refused")
	}
}

func TestApply_RefusesProtectedPath(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "protected.txt")
	store := newFakeStore()
	eng := selfmod.New(selfmod.Config{Enabled: true, DataDir: dir, WorkDir: dir}, allowAllPolicy{protect: target}, store, nil)

	_, err := eng.Apply(context.Background(), map[string]any{"targetPath": target, "content": "y"})
	if err == nil {
		t.Fatal("expected protected path to be refused")
	}
}

func TestApply_RefusesOutsideScope(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	target := filepath.Join(other, "outside.txt")
	store := newFakeStore()
	eng := selfmod.New(selfmod.Config{Enabled: true, DataDir: dir, WorkDir: dir}, allowAllPolicy{}, store, nil)

	_, err := eng.Apply(context.Background(), map[string]any{"targetPath": target, "content": "y"})
	if err == nil {
		t.Fatal("expected out-of-scope path to be refused")
	}
}

func TestApply_RateLimitRefusesAfterSixInWindow(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	now := time.Now()
	var timestamps []time.Time
	for i := 0; i < 6; i++ {
		timestamps = append(timestamps, now.Add(-time.Minute))
	}
	raw, _ := json.Marshal(timestamps)
	store.kv[state.KVSelfModTimestampsV1] = string(raw)

	eng := selfmod.New(selfmod.Config{Enabled: true, DataDir: dir, WorkDir: dir}, allowAllPolicy{}, store, nil)
	target := filepath.Join(dir, "note.txt")
	_, err := eng.Apply(context.Background(), map[string]any{"targetPath": target, "content": "y"})
	if err == nil {
		t.Fatal("expected rate limit to refuse the seventh mutation in the window")
	}
}

func TestApplyThenRollback_RestoresPreviousContent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(target, []byte("original"), 0o600); err != nil {
		t.Fatal(err)
	}
	store := newFakeStore()
	eng := selfmod.New(selfmod.Config{Enabled: true, DataDir: dir, WorkDir: dir}, allowAllPolicy{}, store, nil)

	if _, err := eng.Apply(context.Background(), map[string]any{"targetPath": target, "content": "modified"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "modified" {
		t.Fatalf("expected modified content, got %q", data)
	}

	if err := eng.Rollback(context.Background(), target); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	data, _ = os.ReadFile(target)
	if string(data) != "original" {
		t.Fatalf("expected rollback to restore original content, got %q", data)
	}
}
