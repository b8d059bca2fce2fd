package state_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aethernet/core/internal/state"
)

func openTestStore(t *testing.T) *state.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := state.Open(filepath.Join(dir, "aethernet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpen_ConfiguresWALAndSeedsEmergencyState(t *testing.T) {
	st := openTestStore(t)

	if journal := queryOneString(t, st.DB(), "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journal)
	}

	es, err := st.GetEmergencyState(context.Background())
	if err != nil {
		t.Fatalf("get emergency state: %v", err)
	}
	if es.Enabled {
		t.Fatal("expected emergency state to start disabled")
	}
}

func TestOpen_RefusesNewerSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "aethernet.db")
	st, err := state.Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := st.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (999, 'bogus');`); err != nil {
		t.Fatalf("seed future version: %v", err)
	}
	_ = st.Close()

	if _, err := state.Open(dbPath); err == nil {
		t.Fatal("expected open to refuse a schema version newer than supported")
	}
}

func TestMessages_PollMarkCountRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.InsertMessage(ctx, state.Message{
		From: "operator", To: "agent", Content: "hello", ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}

	n, err := st.CountMessages(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count messages = %d, err=%v, want 1", n, err)
	}

	pending, err := st.PollMessages(ctx, 10)
	if err != nil || len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("poll messages = %+v, err=%v", pending, err)
	}

	if err := st.MarkMessageProcessed(ctx, id); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	n, err = st.CountMessages(ctx)
	if err != nil || n != 0 {
		t.Fatalf("count messages after processing = %d, err=%v, want 0", n, err)
	}

	// Marking again is a no-op, not an error: a message is delivered to
	// at most one turn.
	if err := st.MarkMessageProcessed(ctx, id); err != nil {
		t.Fatalf("mark processed twice: %v", err)
	}
}

func TestMemoryFacts_UpsertNewerWins(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.UpsertMemoryFact(ctx, state.MemoryFact{
		Key: "favorite_chain", Value: "eip155:8453", Confidence: 0.5, Source: "brain", UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	if err := st.UpsertMemoryFact(ctx, state.MemoryFact{
		Key: "favorite_chain", Value: "eip155:1", Confidence: 0.9, Source: "brain", UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	fact, err := st.GetMemoryFact(ctx, "favorite_chain")
	if err != nil {
		t.Fatalf("get fact: %v", err)
	}
	if fact.Value != "eip155:1" {
		t.Fatalf("value = %q, want newer write to win", fact.Value)
	}
}

func TestIncidents_RedactsSensitiveMetadataOnInsert(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.InsertIncident(ctx, state.Incident{
		Code: "E-BRAIN-001", Severity: state.SeverityError, Category: "brain",
		Message:  "call failed with Bearer abc123xyz token in response",
		Metadata: map[string]any{"api_key": "sk-should-not-leak", "note": "ok"},
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("insert incident: %v", err)
	}

	recent, err := st.RecentIncidents(ctx, 10)
	if err != nil || len(recent) != 1 || recent[0].ID != id {
		t.Fatalf("recent incidents = %+v, err=%v", recent, err)
	}
	if recent[0].Metadata["api_key"] != "[REDACTED]" {
		t.Fatalf("api_key metadata = %v, want redacted", recent[0].Metadata["api_key"])
	}
	if strings.Contains(recent[0].Message, "abc123xyz") {
		t.Fatalf("message retained a raw bearer token: %q", recent[0].Message)
	}
}

func TestAlerts_RedactsSensitiveMessageOnInsert(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.InsertAlert(ctx, state.Alert{
		Code: "A-WEBHOOK-001", Severity: state.SeverityError, Route: state.RouteWebhook,
		Message:   "webhook request failed: 0x" + strings.Repeat("ab", 32),
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("insert alert: %v", err)
	}

	recent, err := st.RecentAlerts(ctx, 10)
	if err != nil || len(recent) != 1 || recent[0].ID != id {
		t.Fatalf("recent alerts = %+v, err=%v", recent, err)
	}
	if strings.Contains(recent[0].Message, strings.Repeat("ab", 32)) {
		t.Fatalf("message retained a raw secret-pattern value: %q", recent[0].Message)
	}
}

func TestEmergencyState_SetAndGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	reason := "operator requested stop"
	if err := st.SetEmergencyStop(ctx, true, &reason); err != nil {
		t.Fatalf("set emergency stop: %v", err)
	}

	es, err := st.GetEmergencyState(ctx)
	if err != nil {
		t.Fatalf("get emergency state: %v", err)
	}
	if !es.Enabled || es.Reason == nil || *es.Reason != reason {
		t.Fatalf("emergency state = %+v, want enabled with reason", es)
	}
}

func TestUnlockSessions_AtMostOneActive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	firstID, err := st.InsertUnlockSession(ctx, state.UnlockSession{
		Address: "0xabc", CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("insert first session: %v", err)
	}
	if err := st.RevokeUnlockSession(ctx, firstID); err != nil {
		t.Fatalf("revoke first session: %v", err)
	}

	if _, err := st.InsertUnlockSession(ctx, state.UnlockSession{
		Address: "0xabc", CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("insert second session: %v", err)
	}

	active, ok, err := st.ActiveUnlockSession(ctx, now)
	if err != nil || !ok {
		t.Fatalf("active session: ok=%v err=%v", ok, err)
	}
	if active.ID == firstID {
		t.Fatal("expected the revoked session to not be the active one")
	}
}

func TestKV_JSONRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	type streak struct {
		Count int `json:"count"`
	}
	if err := st.SetKVJSON(ctx, state.KVBrainFailureStreakV1, streak{Count: 3}); err != nil {
		t.Fatalf("set kv json: %v", err)
	}

	var got streak
	ok, err := st.GetKVJSON(ctx, state.KVBrainFailureStreakV1, &got)
	if err != nil || !ok || got.Count != 3 {
		t.Fatalf("get kv json = %+v ok=%v err=%v", got, ok, err)
	}
}

func TestSelfMod_RollbackPointsReferenceMutation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	mutationID, err := st.InsertSelfModMutation(ctx, state.SelfModMutation{
		Path: "tools/custom.md", AfterHash: "deadbeef", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("insert mutation: %v", err)
	}

	if _, err := st.InsertRollbackPoint(ctx, state.RollbackPoint{
		MutationID: mutationID, Path: "tools/custom.md", RollbackHash: "cafebabe", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert rollback point: %v", err)
	}

	points, err := st.RollbackPointsForPath(ctx, "tools/custom.md", 10)
	if err != nil || len(points) != 1 || points[0].MutationID != mutationID {
		t.Fatalf("rollback points = %+v, err=%v", points, err)
	}
}

func TestSurvivalSnapshot_ReflectsLatestTurn(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	turnID := "turn_fixed_1"
	if err := st.InsertTurn(ctx, state.Turn{ID: turnID, Timestamp: time.Now(), State: "completed"}); err != nil {
		t.Fatalf("insert turn: %v", err)
	}
	if err := st.InsertTurnTelemetry(ctx, state.TurnTelemetry{
		TurnID: turnID, SurvivalTier: "healthy", EstimatedUSD: 500, SpendProxyUSD: 2.5,
	}); err != nil {
		t.Fatalf("insert telemetry: %v", err)
	}

	snap, ok, err := st.GetLatestSurvivalSnapshot(ctx)
	if err != nil || !ok {
		t.Fatalf("snapshot ok=%v err=%v", ok, err)
	}
	if snap.SurvivalTier != "healthy" || snap.TurnID != turnID {
		t.Fatalf("snapshot = %+v", snap)
	}
}
