package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aethernet/core/internal/brain"
	"github.com/aethernet/core/internal/executor"
	"github.com/aethernet/core/internal/orchestrator"
	"github.com/aethernet/core/internal/state"
	"github.com/aethernet/core/internal/survival"
)

type fakeStore struct {
	mu sync.Mutex

	emergency     state.EmergencyState
	messages      []state.Message
	facts         []state.MemoryFact
	episodes      []state.MemoryEpisode
	turns         []state.Turn
	telemetry     []state.TurnTelemetry
	incidents     []state.Incident
	kv            map[string]string
	agentStates   []string
	criticalCount int
}

func newFakeStore() *fakeStore {
	return &fakeStore{kv: map[string]string{}}
}

func (f *fakeStore) GetEmergencyState(ctx context.Context) (state.EmergencyState, error) {
	return f.emergency, nil
}
func (f *fakeStore) InsertMessage(ctx context.Context, m state.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return "msg-1", nil
}
func (f *fakeStore) PollMessages(ctx context.Context, limit int) ([]state.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []state.Message
	for _, m := range f.messages {
		if m.ProcessedAt == nil {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (f *fakeStore) MarkMessageProcessed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ID == id {
			now := time.Now()
			f.messages[i].ProcessedAt = &now
		}
	}
	return nil
}
func (f *fakeStore) CountMessages(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages {
		if m.ProcessedAt == nil {
			n++
		}
	}
	return n, nil
}
func (f *fakeStore) ListMemoryFacts(ctx context.Context) ([]state.MemoryFact, error) { return f.facts, nil }
func (f *fakeStore) RecentMemoryEpisodes(ctx context.Context, limit int) ([]state.MemoryEpisode, error) {
	return f.episodes, nil
}
func (f *fakeStore) RecentTurns(ctx context.Context, limit int) ([]state.Turn, error) { return f.turns, nil }
func (f *fakeStore) UpsertMemoryFact(ctx context.Context, fact state.MemoryFact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts = append(f.facts, fact)
	return nil
}
func (f *fakeStore) InsertMemoryEpisode(ctx context.Context, e state.MemoryEpisode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.episodes = append(f.episodes, e)
	return nil
}
func (f *fakeStore) InsertTurn(ctx context.Context, t state.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, t)
	return nil
}
func (f *fakeStore) InsertTurnTelemetry(ctx context.Context, tt state.TurnTelemetry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetry = append(f.telemetry, tt)
	return nil
}
func (f *fakeStore) InsertIncident(ctx context.Context, inc state.Incident) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents = append(f.incidents, inc)
	return "incident-1", nil
}
func (f *fakeStore) CountIncidentsSince(ctx context.Context, minSeverity string, since time.Time) (int, error) {
	return f.criticalCount, nil
}
func (f *fakeStore) GetKV(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	return v, ok, nil
}
func (f *fakeStore) SetKV(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = value
	return nil
}
func (f *fakeStore) SetAgentState(ctx context.Context, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentStates = append(f.agentStates, status)
	return nil
}

type fakeBrain struct {
	out brain.TurnOutput
}

func (b *fakeBrain) GenerateTurn(ctx context.Context, in brain.TurnInput) brain.TurnOutput { return b.out }

type fakeExecutor struct {
	executed []brain.Action
	succeed  bool
}

func (e *fakeExecutor) Execute(ctx context.Context, action brain.Action) executor.ActionOutcome {
	e.executed = append(e.executed, action)
	if !e.succeed {
		return executor.ActionOutcome{Action: action, Succeeded: false, Code: "ACTION_FAILED", Message: "boom"}
	}
	return executor.ActionOutcome{Action: action, Succeeded: true}
}

type fakeAlerts struct {
	called bool
	tc     survival.TickContext
}

func (a *fakeAlerts) Evaluate(ctx context.Context, tc survival.TickContext) error {
	a.called = true
	a.tc = tc
	return nil
}

func baseConfig() orchestrator.Config {
	return orchestrator.Config{
		AgentAddress:               "0xagent",
		ChainDefault:               "eip155:1",
		MaxActionsPerTurn:          8,
		MaxSleepMs:                 3600000,
		DefaultIntervalMs:          60000,
		MaxBrainFailuresBeforeStop: 5,
		StrictAllowlist:            true,
		LiquidityEstimateUsd:       100,
		SurvivalThresholds: survival.Thresholds{
			DeadUsd: 0, CriticalUsd: 10, LowComputeUsd: 50,
			EvaluationWindowMinutes: 10, CriticalIncidentThreshold: 3,
			BrainFailureThreshold: 5, QueueDepthThreshold: 50,
		},
	}
}

func TestTick_EmergencyStopReturnsFatalError(t *testing.T) {
	store := newFakeStore()
	store.emergency = state.EmergencyState{Enabled: true}
	o := orchestrator.New(baseConfig(), store, &fakeBrain{}, &fakeExecutor{succeed: true}, &fakeAlerts{}, nil)

	err := o.Tick(context.Background())
	if _, ok := err.(*orchestrator.FatalTickError); !ok {
		t.Fatalf("expected FatalTickError, got %v (%T)", err, err)
	}
}

func TestTick_DeadSurvivalTierReturnsFatalErrorAndRecordsTurn(t *testing.T) {
	store := newFakeStore()
	cfg := baseConfig()
	cfg.LiquidityEstimateUsd = 0
	o := orchestrator.New(cfg, store, &fakeBrain{}, &fakeExecutor{succeed: true}, &fakeAlerts{}, nil)

	err := o.Tick(context.Background())
	fatal, ok := err.(*orchestrator.FatalTickError)
	if !ok {
		t.Fatalf("expected FatalTickError, got %v (%T)", err, err)
	}
	if len(store.turns) != 1 || store.turns[0].State != "dead" {
		t.Fatalf("expected one dead-tier turn row, got %+v", store.turns)
	}
	if !containsSurvivalDeadPhrase(fatal.Error()) {
		t.Fatalf("expected fatal message to mention survival tier is dead, got %q", fatal.Error())
	}
}

func containsSurvivalDeadPhrase(s string) bool {
	return len(s) > 0 && (s == "tick refused: survival tier is dead" || stringsContains(s, "survival tier is dead"))
}

func stringsContains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestTick_DryRunRecordsRowAndSkipsBrain(t *testing.T) {
	store := newFakeStore()
	cfg := baseConfig()
	cfg.DryRun = true
	b := &fakeBrain{}
	o := orchestrator.New(cfg, store, b, &fakeExecutor{succeed: true}, &fakeAlerts{}, nil)

	if err := o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(store.turns) != 1 || store.turns[0].State != "dry_run" {
		t.Fatalf("expected one dry_run turn row, got %+v", store.turns)
	}
}

func TestTick_HappyPathExecutesActionsAndCompletesTurn(t *testing.T) {
	store := newFakeStore()
	out := brain.TurnOutput{
		Summary:     "did a thing",
		NextActions: []brain.Action{{Type: "record_fact", Params: map[string]any{"key": "k", "value": "v"}}},
		Integrity:   brain.IntegrityOK,
	}
	exec := &fakeExecutor{succeed: true}
	alerts := &fakeAlerts{}
	o := orchestrator.New(baseConfig(), store, &fakeBrain{out: out}, exec, alerts, nil)

	if err := o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(exec.executed) != 1 || exec.executed[0].Type != "record_fact" {
		t.Fatalf("expected the record_fact action to execute, got %+v", exec.executed)
	}
	if len(store.turns) != 1 || store.turns[0].State != "completed" {
		t.Fatalf("expected one completed turn row, got %+v", store.turns)
	}
	if len(store.telemetry) != 1 {
		t.Fatalf("expected one telemetry row, got %d", len(store.telemetry))
	}
	if len(store.episodes) != 1 || *store.episodes[0].ActionType != "autonomy_turn" {
		t.Fatalf("expected one autonomy_turn episode, got %+v", store.episodes)
	}
	if !alerts.called {
		t.Fatal("expected alert evaluation to run")
	}
	if len(store.agentStates) != 1 || store.agentStates[0] != state.AgentStateSleeping {
		t.Fatalf("expected agent state set to sleeping, got %+v", store.agentStates)
	}
}

func TestTick_MalformedOutputReplacesActionsWithNoop(t *testing.T) {
	store := newFakeStore()
	out := brain.TurnOutput{Integrity: brain.IntegrityMalformed, NextActions: []brain.Action{{Type: "noop", Reason: "invalid_json"}}}
	exec := &fakeExecutor{succeed: true}
	o := orchestrator.New(baseConfig(), store, &fakeBrain{out: out}, exec, &fakeAlerts{}, nil)

	if err := o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(exec.executed) != 1 || exec.executed[0].Type != "noop" {
		t.Fatalf("expected a single noop action, got %+v", exec.executed)
	}
	if len(store.incidents) != 1 {
		t.Fatalf("expected exactly one incident, got %+v", store.incidents)
	}
	if store.incidents[0].Code != "BRAIN_OUTPUT_MALFORMED" || store.incidents[0].Severity != state.SeverityError {
		t.Fatalf("expected a BRAIN_OUTPUT_MALFORMED incident of severity error, got %+v", store.incidents[0])
	}
	if *store.episodes[0].ActionType != "autonomy_idle" {
		t.Fatalf("expected autonomy_idle episode for a noop-only turn, got %q", *store.episodes[0].ActionType)
	}
}

// TestTick_MissingAPIKeyProducesExactlyOneMalformedIncident covers the
// literal missing_api_key end-to-end scenario: brain.GenerateTurn never
// returns a Go error, so a missing-key failure surfaces only as a
// malformed TurnOutput caught by validation, not as a second
// BRAIN_REQUEST_FAILED incident from a nonexistent exception path.
func TestTick_MissingAPIKeyProducesExactlyOneMalformedIncident(t *testing.T) {
	store := newFakeStore()
	out := brain.TurnOutput{Integrity: brain.IntegrityMalformed, NextActions: []brain.Action{{Type: "noop", Reason: "missing_api_key"}}}
	o := orchestrator.New(baseConfig(), store, &fakeBrain{out: out}, &fakeExecutor{succeed: true}, &fakeAlerts{}, nil)

	if err := o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(store.incidents) != 1 {
		t.Fatalf("expected exactly one incident for a missing api key turn, got %+v", store.incidents)
	}
	if store.incidents[0].Code != "BRAIN_OUTPUT_MALFORMED" || store.incidents[0].Severity != state.SeverityError {
		t.Fatalf("expected a BRAIN_OUTPUT_MALFORMED incident of severity error, got %+v", store.incidents[0])
	}
}

func TestTick_BrainFailureStreakReachesStopThreshold(t *testing.T) {
	store := newFakeStore()
	cfg := baseConfig()
	cfg.MaxBrainFailuresBeforeStop = 2
	out := brain.TurnOutput{Integrity: brain.IntegrityMalformed, NextActions: []brain.Action{{Type: "noop", Reason: "transport_error"}}}
	o := orchestrator.New(cfg, store, &fakeBrain{out: out}, &fakeExecutor{succeed: true}, &fakeAlerts{}, nil)

	var lastErr error
	for i := 0; i < 2; i++ {
		lastErr = o.Tick(context.Background())
	}
	if _, ok := lastErr.(*orchestrator.FatalTickError); !ok {
		t.Fatalf("expected FatalTickError on the second consecutive failure, got %v (%T)", lastErr, lastErr)
	}
}
