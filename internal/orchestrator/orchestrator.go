// Package orchestrator implements the turn orchestrator: the single
// think-validate-act tick that ties the brain, validator, action
// executor, and survival evaluator together against the state store.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aethernet/core/internal/brain"
	"github.com/aethernet/core/internal/executor"
	"github.com/aethernet/core/internal/state"
	"github.com/aethernet/core/internal/survival"
	"github.com/aethernet/core/internal/validator"
)

// Config bounds one tick's behavior.
type Config struct {
	AgentAddress string
	ChainDefault string
	DryRun       bool

	MaxActionsPerTurn          int
	MaxSleepMs                 int64
	DefaultIntervalMs          int64
	MaxBrainFailuresBeforeStop int
	StrictAllowlist            bool

	LiquidityEstimateUsd float64
	SurvivalThresholds   survival.Thresholds

	OperatorPrompt string
	Skills         []string
	ToolSourceIDs  []string
}

// Orchestrator runs one tick at a time. It holds no long-lived run loop
// of its own; the daemon scheduler drives repeated calls to Tick.
type Orchestrator struct {
	cfg      Config
	store    Store
	brain    BrainClient
	executor ActionExecutor
	alerts   AlertEvaluator
	poller   Poller
	logger   *slog.Logger
}

func New(cfg Config, store Store, b BrainClient, exec ActionExecutor, alerts AlertEvaluator, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, store: store, brain: b, executor: exec, alerts: alerts, logger: logger}
}

func (o *Orchestrator) WithPoller(p Poller) *Orchestrator { o.poller = p; return o }

const (
	turnStateCompleted = "completed"
	turnStateDryRun     = "dry_run"
	turnStateDead       = "dead"

	kvLastPollAt = "xmtp_last_poll_at"
)

// Tick runs one full orchestrator cycle. A *FatalTickError return means
// the tick was refused (the emergency switch is on, the survival tier is
// dead, or the brain failure streak reached its stop threshold); any
// other error is an unexpected failure inside the tick. The daemon counts
// both kinds alike toward its consecutive-error stop, and stops at once
// only when the message contains "survival tier is dead".
func (o *Orchestrator) Tick(ctx context.Context) error {
	// 1. Emergency gate.
	es, err := o.store.GetEmergencyState(ctx)
	if err != nil {
		return fmt.Errorf("read emergency state: %w", err)
	}
	if es.Enabled {
		return &FatalTickError{Reason: "tick refused: emergency stop enabled"}
	}

	// 2. Survival tier.
	tier := survival.ComputeTier(o.cfg.LiquidityEstimateUsd, o.cfg.SurvivalThresholds)
	if tier == survival.TierDead {
		if err := o.recordSnapshotTurn(ctx, turnStateDead, tier, 0); err != nil {
			o.logger.Error("failed to persist dead-tier snapshot turn", "error", err)
		}
		return &FatalTickError{Reason: "tick refused: survival tier is dead"}
	}

	// 3. Dry run.
	if o.cfg.DryRun {
		queueDepth, _ := o.store.CountMessages(ctx)
		return o.recordSnapshotTurn(ctx, turnStateDryRun, tier, queueDepth)
	}

	// 4. Inbox sync from the external transport, if one is configured.
	if o.poller != nil {
		since := o.lastPollAt(ctx)
		inbound, err := o.poller.Poll(ctx, since, 50)
		if err != nil {
			o.logger.Warn("inbox poll failed", "error", err)
		}
		for _, m := range inbound {
			_, _ = o.store.InsertMessage(ctx, toStoredMessage(m))
		}
		_ = o.store.SetKV(ctx, kvLastPollAt, time.Now().UTC().Format(time.RFC3339Nano))
	}

	// 5. Inbox claim.
	queueDepth, err := o.store.CountMessages(ctx)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	inbox, err := o.store.PollMessages(ctx, 25)
	if err != nil {
		return fmt.Errorf("poll messages: %w", err)
	}
	for _, m := range inbox {
		if err := o.store.MarkMessageProcessed(ctx, m.ID); err != nil {
			o.logger.Warn("failed to mark message processed", "message_id", m.ID, "error", err)
		}
	}

	// 6. Assemble turn input.
	turnInput, err := o.buildTurnInput(ctx, tier, queueDepth, inbox)
	if err != nil {
		return fmt.Errorf("assemble turn input: %w", err)
	}

	// 7. Call the brain. GenerateTurn never returns a Go error: every
	// transport or parsing failure surfaces as a malformed TurnOutput, so
	// there is no separate "on exception" path to handle here.
	start := time.Now()
	out := o.brain.GenerateTurn(ctx, turnInput)
	brainDurationMs := time.Since(start).Milliseconds()

	// 8. Validate.
	result := validator.Validate(out, validator.Limits{
		MaxActions: o.cfg.MaxActionsPerTurn,
		MaxSleepMs: o.cfg.MaxSleepMs,
	}, validator.Policy{StrictAllowlist: o.cfg.StrictAllowlist})
	if result.Malformed {
		_, _ = o.store.InsertIncident(ctx, incidentRow("BRAIN_OUTPUT_MALFORMED", state.SeverityError, "brain",
			"turn output failed validation: "+strings.Join(result.Errors, ", ")))
	}

	// 9. Brain-failure streak.
	brainFailed := out.Integrity == brain.IntegrityMalformed || result.Malformed
	streak := o.updateBrainFailureStreak(ctx, brainFailed)
	if streak >= o.cfg.MaxBrainFailuresBeforeStop {
		_, _ = o.store.InsertIncident(ctx, incidentRow("BRAIN_REQUEST_FAILED", "critical", "brain",
			fmt.Sprintf("brain failure streak %d reached stop threshold %d", streak, o.cfg.MaxBrainFailuresBeforeStop)))
		return &FatalTickError{Reason: fmt.Sprintf("tick refused: brain failure streak %d reached stop threshold", streak)}
	}

	// 10. Determine executable actions.
	actions := result.Output.NextActions
	if result.Malformed {
		actions = []brain.Action{{Type: "noop", Reason: "malformed_turn_output"}}
	}

	// 11. Execute actions in order.
	actionFailures := 0
	anyNonNoop := false
	for _, action := range actions {
		if action.Type != "noop" {
			anyNonNoop = true
		}
		outcome := o.executor.Execute(ctx, action)
		if !outcome.Succeeded {
			actionFailures++
			o.logger.Warn("action failed", "action_type", action.Type, "code", outcome.Code, "message", outcome.Message)
			_, _ = o.store.InsertIncident(ctx, incidentRow(outcome.Code, actionFailureSeverity(outcome.Code), "action_executor", outcome.Message))
		}
		for _, w := range outcome.Warnings {
			o.logger.Warn("action warning", "action_type", action.Type, "code", w.Code, "message", w.Message)
			_, _ = o.store.InsertIncident(ctx, incidentRow(w.Code, state.SeverityWarning, "action_executor", w.Message))
		}
	}

	// 12. Apply memory writes (facts only; the brain's plan carries no
	// separate episode list — the per-turn episode at step 13 is the
	// only episode write).
	if !result.Malformed {
		for _, w := range result.Output.MemoryWrites {
			if strings.TrimSpace(w.Key) == "" {
				continue
			}
			_ = o.store.UpsertMemoryFact(ctx, memoryFactFrom(w))
		}
	}

	// 13. Always append a turn-summary episode.
	actionType := "autonomy_idle"
	if anyNonNoop {
		actionType = "autonomy_turn"
	}
	_ = o.store.InsertMemoryEpisode(ctx, turnEpisode(result.Output.Summary, actionType))

	// 14. Next sleep.
	nextSleepMs := o.cfg.DefaultIntervalMs
	if result.Output.SleepMs != nil {
		nextSleepMs = *result.Output.SleepMs
	}
	_ = o.store.SetKV(ctx, "autonomy_next_sleep_ms", strconv.FormatInt(nextSleepMs, 10))

	// 15. Turn + telemetry rows.
	turnID, err := o.insertTurnRow(ctx, turnStateCompleted, result.Output, queueDepth, brainDurationMs)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	if err := o.store.InsertTurnTelemetry(ctx, telemetryRow(turnID, tier, o.cfg.LiquidityEstimateUsd, queueDepth,
		len(actions), actionFailures, brainDurationMs, streak)); err != nil {
		return fmt.Errorf("insert turn telemetry: %w", err)
	}

	// 16. Alert evaluation.
	criticalIncidents, _ := o.store.CountIncidentsSince(ctx, "critical",
		time.Now().Add(-time.Duration(o.cfg.SurvivalThresholds.EvaluationWindowMinutes)*time.Minute))
	if err := o.alerts.Evaluate(ctx, survival.TickContext{
		SurvivalTier:          tier,
		QueueDepth:            queueDepth,
		BrainFailureStreak:    streak,
		CriticalIncidentCount: criticalIncidents,
	}); err != nil {
		o.logger.Warn("alert evaluation failed", "error", err)
	}

	// 17. Agent state.
	return o.store.SetAgentState(ctx, state.AgentStateSleeping)
}

func (o *Orchestrator) recordSnapshotTurn(ctx context.Context, turnState, tier string, queueDepth int) error {
	turnID, err := o.insertTurnRow(ctx, turnState, brain.TurnOutput{Summary: turnState}, queueDepth, 0)
	if err != nil {
		return err
	}
	return o.store.InsertTurnTelemetry(ctx, telemetryRow(turnID, tier, o.cfg.LiquidityEstimateUsd, queueDepth, 0, 0, 0, 0))
}

func (o *Orchestrator) lastPollAt(ctx context.Context) time.Time {
	raw, ok, err := o.store.GetKV(ctx, kvLastPollAt)
	if err != nil || !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (o *Orchestrator) updateBrainFailureStreak(ctx context.Context, failed bool) int {
	raw, ok, _ := o.store.GetKV(ctx, "brain_failure_streak_v1")
	streak := 0
	if ok {
		streak, _ = strconv.Atoi(raw)
	}
	if failed {
		streak++
	} else {
		streak = 0
	}
	_ = o.store.SetKV(ctx, "brain_failure_streak_v1", strconv.Itoa(streak))
	return streak
}

func toStoredMessage(m InboundMessage) state.Message {
	return state.Message{
		From:       m.From,
		To:         m.To,
		ThreadID:   m.ThreadID,
		Content:    m.Content,
		ReceivedAt: m.Timestamp,
	}
}

func (o *Orchestrator) insertTurnRow(ctx context.Context, turnState string, out brain.TurnOutput, queueDepth int, brainDurationMs int64) (string, error) {
	outputBytes, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal turn output: %w", err)
	}
	turn := state.Turn{
		ID:        "turn_" + uuid.NewString(),
		Timestamp: time.Now(),
		State:     turnState,
		Output:    outputBytes,
		Metadata: map[string]any{
			"queueDepth":       queueDepth,
			"brainDurationMs":  brainDurationMs,
			"promptTokens":     out.PromptTokens,
			"completionTokens": out.CompletionTokens,
			"estimatedCostUsd": out.EstimatedCostUSD,
		},
	}
	if err := o.store.InsertTurn(ctx, turn); err != nil {
		return "", err
	}
	return turn.ID, nil
}

func incidentRow(code, severity, category, message string) state.Incident {
	return state.Incident{Code: code, Severity: severity, Category: category, Message: message, Timestamp: time.Now()}
}

// actionFailureSeverity mirrors the executor's own gate-error
// classification: a security-policy refusal is an error, every other
// gate/dispatch failure is a warning.
func actionFailureSeverity(code string) string {
	if code == executor.CodeSecurityPolicy {
		return state.SeverityError
	}
	return state.SeverityWarning
}

func memoryFactFrom(w brain.MemoryWrite) state.MemoryFact {
	return state.MemoryFact{Key: w.Key, Value: w.Value, Confidence: w.Confidence, Source: "brain", UpdatedAt: time.Now()}
}

func turnEpisode(summary, actionType string) state.MemoryEpisode {
	at := actionType
	return state.MemoryEpisode{Summary: summary, ActionType: &at, CreatedAt: time.Now()}
}

func telemetryRow(turnID, tier string, estimatedUsd float64, queueDepth, actionsTotal, actionFailures int, brainDurationMs int64, brainFailures int) state.TurnTelemetry {
	return state.TurnTelemetry{
		TurnID:          turnID,
		SurvivalTier:    tier,
		EstimatedUSD:    estimatedUsd,
		QueueDepth:      queueDepth,
		ActionsTotal:    actionsTotal,
		ActionFailures:  actionFailures,
		BrainDurationMs: brainDurationMs,
		BrainFailures:   brainFailures,
	}
}
