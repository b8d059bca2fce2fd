package orchestrator

import (
	"context"
	"time"

	"github.com/aethernet/core/internal/brain"
	"github.com/aethernet/core/internal/executor"
	"github.com/aethernet/core/internal/state"
	"github.com/aethernet/core/internal/survival"
)

// Store is the state-store surface the orchestrator reads and writes
// directly, beyond what it delegates to the action executor.
type Store interface {
	GetEmergencyState(ctx context.Context) (state.EmergencyState, error)
	InsertMessage(ctx context.Context, m state.Message) (string, error)
	PollMessages(ctx context.Context, limit int) ([]state.Message, error)
	MarkMessageProcessed(ctx context.Context, id string) error
	CountMessages(ctx context.Context) (int, error)
	ListMemoryFacts(ctx context.Context) ([]state.MemoryFact, error)
	RecentMemoryEpisodes(ctx context.Context, limit int) ([]state.MemoryEpisode, error)
	RecentTurns(ctx context.Context, limit int) ([]state.Turn, error)
	UpsertMemoryFact(ctx context.Context, f state.MemoryFact) error
	InsertMemoryEpisode(ctx context.Context, e state.MemoryEpisode) error
	InsertTurn(ctx context.Context, t state.Turn) error
	InsertTurnTelemetry(ctx context.Context, tt state.TurnTelemetry) error
	InsertIncident(ctx context.Context, inc state.Incident) (string, error)
	CountIncidentsSince(ctx context.Context, minSeverity string, since time.Time) (int, error)
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
	SetAgentState(ctx context.Context, status string) error
}

// BrainClient generates one tick's plan. It never returns a Go error;
// transport or parse failures are reported via TurnOutput.Integrity.
type BrainClient interface {
	GenerateTurn(ctx context.Context, in brain.TurnInput) brain.TurnOutput
}

// ActionExecutor runs one action through its gates and dispatch.
type ActionExecutor interface {
	Execute(ctx context.Context, action brain.Action) executor.ActionOutcome
}

// AlertEvaluator evaluates alert candidates once a tick's actions have
// all run.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, tc survival.TickContext) error
}

// InboundMessage is one item read from an external messaging transport's
// poll call.
type InboundMessage struct {
	From      string
	To        string
	ThreadID  *string
	Content   string
	Timestamp time.Time
}

// Poller syncs inbound messages from an external transport into the
// store before a tick reads its inbox. A nil Poller is valid: the tick
// then only sees whatever is already queued in the store (e.g. from the
// local HTTP surface).
type Poller interface {
	Poll(ctx context.Context, since time.Time, limit int) ([]InboundMessage, error)
}

// FatalTickError reports a refused tick. The daemon counts it like any
// other tick error toward its consecutive-error stop, and inspects its
// message for the literal substring "survival tier is dead" to mark the
// agent dead and stop at once.
type FatalTickError struct {
	Reason string
}

func (e *FatalTickError) Error() string { return e.Reason }
