package tools

import (
	"context"

	"github.com/aethernet/core/internal/state"
)

// StateReader is the narrow read-only slice of the state store the
// internal adapter is allowed to touch.
type StateReader interface {
	RecentMemoryEpisodes(ctx context.Context, limit int) ([]state.MemoryEpisode, error)
	ListMemoryFacts(ctx context.Context) ([]state.MemoryFact, error)
	CountMessages(ctx context.Context) (int, error)
	PollMessages(ctx context.Context, limit int) ([]state.Message, error)
	GetLatestSurvivalSnapshot(ctx context.Context) (state.SurvivalSnapshot, bool, error)
}

// InternalAdapter exposes a fixed, read-only surface over the state
// store: agent status, memory facts, memory episodes, message threads,
// latest survival snapshot, queue depth. It performs no writes.
type InternalAdapter struct {
	Store StateReader
}

func (a *InternalAdapter) Invoke(ctx context.Context, _ Source, inv Invocation) Result {
	switch inv.ToolName {
	case "agent_status":
		depth, err := a.Store.CountMessages(ctx)
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		snap, ok, err := a.Store.GetLatestSurvivalSnapshot(ctx)
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		out := map[string]any{"queue_depth": depth}
		if ok {
			out["survival_tier"] = snap.SurvivalTier
			out["estimated_usd"] = snap.EstimatedUSD
		}
		return Result{OK: true, Output: out}

	case "memory_facts":
		facts, err := a.Store.ListMemoryFacts(ctx)
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		return Result{OK: true, Output: facts}

	case "memory_episodes":
		limit := 20
		if n, ok := inv.Input["limit"].(float64); ok && n > 0 {
			limit = int(n)
		}
		episodes, err := a.Store.RecentMemoryEpisodes(ctx, limit)
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		return Result{OK: true, Output: episodes}

	case "message_threads":
		limit := 20
		if n, ok := inv.Input["limit"].(float64); ok && n > 0 {
			limit = int(n)
		}
		msgs, err := a.Store.PollMessages(ctx, limit)
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		return Result{OK: true, Output: msgs}

	case "queue_depth":
		depth, err := a.Store.CountMessages(ctx)
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		return Result{OK: true, Output: map[string]any{"queue_depth": depth}}

	default:
		return Result{OK: false, Error: "unknown_tool"}
	}
}
