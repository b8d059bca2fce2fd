package orchestrator

import (
	"context"

	"github.com/aethernet/core/internal/brain"
	"github.com/aethernet/core/internal/state"
)

const (
	maxMemoryFacts    = 150
	maxMemoryEpisodes = 150
	maxRecentTurns    = 20
)

// buildTurnInput assembles the context bundle sent to the brain: the
// agent's identity and survival posture, its pending inbox, and bounded
// slices of memory and turn history. Everything beyond brain.TurnInput's
// own fields (operator prompt, skills, tool sources, recent turns and
// episodes, available actions) rides in Metadata, since the brain
// envelope treats context as a single attribute bag.
func (o *Orchestrator) buildTurnInput(ctx context.Context, tier string, queueDepth int, inbox []state.Message) (brain.TurnInput, error) {
	facts, err := o.store.ListMemoryFacts(ctx)
	if err != nil {
		return brain.TurnInput{}, err
	}
	if len(facts) > maxMemoryFacts {
		facts = facts[:maxMemoryFacts]
	}

	episodes, err := o.store.RecentMemoryEpisodes(ctx, maxMemoryEpisodes)
	if err != nil {
		return brain.TurnInput{}, err
	}

	turns, err := o.store.RecentTurns(ctx, maxRecentTurns)
	if err != nil {
		return brain.TurnInput{}, err
	}

	messages := make([]brain.TurnMessage, 0, len(inbox))
	for _, m := range inbox {
		messages = append(messages, brain.TurnMessage{From: m.From, Content: m.Content})
	}

	turnFacts := make([]brain.TurnFact, 0, len(facts))
	for _, f := range facts {
		turnFacts = append(turnFacts, brain.TurnFact{Key: f.Key, Value: f.Value})
	}

	return brain.TurnInput{
		AgentAddress: o.cfg.AgentAddress,
		ChainDefault: o.cfg.ChainDefault,
		SurvivalTier: tier,
		QueueDepth:   queueDepth,
		Messages:     messages,
		MemoryFacts:  turnFacts,
		Metadata: map[string]any{
			"estimatedUsd":     o.cfg.LiquidityEstimateUsd,
			"operatorPrompt":   o.cfg.OperatorPrompt,
			"skills":           o.cfg.Skills,
			"toolSources":      o.cfg.ToolSourceIDs,
			"availableActions": actionTypes(),
			"recentTurns":      turns,
			"recentEpisodes":   episodes,
			"recentTurnCount":  len(turns),
			"recentEpisodeCount": len(episodes),
		},
	}, nil
}

func actionTypes() []string {
	return []string{
		"send_message", "replicate", "self_modify", "record_fact",
		"record_episode", "invoke_tool", "sleep", "noop",
	}
}
