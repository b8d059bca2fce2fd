package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/aethernet/core/internal/brain"
	"github.com/aethernet/core/internal/state"
	"github.com/aethernet/core/internal/tools"
)

// dispatch runs the execution semantics for an action that has already
// cleared every gate.
func (e *Executor) dispatch(ctx context.Context, action brain.Action) (any, error) {
	switch action.Type {
	case "send_message":
		return e.execSendMessage(ctx, action)
	case "replicate":
		return e.execReplicate(ctx, action)
	case "self_modify":
		return e.execSelfModify(ctx, action)
	case "record_fact":
		return e.execRecordFact(ctx, action)
	case "record_episode":
		return e.execRecordEpisode(ctx, action)
	case "invoke_tool":
		return e.execInvokeTool(ctx, action)
	case "sleep":
		return e.execSleep(ctx, action)
	case "noop":
		return nil, nil
	default:
		return nil, actionFailed("unknown action type: " + action.Type)
	}
}

func (e *Executor) execSendMessage(ctx context.Context, action brain.Action) (any, error) {
	to := stringParam(action.Params, "to")
	content := stringParam(action.Params, "content")
	if to == "" || content == "" {
		return nil, actionFailed("send_message requires non-empty to and content")
	}
	var threadID *string
	if t := stringParam(action.Params, "threadId"); t != "" {
		threadID = &t
	}

	if e.messenger == nil {
		return nil, actionFailed("no messaging transport configured")
	}
	if err := e.messenger.Send(ctx, to, content, threadID); err != nil {
		return nil, actionFailed("send_message transport error: " + err.Error())
	}

	if e.store != nil {
		_, _ = e.store.InsertMessage(ctx, state.Message{
			From:       "self",
			To:         to,
			ThreadID:   threadID,
			Content:    content,
			ReceivedAt: time.Now(),
		})
	}
	return map[string]string{"to": to}, nil
}

func (e *Executor) execReplicate(ctx context.Context, action brain.Action) (any, error) {
	if e.compute == nil {
		return nil, actionFailed("no compute provider configured")
	}

	plan := ReplicatePlan{
		Name:               stringParam(action.Params, "name"),
		GenesisPrompt:      stringParam(action.Params, "genesisPrompt"),
		ParentAddress:      stringParam(action.Params, "parentAddress"),
		CreatorAddress:     stringParam(action.Params, "creatorAddress"),
		InitialFundingUSDC: "0",
	}
	if plan.Name == "" {
		plan.Name = defaultOr(e.cfg.DefaultChildName, "aethernet-child")
	}
	if plan.GenesisPrompt == "" {
		plan.GenesisPrompt = defaultOr(e.cfg.DefaultGenesisPrompt, "You are a newly replicated autonomous agent. Introduce yourself to your parent.")
	}
	if amt := fundingAmount(action.Params); amt > 0 {
		plan.InitialFundingUSDC = stringParam(action.Params, "initialFundingUsdc")
	}

	if e.signer != nil {
		addr, keystore, err := e.signer.GenerateChildKeystore(ctx)
		if err != nil {
			return nil, actionFailed("child signer generation failed: " + err.Error())
		}
		plan.ChildAddress = addr
		plan.KeystoreJSON = keystore
	}

	result, err := e.compute.Allocate(ctx, plan)
	if err != nil {
		return nil, actionFailed("sandbox allocation failed: " + err.Error())
	}

	if e.funder != nil && plan.InitialFundingUSDC != "0" && plan.InitialFundingUSDC != "" {
		if err := e.funder.Fund(ctx, result.ChildAddress, plan.InitialFundingUSDC); err != nil {
			e.warn(CodeActionFailed, "replicate funding failed: "+err.Error())
		}
	}

	if e.store != nil {
		outcome, actionType := "ok", "replicate"
		_ = e.store.InsertMemoryEpisode(ctx, state.MemoryEpisode{
			Summary:    fmt.Sprintf("replicated child %s (%s)", result.ChildID, result.ChildAddress),
			Outcome:    &outcome,
			ActionType: &actionType,
			Metadata:   map[string]any{"child_id": result.ChildID, "child_address": result.ChildAddress},
			CreatedAt:  time.Now(),
		})
		if e.messenger != nil {
			lineageMsg := fmt.Sprintf("lineage-init: you were replicated from %s", plan.ParentAddress)
			if err := e.messenger.Send(ctx, result.ChildAddress, lineageMsg, nil); err != nil {
				e.warn(CodeActionFailed, "lineage-init message failed: "+err.Error())
			}
		}
	}

	return result, nil
}

func (e *Executor) execSelfModify(ctx context.Context, action brain.Action) (any, error) {
	if e.selfmod == nil {
		return nil, actionFailed("no self-mod engine configured")
	}
	res, err := e.selfmod.Apply(ctx, action.Params)
	if err != nil {
		return nil, securityPolicyViolation("self_modify denied: " + err.Error())
	}
	return res, nil
}

func (e *Executor) execRecordFact(ctx context.Context, action brain.Action) (any, error) {
	key := stringParam(action.Params, "key")
	value := stringParam(action.Params, "value")
	if key == "" {
		return nil, actionFailed("record_fact requires a non-empty key")
	}
	confidence := 0.5
	if v, ok := action.Params["confidence"].(float64); ok {
		confidence = v
	}
	source := stringParam(action.Params, "source")
	if e.store == nil {
		return nil, actionFailed("no state store configured")
	}
	if err := e.store.UpsertMemoryFact(ctx, state.MemoryFact{
		Key:        key,
		Value:      value,
		Confidence: confidence,
		Source:     source,
		UpdatedAt:  time.Now(),
	}); err != nil {
		return nil, actionFailed("record_fact persist failed: " + err.Error())
	}
	return map[string]string{"key": key}, nil
}

func (e *Executor) execRecordEpisode(ctx context.Context, action brain.Action) (any, error) {
	summary := stringParam(action.Params, "summary")
	if summary == "" {
		return nil, actionFailed("record_episode requires a non-empty summary")
	}
	if e.store == nil {
		return nil, actionFailed("no state store configured")
	}
	var outcomePtr, actionTypePtr *string
	if v := stringParam(action.Params, "outcome"); v != "" {
		outcomePtr = &v
	}
	if v := stringParam(action.Params, "actionType"); v != "" {
		actionTypePtr = &v
	}
	if err := e.store.InsertMemoryEpisode(ctx, state.MemoryEpisode{
		Summary:    summary,
		Outcome:    outcomePtr,
		ActionType: actionTypePtr,
		CreatedAt:  time.Now(),
	}); err != nil {
		return nil, actionFailed("record_episode persist failed: " + err.Error())
	}
	return nil, nil
}

func (e *Executor) execInvokeTool(ctx context.Context, action brain.Action) (any, error) {
	if e.toolz == nil {
		return nil, actionFailed("no tool registry configured")
	}
	sourceID := stringParam(action.Params, "sourceId", "source")
	toolName := stringParam(action.Params, "tool", "toolName")
	input, _ := action.Params["input"].(map[string]any)

	result := e.toolz.Invoke(ctx, tools.Invocation{SourceID: sourceID, ToolName: toolName, Input: input, Context: ctx})
	if !result.OK {
		return nil, actionFailed("invoke_tool failed: " + result.Error)
	}
	return result.Output, nil
}

func (e *Executor) execSleep(ctx context.Context, action brain.Action) (any, error) {
	sleepMs := int64(0)
	if v, ok := action.Params["sleepMs"].(float64); ok {
		sleepMs = int64(v)
	} else if v, ok := action.Params["durationMs"].(float64); ok {
		sleepMs = int64(v)
	}
	if sleepMs < 0 {
		sleepMs = 0
	}
	if e.cfg.MaxSleepMs > 0 && sleepMs > e.cfg.MaxSleepMs {
		sleepMs = e.cfg.MaxSleepMs
	}
	if e.store != nil {
		_ = e.store.SetKV(ctx, state.KVAutonomyNextSleepMs, fmt.Sprintf("%d", sleepMs))
	}
	return map[string]int64{"sleepMs": sleepMs}, nil
}

func defaultOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
