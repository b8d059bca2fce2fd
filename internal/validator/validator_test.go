package validator_test

import (
	"testing"

	"github.com/aethernet/core/internal/brain"
	"github.com/aethernet/core/internal/validator"
)

func TestValidate_TruncatesToMaxActionsPreservingOrder(t *testing.T) {
	in := brain.TurnOutput{
		Summary:   "plan",
		Integrity: brain.IntegrityOK,
		NextActions: []brain.Action{
			{Type: "record_fact"}, {Type: "record_episode"}, {Type: "sleep"},
		},
	}
	res := validator.Validate(in, validator.Limits{MaxActions: 2, MaxSleepMs: 60000}, validator.Policy{})
	if len(res.Output.NextActions) != 2 {
		t.Fatalf("expected truncation to 2, got %d", len(res.Output.NextActions))
	}
	if res.Output.NextActions[0].Type != "record_fact" || res.Output.NextActions[1].Type != "record_episode" {
		t.Fatalf("order not preserved: %+v", res.Output.NextActions)
	}
}

func TestValidate_DropsDisallowedActionType(t *testing.T) {
	in := brain.TurnOutput{
		Summary:   "plan",
		Integrity: brain.IntegrityOK,
		NextActions: []brain.Action{
			{Type: "shell_exec"}, {Type: "noop"},
		},
	}
	res := validator.Validate(in, validator.Limits{MaxActions: 8, MaxSleepMs: 60000}, validator.Policy{})
	if len(res.Output.NextActions) != 1 || res.Output.NextActions[0].Type != "noop" {
		t.Fatalf("expected only noop to survive, got %+v", res.Output.NextActions)
	}
	found := false
	for _, e := range res.Errors {
		if e == "action_not_allowed:shell_exec" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected action_not_allowed error, got %v", res.Errors)
	}
}

func TestValidate_ClampsSleepMsIntoRange(t *testing.T) {
	over := int64(999999)
	in := brain.TurnOutput{Summary: "s", Integrity: brain.IntegrityOK, NextActions: []brain.Action{{Type: "noop"}}, SleepMs: &over}
	res := validator.Validate(in, validator.Limits{MaxActions: 8, MaxSleepMs: 60000}, validator.Policy{})
	if res.Output.SleepMs == nil || *res.Output.SleepMs != 60000 {
		t.Fatalf("sleepMs = %v, want clamped to 60000", res.Output.SleepMs)
	}

	neg := int64(-500)
	in2 := brain.TurnOutput{Summary: "s", Integrity: brain.IntegrityOK, NextActions: []brain.Action{{Type: "noop"}}, SleepMs: &neg}
	res2 := validator.Validate(in2, validator.Limits{MaxActions: 8, MaxSleepMs: 60000}, validator.Policy{})
	if res2.Output.SleepMs == nil || *res2.Output.SleepMs != 0 {
		t.Fatalf("sleepMs = %v, want clamped to 0", res2.Output.SleepMs)
	}
}

func TestValidate_EmptyFilteredActionsSynthesizesNoop(t *testing.T) {
	in := brain.TurnOutput{
		Summary:     "plan",
		Integrity:   brain.IntegrityOK,
		NextActions: []brain.Action{{Type: "shell_exec"}},
	}
	res := validator.Validate(in, validator.Limits{MaxActions: 8, MaxSleepMs: 60000}, validator.Policy{})
	if len(res.Output.NextActions) != 1 || res.Output.NextActions[0].Type != "noop" || res.Output.NextActions[0].Reason != "no_actions" {
		t.Fatalf("expected synthesized noop, got %+v", res.Output.NextActions)
	}
}

func TestValidate_MissingSummaryFallsBackButIsStructuralError(t *testing.T) {
	in := brain.TurnOutput{Integrity: brain.IntegrityOK, NextActions: []brain.Action{{Type: "noop"}}}
	res := validator.Validate(in, validator.Limits{MaxActions: 8, MaxSleepMs: 60000}, validator.Policy{StrictAllowlist: false})
	if res.Output.Summary != "Autonomous turn completed." {
		t.Fatalf("summary = %q", res.Output.Summary)
	}
	if !res.Malformed {
		t.Fatal("expected missing_summary to be a structural error making the turn malformed even in non-strict mode")
	}
}

func TestValidate_NonStrictModeTolerantOfNonStructuralErrors(t *testing.T) {
	in := brain.TurnOutput{
		Summary:     "plan",
		Integrity:   brain.IntegrityOK,
		NextActions: []brain.Action{{Type: "shell_exec"}, {Type: "noop"}},
	}
	res := validator.Validate(in, validator.Limits{MaxActions: 8, MaxSleepMs: 60000}, validator.Policy{StrictAllowlist: false})
	if res.Malformed {
		t.Fatal("expected non-strict mode to tolerate a dropped-action error as long as a plan survives")
	}
}

func TestValidate_StrictModeAnyErrorIsMalformed(t *testing.T) {
	in := brain.TurnOutput{
		Summary:     "plan",
		Integrity:   brain.IntegrityOK,
		NextActions: []brain.Action{{Type: "shell_exec"}, {Type: "noop"}},
	}
	res := validator.Validate(in, validator.Limits{MaxActions: 8, MaxSleepMs: 60000}, validator.Policy{StrictAllowlist: true})
	if !res.Malformed {
		t.Fatal("expected strict mode to treat any error as malformed")
	}
}
