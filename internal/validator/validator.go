// Package validator implements the turn validator: pure, in-memory
// enforcement of the action allowlist and numeric bounds against a
// brain-produced TurnOutput, with no I/O of its own.
package validator

import (
	"fmt"
	"strings"

	"github.com/aethernet/core/internal/brain"
)

// AllowedActionTypes is the closed set of action types a turn may use.
var AllowedActionTypes = map[string]bool{
	"send_message":   true,
	"replicate":      true,
	"self_modify":    true,
	"record_fact":    true,
	"record_episode": true,
	"invoke_tool":    true,
	"sleep":          true,
	"noop":           true,
}

// Limits bounds how large and how long a turn's plan may be.
type Limits struct {
	MaxActions int
	MaxSleepMs int64
}

// Policy controls whether any validation error is fatal to the turn, or
// only structural ones.
type Policy struct {
	StrictAllowlist bool
	Allowlist       map[string]bool // nil means "use AllowedActionTypes"
}

// Result is the validator's verdict.
type Result struct {
	Malformed bool
	Errors    []string
	Output    brain.TurnOutput
}

// Validate applies the seven-step procedure from the turn validator's
// design to a brain.TurnOutput.
func Validate(in brain.TurnOutput, limits Limits, pol Policy) Result {
	allowlist := pol.Allowlist
	if allowlist == nil {
		allowlist = AllowedActionTypes
	}

	var errs []string
	structuralError := false

	if in.Integrity == brain.IntegrityMalformed {
		errs = append(errs, "provider_marked_malformed")
		structuralError = true
	}
	if strings.TrimSpace(in.Summary) == "" {
		errs = append(errs, "missing_summary")
		structuralError = true
	}
	if len(in.NextActions) == 0 {
		errs = append(errs, "missing_actions")
		structuralError = true
	}

	maxActions := limits.MaxActions
	if maxActions < 1 {
		maxActions = 1
	}
	actions := in.NextActions
	if len(actions) > maxActions {
		actions = actions[:maxActions]
	}

	var filtered []brain.Action
	for _, a := range actions {
		if !allowlist[a.Type] {
			errs = append(errs, fmt.Sprintf("action_not_allowed:%s", a.Type))
			continue
		}
		filtered = append(filtered, a)
	}

	var sleepMs *int64
	if in.SleepMs != nil {
		v := *in.SleepMs
		if v < 0 {
			v = 0
		}
		if v > limits.MaxSleepMs {
			v = limits.MaxSleepMs
		}
		sleepMs = &v
	}

	hasAnyError := len(errs) > 0
	malformed := (pol.StrictAllowlist && hasAnyError) || (!pol.StrictAllowlist && structuralError)

	if len(filtered) == 0 {
		filtered = []brain.Action{{Type: "noop", Reason: "no_actions"}}
	}

	summary := strings.TrimSpace(in.Summary)
	if summary == "" {
		summary = "Autonomous turn completed."
	}

	out := brain.TurnOutput{
		Summary:      summary,
		NextActions:  filtered,
		MemoryWrites: in.MemoryWrites,
		SleepMs:      sleepMs,
		Integrity:    in.Integrity,
	}

	return Result{Malformed: malformed, Errors: errs, Output: out}
}
