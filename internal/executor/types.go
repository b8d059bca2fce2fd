// Package executor implements the action executor: for each validated
// action it runs the ordered gates (allowlist, emergency/survival,
// wallet-session, chain-capability, self-modify-policy), then performs
// the action's execution semantics, with every side effect written
// through the state store.
package executor

import (
	"context"
	"time"

	"github.com/aethernet/core/internal/brain"
	"github.com/aethernet/core/internal/policy"
	"github.com/aethernet/core/internal/state"
	"github.com/aethernet/core/internal/tools"
)

// mutatingActionTypes gates the emergency/survival and wallet-session
// checks: only these action types can change the outside world.
var mutatingActionTypes = map[string]bool{
	"send_message": true,
	"replicate":    true,
	"self_modify":  true,
}

// walletGatedActionTypes require an active unlock session.
var walletGatedActionTypes = map[string]bool{
	"send_message": true,
	"replicate":    true,
}

// ActionOutcome is the per-action result of one Execute call. Incidents
// are written by the orchestrator loop from this outcome, never by the
// executor itself.
type ActionOutcome struct {
	Action    brain.Action
	Succeeded bool
	Code      string // incident code on failure, empty on success
	Message   string
	Output    any
	// Warnings are non-fatal sub-failures inside an otherwise-successful
	// action (e.g. a replicate whose child funding transfer failed).
	Warnings []ActionWarning
}

// ActionWarning is one non-fatal sub-failure surfaced alongside a
// successful ActionOutcome.
type ActionWarning struct {
	Code    string
	Message string
}

// StateStore is the narrow slice of internal/state consumed by the
// executor and its gates.
type StateStore interface {
	GetEmergencyState(ctx context.Context) (state.EmergencyState, error)
	GetLatestSurvivalSnapshot(ctx context.Context) (state.SurvivalSnapshot, bool, error)
	ActiveUnlockSession(ctx context.Context, now time.Time) (state.UnlockSession, bool, error)
	InsertMessage(ctx context.Context, m state.Message) (string, error)
	UpsertMemoryFact(ctx context.Context, f state.MemoryFact) error
	InsertMemoryEpisode(ctx context.Context, e state.MemoryEpisode) error
	SetKV(ctx context.Context, key, value string) error
}

// ChainPolicy resolves chain selectors and capability requirements. It is
// satisfied by policy.Policy and *policy.LivePolicy.
type ChainPolicy interface {
	ResolveChain(selector string) (policy.ChainProfile, bool)
	RequiredCapability(actionType string, hasFunding bool) string
	ChainSupports(profile policy.ChainProfile, capability string) bool
	AllowSelfModify() bool
}

// Messenger sends an outbound message through whichever transport
// internal/messaging has configured for the destination.
type Messenger interface {
	Send(ctx context.Context, to, content string, threadID *string) error
}

// ComputeProvider allocates a child sandbox for a replicate action.
type ComputeProvider interface {
	Allocate(ctx context.Context, plan ReplicatePlan) (ReplicateResult, error)
}

// ReplicatePlan is the normalized set of parameters for a replicate action.
type ReplicatePlan struct {
	Name               string
	GenesisPrompt      string
	ParentAddress      string
	CreatorAddress     string
	InitialFundingUSDC string
	ChildAddress       string
	KeystoreJSON       []byte
}

// ChildSigner generates a fresh keystore for a replicated child. Satisfied
// by internal/wallet.Manager.
type ChildSigner interface {
	GenerateChildKeystore(ctx context.Context) (address string, keystoreJSON []byte, err error)
}

// ReplicateResult describes the child sandbox created for a replicate
// action.
type ReplicateResult struct {
	ChildID      string
	ChildAddress string
}

// Funder requests initial funding for a newly replicated child. A nil
// Funder, or an action with no funding amount, skips this step entirely.
type Funder interface {
	Fund(ctx context.Context, childAddress, amountUSDC string) error
}

// SelfModEngine performs a self_modify action. It is implemented by
// internal/selfmod.Engine.
type SelfModEngine interface {
	Apply(ctx context.Context, params map[string]any) (SelfModResult, error)
}

// SelfModResult is the outcome of a self-modify attempt.
type SelfModResult struct {
	MutationID string
	Path       string
}

// ToolInvoker routes invoke_tool actions. Satisfied by *tools.Registry.
type ToolInvoker interface {
	Invoke(ctx context.Context, inv tools.Invocation) tools.Result
}
