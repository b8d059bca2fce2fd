package executor

import (
	"context"
	"strconv"
	"time"

	"github.com/aethernet/core/internal/brain"
)

// Config bounds numeric parameters the executor clamps or defaults.
type Config struct {
	MaxSleepMs            int64
	DefaultChain           string
	DefaultChildName       string
	DefaultGenesisPrompt   string
	StrictAllowlist        bool
}

// Executor runs one action at a time through the ordered gates and then
// its execution semantics.
type Executor struct {
	cfg       Config
	store     StateStore
	policy    ChainPolicy
	allowlist map[string]bool

	messenger Messenger
	compute   ComputeProvider
	signer    ChildSigner
	funder    Funder
	selfmod   SelfModEngine
	toolz     ToolInvoker

	// warnings accumulates sub-failures from the in-flight dispatch; reset
	// at the start of each Execute call, which isn't reentrant.
	warnings []ActionWarning
}

func (e *Executor) warn(code, message string) {
	e.warnings = append(e.warnings, ActionWarning{Code: code, Message: message})
}

// New constructs an Executor. Any of messenger/compute/signer/funder/
// selfmod/toolz may be nil. A nil messenger, compute, selfmod or toolz
// makes the corresponding action type fail with ACTION_FAILED rather than
// panicking; a nil signer or funder makes replicate skip child keystore
// generation or funding respectively.
func New(cfg Config, store StateStore, pol ChainPolicy, allowlist map[string]bool) *Executor {
	if allowlist == nil {
		allowlist = brain.AllowedActionTypes
	}
	return &Executor{cfg: cfg, store: store, policy: pol, allowlist: allowlist}
}

func (e *Executor) WithMessenger(m Messenger) *Executor       { e.messenger = m; return e }
func (e *Executor) WithCompute(c ComputeProvider) *Executor   { e.compute = c; return e }
func (e *Executor) WithSigner(s ChildSigner) *Executor        { e.signer = s; return e }
func (e *Executor) WithFunder(f Funder) *Executor             { e.funder = f; return e }
func (e *Executor) WithSelfMod(s SelfModEngine) *Executor     { e.selfmod = s; return e }
func (e *Executor) WithTools(t ToolInvoker) *Executor         { e.toolz = t; return e }

// Execute runs the ordered gates for a single action, then its execution
// semantics if every gate admits it. It never returns a Go error: every
// refusal or failure is reported as an ActionOutcome so the orchestrator
// has one path to record incidents from.
func (e *Executor) Execute(ctx context.Context, action brain.Action) ActionOutcome {
	e.warnings = nil

	if err := e.runGates(ctx, action); err != nil {
		code, msg := codeOf(err)
		return ActionOutcome{Action: action, Succeeded: false, Code: code, Message: msg}
	}

	out, err := e.dispatch(ctx, action)
	if err != nil {
		code, msg := codeOf(err)
		return ActionOutcome{Action: action, Succeeded: false, Code: code, Message: msg, Warnings: e.warnings}
	}
	return ActionOutcome{Action: action, Succeeded: true, Output: out, Warnings: e.warnings}
}

func (e *Executor) runGates(ctx context.Context, action brain.Action) error {
	// 1. Allowlist gate (if strict).
	if e.cfg.StrictAllowlist && !e.allowlist[action.Type] {
		return actionBlocked("action type not in allowlist: " + action.Type)
	}

	if !mutatingActionTypes[action.Type] {
		return nil
	}

	// 2. Emergency/survival gate.
	if e.store != nil {
		es, err := e.store.GetEmergencyState(ctx)
		if err == nil && es.Enabled {
			return actionBlocked("disabled by autonomy policy: emergency stop enabled")
		}
		snap, ok, err := e.store.GetLatestSurvivalSnapshot(ctx)
		if err == nil && ok && snap.SurvivalTier == "dead" {
			return actionBlocked("disabled by autonomy policy: survival tier is dead")
		}
	}

	// 3. Wallet-session gate.
	if walletGatedActionTypes[action.Type] {
		if e.store == nil {
			return walletLocked("Wallet is locked: no state store configured")
		}
		sess, ok, err := e.store.ActiveUnlockSession(ctx, time.Now())
		if err != nil || !ok || sess.ID == "" {
			return walletLocked("Wallet is locked: no active unlock session")
		}
	}

	// 4. Chain-capability gate.
	if action.Type != "self_modify" && e.policy != nil {
		selector := stringParam(action.Params, "chain", "network", "caip2")
		if selector == "" {
			selector = e.cfg.DefaultChain
		}
		profile, ok := e.policy.ResolveChain(selector)
		if !ok {
			return chainBlocked("unsupported chain: " + selector)
		}
		hasFunding := fundingAmount(action.Params) > 0
		capability := e.policy.RequiredCapability(action.Type, hasFunding)
		if capability != "" && !e.policy.ChainSupports(profile, capability) {
			return chainBlocked("chain " + selector + " does not support " + capability)
		}
	}

	// 5. Self-modify policy gate.
	if action.Type == "self_modify" {
		if e.policy == nil || !e.policy.AllowSelfModify() {
			return securityPolicyViolation("self_modify denied by policy")
		}
	}

	return nil
}

func stringParam(params map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := params[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func fundingAmount(params map[string]any) float64 {
	raw, ok := params["initialFundingUsdc"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
