package executor

// Incident codes attached to a failed action. Each is assigned by the
// gate or execution path that refuses or fails the action, never inferred
// from matching an error message after the fact.
const (
	CodeWalletLocked         = "WALLET_LOCKED"
	CodeChainCapability      = "CHAIN_CAPABILITY_BLOCKED"
	CodeActionBlocked        = "ACTION_BLOCKED"
	CodeSecurityPolicy       = "SECURITY_POLICY_VIOLATION"
	CodeActionFailed         = "ACTION_FAILED"
)

// gateError carries the failure code its own gate assigned, so that
// classification never has to guess a code from an error string further
// up the call stack.
type gateError struct {
	code    string
	message string
}

func (e *gateError) Error() string { return e.message }

func walletLocked(message string) *gateError {
	return &gateError{code: CodeWalletLocked, message: message}
}

func chainBlocked(message string) *gateError {
	return &gateError{code: CodeChainCapability, message: message}
}

func actionBlocked(message string) *gateError {
	return &gateError{code: CodeActionBlocked, message: message}
}

func securityPolicyViolation(message string) *gateError {
	return &gateError{code: CodeSecurityPolicy, message: message}
}

func actionFailed(message string) *gateError {
	return &gateError{code: CodeActionFailed, message: message}
}

// codeOf extracts a gateError's code, defaulting to ACTION_FAILED for any
// plain error a handler returns without having gone through one of the
// constructors above.
func codeOf(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	if ge, ok := err.(*gateError); ok {
		return ge.code, ge.message
	}
	return CodeActionFailed, err.Error()
}
