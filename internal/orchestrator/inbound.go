package orchestrator

import "strings"

// Command is a structured operator directive recognized from a raw
// inbound message. Not consumed by Tick: inbound messages are handed to
// the brain unparsed, exactly as they arrive. This exists for the
// operator-inject HTTP endpoint, which lets an operator drive the agent
// with a recognized command instead of free text.
type Command struct {
	Name string
	Args string
}

// ParseInboundCommand recognizes a leading "/name args" form. ok is
// false for anything else, including plain conversational content. The
// autonomy tick itself never calls this — inbound messages reach the
// brain unparsed — it exists for the operator-inject HTTP endpoint.
func ParseInboundCommand(content string) (cmd Command, ok bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return Command{}, false
	}
	body := strings.TrimPrefix(trimmed, "/")
	name, args, _ := strings.Cut(body, " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Command{}, false
	}
	return Command{Name: name, Args: strings.TrimSpace(args)}, true
}
