package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aethernet/core/internal/mcp"
)

// MCPAdapter dispatches tool invocations to a named MCP server managed by
// an mcp.Manager. The source's id doubles as the MCP server name.
type MCPAdapter struct {
	Manager *mcp.Manager
}

func (a *MCPAdapter) Invoke(ctx context.Context, src Source, inv Invocation) Result {
	if a.Manager == nil {
		return Result{OK: false, Error: "mcp_manager_unavailable"}
	}
	args, err := json.Marshal(inv.Input)
	if err != nil {
		return Result{OK: false, Error: fmt.Sprintf("encode args: %v", err)}
	}
	out, err := a.Manager.CallTool(ctx, src.ID, inv.ToolName, args)
	if err != nil {
		return Result{OK: false, Error: err.Error()}
	}
	var decoded any
	if err := json.Unmarshal(out, &decoded); err != nil {
		return Result{OK: true, Output: string(out)}
	}
	return Result{OK: true, Output: decoded}
}
