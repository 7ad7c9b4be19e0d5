package citools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ckoons/tekton-ci/internal/forwarding"
	"github.com/ckoons/tekton-ci/internal/registry"
)

// ForwardTool handles the ci_forward MCP tool.
type ForwardTool struct {
	reg      *registry.Registry
	forwards *forwarding.Store
}

// NewForwardTool creates a ForwardTool.
func NewForwardTool(reg *registry.Registry, forwards *forwarding.Store) *ForwardTool {
	return &ForwardTool{reg: reg, forwards: forwards}
}

// Definition returns the MCP tool definition for ci_forward.
func (t *ForwardTool) Definition() mcp.Tool {
	return mcp.NewTool("ci_forward",
		mcp.WithDescription(
			"Forward messages addressed to a CI to a terminal, remove a forward, or list forwards. "+
				"Forwards persist across restarts and are visible to every Tekton process.",
		),
		mcp.WithString("action",
			mcp.Description("add (default), remove or list"),
		),
		mcp.WithString("name",
			mcp.Description("CI whose messages are forwarded (add, remove)"),
		),
		mcp.WithString("terminal",
			mcp.Description("Terminal that receives them (add)"),
		),
		mcp.WithBoolean("json_mode",
			mcp.Description("Deliver messages as structured JSON instead of plain text (add)"),
		),
	)
}

// Handle processes the ci_forward tool call.
func (t *ForwardTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := req.GetString("action", "add")
	name := req.GetString("name", "")

	switch action {
	case "list":
		list, err := t.forwards.List(ctx)
		if err != nil {
			return toolError("list forwards", err), nil
		}
		if len(list) == 0 {
			return mcp.NewToolResultText("No active forwards."), nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Active forwards (%d):\n", len(list))
		for _, f := range list {
			mode := ""
			if f.JSONMode {
				mode = " [JSON]"
			}
			fmt.Fprintf(&b, "  %s → %s%s\n", f.Name, f.Terminal, mode)
		}
		return mcp.NewToolResultText(strings.TrimSuffix(b.String(), "\n")), nil

	case "add":
		if name == "" {
			return mcp.NewToolResultError("'name' is required"), nil
		}
		terminal := req.GetString("terminal", "")
		if terminal == "" {
			return mcp.NewToolResultError("'terminal' is required"), nil
		}
		if !t.reg.Has(name) {
			return mcp.NewToolResultError(fmt.Sprintf("CI %q not found", name)), nil
		}
		f, err := t.forwards.Set(ctx, name, terminal, boolArg(req, "json_mode", false))
		if err != nil {
			return toolError("forward failed", err), nil
		}
		if err := t.reg.Refresh(ctx); err != nil {
			return toolError("forward saved but refresh failed", err), nil
		}
		mode := ""
		if f.JSONMode {
			mode = " (JSON mode)"
		}
		return mcp.NewToolResultText(fmt.Sprintf("Forwarding %s → %s%s", f.Name, f.Terminal, mode)), nil

	case "remove":
		if name == "" {
			return mcp.NewToolResultError("'name' is required"), nil
		}
		if err := t.forwards.Remove(ctx, name); err != nil {
			return toolError("unforward failed", err), nil
		}
		if err := t.reg.Refresh(ctx); err != nil {
			return toolError("forward removed but refresh failed", err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Stopped forwarding %s", strings.ToLower(name))), nil

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q (add, remove, list)", action)), nil
	}
}

// ─── ProjectForwardTool ─────────────────────────────────────────────────────

// ProjectForwardTool handles the ci_project_forward MCP tool.
type ProjectForwardTool struct {
	forwards *forwarding.Store
}

// NewProjectForwardTool creates a ProjectForwardTool.
func NewProjectForwardTool(forwards *forwarding.Store) *ProjectForwardTool {
	return &ProjectForwardTool{forwards: forwards}
}

// Definition returns the MCP tool definition for ci_project_forward.
func (t *ProjectForwardTool) Definition() mcp.Tool {
	return mcp.NewTool("ci_project_forward",
		mcp.WithDescription("Forward a project's CI to a terminal, remove that forward, or list project forwards."),
		mcp.WithString("action",
			mcp.Description("add (default), remove or list"),
		),
		mcp.WithString("project",
			mcp.Description("Project name (add, remove)"),
		),
		mcp.WithString("terminal",
			mcp.Description("Terminal that receives the project's messages (add)"),
		),
	)
}

// Handle processes the ci_project_forward tool call.
func (t *ProjectForwardTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := req.GetString("action", "add")
	project := req.GetString("project", "")

	switch action {
	case "list":
		list, err := t.forwards.ListProjects(ctx)
		if err != nil {
			return toolError("list project forwards", err), nil
		}
		if len(list) == 0 {
			return mcp.NewToolResultText("No project forwards."), nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Project forwards (%d):\n", len(list))
		for _, f := range list {
			fmt.Fprintf(&b, "  %s → %s\n", f.Project, f.Terminal)
		}
		return mcp.NewToolResultText(strings.TrimSuffix(b.String(), "\n")), nil

	case "add":
		if project == "" {
			return mcp.NewToolResultError("'project' is required"), nil
		}
		f, err := t.forwards.SetProject(ctx, project, req.GetString("terminal", ""))
		if err != nil {
			return toolError("project forward failed", err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Project %s forwarded to %s", f.Project, f.Terminal)), nil

	case "remove":
		if project == "" {
			return mcp.NewToolResultError("'project' is required"), nil
		}
		if err := t.forwards.RemoveProject(ctx, project); err != nil {
			return toolError("remove project forward failed", err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Project %s no longer forwarded", project)), nil

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q (add, remove, list)", action)), nil
	}
}
