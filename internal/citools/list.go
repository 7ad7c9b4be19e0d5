package citools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ckoons/tekton-ci/internal/registry"
)

// ListTool handles the ci_list MCP tool.
type ListTool struct {
	reg *registry.Registry
}

// NewListTool creates a ListTool.
func NewListTool(reg *registry.Registry) *ListTool {
	return &ListTool{reg: reg}
}

// Definition returns the MCP tool definition for ci_list.
func (t *ListTool) Definition() mcp.Tool {
	return mcp.NewTool("ci_list",
		mcp.WithDescription(
			"List the CIs known to Tekton: Greek Chorus components, active Terma terminals and project CIs, "+
				"with their forwarding state.",
		),
		mcp.WithString("type",
			mcp.Description("Filter: greek, terminal, project, forward, local or remote"),
		),
		mcp.WithString("format",
			mcp.Description("text (default) or json"),
		),
	)
}

// Handle processes the ci_list tool call.
func (t *ListTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var cis []registry.CI
	if typ := req.GetString("type", ""); typ != "" {
		cis = t.reg.ByType(typ)
	} else {
		cis = t.reg.All()
	}

	switch format := req.GetString("format", "text"); format {
	case "text":
		return mcp.NewToolResultText(registry.FormatText(cis)), nil
	case "json":
		out, err := registry.JSON(cis)
		if err != nil {
			return toolError("encode registry", err), nil
		}
		return mcp.NewToolResultText(out), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q (text, json)", format)), nil
	}
}

// ─── GetTool ────────────────────────────────────────────────────────────────

// GetTool handles the ci_get MCP tool.
type GetTool struct {
	reg *registry.Registry
}

// NewGetTool creates a GetTool.
func NewGetTool(reg *registry.Registry) *GetTool {
	return &GetTool{reg: reg}
}

// Definition returns the MCP tool definition for ci_get.
func (t *GetTool) Definition() mcp.Tool {
	return mcp.NewTool("ci_get",
		mcp.WithDescription("Get the full registry record of one CI as JSON."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("CI name, case-insensitive (e.g. apollo, alice)"),
		),
	)
}

// Handle processes the ci_get tool call.
func (t *GetTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if strings.TrimSpace(name) == "" {
		return mcp.NewToolResultError("'name' is required"), nil
	}
	ci, ok := t.reg.Get(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("CI %q not found", name)), nil
	}
	return jsonResult(ci)
}

// ─── RefreshTool ────────────────────────────────────────────────────────────

// RefreshTool handles the ci_refresh MCP tool.
type RefreshTool struct {
	reg *registry.Registry
}

// NewRefreshTool creates a RefreshTool.
func NewRefreshTool(reg *registry.Registry) *RefreshTool {
	return &RefreshTool{reg: reg}
}

// Definition returns the MCP tool definition for ci_refresh.
func (t *RefreshTool) Definition() mcp.Tool {
	return mcp.NewTool("ci_refresh",
		mcp.WithDescription("Reload the registry from the Greek Chorus definition, Terma and the project registry."),
	)
}

// Handle processes the ci_refresh tool call.
func (t *RefreshTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := t.reg.Refresh(ctx); err != nil {
		return toolError("refresh failed", err), nil
	}
	all := t.reg.All()
	counts := map[string]int{}
	for _, ci := range all {
		counts[ci.Type]++
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Registry refreshed: %d CIs (%d greek, %d terminal, %d project)",
		len(all), counts[registry.TypeGreek], counts[registry.TypeTerminal], counts[registry.TypeProject],
	)), nil
}
