package citools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/registry"
)

// ─── StagePromptTool ────────────────────────────────────────────────────────

// StagePromptTool handles the ci_stage_prompt MCP tool.
type StagePromptTool struct {
	reg *registry.Registry
}

// NewStagePromptTool creates a StagePromptTool.
func NewStagePromptTool(reg *registry.Registry) *StagePromptTool {
	return &StagePromptTool{reg: reg}
}

// Definition returns the MCP tool definition for ci_stage_prompt.
func (t *StagePromptTool) Definition() mcp.Tool {
	return mcp.NewTool("ci_stage_prompt",
		mcp.WithDescription(
			"Stage a context prompt for a CI (Apollo). It stays staged until promoted with ci_promote_staged. "+
				"Omit 'prompt' to clear the staged prompt.",
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("CI name"),
		),
		mcp.WithString("prompt",
			mcp.Description("JSON array of prompt objects, or a single object"),
		),
	)
}

// Handle processes the ci_stage_prompt tool call.
func (t *StagePromptTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("'name' is required"), nil
	}
	prompt, err := promptArg(req, "prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := t.reg.SetStagedPrompt(ctx, name, prompt); err != nil {
		return toolError("stage prompt failed", err), nil
	}
	if prompt == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Staged prompt cleared for %s", name)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Staged %d prompt item(s) for %s", len(prompt), name)), nil
}

// ─── NextPromptTool ─────────────────────────────────────────────────────────

// NextPromptTool handles the ci_next_prompt MCP tool.
type NextPromptTool struct {
	reg *registry.Registry
}

// NewNextPromptTool creates a NextPromptTool.
func NewNextPromptTool(reg *registry.Registry) *NextPromptTool {
	return &NextPromptTool{reg: reg}
}

// Definition returns the MCP tool definition for ci_next_prompt.
func (t *NextPromptTool) Definition() mcp.Tool {
	return mcp.NewTool("ci_next_prompt",
		mcp.WithDescription("Set the prompt a CI will receive with its next message. Omit 'prompt' to clear it."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("CI name"),
		),
		mcp.WithString("prompt",
			mcp.Description("JSON array of prompt objects, or a single object"),
		),
	)
}

// Handle processes the ci_next_prompt tool call.
func (t *NextPromptTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("'name' is required"), nil
	}
	prompt, err := promptArg(req, "prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := t.reg.SetNextPrompt(ctx, name, prompt); err != nil {
		return toolError("set next prompt failed", err), nil
	}
	if prompt == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Next prompt cleared for %s", name)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Next prompt set for %s (%d item(s))", name, len(prompt))), nil
}

// ─── PromoteStagedTool ──────────────────────────────────────────────────────

// PromoteStagedTool handles the ci_promote_staged MCP tool.
type PromoteStagedTool struct {
	reg *registry.Registry
}

// NewPromoteStagedTool creates a PromoteStagedTool.
func NewPromoteStagedTool(reg *registry.Registry) *PromoteStagedTool {
	return &PromoteStagedTool{reg: reg}
}

// Definition returns the MCP tool definition for ci_promote_staged.
func (t *PromoteStagedTool) Definition() mcp.Tool {
	return mcp.NewTool("ci_promote_staged",
		mcp.WithDescription("Move a CI's staged prompt to its next prompt (Rhetor). Reports when nothing was staged."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("CI name"),
		),
	)
}

// Handle processes the ci_promote_staged tool call.
func (t *PromoteStagedTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("'name' is required"), nil
	}
	promoted, err := t.reg.PromoteStaged(ctx, name)
	if err != nil {
		return toolError("promote failed", err), nil
	}
	if !promoted {
		return mcp.NewToolResultText(fmt.Sprintf("Nothing staged for %s", name)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Staged prompt promoted to next for %s", name)), nil
}

// ─── LastOutputTool ─────────────────────────────────────────────────────────

// LastOutputTool handles the ci_last_output MCP tool.
type LastOutputTool struct {
	reg *registry.Registry
}

// NewLastOutputTool creates a LastOutputTool.
func NewLastOutputTool(reg *registry.Registry) *LastOutputTool {
	return &LastOutputTool{reg: reg}
}

// Definition returns the MCP tool definition for ci_last_output.
func (t *LastOutputTool) Definition() mcp.Tool {
	return mcp.NewTool("ci_last_output",
		mcp.WithDescription("Read a CI's last output, or record it when 'output' is given."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("CI name"),
		),
		mcp.WithString("output",
			mcp.Description("Output of the CI's completed turn to record"),
		),
	)
}

// Handle processes the ci_last_output tool call.
func (t *LastOutputTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("'name' is required"), nil
	}

	if hasArg(req, "output") {
		if err := t.reg.UpdateLastOutput(ctx, name, req.GetString("output", "")); err != nil {
			return toolError("record output failed", err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Last output recorded for %s", name)), nil
	}

	out, found, err := t.reg.LastOutput(ctx, name)
	if err != nil {
		return toolError("read output failed", err), nil
	}
	if !found {
		return mcp.NewToolResultText(fmt.Sprintf("No output recorded for %s", name)), nil
	}
	return mcp.NewToolResultText(out), nil
}

// ─── ContextStateTool ───────────────────────────────────────────────────────

// ContextStateTool handles the ci_context_state MCP tool.
type ContextStateTool struct {
	reg *registry.Registry
}

// NewContextStateTool creates a ContextStateTool.
func NewContextStateTool(reg *registry.Registry) *ContextStateTool {
	return &ContextStateTool{reg: reg}
}

// Definition returns the MCP tool definition for ci_context_state.
func (t *ContextStateTool) Definition() mcp.Tool {
	return mcp.NewTool("ci_context_state",
		mcp.WithDescription("Show the context state (staged prompt, next prompt, last output) of one CI or of all CIs."),
		mcp.WithString("name",
			mcp.Description("CI name; omit for all CIs"),
		),
	)
}

// Handle processes the ci_context_state tool call.
func (t *ContextStateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(req.GetString("name", ""))
	if name == "" {
		all, err := t.reg.AllContextStates(ctx)
		if err != nil {
			return toolError("read context states failed", err), nil
		}
		return jsonResult(all)
	}

	st, err := t.reg.ContextState(ctx, name)
	if errors.IsNotFound(err) {
		return mcp.NewToolResultText(fmt.Sprintf("No context state for %s", name)), nil
	}
	if err != nil {
		return toolError("read context state failed", err), nil
	}
	return jsonResult(st)
}
