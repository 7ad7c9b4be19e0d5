package memtools

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ckoons/tekton-ci/internal/memory"
)

// SessionStartTool handles the mem_session_start MCP tool.
type SessionStartTool struct {
	store *memory.Store
}

// NewSessionStartTool creates a SessionStartTool.
func NewSessionStartTool(store *memory.Store) *SessionStartTool {
	return &SessionStartTool{store: store}
}

// Definition returns the MCP tool definition for mem_session_start.
func (t *SessionStartTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_session_start",
		mcp.WithDescription(
			"Register the start of a working session. Memories added with this session_id "+
				"are counted against it.",
		),
		mcp.WithString("id",
			mcp.Description("Unique session identifier (generated when omitted)"),
		),
		mcp.WithString("project",
			mcp.Description("Project name"),
		),
		mcp.WithString("directory",
			mcp.Description("Working directory"),
		),
	)
}

// Handle processes the mem_session_start tool call.
func (t *SessionStartTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		id = uuid.NewString()
	}
	project := req.GetString("project", "")
	directory := req.GetString("directory", "")

	if err := t.store.CreateSession(id, project, directory); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start session: %v", err)), nil
	}
	if project == "" {
		return mcp.NewToolResultText(fmt.Sprintf("Session %q started", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Session %q started for project %q", id, project)), nil
}

// ─── SessionEndTool ─────────────────────────────────────────────────────────

// SessionEndTool handles the mem_session_end MCP tool.
type SessionEndTool struct {
	store *memory.Store
}

// NewSessionEndTool creates a SessionEndTool.
func NewSessionEndTool(store *memory.Store) *SessionEndTool {
	return &SessionEndTool{store: store}
}

// Definition returns the MCP tool definition for mem_session_end.
func (t *SessionEndTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_session_end",
		mcp.WithDescription("Mark a session as finished, with an optional summary."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Session identifier"),
		),
		mcp.WithString("summary",
			mcp.Description("What was accomplished"),
		),
	)
}

// Handle processes the mem_session_end tool call.
func (t *SessionEndTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	if err := t.store.EndSession(id, req.GetString("summary", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to end session: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Session %q completed", id)), nil
}
