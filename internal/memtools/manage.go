package memtools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ckoons/tekton-ci/internal/memory"
)

// ─── GetTool ────────────────────────────────────────────────────────────────

// GetTool handles the mem_get MCP tool.
type GetTool struct {
	store *memory.Store
}

// NewGetTool creates a GetTool.
func NewGetTool(store *memory.Store) *GetTool {
	return &GetTool{store: store}
}

// Definition returns the MCP tool definition for mem_get.
func (t *GetTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_get",
		mcp.WithDescription("Get the full content of one memory by ID."),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Memory ID"),
		),
	)
}

// Handle processes the mem_get tool call.
func (t *GetTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := intArg(req, "id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	m, err := t.store.Get(int64(id))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("memory #%d: %v", id, err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Memory #%d\n\n", m.ID)
	fmt.Fprintf(&b, "- **Category**: %s\n", m.Category)
	fmt.Fprintf(&b, "- **Importance**: %d (%s)\n", m.Importance, memory.ImportanceLevels[m.Importance])
	if len(m.Tags) > 0 {
		fmt.Fprintf(&b, "- **Tags**: %s\n", strings.Join(m.Tags, ", "))
	}
	if m.SessionID != nil {
		fmt.Fprintf(&b, "- **Session**: %s\n", *m.SessionID)
	}
	fmt.Fprintf(&b, "- **Created**: %s\n", m.CreatedAt)
	if m.DuplicateCount > 1 {
		fmt.Fprintf(&b, "- **Seen**: %d times\n", m.DuplicateCount)
	}
	if len(m.Metadata) > 0 {
		md, _ := json.Marshal(m.Metadata)
		fmt.Fprintf(&b, "- **Metadata**: %s\n", md)
	}
	b.WriteString("\n")
	b.WriteString(m.Content)
	return mcp.NewToolResultText(b.String()), nil
}

// ─── ByTagTool ──────────────────────────────────────────────────────────────

// ByTagTool handles the mem_by_tag MCP tool.
type ByTagTool struct {
	store *memory.Store
}

// NewByTagTool creates a ByTagTool.
func NewByTagTool(store *memory.Store) *ByTagTool {
	return &ByTagTool{store: store}
}

// Definition returns the MCP tool definition for mem_by_tag.
func (t *ByTagTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_by_tag",
		mcp.WithDescription("List memories carrying a tag, most important first."),
		mcp.WithString("tag",
			mcp.Required(),
			mcp.Description("Tag to look up"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 10)"),
		),
	)
}

// Handle processes the mem_by_tag tool call.
func (t *ByTagTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tag := req.GetString("tag", "")
	if strings.TrimSpace(tag) == "" {
		return mcp.NewToolResultError("'tag' is required"), nil
	}
	list, err := t.store.ByTag(tag, intArg(req, "limit", 10))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tag lookup failed: %v", err)), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No memories tagged %q.", tag)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d memories tagged %q:\n\n", len(list), tag)
	writeMemories(&b, list)
	return mcp.NewToolResultText(b.String()), nil
}

// ─── SetImportanceTool ──────────────────────────────────────────────────────

// SetImportanceTool handles the mem_set_importance MCP tool.
type SetImportanceTool struct {
	store *memory.Store
}

// NewSetImportanceTool creates a SetImportanceTool.
func NewSetImportanceTool(store *memory.Store) *SetImportanceTool {
	return &SetImportanceTool{store: store}
}

// Definition returns the MCP tool definition for mem_set_importance.
func (t *SetImportanceTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_set_importance",
		mcp.WithDescription("Change how important a memory is (1 low, 5 critical)."),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Memory ID"),
		),
		mcp.WithNumber("importance",
			mcp.Required(),
			mcp.Description("New importance, 1 to 5"),
		),
	)
}

// Handle processes the mem_set_importance tool call.
func (t *SetImportanceTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := intArg(req, "id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	importance := intArg(req, "importance", 0)
	if err := t.store.SetImportance(int64(id), importance); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to set importance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Memory #%d importance set to %d (%s)",
		id, importance, memory.ImportanceLevels[importance])), nil
}

// ─── DeleteTool ─────────────────────────────────────────────────────────────

// DeleteTool handles the mem_delete MCP tool.
type DeleteTool struct {
	store *memory.Store
}

// NewDeleteTool creates a DeleteTool with the given memory store.
func NewDeleteTool(store *memory.Store) *DeleteTool {
	return &DeleteTool{store: store}
}

// Definition returns the MCP tool definition for mem_delete.
func (t *DeleteTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_delete",
		mcp.WithDescription("Forget a memory by ID. The memory disappears from reads, searches and digests."),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Memory ID to delete"),
		),
	)
}

// Handle processes the mem_delete tool call.
func (t *DeleteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := intArg(req, "id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	if err := t.store.Delete(int64(id)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete memory: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Memory #%d deleted", id)), nil
}

// ─── StatsTool ──────────────────────────────────────────────────────────────

// StatsTool handles the mem_stats MCP tool.
type StatsTool struct {
	store *memory.Store
}

// NewStatsTool creates a StatsTool with the given memory store.
func NewStatsTool(store *memory.Store) *StatsTool {
	return &StatsTool{store: store}
}

// Definition returns the MCP tool definition for mem_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_stats",
		mcp.WithDescription("Show memory statistics: sessions, memories per category and the most used tags."),
	)
}

// Handle processes the mem_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := t.store.Stats()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("## Memory Statistics\n\n")
	sb.WriteString(fmt.Sprintf("- **Client**: %s\n", stats.ClientID))
	sb.WriteString(fmt.Sprintf("- **Sessions**: %d\n", stats.TotalSessions))
	sb.WriteString(fmt.Sprintf("- **Memories**: %d\n", stats.TotalMemories))
	for _, c := range memory.Categories {
		if n := stats.ByCategory[c]; n > 0 {
			sb.WriteString(fmt.Sprintf("  - %s: %d\n", c, n))
		}
	}
	if len(stats.TopTags) > 0 {
		sb.WriteString(fmt.Sprintf("- **Top tags**: %s\n", strings.Join(stats.TopTags, ", ")))
	} else {
		sb.WriteString("- **Top tags**: none\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}
