package memtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ckoons/tekton-ci/internal/memory"
)

// AddTool handles the mem_add MCP tool.
type AddTool struct {
	store *memory.Store
}

// NewAddTool creates an AddTool with the given memory store.
func NewAddTool(store *memory.Store) *AddTool {
	return &AddTool{store: store}
}

// Definition returns the MCP tool definition for mem_add.
func (t *AddTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_add",
		mcp.WithDescription(
			"Store a memory in a category with an importance from 1 to 5. "+
				"Use mem_add_auto when you want the category and tags inferred.",
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("What to remember"),
		),
		mcp.WithString("category",
			mcp.Description("One of: "+categoryList()+" (default: session)"),
		),
		mcp.WithNumber("importance",
			mcp.Description("1 (low) to 5 (critical); omitted means the category default"),
		),
		mcp.WithString("tags",
			mcp.Description("Comma-separated tags"),
		),
		mcp.WithObject("metadata",
			mcp.Description("Arbitrary JSON metadata kept with the memory"),
		),
		mcp.WithString("session_id",
			mcp.Description("Session to associate the memory with"),
		),
	)
}

// Handle processes the mem_add tool call.
func (t *AddTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content := req.GetString("content", "")
	if strings.TrimSpace(content) == "" {
		return mcp.NewToolResultError("'content' is required"), nil
	}

	p := memory.AddParams{
		Content:    content,
		Category:   req.GetString("category", ""),
		Importance: intArg(req, "importance", 0),
		Tags:       listArg(req, "tags"),
		Metadata:   mapArg(req, "metadata"),
		SessionID:  req.GetString("session_id", ""),
	}
	id, err := t.store.AddMemory(p)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add memory: %v", err)), nil
	}

	m, err := t.store.Get(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("memory %d saved but could not be read back: %v", id, err)), nil
	}
	response := fmt.Sprintf("Memory saved in %s (importance %d)\nID: %d", m.Category, m.Importance, m.ID)
	if m.DuplicateCount > 1 {
		response += fmt.Sprintf("\nDuplicate of a recent memory (seen %d times)", m.DuplicateCount)
	}
	return mcp.NewToolResultText(response), nil
}

// ─── AddAutoTool ────────────────────────────────────────────────────────────

// AddAutoTool handles the mem_add_auto MCP tool.
type AddAutoTool struct {
	store *memory.Store
}

// NewAddAutoTool creates an AddAutoTool.
func NewAddAutoTool(store *memory.Store) *AddAutoTool {
	return &AddAutoTool{store: store}
}

// Definition returns the MCP tool definition for mem_add_auto.
func (t *AddAutoTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_add_auto",
		mcp.WithDescription(
			"Store a memory and let the category, importance and tags be inferred from the content. "+
				"Any value you pass overrides the inferred one.",
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("What to remember"),
		),
		mcp.WithString("category",
			mcp.Description("Override the inferred category"),
		),
		mcp.WithNumber("importance",
			mcp.Description("Override the inferred importance (1-5)"),
		),
		mcp.WithString("tags",
			mcp.Description("Extra comma-separated tags"),
		),
		mcp.WithString("session_id",
			mcp.Description("Session to associate the memory with"),
		),
	)
}

// Handle processes the mem_add_auto tool call.
func (t *AddAutoTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content := req.GetString("content", "")
	if strings.TrimSpace(content) == "" {
		return mcp.NewToolResultError("'content' is required"), nil
	}

	res, err := t.store.AddAutoCategorized(memory.AddParams{
		Content:    content,
		Category:   req.GetString("category", ""),
		Importance: intArg(req, "importance", 0),
		Tags:       listArg(req, "tags"),
		SessionID:  req.GetString("session_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add memory: %v", err)), nil
	}

	tags := "none"
	if len(res.Tags) > 0 {
		tags = strings.Join(res.Tags, ", ")
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Memory saved in %s (importance %d)\nTags: %s\nID: %d",
		res.Category, res.Importance, tags, res.ID,
	)), nil
}
