package memtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ckoons/tekton-ci/internal/memory"
)

// SearchTool handles the mem_search MCP tool.
type SearchTool struct {
	store *memory.Store
}

// NewSearchTool creates a SearchTool.
func NewSearchTool(store *memory.Store) *SearchTool {
	return &SearchTool{store: store}
}

// Definition returns the MCP tool definition for mem_search.
func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_search",
		mcp.WithDescription(
			"Search your memories. With a query it runs a full-text search; without one it lists "+
				"memories that match the filters.",
		),
		mcp.WithString("query",
			mcp.Description("Keywords to search for"),
		),
		mcp.WithString("categories",
			mcp.Description("Comma-separated categories to include: "+categoryList()),
		),
		mcp.WithString("tags",
			mcp.Description("Comma-separated tags; a memory matches if it has any of them"),
		),
		mcp.WithNumber("min_importance",
			mcp.Description("Only return memories at or above this importance"),
		),
		mcp.WithString("sort_by",
			mcp.Description("importance, recency or relevance (default: relevance with a query, importance without)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 10)"),
		),
	)
}

// Handle processes the mem_search tool call.
func (t *SearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	results, err := t.store.Search(memory.SearchOptions{
		Query:         req.GetString("query", ""),
		Categories:    listArg(req, "categories"),
		Tags:          listArg(req, "tags"),
		MinImportance: intArg(req, "min_importance", 0),
		SortBy:        req.GetString("sort_by", ""),
		Limit:         intArg(req, "limit", 10),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	if len(results) == 0 {
		return mcp.NewToolResultText("No memories found matching your query."), nil
	}

	list := make([]memory.Memory, len(results))
	for i, r := range results {
		list[i] = r.Memory
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d memories:\n\n", len(results))
	writeMemories(&b, list)
	return mcp.NewToolResultText(b.String()), nil
}

// ─── ContextTool ────────────────────────────────────────────────────────────

// ContextTool handles the mem_context MCP tool.
type ContextTool struct {
	store *memory.Store
}

// NewContextTool creates a ContextTool.
func NewContextTool(store *memory.Store) *ContextTool {
	return &ContextTool{store: store}
}

// Definition returns the MCP tool definition for mem_context.
func (t *ContextTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_context",
		mcp.WithDescription(
			"Recall memories relevant to a piece of conversation. Pass the current message; "+
				"memories sharing its keywords are returned, weighted by importance. Private memories are never included.",
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Conversation text to find context for"),
		),
		mcp.WithString("mode",
			mcp.Description("keyword (default) ranks by keyword hits x importance; semantic ranks by full-text relevance"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 5)"),
		),
	)
}

// Handle processes the mem_context tool call.
func (t *ContextTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("text", "")
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("'text' is required"), nil
	}
	limit := intArg(req, "limit", 5)

	var list []memory.Memory
	switch mode := req.GetString("mode", "keyword"); mode {
	case "keyword":
		var err error
		list, err = t.store.ContextMemories(text, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("context lookup failed: %v", err)), nil
		}
	case "semantic":
		results, err := t.store.SemanticMemories(text, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("context lookup failed: %v", err)), nil
		}
		for _, r := range results {
			list = append(list, r.Memory)
		}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown mode %q (keyword, semantic)", mode)), nil
	}

	if len(list) == 0 {
		return mcp.NewToolResultText("No relevant memories."), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Relevant memories (%d)\n\n", len(list))
	writeMemories(&b, list)
	return mcp.NewToolResultText(b.String()), nil
}

// ─── DigestTool ─────────────────────────────────────────────────────────────

// DigestTool handles the mem_digest MCP tool.
type DigestTool struct {
	store *memory.Store
}

// NewDigestTool creates a DigestTool.
func NewDigestTool(store *memory.Store) *DigestTool {
	return &DigestTool{store: store}
}

// Definition returns the MCP tool definition for mem_digest.
func (t *DigestTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_digest",
		mcp.WithDescription(
			"Get a markdown digest of your most important memories grouped by category. "+
				"Load it at the start of a session.",
		),
		mcp.WithString("categories",
			mcp.Description("Comma-separated categories (default: all except private)"),
		),
		mcp.WithNumber("max_memories",
			mcp.Description("Total number of memories in the digest (default: 10)"),
		),
		mcp.WithBoolean("include_private",
			mcp.Description("Include the private category"),
		),
	)
}

// Handle processes the mem_digest tool call.
func (t *DigestTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	digest, err := t.store.Digest(memory.DigestOptions{
		Categories:     listArg(req, "categories"),
		MaxMemories:    intArg(req, "max_memories", 10),
		IncludePrivate: boolArg(req, "include_private", false),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("digest failed: %v", err)), nil
	}
	return mcp.NewToolResultText(digest), nil
}
