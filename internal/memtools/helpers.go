// Package memtools provides MCP tool handlers for Engram structured memory.
//
// Each tool handler follows the same pattern:
// - A struct with dependencies (memory.Store) injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
//
// Store errors come back as tool errors so the calling CI can correct its
// arguments; only transport failures are returned as Go errors.
package memtools

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ckoons/tekton-ci/internal/memory"
)

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// listArg reads a list argument given either as a JSON array of strings or
// as one comma-separated string.
func listArg(req mcp.CallToolRequest, key string) []string {
	var out []string
	switch v := req.GetArguments()[key].(type) {
	case string:
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

// mapArg reads an object argument.
func mapArg(req mcp.CallToolRequest, key string) map[string]any {
	v, _ := req.GetArguments()[key].(map[string]any)
	return v
}

// writeMemories renders a numbered memory list.
func writeMemories(b *strings.Builder, list []memory.Memory) {
	for i, m := range list {
		fmt.Fprintf(b, "[%d] #%d (%s, importance %d)\n    %s\n",
			i+1, m.ID, m.Category, m.Importance, memory.Truncate(m.Content, 300))
		if len(m.Tags) > 0 {
			fmt.Fprintf(b, "    tags: %s\n", strings.Join(m.Tags, ", "))
		}
		b.WriteString("\n")
	}
}

func categoryList() string {
	return strings.Join(memory.Categories, ", ")
}
