package citools

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ckoons/tekton-ci/internal/kvstore"
)

// ─── KVGetTool ──────────────────────────────────────────────────────────────

// KVGetTool handles the kv_get MCP tool.
type KVGetTool struct {
	kv kvstore.Backend
}

// NewKVGetTool creates a KVGetTool.
func NewKVGetTool(kv kvstore.Backend) *KVGetTool {
	return &KVGetTool{kv: kv}
}

// Definition returns the MCP tool definition for kv_get.
func (t *KVGetTool) Definition() mcp.Tool {
	return mcp.NewTool("kv_get",
		mcp.WithDescription("Read one entry from the shared session store, with its revision and expiry."),
		mcp.WithString("namespace",
			mcp.Required(),
			mcp.Description("Namespace (e.g. forwards, ci_context)"),
		),
		mcp.WithString("key",
			mcp.Required(),
			mcp.Description("Key within the namespace"),
		),
	)
}

// Handle processes the kv_get tool call.
func (t *KVGetTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ns := req.GetString("namespace", "")
	key := req.GetString("key", "")
	if ns == "" || key == "" {
		return mcp.NewToolResultError("'namespace' and 'key' are required"), nil
	}
	e, err := t.kv.Get(ctx, ns, key)
	if err != nil {
		return toolError("get failed", err), nil
	}
	return jsonResult(e)
}

// ─── KVPutTool ──────────────────────────────────────────────────────────────

// KVPutTool handles the kv_put MCP tool.
type KVPutTool struct {
	kv kvstore.Backend
}

// NewKVPutTool creates a KVPutTool.
func NewKVPutTool(kv kvstore.Backend) *KVPutTool {
	return &KVPutTool{kv: kv}
}

// Definition returns the MCP tool definition for kv_put.
func (t *KVPutTool) Definition() mcp.Tool {
	return mcp.NewTool("kv_put",
		mcp.WithDescription(
			"Write an entry to the shared session store. The last writer wins unless if_revision is given, "+
				"in which case the write only happens when the current revision matches (0 means the key must not exist).",
		),
		mcp.WithString("namespace",
			mcp.Required(),
			mcp.Description("Namespace"),
		),
		mcp.WithString("key",
			mcp.Required(),
			mcp.Description("Key within the namespace"),
		),
		mcp.WithString("value",
			mcp.Required(),
			mcp.Description("JSON value; text that is not valid JSON is stored as a JSON string"),
		),
		mcp.WithNumber("ttl_seconds",
			mcp.Description("Seconds until the entry expires; 0 uses the store default, negative never expires"),
		),
		mcp.WithNumber("if_revision",
			mcp.Description("Only write if the entry is at this revision"),
		),
	)
}

// Handle processes the kv_put tool call.
func (t *KVPutTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ns := req.GetString("namespace", "")
	key := req.GetString("key", "")
	if ns == "" || key == "" {
		return mcp.NewToolResultError("'namespace' and 'key' are required"), nil
	}
	value, err := jsonArg(req, "value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opts := kvstore.PutOptions{TTL: time.Duration(intArg(req, "ttl_seconds", 0)) * time.Second}
	if hasArg(req, "if_revision") {
		opts.IfRevision = kvstore.Rev(int64(intArg(req, "if_revision", 0)))
	}
	e, err := t.kv.Put(ctx, ns, key, value, opts)
	if err != nil {
		return toolError("put failed", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Stored %s/%s at revision %d", e.Namespace, e.Key, e.Revision)), nil
}

// ─── KVDeleteTool ───────────────────────────────────────────────────────────

// KVDeleteTool handles the kv_delete MCP tool.
type KVDeleteTool struct {
	kv kvstore.Backend
}

// NewKVDeleteTool creates a KVDeleteTool.
func NewKVDeleteTool(kv kvstore.Backend) *KVDeleteTool {
	return &KVDeleteTool{kv: kv}
}

// Definition returns the MCP tool definition for kv_delete.
func (t *KVDeleteTool) Definition() mcp.Tool {
	return mcp.NewTool("kv_delete",
		mcp.WithDescription("Delete an entry from the shared session store."),
		mcp.WithString("namespace",
			mcp.Required(),
			mcp.Description("Namespace"),
		),
		mcp.WithString("key",
			mcp.Required(),
			mcp.Description("Key within the namespace"),
		),
		mcp.WithNumber("if_revision",
			mcp.Description("Only delete if the entry is at this revision"),
		),
	)
}

// Handle processes the kv_delete tool call.
func (t *KVDeleteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ns := req.GetString("namespace", "")
	key := req.GetString("key", "")
	if ns == "" || key == "" {
		return mcp.NewToolResultError("'namespace' and 'key' are required"), nil
	}
	var rev *int64
	if hasArg(req, "if_revision") {
		rev = kvstore.Rev(int64(intArg(req, "if_revision", 0)))
	}
	if err := t.kv.Delete(ctx, ns, key, rev); err != nil {
		return toolError("delete failed", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Deleted %s/%s", ns, key)), nil
}

// ─── KVListTool ─────────────────────────────────────────────────────────────

// KVListTool handles the kv_list MCP tool.
type KVListTool struct {
	kv kvstore.Backend
}

// NewKVListTool creates a KVListTool.
func NewKVListTool(kv kvstore.Backend) *KVListTool {
	return &KVListTool{kv: kv}
}

// Definition returns the MCP tool definition for kv_list.
func (t *KVListTool) Definition() mcp.Tool {
	return mcp.NewTool("kv_list",
		mcp.WithDescription("List keys in a namespace of the shared session store, or the namespaces themselves."),
		mcp.WithString("namespace",
			mcp.Description("Namespace to list; omit to list namespaces"),
		),
		mcp.WithString("prefix",
			mcp.Description("Only keys starting with this prefix"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max entries (default: all)"),
		),
	)
}

// Handle processes the kv_list tool call.
func (t *KVListTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ns := req.GetString("namespace", "")
	if ns == "" {
		names, err := t.kv.Namespaces(ctx)
		if err != nil {
			return toolError("list namespaces failed", err), nil
		}
		if len(names) == 0 {
			return mcp.NewToolResultText("No namespaces."), nil
		}
		return mcp.NewToolResultText("Namespaces:\n  " + strings.Join(names, "\n  ")), nil
	}

	entries, err := t.kv.List(ctx, ns, kvstore.ListOptions{
		Prefix: req.GetString("prefix", ""),
		Limit:  intArg(req, "limit", 0),
	})
	if err != nil {
		return toolError("list failed", err), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No entries in %s.", ns)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d entries):\n", ns, len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "  %s  rev %d  %s\n", e.Key, e.Revision, truncate(string(e.Value), 80))
	}
	return mcp.NewToolResultText(strings.TrimSuffix(b.String(), "\n")), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
