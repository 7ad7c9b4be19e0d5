// Package citools provides MCP tool handlers for the CI registry: listing
// CIs, forwarding their messages to terminals, the Apollo/Rhetor context
// prompts, and raw access to the shared key-value store.
package citools

import (
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/registry"
)

// intArg extracts an integer argument, returning defaultVal if the key is
// missing or not a number (JSON numbers are float64).
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

// hasArg reports whether the caller passed key at all.
func hasArg(req mcp.CallToolRequest, key string) bool {
	_, ok := req.GetArguments()[key]
	return ok
}

// jsonArg returns the argument as raw JSON. A string holding valid JSON is
// used as is; any other string is stored as a JSON string.
func jsonArg(req mcp.CallToolRequest, key string) (json.RawMessage, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, errors.Invalidf("'%s' is required", key)
	}
	if s, isString := v.(string); isString {
		if json.Valid([]byte(s)) {
			return json.RawMessage(s), nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Invalidf("'%s' is not JSON-encodable: %v", key, err)
	}
	return b, nil
}

// promptArg reads a context prompt given as a JSON array of objects, a
// single object, or a string holding either. An absent or empty value
// yields nil, which clears the prompt.
func promptArg(req mcp.CallToolRequest, key string) ([]registry.Prompt, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	var raw []byte
	switch p := v.(type) {
	case string:
		if strings.TrimSpace(p) == "" {
			return nil, nil
		}
		raw = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Invalidf("'%s' is not JSON-encodable: %v", key, err)
		}
		raw = b
	}

	var list []registry.Prompt
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var one registry.Prompt
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, errors.Invalidf("'%s' must be a JSON object or array of objects", key)
	}
	return []registry.Prompt{one}, nil
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(prefix + ": " + err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("encode result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
