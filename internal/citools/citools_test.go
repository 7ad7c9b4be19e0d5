package citools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/tekton-ci/internal/forwarding"
	"github.com/ckoons/tekton-ci/internal/kvstore"
	"github.com/ckoons/tekton-ci/internal/registry"
)

type staticSource struct {
	name string
	cis  []registry.CI
}

func (s staticSource) Name() string { return s.name }
func (s staticSource) Load(context.Context) ([]registry.CI, error) {
	return s.cis, nil
}

type fixture struct {
	kv       kvstore.Backend
	forwards *forwarding.Store
	reg      *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := kvstore.NewSQLite(kvstore.Config{DataDir: t.TempDir(), MaxEntries: 100, MaxValueBytes: 4096})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	fwd := forwarding.NewStore(kv)
	reg := registry.New(kv, fwd,
		staticSource{name: registry.TypeGreek, cis: []registry.CI{
			{Name: "apollo", Type: registry.TypeGreek, Endpoint: "http://localhost:8012", Host: "localhost", Port: 8012, Description: "Predictive planning"},
			{Name: "rhetor", Type: registry.TypeGreek, Endpoint: "http://localhost:8003", Host: "localhost", Port: 8003},
		}},
		staticSource{name: registry.TypeTerminal, cis: []registry.CI{
			{Name: "alice", Type: registry.TypeTerminal, Host: "localhost"},
		}},
	)
	require.NoError(t, reg.Refresh(context.Background()))
	return &fixture{kv: kv, forwards: fwd, reg: reg}
}

func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

type handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func call(t *testing.T, h handler, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	res, err := h(context.Background(), makeReq(args))
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestDefinitions(t *testing.T) {
	f := newFixture(t)
	names := map[string]mcp.Tool{
		"ci_list":            NewListTool(f.reg).Definition(),
		"ci_get":             NewGetTool(f.reg).Definition(),
		"ci_refresh":         NewRefreshTool(f.reg).Definition(),
		"ci_forward":         NewForwardTool(f.reg, f.forwards).Definition(),
		"ci_project_forward": NewProjectForwardTool(f.forwards).Definition(),
		"ci_stage_prompt":    NewStagePromptTool(f.reg).Definition(),
		"ci_next_prompt":     NewNextPromptTool(f.reg).Definition(),
		"ci_promote_staged":  NewPromoteStagedTool(f.reg).Definition(),
		"ci_last_output":     NewLastOutputTool(f.reg).Definition(),
		"ci_context_state":   NewContextStateTool(f.reg).Definition(),
		"kv_get":             NewKVGetTool(f.kv).Definition(),
		"kv_put":             NewKVPutTool(f.kv).Definition(),
		"kv_delete":          NewKVDeleteTool(f.kv).Definition(),
		"kv_list":            NewKVListTool(f.kv).Definition(),
	}
	for want, def := range names {
		assert.Equal(t, want, def.Name)
	}
	assert.Contains(t, names["kv_put"].InputSchema.Required, "value")
}

// ─── Registry ────────────────────────────────────────────────────────────────

func TestListTool(t *testing.T) {
	f := newFixture(t)
	tool := NewListTool(f.reg)

	text := resultText(call(t, tool.Handle, map[string]interface{}{}))
	assert.Contains(t, text, "Greek Chorus AIs:")
	assert.Contains(t, text, "Active Terminals:")

	res := call(t, tool.Handle, map[string]interface{}{"type": "terminal", "format": "json"})
	var cis []registry.CI
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &cis))
	require.Len(t, cis, 1)
	assert.Equal(t, "alice", cis[0].Name)

	res = call(t, tool.Handle, map[string]interface{}{"format": "yaml"})
	assert.True(t, res.IsError)
}

func TestGetAndRefreshTools(t *testing.T) {
	f := newFixture(t)

	res := call(t, NewGetTool(f.reg).Handle, map[string]interface{}{"name": "APOLLO"})
	require.False(t, res.IsError, resultText(res))
	var ci registry.CI
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &ci))
	assert.Equal(t, 8012, ci.Port)

	res = call(t, NewGetTool(f.reg).Handle, map[string]interface{}{"name": "zeus"})
	assert.True(t, res.IsError)

	res = call(t, NewRefreshTool(f.reg).Handle, nil)
	assert.Equal(t, "Registry refreshed: 3 CIs (2 greek, 1 terminal, 0 project)", resultText(res))
}

// ─── Forwarding ──────────────────────────────────────────────────────────────

func TestForwardTool(t *testing.T) {
	f := newFixture(t)
	tool := NewForwardTool(f.reg, f.forwards)

	res := call(t, tool.Handle, map[string]interface{}{"name": "Apollo", "terminal": "alice", "json_mode": true})
	require.False(t, res.IsError, resultText(res))
	assert.Equal(t, "Forwarding apollo → alice (JSON mode)", resultText(res))

	ci, ok := f.reg.Get("apollo")
	require.True(t, ok)
	assert.Equal(t, "alice", ci.ForwardTo)
	assert.True(t, ci.ForwardJSON)

	res = call(t, tool.Handle, map[string]interface{}{"action": "list"})
	assert.Equal(t, "Active forwards (1):\n  apollo → alice [JSON]", resultText(res))

	res = call(t, tool.Handle, map[string]interface{}{"name": "zeus", "terminal": "alice"})
	assert.True(t, res.IsError, "unknown CI")

	res = call(t, tool.Handle, map[string]interface{}{"action": "remove", "name": "apollo"})
	require.False(t, res.IsError, resultText(res))
	ci, _ = f.reg.Get("apollo")
	assert.False(t, ci.Forwarded())

	res = call(t, tool.Handle, map[string]interface{}{"action": "remove", "name": "apollo"})
	assert.True(t, res.IsError, "second remove")

	res = call(t, tool.Handle, map[string]interface{}{"action": "list"})
	assert.Equal(t, "No active forwards.", resultText(res))

	res = call(t, tool.Handle, map[string]interface{}{"action": "teleport"})
	assert.True(t, res.IsError)
}

func TestProjectForwardTool(t *testing.T) {
	f := newFixture(t)
	tool := NewProjectForwardTool(f.forwards)

	res := call(t, tool.Handle, map[string]interface{}{"project": "Tekton", "terminal": "bob"})
	require.False(t, res.IsError, resultText(res))

	res = call(t, tool.Handle, map[string]interface{}{"action": "list"})
	assert.Equal(t, "Project forwards (1):\n  Tekton → bob", resultText(res))

	res = call(t, tool.Handle, map[string]interface{}{"project": "Tekton"})
	assert.True(t, res.IsError, "missing terminal")

	res = call(t, tool.Handle, map[string]interface{}{"action": "remove", "project": "Tekton"})
	require.False(t, res.IsError, resultText(res))
	res = call(t, tool.Handle, map[string]interface{}{"action": "list"})
	assert.Equal(t, "No project forwards.", resultText(res))
}

// ─── Context ─────────────────────────────────────────────────────────────────

func TestContextPromptFlow(t *testing.T) {
	f := newFixture(t)

	res := call(t, NewPromoteStagedTool(f.reg).Handle, map[string]interface{}{"name": "apollo"})
	assert.Equal(t, "Nothing staged for apollo", resultText(res))

	res = call(t, NewStagePromptTool(f.reg).Handle, map[string]interface{}{
		"name":   "apollo",
		"prompt": `[{"role":"system","content":"focus on the sweeper"}]`,
	})
	require.False(t, res.IsError, resultText(res))
	assert.Equal(t, "Staged 1 prompt item(s) for apollo", resultText(res))

	res = call(t, NewPromoteStagedTool(f.reg).Handle, map[string]interface{}{"name": "apollo"})
	assert.Equal(t, "Staged prompt promoted to next for apollo", resultText(res))

	st, err := f.reg.ContextState(context.Background(), "apollo")
	require.NoError(t, err)
	assert.Empty(t, st.StagedContextPrompt)
	require.Len(t, st.NextContextPrompt, 1)
	assert.Equal(t, "focus on the sweeper", st.NextContextPrompt[0]["content"])

	res = call(t, NewNextPromptTool(f.reg).Handle, map[string]interface{}{
		"name":   "apollo",
		"prompt": map[string]interface{}{"role": "user", "content": "one object"},
	})
	assert.Equal(t, "Next prompt set for apollo (1 item(s))", resultText(res))

	res = call(t, NewNextPromptTool(f.reg).Handle, map[string]interface{}{"name": "apollo"})
	assert.Equal(t, "Next prompt cleared for apollo", resultText(res))

	res = call(t, NewStagePromptTool(f.reg).Handle, map[string]interface{}{"name": "apollo", "prompt": "not json"})
	assert.True(t, res.IsError)

	res = call(t, NewStagePromptTool(f.reg).Handle, map[string]interface{}{"name": "zeus", "prompt": "[]"})
	assert.True(t, res.IsError, "unknown CI")
}

func TestLastOutputAndContextState(t *testing.T) {
	f := newFixture(t)
	out := NewLastOutputTool(f.reg)

	res := call(t, out.Handle, map[string]interface{}{"name": "rhetor"})
	assert.Equal(t, "No output recorded for rhetor", resultText(res))

	res = call(t, out.Handle, map[string]interface{}{"name": "rhetor", "output": "done with the review"})
	require.False(t, res.IsError, resultText(res))

	res = call(t, out.Handle, map[string]interface{}{"name": "rhetor"})
	assert.Equal(t, "done with the review", resultText(res))

	state := NewContextStateTool(f.reg)
	res = call(t, state.Handle, map[string]interface{}{"name": "rhetor"})
	var st registry.ContextState
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &st))
	require.NotNil(t, st.LastOutput)
	assert.Equal(t, "done with the review", *st.LastOutput)

	res = call(t, state.Handle, map[string]interface{}{"name": "apollo"})
	assert.Equal(t, "No context state for apollo", resultText(res))

	res = call(t, state.Handle, map[string]interface{}{})
	var all map[string]registry.ContextState
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &all))
	assert.Contains(t, all, "rhetor")
}

// ─── KV ──────────────────────────────────────────────────────────────────────

func TestKVTools(t *testing.T) {
	f := newFixture(t)
	put := NewKVPutTool(f.kv)
	get := NewKVGetTool(f.kv)
	del := NewKVDeleteTool(f.kv)
	list := NewKVListTool(f.kv)

	res := call(t, put.Handle, map[string]interface{}{"namespace": "scratch", "key": "a", "value": `{"n":1}`, "if_revision": float64(0)})
	require.False(t, res.IsError, resultText(res))

	res = call(t, put.Handle, map[string]interface{}{"namespace": "scratch", "key": "a", "value": `{"n":2}`, "if_revision": float64(0)})
	assert.True(t, res.IsError, "create-only put on existing key")

	res = call(t, put.Handle, map[string]interface{}{"namespace": "scratch", "key": "b", "value": "plain text"})
	require.False(t, res.IsError, resultText(res))

	res = call(t, get.Handle, map[string]interface{}{"namespace": "scratch", "key": "b"})
	var e kvstore.Entry
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &e))
	assert.JSONEq(t, `"plain text"`, string(e.Value))

	res = call(t, list.Handle, map[string]interface{}{"namespace": "scratch"})
	assert.Contains(t, resultText(res), "scratch (2 entries):")

	res = call(t, list.Handle, map[string]interface{}{})
	assert.Contains(t, resultText(res), "scratch")

	res = call(t, del.Handle, map[string]interface{}{"namespace": "scratch", "key": "a", "if_revision": float64(999)})
	assert.True(t, res.IsError, "delete at wrong revision")
	res = call(t, del.Handle, map[string]interface{}{"namespace": "scratch", "key": "a"})
	require.False(t, res.IsError, resultText(res))

	res = call(t, get.Handle, map[string]interface{}{"namespace": "scratch", "key": "a"})
	assert.True(t, res.IsError)

	res = call(t, put.Handle, map[string]interface{}{"namespace": "Bad NS", "key": "a", "value": "1"})
	assert.True(t, res.IsError)
	res = call(t, put.Handle, map[string]interface{}{"namespace": "scratch", "key": "c"})
	assert.True(t, res.IsError, "missing value")
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 80))
	assert.Equal(t, `"日...`, truncate(`"日本語"`, 5))
	assert.True(t, utf8.ValidString(truncate(strings.Repeat("é", 50), 81)))
}
