// Package server wires all MCP components and creates the server instance.
//
// This is the composition root: it creates the concrete stores and injects
// them into the tools, prompts and resources that depend on them. No
// business logic lives here, only wiring.
package server

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ckoons/tekton-ci/internal/citools"
	"github.com/ckoons/tekton-ci/internal/config"
	"github.com/ckoons/tekton-ci/internal/memory"
	"github.com/ckoons/tekton-ci/internal/memtools"
	"github.com/ckoons/tekton-ci/internal/prompts"
	"github.com/ckoons/tekton-ci/internal/resources"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates and configures the MCP server with all tools, prompts,
// and resources registered.
//
// The returned cleanup function stops the registry watcher and expiry
// sweeper and closes both stores. It must be called on shutdown
// (typically via defer). It is always non-nil.
func New(ctx context.Context, cfg *config.Config) (*server.MCPServer, func(), error) {
	deps, cleanup, err := Open(ctx, cfg, Options{Watch: true, Sweep: true, Memory: true})
	if err != nil {
		return nil, noop, err
	}
	return Build(deps), cleanup, nil
}

// Build registers every handler backed by deps on a new MCP server.
// Memory tools and the memory-digest prompt are left out when
// deps.Memory is nil.
func Build(deps *Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"tekton-ci",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	registerCITools(s, deps)
	registerKVTools(s, deps)

	if deps.Memory != nil {
		registerMemoryTools(s, deps.Memory)

		digestPrompt := prompts.NewDigestPrompt()
		s.AddPrompt(digestPrompt.Definition(), digestPrompt.Handle)
	}

	// --- Register prompts ---

	statusPrompt := prompts.NewStatusPrompt()
	s.AddPrompt(statusPrompt.Definition(), statusPrompt.Handle)

	// --- Register resources ---

	resourceHandler := resources.NewHandler(deps.Registry)
	s.AddResource(resourceHandler.RegistryResource(), resourceHandler.HandleRegistry)
	s.AddResource(resourceHandler.ContextResource(), resourceHandler.HandleContext)

	return s
}

// registerCITools registers the registry, forwarding and context tools.
func registerCITools(s *server.MCPServer, deps *Deps) {
	// --- Registry ---
	listTool := citools.NewListTool(deps.Registry)
	s.AddTool(listTool.Definition(), listTool.Handle)

	getTool := citools.NewGetTool(deps.Registry)
	s.AddTool(getTool.Definition(), getTool.Handle)

	refreshTool := citools.NewRefreshTool(deps.Registry)
	s.AddTool(refreshTool.Definition(), refreshTool.Handle)

	// --- Forwarding ---
	forwardTool := citools.NewForwardTool(deps.Registry, deps.Forwards)
	s.AddTool(forwardTool.Definition(), forwardTool.Handle)

	projectForward := citools.NewProjectForwardTool(deps.Forwards)
	s.AddTool(projectForward.Definition(), projectForward.Handle)

	// --- Context state ---
	stage := citools.NewStagePromptTool(deps.Registry)
	s.AddTool(stage.Definition(), stage.Handle)

	next := citools.NewNextPromptTool(deps.Registry)
	s.AddTool(next.Definition(), next.Handle)

	promote := citools.NewPromoteStagedTool(deps.Registry)
	s.AddTool(promote.Definition(), promote.Handle)

	lastOutput := citools.NewLastOutputTool(deps.Registry)
	s.AddTool(lastOutput.Definition(), lastOutput.Handle)

	state := citools.NewContextStateTool(deps.Registry)
	s.AddTool(state.Definition(), state.Handle)
}

// registerKVTools exposes the raw session store.
func registerKVTools(s *server.MCPServer, deps *Deps) {
	kvGet := citools.NewKVGetTool(deps.KV)
	s.AddTool(kvGet.Definition(), kvGet.Handle)

	kvPut := citools.NewKVPutTool(deps.KV)
	s.AddTool(kvPut.Definition(), kvPut.Handle)

	kvDelete := citools.NewKVDeleteTool(deps.KV)
	s.AddTool(kvDelete.Definition(), kvDelete.Handle)

	kvList := citools.NewKVListTool(deps.KV)
	s.AddTool(kvList.Definition(), kvList.Handle)
}

// registerMemoryTools registers all 12 memory MCP tools with the server.
func registerMemoryTools(s *server.MCPServer, ms *memory.Store) {
	// --- Session lifecycle ---
	sessionStart := memtools.NewSessionStartTool(ms)
	s.AddTool(sessionStart.Definition(), sessionStart.Handle)

	sessionEnd := memtools.NewSessionEndTool(ms)
	s.AddTool(sessionEnd.Definition(), sessionEnd.Handle)

	// --- Capture ---
	addTool := memtools.NewAddTool(ms)
	s.AddTool(addTool.Definition(), addTool.Handle)

	addAuto := memtools.NewAddAutoTool(ms)
	s.AddTool(addAuto.Definition(), addAuto.Handle)

	// --- Query & retrieval ---
	searchTool := memtools.NewSearchTool(ms)
	s.AddTool(searchTool.Definition(), searchTool.Handle)

	memContext := memtools.NewContextTool(ms)
	s.AddTool(memContext.Definition(), memContext.Handle)

	digestTool := memtools.NewDigestTool(ms)
	s.AddTool(digestTool.Definition(), digestTool.Handle)

	getTool := memtools.NewGetTool(ms)
	s.AddTool(getTool.Definition(), getTool.Handle)

	byTag := memtools.NewByTagTool(ms)
	s.AddTool(byTag.Definition(), byTag.Handle)

	// --- Management ---
	setImportance := memtools.NewSetImportanceTool(ms)
	s.AddTool(setImportance.Definition(), setImportance.Handle)

	deleteTool := memtools.NewDeleteTool(ms)
	s.AddTool(deleteTool.Definition(), deleteTool.Handle)

	// --- Statistics ---
	statsTool := memtools.NewStatsTool(ms)
	s.AddTool(statsTool.Definition(), statsTool.Handle)
}

// serverInstructions returns the system instructions that tell the AI
// how to use the CI registry and memory.
func serverInstructions() string {
	return `You have access to tekton-ci, the Tekton CI registry and memory server.

## The Registry

Every Companion Intelligence (CI) Tekton knows about is listed in one registry:
- greek: the Greek Chorus components (apollo, athena, rhetor, ...)
- terminal: terminals registered with Terma
- project: CIs assigned to a project in the project registry

Use ci_list to see them (type filters by kind, or by forward/local/remote),
ci_get for one CI, and ci_refresh when a component or terminal has just
started or stopped.

## Forwarding

A CI can be forwarded to a terminal, so a human answers instead of the model.
- ci_forward action=add name=apollo terminal=alice [json_mode=true]
- ci_forward action=remove name=apollo
- ci_forward action=list
Project forwards use ci_project_forward. Forwards survive restarts.

## Context State

Each CI has a staged prompt, a next prompt, and its last output. They are
shared by every Tekton process on this machine.
1. Stage a prompt with ci_stage_prompt
2. Promote it with ci_promote_staged when the CI should receive it
3. Read or record the last output with ci_last_output
4. Inspect everything with ci_context_state (omit name for all CIs)

## Session Store

kv_get, kv_put, kv_delete and kv_list read and write namespaced JSON values
in the shared session store. kv_put accepts ttl_seconds and if_revision for
compare-and-set; a revision mismatch is reported as a conflict.

## PERSISTENT MEMORY (Engram)

Memory survives between conversations when the memory tools are present.

### Session Lifecycle
1. Call mem_session_start at the beginning of each session
2. Call mem_digest to load the most important memories
3. Save as you go with mem_add or mem_add_auto
4. Call mem_session_end when the session is over

### Categories
personal, projects, facts, preferences, session, private.
Importance runs from 1 (trivial) to 5 (critical); each category has a default.
mem_add_auto picks category, importance and tags from the content.

### Privacy
Text inside <private>...</private> is redacted unless the category is private.
Private memories never appear in mem_context or the default digest.

### Retrieval
- mem_context with the user's message before answering questions about past work
- mem_search for a specific topic (filter by category, tags, min_importance)
- mem_get for one memory, mem_by_tag for a tag
- mem_stats for counts by category and top tags`
}
