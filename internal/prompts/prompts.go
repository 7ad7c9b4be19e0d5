// Package prompts implements MCP prompt handlers for the CI registry and
// Engram memory.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// StatusPrompt handles the ci-status MCP prompt.
type StatusPrompt struct{}

// NewStatusPrompt creates a StatusPrompt.
func NewStatusPrompt() *StatusPrompt {
	return &StatusPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *StatusPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("ci-status",
		mcp.WithPromptDescription(
			"Show which CIs are available, which are forwarded to terminals, "+
				"and which have prompts waiting.",
		),
		mcp.WithArgument("type",
			mcp.ArgumentDescription("Optional filter: greek, terminal, project, forward, local or remote"),
		),
	)
}

// Handle processes the ci-status prompt request.
func (p *StatusPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	listCall := "`ci_list`"
	if typ := req.Params.Arguments["type"]; typ != "" {
		listCall = fmt.Sprintf("`ci_list` with type='%s'", typ)
	}

	return &mcp.GetPromptResult{
		Description: "Tekton CI Status",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please run " + listCall + " to see the registry, then `ci_context_state` with no name.\n\n" +
						"Then:\n" +
						"1. Summarize the CIs by type\n" +
						"2. Point out every forward and where it goes\n" +
						"3. List CIs with a staged or next prompt waiting\n" +
						"4. Suggest `ci_refresh` if the registry looks stale",
				),
			},
		},
	}, nil
}

// ─── DigestPrompt ───────────────────────────────────────────────────────────

// DigestPrompt handles the memory-digest MCP prompt. It loads memory at
// the start of a session.
type DigestPrompt struct{}

// NewDigestPrompt creates a DigestPrompt.
func NewDigestPrompt() *DigestPrompt {
	return &DigestPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *DigestPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("memory-digest",
		mcp.WithPromptDescription("Load your most important memories and start a session."),
		mcp.WithArgument("session_id",
			mcp.ArgumentDescription("Session identifier to start"),
		),
		mcp.WithArgument("project",
			mcp.ArgumentDescription("Project you are working on"),
		),
	)
}

// Handle processes the memory-digest prompt request.
func (p *DigestPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	sessionID := "session"
	project := ""
	if args := req.Params.Arguments; args != nil {
		if v, ok := args["session_id"]; ok && v != "" {
			sessionID = v
		}
		project = args["project"]
	}

	start := fmt.Sprintf("`mem_session_start` with id='%s'", sessionID)
	if project != "" {
		start += fmt.Sprintf(" and project='%s'", project)
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Memory digest for session %s", sessionID),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please run " + start + ", then `mem_digest`.\n\n" +
						"Read the digest carefully and keep it in mind for this session. " +
						"As we work, store anything worth keeping with `mem_add_auto`, and before answering " +
						"questions about past work call `mem_context` with my message.",
				),
			},
		},
	}, nil
}
