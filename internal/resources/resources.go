// Package resources implements MCP resource handlers for the CI registry.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (tekton://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ckoons/tekton-ci/internal/registry"
)

// Resource URIs.
const (
	RegistryURI = "tekton://ci/registry"
	ContextURI  = "tekton://ci/context"
)

// Handler manages registry resource endpoints.
type Handler struct {
	reg *registry.Registry
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(reg *registry.Registry) *Handler {
	return &Handler{reg: reg}
}

// RegistryResource returns the MCP resource definition for the CI registry.
func (h *Handler) RegistryResource() mcp.Resource {
	return mcp.NewResource(
		RegistryURI,
		"Tekton CI Registry",
		mcp.WithResourceDescription("Every known CI with endpoint, message format and forwarding state"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleRegistry returns the registry as JSON.
func (h *Handler) HandleRegistry(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := registry.JSON(h.reg.All())
	if err != nil {
		return nil, fmt.Errorf("marshaling registry: %w", err)
	}
	return jsonContents(req.Params.URI, data), nil
}

// ContextResource returns the MCP resource definition for CI context state.
func (h *Handler) ContextResource() mcp.Resource {
	return mcp.NewResource(
		ContextURI,
		"Tekton CI Context State",
		mcp.WithResourceDescription("Staged prompt, next prompt and last output of every CI"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleContext returns all context states as JSON.
func (h *Handler) HandleContext(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	states, err := h.reg.AllContextStates(ctx)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}

	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling context state: %w", err)
	}
	return jsonContents(req.Params.URI, string(data)), nil
}

func jsonContents(uri, text string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     text,
		},
	}
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
