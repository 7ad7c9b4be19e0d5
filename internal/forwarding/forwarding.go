// Package forwarding keeps the table of CI message forwards: messages
// addressed to a CI are delivered to a terminal instead, optionally as JSON.
//
// Forwards live in the shared key-value store so that every process on the
// host (MCP server, daemon, CLI) sees the same table.
package forwarding

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/kvstore"
)

// Namespaces used in the key-value store.
const (
	Namespace        = "forwards"
	ProjectNamespace = "project_forwards"
)

// Forward routes messages for a CI to a terminal.
type Forward struct {
	Name      string    `json:"name"`
	Terminal  string    `json:"terminal"`
	JSONMode  bool      `json:"json_mode"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectForward routes a project's CI to a terminal.
type ProjectForward struct {
	Project   string    `json:"project"`
	Terminal  string    `json:"terminal"`
	CreatedAt time.Time `json:"created_at"`
}

// Store reads and writes forwards.
type Store struct {
	kv kvstore.Backend
}

// NewStore returns a Store backed by kv.
func NewStore(kv kvstore.Backend) *Store {
	return &Store{kv: kv}
}

// timeNow is replaced in tests.
var timeNow = time.Now

// Set creates or replaces the forward for name. CI names are case-insensitive.
func (s *Store) Set(ctx context.Context, name, terminal string, jsonMode bool) (*Forward, error) {
	name = normalize(name)
	terminal = strings.TrimSpace(terminal)
	if name == "" {
		return nil, errors.Invalidf("forwarding: name is required")
	}
	if terminal == "" {
		return nil, errors.Invalidf("forwarding: terminal is required for %s", name)
	}

	var out Forward
	_, err := s.kv.Update(ctx, Namespace, name, func(cur *kvstore.Entry) (json.RawMessage, error) {
		out = Forward{Name: name, Terminal: terminal, JSONMode: jsonMode, CreatedAt: timeNow().UTC()}
		// Re-pointing an existing forward keeps its creation time.
		if cur != nil {
			var prev Forward
			if err := cur.Decode(&prev); err == nil && !prev.CreatedAt.IsZero() {
				out.CreatedAt = prev.CreatedAt
			}
		}
		return json.Marshal(out)
	}, kvstore.PutOptions{TTL: -1})
	if err != nil {
		return nil, errors.Wrapf(err, "forwarding: set %s", name)
	}
	return &out, nil
}

// Remove deletes the forward for name.
func (s *Store) Remove(ctx context.Context, name string) error {
	name = normalize(name)
	if err := s.kv.Delete(ctx, Namespace, name, nil); err != nil {
		if errors.IsNotFound(err) {
			return errors.NotFoundf("forwarding: %s is not forwarded", name)
		}
		return errors.Wrapf(err, "forwarding: remove %s", name)
	}
	return nil
}

// Get returns the forward for name, or ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (*Forward, error) {
	name = normalize(name)
	e, err := s.kv.Get(ctx, Namespace, name)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFoundf("forwarding: %s is not forwarded", name)
		}
		return nil, err
	}
	var f Forward
	if err := e.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// List returns all forwards sorted by CI name.
func (s *Store) List(ctx context.Context) ([]Forward, error) {
	entries, err := s.kv.List(ctx, Namespace, kvstore.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "forwarding: list")
	}
	out := make([]Forward, 0, len(entries))
	for i := range entries {
		var f Forward
		if err := entries[i].Decode(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Map returns forwards keyed by CI name.
func (s *Store) Map(ctx context.Context) (map[string]Forward, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]Forward, len(list))
	for _, f := range list {
		m[f.Name] = f
	}
	return m, nil
}

// ─── Project forwards ────────────────────────────────────────────────────────

// SetProject forwards the CI of project to terminal.
func (s *Store) SetProject(ctx context.Context, project, terminal string) (*ProjectForward, error) {
	project = strings.TrimSpace(project)
	terminal = strings.TrimSpace(terminal)
	if project == "" {
		return nil, errors.Invalidf("forwarding: project name is required")
	}
	if terminal == "" {
		return nil, errors.Invalidf("forwarding: terminal is required for project %s", project)
	}
	pf := ProjectForward{Project: project, Terminal: terminal, CreatedAt: timeNow().UTC()}
	raw, err := json.Marshal(pf)
	if err != nil {
		return nil, errors.Wrap(err, "forwarding: encode project forward")
	}
	if _, err := s.kv.Put(ctx, ProjectNamespace, project, raw, kvstore.PutOptions{TTL: -1}); err != nil {
		return nil, errors.Wrapf(err, "forwarding: set project %s", project)
	}
	return &pf, nil
}

// RemoveProject stops forwarding the CI of project.
func (s *Store) RemoveProject(ctx context.Context, project string) error {
	project = strings.TrimSpace(project)
	if err := s.kv.Delete(ctx, ProjectNamespace, project, nil); err != nil {
		if errors.IsNotFound(err) {
			return errors.NotFoundf("forwarding: project %s is not forwarded", project)
		}
		return errors.Wrapf(err, "forwarding: remove project %s", project)
	}
	return nil
}

// ListProjects returns project forwards sorted by project name.
func (s *Store) ListProjects(ctx context.Context) ([]ProjectForward, error) {
	entries, err := s.kv.List(ctx, ProjectNamespace, kvstore.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "forwarding: list projects")
	}
	out := make([]ProjectForward, 0, len(entries))
	for i := range entries {
		var pf ProjectForward
		if err := entries[i].Decode(&pf); err != nil {
			return nil, err
		}
		out = append(out, pf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project < out[j].Project })
	return out, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
