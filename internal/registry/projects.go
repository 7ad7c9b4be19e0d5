package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ckoons/tekton-ci/internal/projects"
)

// ProjectSource yields the CIs assigned to registered projects.
type ProjectSource struct {
	store *projects.FileStore
}

// NewProjectSource reads projects from store.
func NewProjectSource(store *projects.FileStore) *ProjectSource {
	return &ProjectSource{store: store}
}

// Name implements Source.
func (s *ProjectSource) Name() string { return TypeProject }

// Load implements Source. Projects without a CI are skipped.
func (s *ProjectSource) Load(ctx context.Context) ([]CI, error) {
	list, err := s.store.List()
	if err != nil {
		return nil, err
	}
	now := timeNow().Format(time.RFC3339)
	out := make([]CI, 0, len(list))
	for _, p := range list {
		name := strings.ToLower(strings.TrimSpace(p.CI))
		if name == "" {
			continue
		}
		created := p.Created
		if created == "" {
			created = now
		}
		out = append(out, CI{
			Name:            name,
			Type:            TypeProject,
			Endpoint:        fmt.Sprintf("http://%s:%d", LocalHost, p.Port),
			Host:            LocalHost,
			Port:            p.Port,
			MessageEndpoint: "/api/message",
			MessageFormat:   FormatJSONSimple,
			Project:         p.Name,
			Created:         created,
			LastSeen:        now,
		})
	}
	return out, nil
}
