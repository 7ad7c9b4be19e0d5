package registry

import (
	"context"
	_ "embed"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ckoons/tekton-ci/internal/errors"
)

//go:embed chorus.yaml
var chorusYAML []byte

type chorusFile struct {
	Defaults struct {
		MessageEndpoint string `yaml:"message_endpoint"`
		MessageFormat   string `yaml:"message_format"`
	} `yaml:"defaults"`
	Members []struct {
		Name            string `yaml:"name"`
		Description     string `yaml:"description"`
		MessageEndpoint string `yaml:"message_endpoint"`
		MessageFormat   string `yaml:"message_format"`
	} `yaml:"members"`
}

// Endpoints resolves component base URLs. *config.Config implements it.
type Endpoints interface {
	ComponentURL(name string, path ...string) (string, error)
}

// ChorusSource yields the Greek Chorus CIs.
type ChorusSource struct {
	endpoints Endpoints
	members   chorusFile
}

// NewChorusSource parses the built-in chorus definition.
func NewChorusSource(endpoints Endpoints) (*ChorusSource, error) {
	return newChorusSource(endpoints, chorusYAML)
}

func newChorusSource(endpoints Endpoints, data []byte) (*ChorusSource, error) {
	var f chorusFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "registry: parse chorus definition")
	}
	if len(f.Members) == 0 {
		return nil, errors.New("registry: chorus definition has no members")
	}
	return &ChorusSource{endpoints: endpoints, members: f}, nil
}

// Name implements Source.
func (s *ChorusSource) Name() string { return TypeGreek }

// Load implements Source. Members without a known port are skipped.
func (s *ChorusSource) Load(ctx context.Context) ([]CI, error) {
	now := timeNow().Format(time.RFC3339)
	out := make([]CI, 0, len(s.members.Members))
	for _, m := range s.members.Members {
		name := strings.ToLower(m.Name)
		endpoint, err := s.endpoints.ComponentURL(name)
		if err != nil {
			continue
		}
		host, port := hostPort(endpoint)
		ci := CI{
			Name:            name,
			Type:            TypeGreek,
			Endpoint:        endpoint,
			Host:            host,
			Port:            port,
			Description:     m.Description,
			MessageEndpoint: firstNonEmpty(m.MessageEndpoint, s.members.Defaults.MessageEndpoint),
			MessageFormat:   firstNonEmpty(m.MessageFormat, s.members.Defaults.MessageFormat),
			Created:         now,
			LastSeen:        now,
		}
		out = append(out, ci)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
