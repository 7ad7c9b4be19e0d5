package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/ckoons/tekton-ci/internal/errors"
)

const (
	// TermaTerminalsPath lists the terminals Terma knows about.
	TermaTerminalsPath = "/api/terminals"
	// TermaRouteEndpoint is where Terma accepts messages for a terminal.
	TermaRouteEndpoint = "/api/mcp/v2/terminals/route-message"
)

// terminal is one element of Terma's GET /api/terminals response.
type terminal struct {
	Name      string `json:"name"`
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	SessionID string `json:"session_id"`
	Created   string `json:"created"`
}

// pidAlive is replaced in tests.
var pidAlive = func(ctx context.Context, pid int32) (bool, error) {
	return process.PidExistsWithContext(ctx, pid)
}

// TermaSource lists terminals registered with Terma.
type TermaSource struct {
	url    string
	client *http.Client
	// CheckPID drops terminals whose process is gone.
	CheckPID bool
}

// NewTermaSource returns a source reading terminalsURL (Terma's
// /api/terminals) with the given request timeout.
func NewTermaSource(terminalsURL string, timeout time.Duration) *TermaSource {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &TermaSource{
		url:      terminalsURL,
		client:   &http.Client{Timeout: timeout},
		CheckPID: true,
	}
}

// Name implements Source.
func (s *TermaSource) Name() string { return TypeTerminal }

// Load implements Source.
func (s *TermaSource) Load(ctx context.Context) ([]CI, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "registry: build terma request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "registry: terma: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.Wrap(err, "registry: read terma response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.ErrUnavailable, "registry: terma returned %s", resp.Status)
	}
	terms, err := decodeTerminals(body)
	if err != nil {
		return nil, err
	}

	now := timeNow().Format(time.RFC3339)
	out := make([]CI, 0, len(terms))
	for _, t := range terms {
		name := strings.ToLower(strings.TrimSpace(t.Name))
		if name == "" {
			continue
		}
		if s.CheckPID && t.PID > 0 {
			alive, err := pidAlive(ctx, int32(t.PID))
			if err == nil && !alive {
				continue
			}
		}
		created := t.Created
		if created == "" {
			created = now
		}
		out = append(out, CI{
			Name:            name,
			Type:            TypeTerminal,
			Endpoint:        fmt.Sprintf("http://%s:%d", LocalHost, t.Port),
			Host:            LocalHost,
			Port:            t.Port,
			MessageEndpoint: TermaRouteEndpoint,
			MessageFormat:   FormatTermaRoute,
			PID:             t.PID,
			SessionID:       t.SessionID,
			Created:         created,
			LastSeen:        now,
		})
	}
	return out, nil
}

// decodeTerminals accepts a bare array or an object with a "terminals" array.
func decodeTerminals(body []byte) ([]terminal, error) {
	var list []terminal
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Terminals []terminal `json:"terminals"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, errors.Wrap(err, "registry: decode terma terminals")
	}
	return wrapped.Terminals, nil
}
