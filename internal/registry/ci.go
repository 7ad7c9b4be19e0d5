// Package registry is the unified CI registry: Greek Chorus component CIs,
// live Terma terminals and project CIs in one name-indexed view, with
// message forwards overlaid and the Apollo/Rhetor context state kept in the
// shared key-value store.
package registry

import (
	"context"
	"net/url"
	"strconv"
	"strings"
)

// CI types.
const (
	TypeGreek    = "greek"
	TypeTerminal = "terminal"
	TypeProject  = "project"
)

// Special ByType filters that are not CI types.
const (
	FilterForward = "forward"
	FilterLocal   = "local"
	FilterRemote  = "remote"
)

// Message formats understood by senders.
const (
	FormatJSONSimple = "json_simple"
	FormatTermaRoute = "terma_route"
)

// LocalHost is the host recorded for CIs running on this machine.
const LocalHost = "localhost"

// CI is one registry entry.
type CI struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	Endpoint        string `json:"endpoint"`
	Host            string `json:"host,omitempty"`
	Port            int    `json:"port,omitempty"`
	Description     string `json:"description,omitempty"`
	MessageEndpoint string `json:"message_endpoint"`
	MessageFormat   string `json:"message_format"`
	PID             int    `json:"pid,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	Project         string `json:"project,omitempty"`
	ForwardTo       string `json:"forward_to,omitempty"`
	ForwardJSON     bool   `json:"forward_json,omitempty"`
	Created         string `json:"created,omitempty"`
	LastSeen        string `json:"last_seen,omitempty"`
}

// Forwarded reports whether messages to the CI are redirected.
func (c CI) Forwarded() bool { return c.ForwardTo != "" }

// Source produces CIs for one part of the registry.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]CI, error)
}

// hostPort extracts host and port from an endpoint URL. A URL without an
// explicit port reports 80.
func hostPort(endpoint string) (string, int) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", 0
	}
	port := 80
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return strings.ToLower(u.Hostname()), port
}
