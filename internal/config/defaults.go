package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// DefaultPorts is the component port table. Names are lower case.
var DefaultPorts = map[string]int{
	"engram":      8000,
	"hermes":      8001,
	"ergon":       8002,
	"rhetor":      8003,
	"terma":       8004,
	"athena":      8005,
	"prometheus":  8006,
	"harmonia":    8007,
	"telos":       8008,
	"synthesis":   8009,
	"tekton_core": 8010,
	"metis":       8011,
	"apollo":      8012,
	"penia":       8013,
	"sophia":      8014,
	"noesis":      8015,
	"numa":        8016,
	"hephaestus":  8080,
}

// portEnvNames maps components to their port variables. Penia kept the
// BUDGET_PORT name from before it was renamed.
var portEnvNames = map[string]string{
	"engram":      "ENGRAM_PORT",
	"hermes":      "HERMES_PORT",
	"ergon":       "ERGON_PORT",
	"rhetor":      "RHETOR_PORT",
	"terma":       "TERMA_PORT",
	"athena":      "ATHENA_PORT",
	"prometheus":  "PROMETHEUS_PORT",
	"harmonia":    "HARMONIA_PORT",
	"telos":       "TELOS_PORT",
	"synthesis":   "SYNTHESIS_PORT",
	"tekton_core": "TEKTON_CORE_PORT",
	"metis":       "METIS_PORT",
	"apollo":      "APOLLO_PORT",
	"penia":       "BUDGET_PORT",
	"sophia":      "SOPHIA_PORT",
	"noesis":      "NOESIS_PORT",
	"numa":        "NUMA_PORT",
	"hephaestus":  "HEPHAESTUS_PORT",
}

// SetDefaults registers every key with its default value. Keys without a
// default are invisible to AutomaticEnv during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("root", "")
	v.SetDefault("host", "localhost")

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.json", false)

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.data_dir", "~/.tekton/ci")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.max_entries", 10000)
	v.SetDefault("store.max_value_bytes", 1<<20)
	v.SetDefault("store.default_ttl", "0s")
	v.SetDefault("store.sweep_interval", "1m")
	v.SetDefault("store.change_retention", 5000)

	v.SetDefault("daemon.addr", "127.0.0.1:8099")
	v.SetDefault("daemon.rate_limit", 200.0)
	v.SetDefault("daemon.burst", 50)

	v.SetDefault("memory.data_dir", "~/.tekton/engram")
	v.SetDefault("memory.client_id", "default")
	v.SetDefault("memory.max_content_length", 8000)
	v.SetDefault("memory.max_search_results", 50)
	v.SetDefault("memory.dedupe_window", "15m")

	v.SetDefault("terma.timeout", "2s")
}

// ComponentPort returns the port of a component, or 0 when unknown.
func (c *Config) ComponentPort(name string) int {
	return c.Ports[normalizeComponent(name)]
}

// ComponentURL builds the base URL of a component with optional path
// segments appended.
func (c *Config) ComponentURL(name string, path ...string) (string, error) {
	port := c.ComponentPort(name)
	if port == 0 {
		return "", fmt.Errorf("config: unknown component %q", name)
	}
	u := fmt.Sprintf("http://%s:%d", c.Host, port)
	for _, p := range path {
		u += "/" + strings.Trim(p, "/")
	}
	return u, nil
}

// Components returns the known component names, sorted.
func (c *Config) Components() []string {
	names := make([]string, 0, len(c.Ports))
	for name := range c.Ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeComponent(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "_")
	if n == "budget" {
		return "penia"
	}
	return n
}

// WriteDefault writes a config file populated with the current values to
// path. An existing file is left alone unless overwrite is set.
func (c *Config) WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config: %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# tekton-ci configuration\n")
	buf.WriteString("# Environment variables override these values (TEKTON_STORE_BACKEND, TEKTON_LOG_LEVEL, ...).\n\n")
	if err := c.Encode(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Encode writes the effective configuration as TOML.
func (c *Config) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c.fileLayout()); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}

// fileLayout mirrors Config with durations rendered as strings, the form
// viper decodes back into time.Duration.
func (c *Config) fileLayout() map[string]interface{} {
	return map[string]interface{}{
		"host": c.Host,
		"log": map[string]interface{}{
			"level": c.Log.Level,
			"json":  c.Log.JSON,
		},
		"store": map[string]interface{}{
			"backend":          c.Store.Backend,
			"data_dir":         c.Store.DataDir,
			"redis_url":        c.Store.RedisURL,
			"max_entries":      c.Store.MaxEntries,
			"max_value_bytes":  c.Store.MaxValueBytes,
			"default_ttl":      durationString(c.Store.DefaultTTL),
			"sweep_interval":   durationString(c.Store.SweepInterval),
			"change_retention": c.Store.ChangeRetention,
		},
		"daemon": map[string]interface{}{
			"addr":       c.Daemon.Addr,
			"rate_limit": c.Daemon.RateLimit,
			"burst":      c.Daemon.Burst,
		},
		"memory": map[string]interface{}{
			"data_dir":           c.Memory.DataDir,
			"client_id":          c.Memory.ClientID,
			"max_content_length": c.Memory.MaxContentLength,
			"max_search_results": c.Memory.MaxSearchResults,
			"dedupe_window":      durationString(c.Memory.DedupeWindow),
		},
		"terma": map[string]interface{}{
			"timeout": durationString(c.Terma.Timeout),
		},
		"ports": c.Ports,
	}
}

func durationString(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	return d.String()
}
