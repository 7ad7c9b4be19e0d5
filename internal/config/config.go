// Package config loads tekton-ci settings.
//
// Precedence, lowest to highest: built-in defaults, the tekton.toml file,
// the .env chain (~/.env, $TEKTON_ROOT/.env.tekton, $TEKTON_ROOT/.env.local)
// and finally the real process environment. Environment keys use the
// TEKTON_ prefix with dots replaced by underscores (store.backend ->
// TEKTON_STORE_BACKEND); component ports keep their historical <NAME>_PORT
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the .tekton directories.
const FileName = "tekton.toml"

// Config is the full tekton-ci configuration.
type Config struct {
	Root   string         `mapstructure:"root"`
	Host   string         `mapstructure:"host"`
	Log    LogConfig      `mapstructure:"log"`
	Store  StoreConfig    `mapstructure:"store"`
	Daemon DaemonConfig   `mapstructure:"daemon"`
	Memory MemoryConfig   `mapstructure:"memory"`
	Terma  TermaConfig    `mapstructure:"terma"`
	Ports  map[string]int `mapstructure:"ports"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// StoreConfig configures the shared key-value store.
type StoreConfig struct {
	Backend         string        `mapstructure:"backend"` // sqlite | redis
	DataDir         string        `mapstructure:"data_dir"`
	RedisURL        string        `mapstructure:"redis_url"`
	MaxEntries      int           `mapstructure:"max_entries"`
	MaxValueBytes   int           `mapstructure:"max_value_bytes"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	ChangeRetention int           `mapstructure:"change_retention"`
}

// DaemonConfig configures the local registry daemon.
type DaemonConfig struct {
	Addr      string  `mapstructure:"addr"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// MemoryConfig configures the structured memory store.
type MemoryConfig struct {
	DataDir          string        `mapstructure:"data_dir"`
	ClientID         string        `mapstructure:"client_id"`
	MaxContentLength int           `mapstructure:"max_content_length"`
	MaxSearchResults int           `mapstructure:"max_search_results"`
	DedupeWindow     time.Duration `mapstructure:"dedupe_window"`
}

// TermaConfig configures terminal discovery.
type TermaConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads configuration. An empty file means "search the default
// locations"; a non-empty one must exist.
func Load(file string) (*Config, error) {
	LoadEnvFiles(rootFromEnv())

	v, used, err := newViper(file)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.File = used
	cfg.finish()
	return &cfg, nil
}

// Default returns the configuration produced by defaults and environment
// only, ignoring config files.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	bindEnv(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.finish()
	return &cfg
}

// newViper builds a viper instance with defaults, the config file (if any)
// and environment binding. It returns the file actually read.
func newViper(file string) (*viper.Viper, string, error) {
	v := viper.New()
	SetDefaults(v)
	bindEnv(v)
	v.SetConfigType("toml")

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("config: read %s: %w", file, err)
		}
		return v, file, nil
	}

	for _, candidate := range SearchPaths() {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		v.SetConfigFile(candidate)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("config: read %s: %w", candidate, err)
		}
		return v, candidate, nil
	}
	return v, "", nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("TEKTON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// SearchPaths lists the config file candidates in lookup order.
func SearchPaths() []string {
	var paths []string
	if root := rootFromEnv(); root != "" {
		paths = append(paths, filepath.Join(root, ".tekton", FileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".tekton", FileName))
	}
	return paths
}

// LoadEnvFiles loads the .env chain into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(root string) {
	var files []string
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".env"))
	}
	if root != "" {
		files = append(files,
			filepath.Join(root, ".env.tekton"),
			filepath.Join(root, ".env.local"),
		)
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

func rootFromEnv() string {
	return os.Getenv("TEKTON_ROOT")
}

// finish fills values that depend on other values or on the legacy
// <NAME>_PORT variables.
func (c *Config) finish() {
	if c.Root == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Root = wd
		}
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	c.Store.DataDir = ExpandHome(c.Store.DataDir)
	c.Memory.DataDir = ExpandHome(c.Memory.DataDir)

	ports := make(map[string]int, len(DefaultPorts))
	for name, port := range DefaultPorts {
		ports[name] = port
	}
	for name, port := range c.Ports {
		if port > 0 {
			ports[strings.ToLower(name)] = port
		}
	}
	for name, env := range portEnvNames {
		if raw := os.Getenv(env); raw != "" {
			if port, err := strconv.Atoi(raw); err == nil && port > 0 {
				ports[name] = port
			}
		}
	}
	c.Ports = ports
}

// ExpandHome replaces a leading ~ with the home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// ProjectRegistryPath is where project CIs are registered.
func (c *Config) ProjectRegistryPath() string {
	return filepath.Join(c.Root, ".tekton", "project", "registry.json")
}

// TermaInboxPath is the terminal inbox snapshot written by Terma.
func (c *Config) TermaInboxPath() string {
	return filepath.Join(c.Root, ".tekton", "terma", ".inbox_snapshot")
}
