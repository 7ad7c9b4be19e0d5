// Package commands implements the tekton-ci command tree.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pterm/pterm"

	"github.com/ckoons/tekton-ci/internal/config"
	"github.com/ckoons/tekton-ci/internal/daemon"
	"github.com/ckoons/tekton-ci/internal/kvstore"
	"github.com/ckoons/tekton-ci/internal/logger"
	"github.com/ckoons/tekton-ci/internal/server"
)

// Global flags, bound by the root command.
var (
	ConfigFile string
	LogLevel   string
)

// cfg is loaded once by Init.
var cfg *config.Config

// Init loads configuration and sets up logging. The root command calls it
// from PersistentPreRunE.
func Init() error {
	c, err := config.Load(ConfigFile)
	if err != nil {
		return err
	}
	cfg = c

	level := cfg.Log.Level
	if LogLevel != "" {
		level = LogLevel
	}
	if err := logger.Initialize(logger.Options{JSON: cfg.Log.JSON, Level: level}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// currentConfig returns the loaded config, falling back to defaults when
// a command runs without the root pre-run (tests).
func currentConfig() *config.Config {
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg
}

// openDeps opens the stores and loads the registry for one command.
func openDeps(ctx context.Context, opts server.Options) (*server.Deps, func(), error) {
	return server.Open(ctx, currentConfig(), opts)
}

// kvClient is the part of the store API the kv commands use. Both a
// local kvstore.Backend and a daemon.Client satisfy it.
type kvClient interface {
	Get(ctx context.Context, ns, key string) (*kvstore.Entry, error)
	Put(ctx context.Context, ns, key string, value json.RawMessage, opts kvstore.PutOptions) (*kvstore.Entry, error)
	Delete(ctx context.Context, ns, key string, ifRevision *int64) error
	List(ctx context.Context, ns string, opts kvstore.ListOptions) ([]kvstore.Entry, error)
	Namespaces(ctx context.Context) ([]string, error)
	Changes(ctx context.Context, since int64, limit int) ([]kvstore.Change, error)
	Stats(ctx context.Context) (*kvstore.Stats, error)
}

var (
	_ kvClient = kvstore.Backend(nil)
	_ kvClient = (*daemon.Client)(nil)
)

// openKV returns the daemon client when remote is set, otherwise the local
// store.
func openKV(ctx context.Context, remote bool) (kvClient, func(), error) {
	c := currentConfig()
	if remote {
		return daemon.NewClient(c.Daemon.Addr), func() {}, nil
	}
	kv, err := kvstore.Open(ctx, server.StoreConfig(c))
	if err != nil {
		return nil, func() {}, err
	}
	return kv, func() { _ = kv.Close() }, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// renderTable prints rows under header using pterm.
func renderTable(w io.Writer, header []string, rows [][]string) error {
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}
