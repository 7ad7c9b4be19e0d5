package server

import (
	"context"

	"github.com/ckoons/tekton-ci/internal/config"
	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/forwarding"
	"github.com/ckoons/tekton-ci/internal/kvstore"
	"github.com/ckoons/tekton-ci/internal/logger"
	"github.com/ckoons/tekton-ci/internal/memory"
	"github.com/ckoons/tekton-ci/internal/projects"
	"github.com/ckoons/tekton-ci/internal/registry"
)

// Deps holds the long-lived components shared by the MCP server, the
// daemon and the CLI.
type Deps struct {
	Config   *config.Config
	KV       kvstore.Backend
	Forwards *forwarding.Store
	Projects *projects.FileStore
	Registry *registry.Registry

	// Memory is nil when the memory store could not be opened.
	Memory    *memory.Store
	MemoryErr error
}

// Options selects optional parts of Open.
type Options struct {
	// Watch reloads the registry when the project registry file changes.
	Watch bool
	// Sweep runs the expiry sweeper in the background.
	Sweep bool
	// Memory opens the Engram memory store.
	Memory bool
}

// StoreConfig maps the store section of cfg onto kvstore.Config.
func StoreConfig(cfg *config.Config) kvstore.Config {
	return kvstore.Config{
		Backend:         cfg.Store.Backend,
		DataDir:         cfg.Store.DataDir,
		RedisURL:        cfg.Store.RedisURL,
		MaxEntries:      cfg.Store.MaxEntries,
		MaxValueBytes:   cfg.Store.MaxValueBytes,
		DefaultTTL:      cfg.Store.DefaultTTL,
		ChangeRetention: cfg.Store.ChangeRetention,
		Unbounded: []string{
			forwarding.Namespace,
			forwarding.ProjectNamespace,
			registry.ContextNamespace,
		},
	}
}

// MemoryConfig maps the memory section of cfg onto memory.Config.
func MemoryConfig(cfg *config.Config) memory.Config {
	return memory.Config{
		DataDir:          cfg.Memory.DataDir,
		ClientID:         cfg.Memory.ClientID,
		MaxContentLength: cfg.Memory.MaxContentLength,
		MaxSearchResults: cfg.Memory.MaxSearchResults,
		DedupeWindow:     cfg.Memory.DedupeWindow,
	}
}

// Open builds every component from cfg and loads the registry once. The
// returned cleanup stops background work and closes the stores; it is
// always non-nil.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Deps, func(), error) {
	log := logger.ComponentLogger("server")

	kv, err := kvstore.Open(ctx, StoreConfig(cfg))
	if err != nil {
		return nil, noop, errors.Wrap(err, "open session store")
	}
	closers := []func(){func() {
		if err := kv.Close(); err != nil {
			log.Warnw("session store close", logger.FieldError, err)
		}
	}}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if opts.Sweep {
		closers = append(closers, kvstore.StartSweeper(kv, cfg.Store.SweepInterval, nil))
	}

	chorus, err := registry.NewChorusSource(cfg)
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	termaURL, err := cfg.ComponentURL("terma", registry.TermaTerminalsPath)
	if err != nil {
		cleanup()
		return nil, noop, err
	}

	d := &Deps{
		Config:   cfg,
		KV:       kv,
		Forwards: forwarding.NewStore(kv),
		Projects: projects.NewFileStore(cfg.ProjectRegistryPath()),
	}
	d.Registry = registry.New(kv, d.Forwards,
		chorus,
		registry.NewTermaSource(termaURL, cfg.Terma.Timeout),
		registry.NewProjectSource(d.Projects),
	)
	if err := d.Registry.Refresh(ctx); err != nil {
		cleanup()
		return nil, noop, err
	}

	if opts.Watch {
		w, err := registry.NewWatcher(d.Projects.Path(), registry.DefaultDebounce, func() {
			if err := d.Registry.Refresh(context.Background()); err != nil {
				log.Warnw("registry reload failed", logger.FieldError, err)
				return
			}
			log.Infow("project registry changed, registry reloaded", logger.FieldFile, d.Projects.Path())
		})
		if err != nil {
			log.Warnw("project registry watch disabled", logger.FieldError, err)
		} else {
			w.Start()
			closers = append(closers, func() { _ = w.Close() })
		}
	}

	// Memory is independent: if it fails, the registry keeps working and
	// only the memory tools are left out.
	if opts.Memory {
		ms, err := memory.New(MemoryConfig(cfg))
		if err != nil {
			log.Warnw("memory subsystem disabled", logger.FieldError, err)
			d.MemoryErr = err
		} else {
			d.Memory = ms
			closers = append(closers, func() {
				if err := ms.Close(); err != nil {
					log.Warnw("memory store close", logger.FieldError, err)
				}
			})
		}
	}

	return d, cleanup, nil
}

// noop is a no-op cleanup function.
func noop() {}
