package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/forwarding"
	"github.com/ckoons/tekton-ci/internal/kvstore"
	"github.com/ckoons/tekton-ci/internal/logger"
)

// timeNow is replaced in tests.
var timeNow = time.Now

// ForwardLister supplies the forward overlay. *forwarding.Store implements it.
type ForwardLister interface {
	Map(ctx context.Context) (map[string]forwarding.Forward, error)
}

// Registry is the in-process view of every known CI. The CI list is
// rebuilt by Refresh; context state goes straight to the key-value store so
// all processes share it.
type Registry struct {
	sources  []Source
	forwards ForwardLister
	kv       kvstore.Backend
	log      *zap.SugaredLogger

	mu        sync.RWMutex
	cis       map[string]CI
	refreshed time.Time
}

// New returns an empty registry. Call Refresh to populate it.
func New(kv kvstore.Backend, forwards ForwardLister, sources ...Source) *Registry {
	return &Registry{
		sources:  sources,
		forwards: forwards,
		kv:       kv,
		log:      logger.ComponentLogger("registry"),
		cis:      map[string]CI{},
	}
}

// Refresh reloads every source in parallel and swaps in the result. A
// source that fails is logged and contributes nothing; the refresh itself
// only fails when ctx is done. On a name clash, later sources win.
func (r *Registry) Refresh(ctx context.Context) error {
	results := make([][]CI, len(r.sources))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, src := range r.sources {
		eg.Go(func() error {
			cis, err := src.Load(egCtx)
			if err != nil {
				r.log.Warnw("registry source unavailable", "source", src.Name(), logger.FieldError, err)
				return nil
			}
			results[i] = cis
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "registry: refresh")
	}

	next := make(map[string]CI)
	for _, cis := range results {
		for _, ci := range cis {
			next[ci.Name] = ci
		}
	}

	if r.forwards != nil {
		fwd, err := r.forwards.Map(ctx)
		if err != nil {
			r.log.Warnw("forward overlay unavailable", logger.FieldError, err)
		}
		for name, f := range fwd {
			if ci, ok := next[name]; ok {
				ci.ForwardTo = f.Terminal
				ci.ForwardJSON = f.JSONMode
				next[name] = ci
			}
		}
	}

	r.mu.Lock()
	r.cis = next
	r.refreshed = timeNow()
	r.mu.Unlock()

	r.log.Debugw("registry refreshed", logger.FieldCount, len(next))
	return nil
}

// RefreshedAt returns when Refresh last completed.
func (r *Registry) RefreshedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshed
}

// All returns every CI sorted by name.
func (r *Registry) All() []CI {
	return r.filter(func(CI) bool { return true })
}

// Get looks up a CI by name, case-insensitively.
func (r *Registry) Get(name string) (CI, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ci, ok := r.cis[strings.ToLower(strings.TrimSpace(name))]
	return ci, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// ByType returns CIs of a type, or those matching one of the special
// filters forward, local and remote. Unknown types yield nothing.
func (r *Registry) ByType(t string) []CI {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case TypeGreek:
		return r.filter(func(c CI) bool { return c.Type == TypeGreek })
	case TypeTerminal:
		return r.filter(func(c CI) bool { return c.Type == TypeTerminal })
	case TypeProject:
		return r.filter(func(c CI) bool { return c.Type == TypeProject })
	case FilterForward:
		return r.filter(CI.Forwarded)
	case FilterLocal:
		return r.filter(func(c CI) bool { return c.Host == LocalHost })
	case FilterRemote:
		return r.filter(func(c CI) bool { return c.Host != LocalHost })
	default:
		return []CI{}
	}
}

// ByPurpose would need to ask each CI for its current purpose, which no
// component exposes yet, so it reports nothing.
func (r *Registry) ByPurpose(purpose string) []CI {
	return []CI{}
}

func (r *Registry) filter(keep func(CI) bool) []CI {
	r.mu.RLock()
	out := make([]CI, 0, len(r.cis))
	for _, ci := range r.cis {
		if keep(ci) {
			out = append(out, ci)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
