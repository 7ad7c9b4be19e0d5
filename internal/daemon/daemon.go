// Package daemon serves the session store and CI registry over HTTP on
// the loopback interface, for processes that cannot open the store file
// themselves. A WebSocket endpoint streams the store's change feed.
package daemon

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/forwarding"
	"github.com/ckoons/tekton-ci/internal/kvstore"
	"github.com/ckoons/tekton-ci/internal/logger"
	"github.com/ckoons/tekton-ci/internal/registry"
)

// State is the daemon lifecycle state.
type State int32

// Lifecycle states. A daemon moves forward only.
const (
	StateStarting State = iota
	StateReady
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Options tunes the daemon.
type Options struct {
	// Addr is the listen address, normally on 127.0.0.1.
	Addr string
	// RateLimit is the sustained request rate across all clients, per
	// second. Zero disables limiting.
	RateLimit float64
	Burst     int
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
	// PollInterval is how often watchers check the change feed.
	PollInterval time.Duration
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultOptions returns the built-in daemon settings.
func DefaultOptions() Options {
	return Options{
		Addr:            "127.0.0.1:8099",
		RateLimit:       200,
		Burst:           50,
		MaxBodyBytes:    4 << 20,
		PollInterval:    250 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server is the registry daemon.
type Server struct {
	kv       kvstore.Backend
	reg      *registry.Registry
	forwards *forwarding.Store
	opts     Options
	log      *zap.SugaredLogger

	limiter *rate.Limiter
	handler http.Handler
	started time.Time

	state atomic.Int32
	http  *http.Server

	// done is closed when draining starts; watch streams end on it.
	done     chan struct{}
	doneOnce sync.Once

	// mu orders watchers.Add against the Wait in Shutdown.
	mu       sync.Mutex
	closing  bool
	watchers sync.WaitGroup
}

// New builds a daemon over the given stores. Zero option fields take
// their DefaultOptions value.
func New(kv kvstore.Backend, reg *registry.Registry, forwards *forwarding.Store, opts Options) *Server {
	def := DefaultOptions()
	if opts.Addr == "" {
		opts.Addr = def.Addr
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &Server{
		kv:       kv,
		reg:      reg,
		forwards: forwards,
		opts:     opts,
		log:      logger.ComponentLogger("daemon"),
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst)
	}
	s.handler = s.middleware(s.routes())
	return s
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
	s.log.Infow("daemon state changed", "state", st.String())
}

// Handler returns the root HTTP handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// MarkReady switches the daemon to ready. Serve does this itself; tests
// that mount Handler directly call it.
func (s *Server) MarkReady() {
	s.setState(StateReady)
}

// ListenAndServe listens on Options.Addr and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "daemon: listen on %s", s.opts.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.http.Serve(ln)
	}()
	s.log.Infow("registry daemon listening", logger.FieldAddress, ln.Addr().String())
	s.MarkReady()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "daemon: serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown drains the daemon: new requests get 503, watch streams are
// closed and in-flight requests finish within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.setState(StateDraining)
	s.doneOnce.Do(func() { close(s.done) })

	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.watchers.Wait()
	if err != nil {
		return errors.Wrap(err, "daemon: shutdown")
	}
	return nil
}

// addWatcher registers a watch stream. It fails once Shutdown has begun.
func (s *Server) addWatcher() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.watchers.Add(1)
	return true
}
