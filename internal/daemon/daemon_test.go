package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/forwarding"
	"github.com/ckoons/tekton-ci/internal/kvstore"
	"github.com/ckoons/tekton-ci/internal/registry"
)

type staticSource struct {
	name string
	cis  []registry.CI
}

func (s staticSource) Name() string { return s.name }
func (s staticSource) Load(context.Context) ([]registry.CI, error) {
	return s.cis, nil
}

type fixture struct {
	dir    string
	kv     kvstore.Backend
	reg    *registry.Registry
	srv    *Server
	ts     *httptest.Server
	client *Client
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvstore.NewSQLite(kvstore.Config{DataDir: dir, MaxEntries: 100, MaxValueBytes: 4096})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	fwd := forwarding.NewStore(kv)
	reg := registry.New(kv, fwd,
		staticSource{name: registry.TypeGreek, cis: []registry.CI{
			{Name: "apollo", Type: registry.TypeGreek, Endpoint: "http://localhost:8012", Host: "localhost", Port: 8012},
			{Name: "rhetor", Type: registry.TypeGreek, Endpoint: "http://localhost:8003", Host: "localhost", Port: 8003},
		}},
		staticSource{name: registry.TypeTerminal, cis: []registry.CI{
			{Name: "alice", Type: registry.TypeTerminal, Host: "localhost"},
		}},
	)
	require.NoError(t, reg.Refresh(context.Background()))

	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	srv := New(kv, reg, fwd, opts)
	srv.MarkReady()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{dir: dir, kv: kv, reg: reg, srv: srv, ts: ts, client: NewClient(ts.URL)}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})

	h, err := f.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ready", h.Status)
	assert.Equal(t, kvstore.BackendSQLite, h.Backend)
	assert.Equal(t, 3, h.CIs)
}

func TestHealthBeforeReady(t *testing.T) {
	f := newFixture(t, Options{})
	srv := New(f.kv, f.reg, forwarding.NewStore(f.kv), Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"starting"`)
}

func TestKVRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	e, err := f.client.Put(ctx, "sessions", "apollo", json.RawMessage(`{"turn":1}`), kvstore.PutOptions{})
	require.NoError(t, err)
	assert.Positive(t, e.Revision)

	got, err := f.client.Get(ctx, "sessions", "apollo")
	require.NoError(t, err)
	assert.JSONEq(t, `{"turn":1}`, string(got.Value))
	assert.Equal(t, e.Revision, got.Revision)

	require.NoError(t, f.client.Delete(ctx, "sessions", "apollo", nil))
	_, err = f.client.Get(ctx, "sessions", "apollo")
	assert.True(t, errors.IsNotFound(err), "got %v", err)
}

func TestKVCompareAndSwap(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.client.Put(ctx, "sessions", "k", json.RawMessage(`1`), kvstore.PutOptions{IfRevision: kvstore.Rev(0)})
	require.NoError(t, err)

	_, err = f.client.Put(ctx, "sessions", "k", json.RawMessage(`2`), kvstore.PutOptions{IfRevision: kvstore.Rev(0)})
	assert.True(t, errors.IsConflict(err), "create-only on existing key: %v", err)

	_, err = f.client.Put(ctx, "sessions", "k", json.RawMessage(`2`), kvstore.PutOptions{IfRevision: kvstore.Rev(first.Revision + 100)})
	assert.True(t, errors.IsConflict(err), "stale revision: %v", err)

	second, err := f.client.Put(ctx, "sessions", "k", json.RawMessage(`2`), kvstore.PutOptions{IfRevision: kvstore.Rev(first.Revision)})
	require.NoError(t, err)
	assert.Greater(t, second.Revision, first.Revision)

	err = f.client.Delete(ctx, "sessions", "k", kvstore.Rev(first.Revision))
	assert.True(t, errors.IsConflict(err))
	require.NoError(t, f.client.Delete(ctx, "sessions", "k", kvstore.Rev(second.Revision)))
}

func TestKVKeysWithSlashes(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.client.Put(ctx, "sessions", "apollo/turn 3", json.RawMessage(`"x"`), kvstore.PutOptions{})
	require.NoError(t, err)

	got, err := f.client.Get(ctx, "sessions", "apollo/turn 3")
	require.NoError(t, err)
	assert.Equal(t, "apollo/turn 3", got.Key)
}

func TestKVErrorsMapToStatus(t *testing.T) {
	f := newFixture(t, Options{MaxBodyBytes: 64})
	ctx := context.Background()

	_, err := f.client.Put(ctx, "sessions", "k", json.RawMessage(`{not json`), kvstore.PutOptions{})
	assert.True(t, errors.IsInvalid(err), "invalid json: %v", err)

	_, err = f.client.Put(ctx, "Bad Namespace", "k", json.RawMessage(`1`), kvstore.PutOptions{})
	assert.True(t, errors.IsInvalid(err), "bad namespace: %v", err)

	big := `"` + strings.Repeat("x", 200) + `"`
	_, err = f.client.Put(ctx, "sessions", "k", json.RawMessage(big), kvstore.PutOptions{})
	assert.True(t, errors.Is(err, errors.ErrTooLarge), "oversized body: %v", err)

	req, err := http.NewRequest(http.MethodPut, f.ts.URL+"/v1/kv/sessions/k", strings.NewReader(`1`))
	require.NoError(t, err)
	req.Header.Set("If-Match", "abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid_request", body.Code)
	assert.Contains(t, body.Error, "If-Match")
}

func TestKVTTLQuery(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	e, err := f.client.Put(ctx, "sessions", "short", json.RawMessage(`1`), kvstore.PutOptions{TTL: time.Hour})
	require.NoError(t, err)
	require.NotNil(t, e.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *e.ExpiresAt, time.Minute)

	req, err := http.NewRequest(http.MethodPut, f.ts.URL+"/v1/kv/sessions/bad?ttl=soon", strings.NewReader(`1`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKVListNamespacesChangesStats(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, k := range []string{"a1", "a2", "b1"} {
		_, err := f.client.Put(ctx, "sessions", k, json.RawMessage(`true`), kvstore.PutOptions{})
		require.NoError(t, err)
	}

	list, err := f.client.List(ctx, "sessions", kvstore.ListOptions{Prefix: "a"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = f.client.List(ctx, "empty", kvstore.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)

	names, err := f.client.Namespaces(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "sessions")

	changes, err := f.client.Changes(ctx, 0, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(changes), 3)
	last := changes[len(changes)-1]
	assert.Equal(t, "b1", last.Key)
	assert.Equal(t, kvstore.OpPut, last.Op)

	after, err := f.client.Changes(ctx, last.Seq, 0)
	require.NoError(t, err)
	assert.Empty(t, after)

	st, err := f.client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Namespaces["sessions"])
}

// A write made through a separate store handle, as another process would,
// is visible through the daemon at once.
func TestWritesFromOtherHandlesAreVisible(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	other, err := kvstore.NewSQLite(kvstore.Config{DataDir: f.dir})
	require.NoError(t, err)
	defer other.Close()

	_, err = other.Put(ctx, "sessions", "from-cli", json.RawMessage(`{"pid":42}`), kvstore.PutOptions{})
	require.NoError(t, err)

	got, err := f.client.Get(ctx, "sessions", "from-cli")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pid":42}`, string(got.Value))
}

func TestRegistryEndpoints(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	cis, err := f.client.CIs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, cis, 3)

	greek, err := f.client.CIs(ctx, registry.TypeGreek)
	require.NoError(t, err)
	assert.Len(t, greek, 2)

	ci, err := f.client.CI(ctx, "Apollo")
	require.NoError(t, err)
	assert.Equal(t, 8012, ci.Port)

	_, err = f.client.CI(ctx, "zeus")
	assert.True(t, errors.IsNotFound(err))

	res, err := f.client.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
}

func TestContextEndpoints(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.client.ContextState(ctx, "apollo")
	assert.True(t, errors.IsNotFound(err))

	output := "done"
	st, err := f.client.UpdateContext(ctx, "apollo", ContextUpdate{
		Staged:     json.RawMessage(`{"role":"system","content":"focus on tests"}`),
		LastOutput: &output,
	})
	require.NoError(t, err)
	require.Len(t, st.StagedContextPrompt, 1)
	assert.Equal(t, "focus on tests", st.StagedContextPrompt[0]["content"])
	require.NotNil(t, st.LastOutput)
	assert.Equal(t, "done", *st.LastOutput)

	ok, err := f.client.Promote(ctx, "apollo")
	require.NoError(t, err)
	assert.True(t, ok)

	st, err = f.client.ContextState(ctx, "apollo")
	require.NoError(t, err)
	assert.Nil(t, st.StagedContextPrompt)
	require.Len(t, st.NextContextPrompt, 1)

	ok, err = f.client.Promote(ctx, "apollo")
	require.NoError(t, err)
	assert.False(t, ok, "nothing left to promote")

	st, err = f.client.UpdateContext(ctx, "apollo", ContextUpdate{Next: json.RawMessage(`null`)})
	require.NoError(t, err)
	assert.Nil(t, st.NextContextPrompt)
	require.NotNil(t, st.LastOutput, "untouched fields survive")

	_, err = f.client.UpdateContext(ctx, "zeus", ContextUpdate{LastOutput: &output})
	assert.True(t, errors.IsNotFound(err))
}

func TestForwardEndpoints(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	fw, err := f.client.SetForward(ctx, "Apollo", "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "apollo", fw.Name)
	assert.True(t, fw.JSONMode)

	forwarded, err := f.client.CIs(ctx, registry.FilterForward)
	require.NoError(t, err)
	require.Len(t, forwarded, 1)
	assert.Equal(t, "alice", forwarded[0].ForwardTo)

	list, err := f.client.Forwards(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.client.SetForward(ctx, "zeus", "alice", false)
	assert.True(t, errors.IsNotFound(err))

	_, err = f.client.SetForward(ctx, "rhetor", "", false)
	assert.True(t, errors.IsInvalid(err))

	require.NoError(t, f.client.RemoveForward(ctx, "apollo"))
	assert.True(t, errors.IsNotFound(f.client.RemoveForward(ctx, "apollo")))

	forwarded, err = f.client.CIs(ctx, registry.FilterForward)
	require.NoError(t, err)
	assert.Empty(t, forwarded)
}

func TestProjectForwardEndpoints(t *testing.T) {
	f := newFixture(t, Options{})

	req, err := http.NewRequest(http.MethodPut, f.ts.URL+"/v1/project-forwards/Tekton", strings.NewReader(`{"terminal":"bob"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.ts.URL + "/v1/project-forwards")
	require.NoError(t, err)
	var list []forwarding.ProjectForward
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].Terminal)
}

func TestRequestIDHeader(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := http.Get(f.ts.URL + "/v1/ci")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/ci", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "trace-123")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get(RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Options{RateLimit: 1, Burst: 1})

	resp, err := http.Get(f.ts.URL + "/v1/ci")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.ts.URL + "/v1/ci")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var body ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, CodeRateLimited, body.Code)
}

func TestRecoverPanics(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.srv.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ci", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"internal"`)
}

func TestDrainingRefusesRequests(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.srv.Shutdown(context.Background()))
	assert.Equal(t, StateDraining, f.srv.State())

	_, err := f.client.CIs(context.Background(), "")
	assert.True(t, errors.Is(err, errors.ErrUnavailable), "got %v", err)

	h, err := f.client.Health(context.Background())
	require.Error(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "draining", h.Status)
}

func TestWatchRefusedOnceShutdownBegins(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.srv.Shutdown(context.Background()))

	// Called past drainGate, as a request admitted just before draining.
	rec := httptest.NewRecorder()
	f.srv.handleWatch(rec, httptest.NewRequest(http.MethodGet, "/v1/watch?since=0", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestShutdownConcurrentWithWatchers(t *testing.T) {
	f := newFixture(t, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.srv.addWatcher() {
				f.srv.watchers.Done()
			}
		}()
	}
	require.NoError(t, f.srv.Shutdown(context.Background()))
	wg.Wait()
	assert.False(t, f.srv.addWatcher())
}

func TestWatchStreamsChanges(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.client.Put(ctx, "sessions", "before", json.RawMessage(`1`), kvstore.PutOptions{})
	require.NoError(t, err)

	stream, err := f.client.Watch(ctx, -1)
	require.NoError(t, err)

	_, err = f.client.Put(ctx, "sessions", "after", json.RawMessage(`2`), kvstore.PutOptions{})
	require.NoError(t, err)

	select {
	case c, ok := <-stream:
		require.True(t, ok)
		assert.Equal(t, "after", c.Key, "changes before the stream opened are skipped")
		assert.Equal(t, kvstore.OpPut, c.Op)
	case <-ctx.Done():
		t.Fatal("no change received")
	}
}

func TestWatchReplaysFromSince(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, k := range []string{"one", "two"} {
		_, err := f.client.Put(ctx, "sessions", k, json.RawMessage(`1`), kvstore.PutOptions{})
		require.NoError(t, err)
	}

	stream, err := f.client.Watch(ctx, 0)
	require.NoError(t, err)

	var keys []string
	for len(keys) < 2 {
		select {
		case c, ok := <-stream:
			require.True(t, ok)
			keys = append(keys, c.Key)
		case <-ctx.Done():
			t.Fatalf("got %v before timeout", keys)
		}
	}
	assert.Equal(t, []string{"one", "two"}, keys)
}

func TestServeShutdownClosesWatchers(t *testing.T) {
	f := newFixture(t, Options{})
	srv := New(f.kv, f.reg, forwarding.NewStore(f.kv), Options{PollInterval: 20 * time.Millisecond})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	client := NewClient(ln.Addr().String())
	require.Eventually(t, func() bool {
		_, err := client.Health(context.Background())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	stream, err := client.Watch(context.Background(), -1)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}

	select {
	case _, ok := <-stream:
		assert.False(t, ok, "stream closes on shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("watch stream still open")
	}
}
