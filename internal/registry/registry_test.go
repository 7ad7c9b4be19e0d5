package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/forwarding"
	"github.com/ckoons/tekton-ci/internal/kvstore"
	"github.com/ckoons/tekton-ci/internal/projects"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

type fakeEndpoints map[string]int

func (f fakeEndpoints) ComponentURL(name string, path ...string) (string, error) {
	port, ok := f[name]
	if !ok {
		return "", fmt.Errorf("unknown component %q", name)
	}
	return fmt.Sprintf("http://localhost:%d", port), nil
}

type staticSource struct {
	name string
	cis  []CI
	err  error
}

func (s staticSource) Name() string { return s.name }
func (s staticSource) Load(context.Context) ([]CI, error) {
	return s.cis, s.err
}

func newKV(t *testing.T) kvstore.Backend {
	t.Helper()
	kv, err := kvstore.NewSQLite(kvstore.Config{DataDir: t.TempDir(), MaxEntries: 100, ChangeRetention: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func greek(name string, port int) CI {
	return CI{
		Name: name, Type: TypeGreek, Endpoint: fmt.Sprintf("http://localhost:%d", port),
		Host: LocalHost, Port: port, MessageEndpoint: "/api/message", MessageFormat: FormatJSONSimple,
	}
}

// ─── Sources ─────────────────────────────────────────────────────────────────

func TestChorusSourceLoadsAllMembers(t *testing.T) {
	ports := fakeEndpoints{}
	for i, n := range []string{"numa", "prometheus", "athena", "synthesis", "apollo", "rhetor", "metis",
		"harmonia", "noesis", "engram", "penia", "hermes", "ergon", "sophia", "telos", "terma", "hephaestus"} {
		ports[n] = 8000 + i
	}
	src, err := NewChorusSource(ports)
	require.NoError(t, err)

	cis, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, cis, 17)
	for _, ci := range cis {
		assert.Equal(t, TypeGreek, ci.Type)
		assert.Equal(t, "/api/message", ci.MessageEndpoint)
		assert.Equal(t, FormatJSONSimple, ci.MessageFormat)
		assert.Equal(t, LocalHost, ci.Host)
		assert.Equal(t, ports[ci.Name], ci.Port)
		assert.NotEmpty(t, ci.Description)
	}
}

func TestChorusSourceSkipsUnknownComponents(t *testing.T) {
	src, err := NewChorusSource(fakeEndpoints{"apollo": 8012})
	require.NoError(t, err)
	cis, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, cis, 1)
	assert.Equal(t, "apollo", cis[0].Name)
	assert.Equal(t, "Predictive intelligence and attention", cis[0].Description)
}

func TestChorusDefinitionErrors(t *testing.T) {
	_, err := newChorusSource(fakeEndpoints{}, []byte("members: []"))
	assert.Error(t, err)
	_, err = newChorusSource(fakeEndpoints{}, []byte("members: [unclosed"))
	assert.Error(t, err)
}

func TestTermaSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/terminals", r.URL.Path)
		fmt.Fprint(w, `[
			{"name": "Alice", "port": 9001, "pid": 100, "session_id": "s-1"},
			{"name": "bob", "port": 9002, "pid": 200},
			{"name": "", "port": 9003}
		]`)
	}))
	defer srv.Close()

	orig := pidAlive
	pidAlive = func(_ context.Context, pid int32) (bool, error) { return pid == 100, nil }
	t.Cleanup(func() { pidAlive = orig })

	cis, err := NewTermaSource(srv.URL+"/api/terminals", time.Second).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, cis, 1)
	ci := cis[0]
	assert.Equal(t, "alice", ci.Name)
	assert.Equal(t, TypeTerminal, ci.Type)
	assert.Equal(t, "http://localhost:9001", ci.Endpoint)
	assert.Equal(t, TermaRouteEndpoint, ci.MessageEndpoint)
	assert.Equal(t, FormatTermaRoute, ci.MessageFormat)
	assert.Equal(t, "s-1", ci.SessionID)
	assert.Equal(t, 100, ci.PID)
}

func TestTermaSourceWrappedResponseAndNoPIDCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"terminals": [{"name": "casey", "port": 9100, "pid": 424242}]}`)
	}))
	defer srv.Close()

	src := NewTermaSource(srv.URL, time.Second)
	src.CheckPID = false
	cis, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, cis, 1)
	assert.Equal(t, "casey", cis[0].Name)
}

func TestTermaSourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := NewTermaSource(srv.URL, time.Second).Load(context.Background())
	assert.True(t, errors.Is(err, errors.ErrUnavailable))

	srv.Close()
	_, err = NewTermaSource(srv.URL, time.Second).Load(context.Background())
	assert.True(t, errors.Is(err, errors.ErrUnavailable))
}

func TestProjectSource(t *testing.T) {
	store := projects.NewFileStore(projects.RegistryPath(t.TempDir()))
	_, err := store.Register(projects.Project{Name: "Tekton", CI: "Tekton-CI", Port: 8200})
	require.NoError(t, err)
	_, err = store.Register(projects.Project{Name: "NoCI"})
	require.NoError(t, err)

	cis, err := NewProjectSource(store).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, cis, 1)
	assert.Equal(t, "tekton-ci", cis[0].Name)
	assert.Equal(t, TypeProject, cis[0].Type)
	assert.Equal(t, "Tekton", cis[0].Project)
	assert.Equal(t, "http://localhost:8200", cis[0].Endpoint)
}

// ─── Registry ────────────────────────────────────────────────────────────────

func newTestRegistry(t *testing.T, sources ...Source) (*Registry, *forwarding.Store, kvstore.Backend) {
	t.Helper()
	kv := newKV(t)
	fwd := forwarding.NewStore(kv)
	return New(kv, fwd, sources...), fwd, kv
}

func TestRefreshMergesSourcesAndSkipsFailures(t *testing.T) {
	r, _, _ := newTestRegistry(t,
		staticSource{name: "greek", cis: []CI{greek("apollo", 8012), greek("rhetor", 8003)}},
		staticSource{name: "terminal", err: errors.New("terma down")},
		staticSource{name: "project", cis: []CI{{Name: "rhetor", Type: TypeProject, Host: "builder.lan"}}},
	)
	require.NoError(t, r.Refresh(context.Background()))

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "apollo", all[0].Name)

	ci, ok := r.Get("RHETOR")
	require.True(t, ok)
	assert.Equal(t, TypeProject, ci.Type, "later source wins")
	assert.False(t, r.RefreshedAt().IsZero())
}

func TestRefreshCancelledContext(t *testing.T) {
	r, _, _ := newTestRegistry(t, staticSource{name: "greek"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, r.Refresh(ctx))
}

func TestForwardOverlayAndByType(t *testing.T) {
	r, fwd, _ := newTestRegistry(t, staticSource{name: "all", cis: []CI{
		greek("apollo", 8012),
		{Name: "alice", Type: TypeTerminal, Host: LocalHost, PID: 1},
		{Name: "remote-ci", Type: TypeProject, Host: "builder.lan"},
	}})
	ctx := context.Background()
	_, err := fwd.Set(ctx, "apollo", "alice", true)
	require.NoError(t, err)
	_, err = fwd.Set(ctx, "ghost", "alice", false)
	require.NoError(t, err)
	require.NoError(t, r.Refresh(ctx))

	ci, _ := r.Get("apollo")
	assert.Equal(t, "alice", ci.ForwardTo)
	assert.True(t, ci.ForwardJSON)

	names := func(cis []CI) []string {
		out := []string{}
		for _, c := range cis {
			out = append(out, c.Name)
		}
		return out
	}
	assert.Equal(t, []string{"apollo"}, names(r.ByType("greek")))
	assert.Equal(t, []string{"alice"}, names(r.ByType("Terminal")))
	assert.Equal(t, []string{"remote-ci"}, names(r.ByType("project")))
	assert.Equal(t, []string{"apollo"}, names(r.ByType("forward")))
	assert.Equal(t, []string{"alice", "apollo"}, names(r.ByType("local")))
	assert.Equal(t, []string{"remote-ci"}, names(r.ByType("remote")))
	assert.Empty(t, r.ByType("wizard"))
	assert.Empty(t, r.ByPurpose("planning"))

	_, ok := r.Get("ghost")
	assert.False(t, ok, "forwards never invent CIs")
}

// ─── Context state ───────────────────────────────────────────────────────────

func TestContextStateLifecycle(t *testing.T) {
	r, _, _ := newTestRegistry(t, staticSource{name: "greek", cis: []CI{greek("numa", 8016)}})
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))

	ok, err := r.PromoteStaged(ctx, "numa")
	require.NoError(t, err)
	assert.False(t, ok, "nothing staged yet")

	plan := []Prompt{{"role": "system", "content": "focus on tests"}}
	require.NoError(t, r.SetStagedPrompt(ctx, "Numa", plan))

	st, err := r.ContextState(ctx, "numa")
	require.NoError(t, err)
	require.Len(t, st.StagedContextPrompt, 1)
	assert.Nil(t, st.NextContextPrompt)

	ok, err = r.PromoteStaged(ctx, "numa")
	require.NoError(t, err)
	assert.True(t, ok)

	st, err = r.ContextState(ctx, "numa")
	require.NoError(t, err)
	assert.Nil(t, st.StagedContextPrompt)
	require.Len(t, st.NextContextPrompt, 1)
	assert.Equal(t, "focus on tests", st.NextContextPrompt[0]["content"])

	require.NoError(t, r.SetNextPrompt(ctx, "numa", nil))
	st, err = r.ContextState(ctx, "numa")
	require.NoError(t, err)
	assert.Nil(t, st.NextContextPrompt)

	_, found, err := r.LastOutput(ctx, "numa")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, r.UpdateLastOutput(ctx, "numa", "done: 3 tests added"))
	out, found, err := r.LastOutput(ctx, "numa")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "done: 3 tests added", out)

	all, err := r.AllContextStates(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, "numa")
}

func TestContextStateUnknownCI(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))

	assert.True(t, errors.IsNotFound(r.SetStagedPrompt(ctx, "nobody", nil)))
	assert.True(t, errors.IsNotFound(r.UpdateLastOutput(ctx, "nobody", "x")))
	_, err := r.PromoteStaged(ctx, "nobody")
	assert.True(t, errors.IsNotFound(err))
	_, err = r.ContextState(ctx, "nobody")
	assert.True(t, errors.IsNotFound(err))

	_, found, err := r.LastOutput(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestContextStateSharedBetweenRegistries(t *testing.T) {
	kv := newKV(t)
	src := staticSource{name: "greek", cis: []CI{greek("apollo", 8012)}}
	apollo := New(kv, nil, src)
	rhetor := New(kv, nil, src)
	ctx := context.Background()
	require.NoError(t, apollo.Refresh(ctx))
	require.NoError(t, rhetor.Refresh(ctx))

	require.NoError(t, apollo.SetStagedPrompt(ctx, "apollo", []Prompt{{"content": "plan"}}))
	ok, err := rhetor.PromoteStaged(ctx, "apollo")
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := apollo.ContextState(ctx, "apollo")
	require.NoError(t, err)
	assert.Len(t, st.NextContextPrompt, 1)
}

// ─── Formatting ──────────────────────────────────────────────────────────────

func TestFormatText(t *testing.T) {
	assert.Equal(t, "No CIs found", FormatText(nil))

	apollo := greek("apollo", 8012)
	apollo.Description = "Predictive intelligence and attention"
	apollo.ForwardTo = "alice"
	apollo.ForwardJSON = true
	cis := []CI{
		{Name: "tekton-ci", Type: TypeProject, Project: "Tekton"},
		{Name: "alice", Type: TypeTerminal, PID: 4242},
		apollo,
	}

	want := strings.Join([]string{
		"Greek Chorus AIs:",
		rule,
		"  apollo          (port 8012) → alice [JSON]",
		"    Predictive intelligence and attention",
		"",
		"Active Terminals:",
		rule,
		"  alice           (pid 4242)",
		"",
		"Project CIs:",
		rule,
		"  tekton-ci       (project: Tekton)",
		"",
	}, "\n")
	assert.Equal(t, want, FormatText(cis))
}

func TestJSON(t *testing.T) {
	out, err := JSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", out)

	out, err = JSON([]CI{greek("apollo", 8012)})
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "apollo"`)
	assert.NotContains(t, out, "forward_to")
}

func TestRefreshRunsSourcesConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := func(name string) Source {
		return blockingSource{name: name, enter: func() {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			inFlight.Add(-1)
		}}
	}
	r, _, _ := newTestRegistry(t, slow("a"), slow("b"), slow("c"))
	require.NoError(t, r.Refresh(context.Background()))
	assert.Greater(t, peak.Load(), int32(1))
}

type blockingSource struct {
	name  string
	enter func()
}

func (s blockingSource) Name() string { return s.name }
func (s blockingSource) Load(context.Context) ([]CI, error) {
	s.enter()
	return nil, nil
}
