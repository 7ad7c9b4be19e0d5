package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/tekton-ci/internal/config"
	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/kvstore"
	"github.com/ckoons/tekton-ci/internal/registry"
)

// useTestConfig points every command at a fresh temp root.
func useTestConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	c := config.Default()
	c.Root = root
	c.Host = "127.0.0.1"
	c.Ports["terma"] = 1
	c.Terma.Timeout = 200 * time.Millisecond
	c.Store.Backend = "sqlite"
	c.Store.DataDir = filepath.Join(root, "store")
	c.Memory.DataDir = filepath.Join(root, "engram")

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return c
}

// resetFlags puts every flag of cmd and its children back to its default,
// since command vars keep flag state between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	resetFlags(cmd)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, VersionCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "tekton-ci dev")

	out, err = run(t, VersionCmd, "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"dev"}`, out)
}

func TestKV_PutGetListDelete(t *testing.T) {
	useTestConfig(t)

	out, err := run(t, KVCmd, "put", "sessions", "apollo", `{"turn":3}`)
	require.NoError(t, err)
	assert.Contains(t, out, "sessions/apollo revision")

	out, err = run(t, KVCmd, "get", "sessions", "apollo")
	require.NoError(t, err)
	var e kvstore.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &e))
	assert.JSONEq(t, `{"turn":3}`, string(e.Value))

	// Plain text is stored as a JSON string.
	_, err = run(t, KVCmd, "put", "sessions", "rhetor", "hello there")
	require.NoError(t, err)
	out, err = run(t, KVCmd, "get", "sessions", "rhetor")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &e))
	assert.Equal(t, `"hello there"`, string(e.Value))

	out, err = run(t, KVCmd, "list", "sessions", "--json")
	require.NoError(t, err)
	var entries []kvstore.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Len(t, entries, 2)

	out, err = run(t, KVCmd, "list", "sessions", "--prefix", "apo", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "apollo", entries[0].Key)

	out, err = run(t, KVCmd, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "sessions")

	_, err = run(t, KVCmd, "delete", "sessions", "apollo")
	require.NoError(t, err)
	_, err = run(t, KVCmd, "get", "sessions", "apollo")
	assert.True(t, errors.IsNotFound(err))
}

func TestKV_ConditionalPut(t *testing.T) {
	useTestConfig(t)

	_, err := run(t, KVCmd, "put", "locks", "build", `"a"`, "--if-revision", "0")
	require.NoError(t, err)

	_, err = run(t, KVCmd, "put", "locks", "build", `"b"`, "--if-revision", "0")
	assert.True(t, errors.IsConflict(err))

	// The flag default means unconditional.
	_, err = run(t, KVCmd, "put", "locks", "build", `"c"`)
	require.NoError(t, err)
}

func TestKV_ExportImport(t *testing.T) {
	useTestConfig(t)
	_, err := run(t, KVCmd, "put", "sessions", "apollo", `{"turn":1}`)
	require.NoError(t, err)
	_, err = run(t, KVCmd, "put", "sessions", "numa", `{"turn":2}`)
	require.NoError(t, err)

	dump := filepath.Join(t.TempDir(), "kv.json")
	_, err = run(t, KVCmd, "export", dump)
	require.NoError(t, err)
	_, err = os.Stat(dump)
	require.NoError(t, err)

	useTestConfig(t)
	out, err := run(t, KVCmd, "import", dump)
	require.NoError(t, err)
	assert.Contains(t, out, "imported=2")

	out, err = run(t, KVCmd, "get", "sessions", "numa")
	require.NoError(t, err)
	assert.Contains(t, out, `"turn": 2`)
}

func TestKV_ExportRejectsRemote(t *testing.T) {
	useTestConfig(t)
	_, err := run(t, KVCmd, "export", "--remote")
	assert.True(t, errors.IsInvalid(err))
}

func TestPollChanges(t *testing.T) {
	useTestConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kv, cleanup, err := openKV(ctx, false)
	require.NoError(t, err)
	defer cleanup()

	_, err = kv.Put(ctx, "sessions", "old", json.RawMessage(`1`), kvstore.PutOptions{})
	require.NoError(t, err)

	var got []kvstore.Change
	done := make(chan error, 1)
	go func() {
		done <- pollChanges(ctx, kv, 0, 20*time.Millisecond, func(ch kvstore.Change) error {
			got = append(got, ch)
			if len(got) == 2 {
				cancel()
			}
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = kv.Put(ctx, "sessions", "new", json.RawMessage(`2`), kvstore.PutOptions{})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pollChanges did not return")
	}
	require.Len(t, got, 2)
	assert.Equal(t, "old", got[0].Key)
	assert.Equal(t, "new", got[1].Key)
}

func TestCI_ListGetForward(t *testing.T) {
	useTestConfig(t)

	out, err := run(t, CICmd, "list", "--type", "greek", "--json")
	require.NoError(t, err)
	var cis []registry.CI
	require.NoError(t, json.Unmarshal([]byte(out), &cis))
	assert.NotEmpty(t, cis)
	for _, ci := range cis {
		assert.Equal(t, registry.TypeGreek, ci.Type)
	}

	out, err = run(t, CICmd, "get", "Apollo", "--json")
	require.NoError(t, err)
	var ci registry.CI
	require.NoError(t, json.Unmarshal([]byte(out), &ci))
	assert.Equal(t, "apollo", ci.Name)

	_, err = run(t, CICmd, "get", "nobody")
	assert.True(t, errors.IsNotFound(err))

	out, err = run(t, CICmd, "forward", "apollo", "alice", "--json-mode")
	require.NoError(t, err)
	assert.Contains(t, out, "Forwarding apollo to alice (json)")

	out, err = run(t, CICmd, "list", "--type", "forward", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &cis))
	require.Len(t, cis, 1)
	assert.Equal(t, "alice", cis[0].ForwardTo)

	_, err = run(t, CICmd, "unforward", "apollo")
	require.NoError(t, err)
	_, err = run(t, CICmd, "unforward", "apollo")
	assert.True(t, errors.IsNotFound(err))

	_, err = run(t, CICmd, "forward", "nobody", "alice")
	assert.True(t, errors.IsNotFound(err))
}

func TestCI_StagePromoteContext(t *testing.T) {
	useTestConfig(t)

	_, err := run(t, CICmd, "stage", "apollo", `[{"role":"system","content":"focus"}]`)
	require.NoError(t, err)

	out, err := run(t, CICmd, "promote", "apollo")
	require.NoError(t, err)
	assert.Contains(t, out, "promoted=true")

	out, err = run(t, CICmd, "promote", "apollo")
	require.NoError(t, err)
	assert.Contains(t, out, "promoted=false")

	out, err = run(t, CICmd, "context", "apollo")
	require.NoError(t, err)
	var state registry.ContextState
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	require.Len(t, state.NextContextPrompt, 1)
	assert.Equal(t, "focus", state.NextContextPrompt[0]["content"])
	assert.Empty(t, state.StagedContextPrompt)

	_, err = run(t, CICmd, "stage", "apollo", `"not an object"`)
	assert.True(t, errors.IsInvalid(err))
}

func TestParsePrompt(t *testing.T) {
	p, err := parsePrompt(`null`)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = parsePrompt(`{"a":1}`)
	require.NoError(t, err)
	assert.Len(t, p, 1)

	_, err = parsePrompt(`[1,2]`)
	assert.True(t, errors.IsInvalid(err))

	_, err = parsePrompt(`{`)
	assert.True(t, errors.IsInvalid(err))
}

func TestProject_AddListRemove(t *testing.T) {
	c := useTestConfig(t)
	dir := t.TempDir()

	out, err := run(t, ProjectCmd, "add", "numa-demo", "--port", "8317", "--path", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Registered numa-demo (CI numa-demo)")

	out, err = run(t, ProjectCmd, "list", "--json")
	require.NoError(t, err)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "numa-demo", list[0]["ci"])
	assert.Equal(t, dir, list[0]["path"])

	_, err = os.Stat(c.ProjectRegistryPath())
	require.NoError(t, err)

	// The registry picks the project up as a CI.
	out, err = run(t, CICmd, "list", "--type", "project", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"numa-demo"`)

	_, err = run(t, ProjectCmd, "remove", "numa-demo")
	require.NoError(t, err)
	_, err = run(t, ProjectCmd, "remove", "numa-demo")
	assert.True(t, errors.IsNotFound(err))
}

func TestMem_AddSearchDigest(t *testing.T) {
	useTestConfig(t)

	out, err := run(t, MemCmd, "add", "Always run migrations before deploy", "--category", "projects", "--importance", "5", "--tags", "deploy,db")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored memory #1")

	out, err = run(t, MemCmd, "search", "migrations", "--json")
	require.NoError(t, err)
	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "projects", results[0]["category"])

	out, err = run(t, MemCmd, "digest")
	require.NoError(t, err)
	assert.Contains(t, out, "Always run migrations before deploy")

	out, err = run(t, MemCmd, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"total_memories": 1`)
}

func TestMem_ExportImport(t *testing.T) {
	useTestConfig(t)
	_, err := run(t, MemCmd, "add", "Rhetor prefers short prompts", "--auto")
	require.NoError(t, err)

	dump := filepath.Join(t.TempDir(), "mem.json")
	_, err = run(t, MemCmd, "export", dump)
	require.NoError(t, err)

	useTestConfig(t)
	out, err := run(t, MemCmd, "import", dump)
	require.NoError(t, err)
	assert.Contains(t, out, "memories=1")
}

func TestConfig_ShowAndInit(t *testing.T) {
	useTestConfig(t)

	out, err := run(t, ConfigCmd, "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[store]")
	assert.Contains(t, out, `backend = "sqlite"`)

	path := filepath.Join(t.TempDir(), "tekton.toml")
	_, err = run(t, ConfigCmd, "init", path)
	require.NoError(t, err)
	_, err = run(t, ConfigCmd, "init", path)
	require.Error(t, err)
	_, err = run(t, ConfigCmd, "init", path, "--force")
	require.NoError(t, err)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", loaded.Store.Backend)
}
