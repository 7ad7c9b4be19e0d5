package forwarding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/kvstore"
)

func newTestStore(t *testing.T) (*Store, kvstore.Backend) {
	t.Helper()
	kv, err := kvstore.NewSQLite(kvstore.Config{DataDir: t.TempDir(), MaxEntries: 100, ChangeRetention: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewStore(kv), kv
}

func TestSetGetRemove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	f, err := s.Set(ctx, "Apollo", "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "apollo", f.Name)
	assert.Equal(t, "alice", f.Terminal)
	assert.True(t, f.JSONMode)

	got, err := s.Get(ctx, "APOLLO")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Terminal)
	assert.True(t, got.JSONMode)

	require.NoError(t, s.Remove(ctx, "apollo"))
	_, err = s.Get(ctx, "apollo")
	assert.True(t, errors.IsNotFound(err))

	err = s.Remove(ctx, "apollo")
	assert.True(t, errors.IsNotFound(err))
}

func TestSetKeepsCreationTime(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	timeNow = func() time.Time { return first }
	t.Cleanup(func() { timeNow = time.Now })

	_, err := s.Set(ctx, "rhetor", "alice", false)
	require.NoError(t, err)

	timeNow = func() time.Time { return first.Add(time.Hour) }
	f, err := s.Set(ctx, "rhetor", "bob", true)
	require.NoError(t, err)
	assert.True(t, f.CreatedAt.Equal(first))
	assert.Equal(t, "bob", f.Terminal)
}

func TestSetValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, " ", "alice", false)
	assert.True(t, errors.IsInvalid(err))
	_, err = s.Set(ctx, "numa", "", false)
	assert.True(t, errors.IsInvalid(err))
}

func TestListSorted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, n := range []string{"numa", "apollo", "hermes"} {
		_, err := s.Set(ctx, n, "term-"+n, false)
		require.NoError(t, err)
	}
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "apollo", list[0].Name)
	assert.Equal(t, "hermes", list[1].Name)
	assert.Equal(t, "numa", list[2].Name)

	m, err := s.Map(ctx)
	require.NoError(t, err)
	assert.Equal(t, "term-hermes", m["hermes"].Terminal)
}

func TestForwardsVisibleThroughSharedStore(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, "athena", "casey", false)
	require.NoError(t, err)

	other := NewStore(kv)
	f, err := other.Get(ctx, "athena")
	require.NoError(t, err)
	assert.Equal(t, "casey", f.Terminal)
}

func TestProjectForwards(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.SetProject(ctx, "Tekton", "alice")
	require.NoError(t, err)
	_, err = s.SetProject(ctx, "Claude-Code", "bob")
	require.NoError(t, err)

	list, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Claude-Code", list[0].Project)
	assert.Equal(t, "Tekton", list[1].Project)

	require.NoError(t, s.RemoveProject(ctx, "Tekton"))
	assert.True(t, errors.IsNotFound(s.RemoveProject(ctx, "Tekton")))

	_, err = s.SetProject(ctx, "", "alice")
	assert.True(t, errors.IsInvalid(err))

	// project forwards do not leak into CI forwards
	list2, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list2)
}
