package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetUnsetStage(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.Get(StageBackfill)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetGetPerStage(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(StageBackfill, 1234))
	require.NoError(t, store.Set(StageLive, 99))

	height, ok, err := store.Get(StageBackfill)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1234), height)

	height, ok, err = store.Get(StageLive)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(99), height)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(StageBackfill, 7777))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	height, ok, err := reopened.Get(StageBackfill)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7777), height)
}

func TestOverwriteAdvances(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(StageBackfill, 10))
	require.NoError(t, store.Set(StageBackfill, 11))
	height, ok, err := store.Get(StageBackfill)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(11), height)
}
