package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeline/internal/blobstore"
	"timeline/internal/storage"
)

func newTestCache(t *testing.T, max int) (*RewindCache, string) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "timeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tree, err := blobstore.New(db).PutTree(context.Background(), map[string]blobstore.TreeEntry{}, "", 1)
	require.NoError(t, err)

	c := NewRewindCache(db, Config{MaxEntries: max})
	var tick int64
	c.now = func() time.Time {
		tick++
		return time.UnixMicro(tick)
	}
	return c, tree.Hash
}

func TestRewindCacheGetPut(t *testing.T) {
	ctx := context.Background()
	c, tree := newTestCache(t, 0)

	entry, err := c.Get(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, entry, "miss")

	state := map[string]string{"a.txt": "h1"}
	require.NoError(t, c.Put(ctx, 100, 7, tree, state))

	entry, err = c.Get(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(7), entry.SnapshotSequence)
	assert.Equal(t, tree, entry.TreeHash)
	assert.Equal(t, int64(1), entry.HitCount)

	var got map[string]string
	require.NoError(t, json.Unmarshal(entry.State, &got))
	assert.Equal(t, state, got)

	entry, err = c.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.HitCount)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Entries)
	assert.Equal(t, int64(2), st.TotalHits)
	assert.Equal(t, int64(100), st.OldestTarget)
}

func TestRewindCachePutRequiresTree(t *testing.T) {
	c, _ := newTestCache(t, 0)
	err := c.Put(context.Background(), 100, 0, "missing-tree", map[string]string{})
	assert.Error(t, err)
}

func TestRewindCachePruneAndClear(t *testing.T) {
	ctx := context.Background()
	c, tree := newTestCache(t, 2)

	for _, target := range []int64{10, 20, 30} {
		require.NoError(t, c.Put(ctx, target, 0, tree, nil))
	}

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Entries)
	assert.Equal(t, int64(20), st.OldestTarget, "oldest entry is evicted")
	assert.Equal(t, int64(30), st.NewestTarget)

	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Entries)
}

func TestRewindCacheDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, tree := newTestCache(t, 0)
	off := NewRewindCache(c.db, Config{Disabled: true})
	assert.True(t, off.Disabled())
	assert.False(t, c.Disabled())

	require.NoError(t, off.Put(ctx, 100, 0, tree, nil))
	entry, err := c.Get(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, entry, "nothing was stored while disabled")

	require.NoError(t, c.Put(ctx, 100, 0, tree, map[string]int{"a": 1}))
	entry, err = off.Get(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Maintenance still sees the table.
	st, err := off.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Entries)
	assert.Zero(t, st.TotalHits)
}
