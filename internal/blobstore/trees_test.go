package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeline/internal/common"
)

func TestPutTree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := testStore(t)

	h1 := HashContent([]byte("one"))
	h2 := HashContent([]byte("two"))

	root, err := s.PutTree(ctx, map[string]TreeEntry{
		"a.txt":     {Hash: h1, Exists: true},
		"dir/b.txt": {Hash: h2, Exists: true},
		"gone.txt":  {Hash: h1, Exists: false},
	}, "", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), root.TotalFiles)
	assert.Equal(t, int64(100), root.Timestamp)
	assert.Len(t, root.Entries, 3)

	t.Run("identical tree is idempotent", func(t *testing.T) {
		again, err := s.PutTree(ctx, map[string]TreeEntry{
			"dir/b.txt": {Hash: h2, Exists: true},
			"gone.txt":  {Hash: h1, Exists: false},
			"a.txt":     {Hash: h1, Exists: true},
		}, "", 999)
		require.NoError(t, err)
		assert.Equal(t, root.Hash, again.Hash)
		assert.Equal(t, int64(100), again.Timestamp)
	})

	t.Run("child links to parent", func(t *testing.T) {
		child, err := s.PutTree(ctx, map[string]TreeEntry{"a.txt": {Hash: h2, Exists: true}}, root.Hash, 200)
		require.NoError(t, err)
		assert.Equal(t, root.Hash, child.ParentHash)

		latest, err := s.LatestTree(ctx)
		require.NoError(t, err)
		assert.Equal(t, child.Hash, latest.Hash)

		trees, err := s.ListTrees(ctx, 10)
		require.NoError(t, err)
		require.Len(t, trees, 2)
		assert.Equal(t, child.Hash, trees[0].Hash)
	})

	t.Run("unknown parent", func(t *testing.T) {
		_, err := s.PutTree(ctx, map[string]TreeEntry{"z": {Hash: h1, Exists: true}}, HashContent([]byte("nope")), 300)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("unknown tree", func(t *testing.T) {
		_, err := s.GetTree(ctx, HashContent([]byte("nope")))
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestLatestTreeEmpty(t *testing.T) {
	t.Parallel()
	s, _ := testStore(t)
	_, err := s.LatestTree(context.Background())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestEncodeTreeIsCanonical(t *testing.T) {
	a := map[string]TreeEntry{"x": {Hash: "1", Exists: true}, "y": {Hash: "2", Exists: true}}
	b := map[string]TreeEntry{"y": {Hash: "2", Exists: true}, "x": {Hash: "1", Exists: true}}

	ja, ha, err := EncodeTree(a)
	require.NoError(t, err)
	jb, hb, err := EncodeTree(b)
	require.NoError(t, err)
	assert.Equal(t, ja, jb)
	assert.Equal(t, ha, hb)

	jn, _, err := EncodeTree(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", jn)
}
