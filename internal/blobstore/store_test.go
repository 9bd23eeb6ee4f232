package blobstore

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeline/internal/common"
	"timeline/internal/storage"
)

func testStore(t *testing.T) (*Store, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "timeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), db
}

func countRows(t *testing.T, db *storage.DB, hash string) int {
	t.Helper()
	var n int
	require.NoError(t, db.SQL().QueryRow("SELECT COUNT(*) FROM file_blobs WHERE hash = ?", hash).Scan(&n))
	return n
}

func TestStoreBlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t)
		content := []byte(strings.Repeat("package main\n", 200))

		info, err := s.StoreBlob(ctx, content)
		require.NoError(t, err)
		assert.Equal(t, HashContent(content), info.Hash)
		assert.Equal(t, int64(len(content)), info.Size)
		assert.Less(t, info.CompressedSize, info.Size)
		assert.False(t, info.IsDelta)
		assert.Empty(t, info.BaseHash)

		got, err := s.RetrieveBlob(ctx, info.Hash)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	})

	t.Run("deduplicates", func(t *testing.T) {
		t.Parallel()
		s, db := testStore(t)

		first, err := s.StoreBlob(ctx, []byte("hello"))
		require.NoError(t, err)
		second, err := s.StoreBlob(ctx, []byte("hello"))
		require.NoError(t, err)

		assert.Equal(t, first.Hash, second.Hash)
		assert.Equal(t, first.CreatedAt, second.CreatedAt, "second store must return the existing row")
		assert.Equal(t, 1, countRows(t, db, first.Hash))

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.TotalBlobs)
	})

	t.Run("concurrent identical stores converge", func(t *testing.T) {
		t.Parallel()
		s, db := testStore(t)
		content := []byte("same bytes from many writers")

		var wg sync.WaitGroup
		hashes := make([]string, 8)
		for i := range hashes {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				info, err := s.StoreBlob(ctx, content)
				if assert.NoError(t, err) {
					hashes[i] = info.Hash
				}
			}(i)
		}
		wg.Wait()

		for _, h := range hashes {
			assert.Equal(t, HashContent(content), h)
		}
		assert.Equal(t, 1, countRows(t, db, HashContent(content)))
	})

	t.Run("empty content", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t)
		info, err := s.StoreBlob(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, info.Size)

		got, err := s.RetrieveBlob(ctx, info.Hash)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestStoreDelta(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("records base", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t)
		base, err := s.StoreBlob(ctx, []byte("base content"))
		require.NoError(t, err)

		delta, err := s.StoreDelta(ctx, []byte("@@ -1 +1 @@ patch"), base.Hash)
		require.NoError(t, err)
		assert.True(t, delta.IsDelta)
		assert.Equal(t, base.Hash, delta.BaseHash)

		info, err := s.GetBlobInfo(ctx, delta.Hash)
		require.NoError(t, err)
		assert.True(t, info.IsDelta)
		assert.Equal(t, base.Hash, info.BaseHash)

		got, err := s.RetrieveBlob(ctx, delta.Hash)
		require.NoError(t, err)
		assert.Equal(t, []byte("@@ -1 +1 @@ patch"), got)

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.DeltaBlobs)
	})

	t.Run("missing base", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t)
		_, err := s.StoreDelta(ctx, []byte("patch"), HashContent([]byte("nope")))
		assert.ErrorIs(t, err, common.ErrNotFound)

		_, err = s.StoreDelta(ctx, []byte("patch"), "")
		assert.Error(t, err)
	})
}

func TestRetrieveBlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t)
		_, err := s.RetrieveBlob(ctx, HashContent([]byte("absent")))
		assert.ErrorIs(t, err, common.ErrNotFound)

		_, err = s.GetBlobInfo(ctx, HashContent([]byte("absent")))
		assert.ErrorIs(t, err, common.ErrNotFound)

		ok, err := s.HasBlob(ctx, HashContent([]byte("absent")))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("detects corrupted content", func(t *testing.T) {
		t.Parallel()
		s, db := testStore(t)
		info, err := s.StoreBlob(ctx, []byte("genuine"))
		require.NoError(t, err)

		forged, err := Compress([]byte("forged"))
		require.NoError(t, err)
		_, err = db.SQL().Exec("UPDATE file_blobs SET content = ? WHERE hash = ?", forged, info.Hash)
		require.NoError(t, err)

		_, err = s.RetrieveBlob(ctx, info.Hash)
		assert.ErrorIs(t, err, common.ErrIntegrity)

		_, err = db.SQL().Exec("UPDATE file_blobs SET content = ? WHERE hash = ?", []byte("not gzip"), info.Hash)
		require.NoError(t, err)
		_, err = s.RetrieveBlob(ctx, info.Hash)
		assert.ErrorIs(t, err, common.ErrIntegrity)
	})
}

func TestDeleteBlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := testStore(t)

	base, err := s.StoreBlob(ctx, []byte("base"))
	require.NoError(t, err)
	delta, err := s.StoreDelta(ctx, []byte("delta"), base.Hash)
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteBlob(ctx, base.Hash), common.ErrIntegrity, "base of a delta must not be deleted")

	require.NoError(t, s.DeleteBlob(ctx, delta.Hash))
	require.NoError(t, s.DeleteBlob(ctx, base.Hash))
	assert.ErrorIs(t, s.DeleteBlob(ctx, base.Hash), common.ErrNotFound)
}

func TestDeleteBaseRejectedByForeignKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, db := testStore(t)

	base, err := s.StoreBlob(ctx, []byte("base"))
	require.NoError(t, err)
	_, err = s.StoreDelta(ctx, []byte("delta"), base.Hash)
	require.NoError(t, err)

	_, err = db.SQL().Exec("DELETE FROM file_blobs WHERE hash = ?", base.Hash)
	assert.Error(t, err, "foreign key must forbid orphaning a delta")
}

func TestGetStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := testStore(t)

	empty, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalBlobs)
	assert.Zero(t, empty.CompressionRatio)

	a := bytes.Repeat([]byte("a"), 4096)
	b := bytes.Repeat([]byte("b"), 1024)
	_, err = s.StoreBlob(ctx, a)
	require.NoError(t, err)
	_, err = s.StoreBlob(ctx, b)
	require.NoError(t, err)

	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalBlobs)
	assert.Equal(t, int64(5120), st.TotalSize)
	assert.Positive(t, st.TotalCompressedSize)
	assert.InDelta(t, float64(st.TotalCompressedSize)/5120, st.CompressionRatio, 1e-9)
	assert.Zero(t, st.DeltaBlobs)
}

func TestIsHash(t *testing.T) {
	assert.True(t, IsHash(HashContent([]byte("x"))))
	assert.False(t, IsHash("abc"))
	assert.False(t, IsHash(strings.ToUpper(HashContent([]byte("x")))))
}

func TestHashReader(t *testing.T) {
	data := bytes.Repeat([]byte("stream "), 100000)
	h, n, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, HashContent(data), h)
	assert.Equal(t, int64(len(data)), n)
}
