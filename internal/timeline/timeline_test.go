package timeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeline/internal/blobstore"
	"timeline/internal/common"
	"timeline/internal/eventlog"
	"timeline/internal/rewind"
	"timeline/internal/snapshot"
)

func openTest(t *testing.T, opts Options) *Timeline {
	t.Helper()
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join(t.TempDir(), "timeline.db")
	}
	tl, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { tl.Close() })
	return tl
}

func TestOpenWiresComponents(t *testing.T) {
	ctx := context.Background()
	tl := openTest(t, Options{Rewind: rewind.Config{UseCache: true}})

	info, err := tl.Blobs.StoreBlob(ctx, []byte("hello"))
	require.NoError(t, err)
	res := tl.Events.Emit(ctx, eventlog.Draft{
		Actor: "user", EventType: eventlog.FileCreated,
		Payload: map[string]any{"path": "hello.txt", "new_hash": info.Hash},
	})
	require.True(t, res.Success, res.Error)

	out := t.TempDir()
	rr, err := tl.Rewind.RewindTo(ctx, res.Timestamp, rewind.Options{OutputDir: out})
	require.NoError(t, err)
	assert.Equal(t, 1, rr.FilesRestored)

	st, err := tl.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Storage.TotalEvents)
	assert.Equal(t, int64(1), st.Blobs.TotalBlobs)
	assert.Equal(t, int64(1), st.Storage.TotalTrees)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Options{})
	assert.Error(t, err)
}

func TestOpenLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.db")
	tl := openTest(t, Options{DBPath: path, Lock: true})

	_, err := Open(context.Background(), Options{DBPath: path, Lock: true})
	assert.ErrorIs(t, err, common.ErrLocked)

	require.NoError(t, tl.Close())
	again, err := Open(context.Background(), Options{DBPath: path, Lock: true})
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestGarbageCollectKeepsSnapshotRoots(t *testing.T) {
	ctx := context.Background()
	tl := openTest(t, Options{})

	kept, err := tl.Blobs.StoreBlob(ctx, []byte("referenced"))
	require.NoError(t, err)
	orphan, err := tl.Blobs.StoreBlob(ctx, []byte("orphan"))
	require.NoError(t, err)
	require.True(t, tl.Events.Emit(ctx, eventlog.Draft{
		Actor: "user", EventType: eventlog.FileCreated,
		Payload: map[string]any{"path": "a", "new_hash": kept.Hash},
	}).Success)
	_, err = tl.Rewind.CaptureSnapshot(ctx)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	res, err := tl.GarbageCollect(ctx, blobstore.GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Deleted)

	ok, err := tl.Blobs.HasBlob(ctx, kept.Hash)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tl.Blobs.HasBlob(ctx, orphan.Hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotWorker(t *testing.T) {
	ctx := context.Background()
	tl := openTest(t, Options{})
	for i := 0; i < 3; i++ {
		require.True(t, tl.Events.Emit(ctx, eventlog.Draft{Actor: "user", EventType: eventlog.CLICommandExecuted}).Success)
	}

	w, err := tl.SnapshotWorker(ctx, snapshot.WorkerConfig{EventsInterval: 3})
	require.NoError(t, err)
	captured, err := w.Check(ctx)
	require.NoError(t, err)
	assert.True(t, captured)

	last, err := tl.Snapshots.LastSnapshotSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestSnapshotWorkerWakesOnEmit(t *testing.T) {
	tl := openTest(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := tl.SnapshotWorker(ctx, snapshot.WorkerConfig{EventsInterval: 2, TimeInterval: time.Hour, Tick: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, tl.Events.Subscribers())
	go w.Run(ctx)

	for i := 0; i < 2; i++ {
		require.True(t, tl.Events.Emit(ctx, eventlog.Draft{Actor: "user", EventType: eventlog.CLICommandExecuted}).Success)
	}
	require.Eventually(t, func() bool {
		last, err := tl.Snapshots.LastSnapshotSequence(context.Background())
		return err == nil && last == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return tl.Events.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestParseTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"2024-05-01T11:00:00Z", now.Add(-time.Hour).UnixMicro(), false},
		{"-5m", now.Add(-5 * time.Minute).UnixMicro(), false},
		{"1714560000000000", 1714560000000000, false},
		{"", 0, true},
		{"yesterday", 0, true},
		{"-5parsecs", 0, true},
		{"0", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in, now)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
