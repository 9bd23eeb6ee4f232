package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeline/internal/common"
	"timeline/internal/eventlog"
	"timeline/internal/storage"
)

type testState struct {
	Files map[string]string `json:"files"`
}

type testEnv struct {
	db     *storage.DB
	events *eventlog.Log
	store  *Store
}

// newTestEnv opens a database whose clock advances 100µs per emit.
func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "timeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var tick int64
	clock := func() time.Time {
		tick += 100
		return time.UnixMicro(tick)
	}
	events, err := eventlog.New(context.Background(), db, eventlog.Options{Clock: clock})
	require.NoError(t, err)
	return &testEnv{db: db, events: events, store: New(db, events, opts)}
}

func (e *testEnv) emit(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		res := e.events.Emit(context.Background(), eventlog.Draft{Actor: "user", EventType: eventlog.CLICommandExecuted})
		require.True(t, res.Success, res.Error)
	}
}

func TestCaptureAndLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.emit(t, 3)

	state := testState{Files: map[string]string{"a.txt": "h1"}}
	snap, err := env.store.CaptureSnapshot(ctx, "workspace@2", "workspace", state, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.SequenceNumber)
	assert.Equal(t, int64(200), snap.Timestamp, "timestamp comes from the event at atSequence")
	assert.Len(t, snap.Checksum, 64)
	assert.Positive(t, snap.CompressedSize)

	var loaded testState
	require.NoError(t, env.store.Load(ctx, snap, &loaded))
	assert.Equal(t, state, loaded)

	last, err := env.store.LastSnapshotSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	got, err := env.store.Get(ctx, "workspace@2")
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestCaptureRequiresExistingEvent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	env.emit(t, 1)

	_, err := env.store.CaptureSnapshot(context.Background(), "agg", "workspace", testState{}, 5)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestOneLiveSnapshotPerAggregate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.emit(t, 4)

	_, err := env.store.CaptureSnapshot(ctx, "session-1", "session", testState{Files: map[string]string{"v": "1"}}, 2)
	require.NoError(t, err)
	_, err = env.store.CaptureSnapshot(ctx, "session-1", "session", testState{Files: map[string]string{"v": "2"}}, 4)
	require.NoError(t, err)

	snaps, err := env.store.List(ctx, "session")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(4), snaps[0].SequenceNumber)

	_, err = env.store.LatestSnapshotAtOrBefore(ctx, "session-1", 3)
	assert.ErrorIs(t, err, common.ErrNotFound, "live snapshot is past the boundary")

	snap, err := env.store.LatestSnapshotAtOrBefore(ctx, "session-1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.SequenceNumber)

	_, err = env.store.LatestAtOrBeforeTimestamp(ctx, "session-1", 399)
	assert.ErrorIs(t, err, common.ErrNotFound)
	snap, err = env.store.LatestAtOrBeforeTimestamp(ctx, "session-1", 400)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.SequenceNumber)

	// A lower capture does not move last_snapshot_sequence backwards.
	_, err = env.store.CaptureSnapshot(ctx, "session-2", "session", testState{}, 1)
	require.NoError(t, err)
	last, err := env.store.LastSnapshotSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)
}

func TestLatestOfType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.emit(t, 6)

	for _, seq := range []int64{2, 4, 6} {
		_, err := env.store.CaptureSnapshot(ctx, fmt.Sprintf("workspace@%d", seq), "workspace", testState{}, seq)
		require.NoError(t, err)
	}

	snap, err := env.store.LatestOfType(ctx, "workspace", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(6), snap.SequenceNumber)

	snap, err = env.store.LatestOfType(ctx, "workspace", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.SequenceNumber)

	snap, err = env.store.LatestOfType(ctx, "workspace", 0, 350)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.SequenceNumber)

	_, err = env.store.LatestOfType(ctx, "workspace", 0, 150)
	assert.ErrorIs(t, err, common.ErrNotFound)

	n, err := env.store.Prune(ctx, "workspace", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	snaps, err := env.store.List(ctx, "workspace")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(6), snaps[0].SequenceNumber)
	assert.Equal(t, int64(4), snaps[1].SequenceNumber)
}

func TestLoadDetectsTampering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.emit(t, 1)

	snap, err := env.store.CaptureSnapshot(ctx, "agg", "workspace", testState{Files: map[string]string{"a": "1"}}, 1)
	require.NoError(t, err)

	_, err = env.db.SQL().Exec("UPDATE snapshots SET checksum = ? WHERE aggregate_id = 'agg'",
		"0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	snap, err = env.store.Get(ctx, "agg")
	require.NoError(t, err)

	var out testState
	assert.ErrorIs(t, env.store.Load(ctx, snap, &out), common.ErrIntegrity)
}

func TestDeleteRecordsEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, Options{RecordEvents: true})
	env.emit(t, 1)

	_, err := env.store.CaptureSnapshot(ctx, "agg", "workspace", testState{}, 1)
	require.NoError(t, err)
	require.NoError(t, env.store.Delete(ctx, "agg"))
	assert.ErrorIs(t, env.store.Delete(ctx, "agg"), common.ErrNotFound)

	events, err := env.events.Range(ctx, eventlog.RangeFilter{Types: []eventlog.EventType{eventlog.SnapshotCreated, eventlog.SnapshotDeleted}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, eventlog.SnapshotCreated, events[0].EventType)
	assert.Equal(t, eventlog.SnapshotDeleted, events[1].EventType)
}
