package eventlog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeline/internal/common"
	"timeline/internal/storage"
)

const hashA = "a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447"

func testLog(t *testing.T, opts Options) (*Log, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "timeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := New(context.Background(), db, opts)
	require.NoError(t, err)
	return l, db
}

// fixedClock returns successive readings from times (in micros), then repeats the last.
func fixedClock(times ...int64) Clock {
	var mu sync.Mutex
	i := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts := times[i]
		if i < len(times)-1 {
			i++
		}
		return time.UnixMicro(ts)
	}
}

func userMessage(text string) Draft {
	return Draft{
		Actor:     "user",
		EventType: LLMMessageUser,
		Payload:   map[string]any{"role": "user", "content": text},
	}
}

func TestEmit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("assigns contiguous sequence numbers", func(t *testing.T) {
		t.Parallel()
		l, db := testLog(t, Options{})

		for i := 1; i <= 5; i++ {
			res := l.Emit(ctx, userMessage("hi"))
			require.True(t, res.Success, res.Error)
			assert.Equal(t, int64(i), res.SequenceNumber)
			assert.NotEmpty(t, res.EventID)
		}

		last, err := db.GetMetadataInt(ctx, storage.MetaLastSequence)
		require.NoError(t, err)
		assert.Equal(t, int64(5), last)
	})

	t.Run("stores fields and checksum", func(t *testing.T) {
		t.Parallel()
		l, _ := testLog(t, Options{Clock: fixedClock(1_000_000)})

		res := l.Emit(ctx, Draft{
			Actor:         "tool:bash",
			EventType:     ToolCallStarted,
			AggregateID:   "session-1",
			AggregateType: AggregateSession,
			Payload:       map[string]any{"tool_name": "bash"},
			CorrelationID: "corr-1",
			Metadata:      map[string]string{"host": "dev"},
		})
		require.True(t, res.Success, res.Error)

		e, err := l.Get(ctx, res.EventID)
		require.NoError(t, err)
		assert.Equal(t, int64(1_000_000), e.Timestamp)
		assert.Equal(t, ToolCallStarted, e.EventType)
		assert.Equal(t, CategoryTool, e.Category())
		assert.Equal(t, "session-1", e.AggregateID)
		assert.Equal(t, "corr-1", e.CorrelationID)
		assert.Empty(t, e.CausationID)
		assert.JSONEq(t, `{"host":"dev"}`, string(e.Metadata))
		assert.Len(t, e.Checksum, 64)

		var payload map[string]string
		require.NoError(t, e.DecodePayload(&payload))
		assert.Equal(t, "bash", payload["tool_name"])

		assert.NoError(t, l.VerifyEvent(ctx, res.EventID))
	})

	t.Run("clamps timestamps to be non-decreasing", func(t *testing.T) {
		t.Parallel()
		l, _ := testLog(t, Options{Clock: fixedClock(500, 300, 900)})

		r1 := l.Emit(ctx, userMessage("a"))
		r2 := l.Emit(ctx, userMessage("b"))
		r3 := l.Emit(ctx, userMessage("c"))
		require.True(t, r1.Success && r2.Success && r3.Success)

		assert.Equal(t, int64(500), r1.Timestamp)
		assert.Equal(t, int64(500), r2.Timestamp, "clock went backwards, timestamp must not")
		assert.Equal(t, int64(900), r3.Timestamp)
	})

	t.Run("rejects invalid drafts", func(t *testing.T) {
		t.Parallel()
		l, _ := testLog(t, Options{})

		res := l.Emit(ctx, Draft{EventType: LLMMessageUser})
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, common.ErrInvalidEvent)

		res = l.Emit(ctx, Draft{Actor: "user", EventType: "NOT_A_TYPE"})
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, common.ErrInvalidEvent)

		res = l.Emit(ctx, Draft{Actor: "user", EventType: FileCreated, Payload: map[string]any{"size_bytes": 3}})
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, common.ErrInvalidPayload)

		res = l.Emit(ctx, Draft{Actor: "user", EventType: LLMMessageUser, Payload: json.RawMessage(`{broken`)})
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, common.ErrInvalidPayload)

		last, err := l.LastSequence(ctx)
		require.NoError(t, err)
		assert.Zero(t, last, "rejected drafts must not consume sequence numbers")
	})

	t.Run("accepts valid file payload", func(t *testing.T) {
		t.Parallel()
		l, _ := testLog(t, Options{})

		res := l.Emit(ctx, Draft{
			Actor:         "system",
			EventType:     FileCreated,
			AggregateID:   "a.txt",
			AggregateType: AggregateFile,
			Payload:       map[string]any{"path": "a.txt", "new_hash": hashA, "size_bytes": 5},
		})
		assert.True(t, res.Success, res.Error)
	})

	t.Run("disabled log refuses", func(t *testing.T) {
		t.Parallel()
		l, _ := testLog(t, Options{Disabled: true})
		assert.False(t, l.Enabled())

		res := l.Emit(ctx, userMessage("x"))
		assert.False(t, res.Success)
		assert.Equal(t, "timeline logging is disabled", res.Error)
		assert.ErrorIs(t, res.Err, common.ErrDisabled)

		l.SetEnabled(true)
		res = l.Emit(ctx, userMessage("x"))
		assert.True(t, res.Success)
		assert.Equal(t, int64(1), res.SequenceNumber)
	})
}

func TestEmitFailureDoesNotConsumeSequence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, db := testLog(t, Options{})

	require.True(t, l.Emit(ctx, userMessage("first")).Success)

	_, err := db.SQL().Exec(`CREATE TRIGGER reject_events BEFORE INSERT ON events
		BEGIN SELECT RAISE(ABORT, 'storage unavailable'); END`)
	require.NoError(t, err)

	res := l.Emit(ctx, userMessage("second"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "storage unavailable")

	_, err = db.SQL().Exec(`DROP TRIGGER reject_events`)
	require.NoError(t, err)

	res = l.Emit(ctx, userMessage("third"))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(2), res.SequenceNumber, "failed emit must not consume a sequence number")

	last, err := db.GetMetadataInt(ctx, storage.MetaLastSequence)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestEmitConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := testLog(t, Options{})

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	var seqs []int64

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				res := l.Emit(ctx, userMessage("concurrent"))
				if !res.Success {
					t.Errorf("emit failed: %s", res.Error)
					return
				}
				mu.Lock()
				seqs = append(seqs, res.SequenceNumber)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seqs, writers*perWriter)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s)
	}

	events, err := l.Range(ctx, RangeFilter{})
	require.NoError(t, err)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Timestamp, events[i-1].Timestamp)
	}

	report, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report.Issues)
}

func TestEmitBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("assigns consecutive sequences", func(t *testing.T) {
		t.Parallel()
		l, _ := testLog(t, Options{})
		results := l.EmitBatch(ctx, []Draft{userMessage("a"), userMessage("b"), userMessage("c")})
		require.Len(t, results, 3)
		for i, r := range results {
			require.True(t, r.Success, r.Error)
			assert.Equal(t, int64(i+1), r.SequenceNumber)
		}
	})

	t.Run("all or nothing", func(t *testing.T) {
		t.Parallel()
		l, _ := testLog(t, Options{})
		results := l.EmitBatch(ctx, []Draft{userMessage("a"), {Actor: "", EventType: LLMMessageUser}})
		for _, r := range results {
			assert.False(t, r.Success)
		}
		last, err := l.LastSequence(ctx)
		require.NoError(t, err)
		assert.Zero(t, last)
	})

	t.Run("empty batch", func(t *testing.T) {
		t.Parallel()
		l, _ := testLog(t, Options{})
		assert.Empty(t, l.EmitBatch(ctx, nil))
	})
}

func TestRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := testLog(t, Options{Clock: fixedClock(100, 200, 300, 400)})

	require.True(t, l.Emit(ctx, userMessage("1")).Success)
	require.True(t, l.Emit(ctx, Draft{Actor: "system", EventType: FileDeleted, Payload: map[string]any{"path": "x"}}).Success)
	require.True(t, l.Emit(ctx, userMessage("3")).Success)
	require.True(t, l.Emit(ctx, Draft{Actor: "system", EventType: FileDeleted, Payload: map[string]any{"path": "y"}}).Success)

	events, err := l.Range(ctx, RangeFilter{AfterSequence: 1, UpToSequence: 3})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].SequenceNumber)
	assert.Equal(t, int64(3), events[1].SequenceNumber)

	events, err = l.Range(ctx, RangeFilter{Types: FileMutationTypes})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, FileDeleted, events[1].EventType)

	events, err = l.Range(ctx, RangeFilter{UpToTimestamp: 250})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, Head{Sequence: 4, Timestamp: 400}, head)

	e, err := l.GetBySequence(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(300), e.Timestamp)

	_, err = l.GetBySequence(ctx, 99)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestNewRepairsMetadataDrift(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, db := testLog(t, Options{})
	require.True(t, l.Emit(ctx, userMessage("a")).Success)
	require.True(t, l.Emit(ctx, userMessage("b")).Success)

	require.NoError(t, db.SetMetadata(ctx, storage.MetaLastSequence, "7"))

	_, err := New(ctx, db, Options{})
	require.NoError(t, err)

	last, err := db.GetMetadataInt(ctx, storage.MetaLastSequence)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}
