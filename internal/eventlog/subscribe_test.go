package eventlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("delivers committed events by type", func(t *testing.T) {
		t.Parallel()
		l, _ := testLog(t, Options{})

		var all, user []*Event
		anySub := l.Subscribe(func(ev *Event) { all = append(all, ev) })
		l.Subscribe(func(ev *Event) { user = append(user, ev) }, LLMMessageUser)
		assert.Equal(t, 2, l.Subscribers())

		res := l.Emit(ctx, userMessage("hi"))
		require.True(t, res.Success)
		require.True(t, l.Emit(ctx, Draft{Actor: "system", EventType: SessionCreated}).Success)

		require.Len(t, all, 2)
		require.Len(t, user, 1)
		assert.Equal(t, res.EventID, user[0].ID)
		assert.Equal(t, int64(1), user[0].SequenceNumber)
		assert.NotEmpty(t, user[0].Checksum)
		assert.Equal(t, SessionCreated, all[1].EventType)

		l.Unsubscribe(anySub)
		l.Unsubscribe(anySub)
		l.Unsubscribe(nil)
		assert.Equal(t, 1, l.Subscribers())
		require.True(t, l.Emit(ctx, userMessage("again")).Success)
		assert.Len(t, all, 2)
		assert.Len(t, user, 2)
	})

	t.Run("failed emits are not delivered", func(t *testing.T) {
		t.Parallel()
		l, _ := testLog(t, Options{})
		calls := 0
		l.Subscribe(func(*Event) { calls++ })

		assert.False(t, l.Emit(ctx, Draft{EventType: SessionCreated}).Success)
		l.SetEnabled(false)
		assert.False(t, l.Emit(ctx, userMessage("off")).Success)
		assert.Zero(t, calls)
	})

	t.Run("batch delivers in sequence order", func(t *testing.T) {
		t.Parallel()
		l, _ := testLog(t, Options{})
		var seqs []int64
		l.Subscribe(func(ev *Event) { seqs = append(seqs, ev.SequenceNumber) })

		for _, r := range l.EmitBatch(ctx, []Draft{userMessage("a"), userMessage("b"), userMessage("c")}) {
			require.True(t, r.Success)
		}
		assert.Equal(t, []int64{1, 2, 3}, seqs)
	})

	t.Run("listener may emit and may panic", func(t *testing.T) {
		t.Parallel()
		l, _ := testLog(t, Options{})
		l.Subscribe(func(*Event) { panic("boom") })
		l.Subscribe(func(ev *Event) {
			require.True(t, l.Emit(ctx, Draft{Actor: "system", EventType: ToolCallStarted, CausationID: ev.ID}).Success)
		}, LLMMessageUser)

		res := l.Emit(ctx, userMessage("hi"))
		require.True(t, res.Success)

		seq, err := l.LastSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), seq)
		follow, err := l.GetBySequence(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, res.EventID, follow.CausationID)
	})
}
