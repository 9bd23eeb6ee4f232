package util

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDatabaseLocked(t *testing.T) {
	assert.False(t, IsDatabaseLocked(nil))
	assert.True(t, IsDatabaseLocked(errors.New("database is locked")))
	assert.True(t, IsDatabaseLocked(errors.New("libsql: SQLITE_BUSY (5)")))
	assert.False(t, IsDatabaseLocked(errors.New("UNIQUE constraint failed: events.sequence_number")))
}

func TestRetryWithResult(t *testing.T) {
	ctx := context.Background()

	t.Run("retries lock errors until success", func(t *testing.T) {
		calls := 0
		got, err := RetryWithResult(ctx, func() (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("database is locked")
			}
			return 42, nil
		}, DatabaseRetryOptions(ctx)...)
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		_, err := RetryWithResult(ctx, func() (int, error) {
			calls++
			return 0, errors.New("constraint failed")
		}, DatabaseRetryOptions(ctx)...)
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
