package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_WaitFor_ImmediateSuccess(t *testing.T) {
	p := NewPoller(WithInterval(time.Hour)) // would hang if it ever slept

	calls := 0
	err := p.WaitFor(context.Background(), time.Second, func(context.Context) bool {
		calls++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPoller_WaitFor_EventualSuccess(t *testing.T) {
	p := NewPoller(WithInterval(5 * time.Millisecond))

	calls := 0
	err := p.WaitFor(context.Background(), time.Second, func(context.Context) bool {
		calls++
		return calls >= 3
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPoller_WaitFor_Deadline(t *testing.T) {
	p := NewPoller(WithInterval(5 * time.Millisecond))

	err := p.WaitFor(context.Background(), 30*time.Millisecond, func(context.Context) bool {
		return false
	})
	assert.ErrorIs(t, err, ErrDeadline)
}

func TestPoller_WaitFor_ContextCancellation(t *testing.T) {
	p := NewPoller(WithInterval(5 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.WaitFor(ctx, time.Second, func(context.Context) bool { return false })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoller_Attempts(t *testing.T) {
	t.Run("succeeds within budget", func(t *testing.T) {
		p := NewPoller(WithInterval(time.Millisecond))

		calls := 0
		err := p.Attempts(context.Background(), 5, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when budget spent", func(t *testing.T) {
		p := NewPoller(WithInterval(time.Millisecond))

		sentinel := errors.New("still broken")
		calls := 0
		err := p.Attempts(context.Background(), 3, func(context.Context) error {
			calls++
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 3, calls)
	})
}
