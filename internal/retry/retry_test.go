package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	p := Immediate(3)

	calls := 0
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p := Immediate(3)

	calls := 0
	boom := errors.New("boom")
	err := p.Do(context.Background(), func(int) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_RecoversMidway(t *testing.T) {
	p := Constant(5, time.Millisecond)

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsEarly(t *testing.T) {
	p := Immediate(5)

	calls := 0
	fatal := errors.New("fatal")
	err := p.Do(context.Background(), func(int) error {
		calls++
		return Permanent(fatal)
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelStops(t *testing.T) {
	p := Constant(100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(int) error {
		calls++
		return errors.New("still failing")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "cancelled during the first backoff wait")
}

func TestDo_ZeroMaxAttemptsRunsOnce(t *testing.T) {
	p := Policy{}

	calls := 0
	require.NoError(t, p.Do(context.Background(), func(int) error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)
}
