package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpetrov/botwarden/internal/registry"
)

// recordSleeps swaps the terminator's sleep for a recorder.
func recordSleeps(t *Terminator) *[]time.Duration {
	var slept []time.Duration
	t.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return &slept
}

func TestTerminate_NothingRunningIsNoOp(t *testing.T) {
	reg := &fakeRegistry{}
	term := NewTerminator(reg, 5*time.Second)
	slept := recordSleeps(term)

	stopped, err := term.Terminate(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Zero(t, reg.stops)
	assert.Empty(t, *slept, "no drain without a termination")
}

func TestTerminate_StopsAndDrains(t *testing.T) {
	reg := &fakeRegistry{entry: &registry.Entry{PID: 55, Command: "prizebot"}}
	term := NewTerminator(reg, 5*time.Second)
	slept := recordSleeps(term)

	stopped, err := term.Terminate(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, 1, reg.stops)
	require.Len(t, *slept, 1)
	assert.Equal(t, 5*time.Second, (*slept)[0])
}

func TestTerminate_DrainScalesWithAttempt(t *testing.T) {
	reg := &fakeRegistry{entry: &registry.Entry{PID: 55}}
	term := NewTerminator(reg, 5*time.Second)
	slept := recordSleeps(term)

	_, err := term.Terminate(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, *slept, 1)
	assert.Equal(t, 15*time.Second, (*slept)[0])
}

func TestDrainWait_Scales(t *testing.T) {
	term := NewTerminator(&fakeRegistry{}, 2*time.Second)
	slept := recordSleeps(term)

	require.NoError(t, term.DrainWait(context.Background(), 2))
	require.Len(t, *slept, 1)
	assert.Equal(t, 4*time.Second, (*slept)[0])
}

func TestTerminate_CancelledDuringDrain(t *testing.T) {
	reg := &fakeRegistry{entry: &registry.Entry{PID: 55}}
	term := NewTerminator(reg, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stopped, err := term.Terminate(ctx, 1)
	assert.True(t, stopped, "termination happened before the drain was cancelled")
	assert.ErrorIs(t, err, context.Canceled)
}
