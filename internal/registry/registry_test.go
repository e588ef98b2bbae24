package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	entry *Entry
	err   error
}

func (f *fakeRegistry) FindPoller(ctx context.Context) (*Entry, error) { return f.entry, f.err }
func (f *fakeRegistry) Stop(ctx context.Context, e *Entry) error       { return nil }

func TestLivenessProbe(t *testing.T) {
	tests := []struct {
		name string
		reg  Registry
		want bool
	}{
		{"running", &fakeRegistry{entry: &Entry{PID: 9}}, true},
		{"not running", &fakeRegistry{}, false},
		{"scan error reads as not alive", &fakeRegistry{err: errors.New("ps failed")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := LivenessProbe{Reg: tt.reg}
			assert.Equal(t, tt.want, p.Alive())
		})
	}
}

func TestProcessTable_EmptySignatureFindsNothing(t *testing.T) {
	pt := NewProcessTable("", time.Second)
	e, err := pt.FindPoller(context.Background())
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestProcessTable_NeverMatchesSelf(t *testing.T) {
	// The test binary's own executable contains "registry.test"; scanning
	// for it must skip our own PID.
	pt := NewProcessTable("registry.test", time.Second)
	e, err := pt.FindPoller(context.Background())
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestProcessTable_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pt := NewProcessTable("anything", time.Second)
	_, err := pt.FindPoller(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStop_NilEntryIsNoOp(t *testing.T) {
	pt := NewProcessTable("x", time.Second)
	assert.NoError(t, pt.Stop(context.Background(), nil))
}
