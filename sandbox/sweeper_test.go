package sandbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/coderun/metrics"
)

type mockWorkspaceSweeper struct {
	calls     atomic.Int32
	removed   int
	err       error
	olderThan time.Duration
}

func (m *mockWorkspaceSweeper) Sweep(olderThan time.Duration) (int, error) {
	m.calls.Add(1)
	m.olderThan = olderThan
	return m.removed, m.err
}

func TestSweepOnce(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("RemovesBoth", func(t *testing.T) {
		m := metrics.New()
		workspaces := &mockWorkspaceSweeper{removed: 2}
		sweeper := NewSweeper(logger, &MockDaemon{stale: 3}, workspaces, time.Minute, 10*time.Minute, m)

		containers, dirs, err := sweeper.SweepOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, containers)
		assert.Equal(t, 2, dirs)
		assert.Equal(t, 10*time.Minute, workspaces.olderThan)
		assert.InDelta(t, 3, testutil.ToFloat64(m.OrphansReaped.WithLabelValues("container")), 0)
		assert.InDelta(t, 2, testutil.ToFloat64(m.OrphansReaped.WithLabelValues("workspace")), 0)
	})

	t.Run("NoDaemon", func(t *testing.T) {
		workspaces := &mockWorkspaceSweeper{removed: 1}
		sweeper := NewSweeper(logger, nil, workspaces, time.Minute, time.Minute, nil)

		containers, dirs, err := sweeper.SweepOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, containers)
		assert.Equal(t, 1, dirs)
	})

	t.Run("ContainerFailureStillSweepsWorkspaces", func(t *testing.T) {
		down := errors.New("daemon down")
		workspaces := &mockWorkspaceSweeper{removed: 1}
		sweeper := NewSweeper(logger, &MockDaemon{staleErr: down}, workspaces, time.Minute, time.Minute, nil)

		_, dirs, err := sweeper.SweepOnce(context.Background())
		require.ErrorIs(t, err, down)
		assert.Equal(t, 1, dirs)
	})
}

func TestSweeperLoop(t *testing.T) {
	workspaces := &mockWorkspaceSweeper{}
	sweeper := NewSweeper(zaptest.NewLogger(t), &MockDaemon{}, workspaces, 10*time.Millisecond, time.Minute, nil)

	sweeper.Start()
	sweeper.Start() // second Start is a no-op

	require.Eventually(t, func() bool { return workspaces.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	sweeper.Stop()
	after := workspaces.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, workspaces.calls.Load(), "no sweeps after Stop")

	sweeper.Stop() // idempotent
}

func TestSweeperDisabled(t *testing.T) {
	workspaces := &mockWorkspaceSweeper{}
	sweeper := NewSweeper(zaptest.NewLogger(t), nil, workspaces, 0, time.Minute, nil)

	sweeper.Start()
	sweeper.Stop()
	assert.Zero(t, workspaces.calls.Load())
}
