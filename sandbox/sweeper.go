package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/coderun/metrics"
)

// WorkspaceSweeper removes leftover workspace directories.
type WorkspaceSweeper interface {
	Sweep(olderThan time.Duration) (int, error)
}

// Sweeper periodically removes managed containers and workspaces that a
// crashed process left behind.
type Sweeper struct {
	logger     *zap.Logger
	daemon     Daemon // nil when the backend has no engine
	workspaces WorkspaceSweeper
	interval   time.Duration
	olderThan  time.Duration
	metrics    *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper. Only resources older than olderThan are
// removed, which must exceed the longest possible execution.
func NewSweeper(logger *zap.Logger, daemon Daemon, workspaces WorkspaceSweeper, interval, olderThan time.Duration, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		logger:     logger.Named("sweeper"),
		daemon:     daemon,
		workspaces: workspaces,
		interval:   interval,
		olderThan:  olderThan,
		metrics:    m,
	}
}

// SweepOnce runs a single sweep and reports how many containers and
// workspaces were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (containers, workspaces int, err error) {
	var errs []error

	if s.daemon != nil {
		containers, err = s.daemon.RemoveStale(ctx, s.olderThan)
		if err != nil {
			errs = append(errs, fmt.Errorf("containers: %w", err))
		}
	}

	if s.workspaces != nil {
		workspaces, err = s.workspaces.Sweep(s.olderThan)
		if err != nil {
			errs = append(errs, fmt.Errorf("workspaces: %w", err))
		}
	}

	if s.metrics != nil {
		s.metrics.RecordReaped("container", containers)
		s.metrics.RecordReaped("workspace", workspaces)
	}

	if containers > 0 || workspaces > 0 {
		s.logger.Info("removed orphaned resources",
			zap.Int("containers", containers),
			zap.Int("workspaces", workspaces))
	}

	return containers, workspaces, errors.Join(errs...)
}

// Start sweeps once immediately and then every interval until Stop is
// called. A non-positive interval disables the loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 || s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
}

// Stop ends the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("sweep failed", zap.Error(err))
	}
}
