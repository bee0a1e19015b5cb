package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults applied by New.
const (
	DefaultMaxOutputBytes = 1 << 20
	DefaultWaitDelay      = 2 * time.Second
)

// ErrNoCommand is returned when a Command has no arguments.
var ErrNoCommand = errors.New("no command provided")

// Command describes one process invocation.
type Command struct {
	Args  []string
	Dir   string
	Env   []string // appended to the current environment
	Stdin string
}

// Result is the outcome of a process that was started.
type Result struct {
	Output    string // stdout and stderr, interleaved in write order
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Runner runs commands. A non-zero exit is reported in the Result, not as an
// error.
type Runner interface {
	Run(ctx context.Context, cmd Command, timeout time.Duration) (Result, error)
}

// Executor implements Runner on top of os/exec.
type Executor struct {
	logger         *zap.Logger
	maxOutputBytes int
	waitDelay      time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxOutputBytes caps the captured output. Output past the cap is dropped
// and the Result is marked truncated.
func WithMaxOutputBytes(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxOutputBytes = n
		}
	}
}

// WithWaitDelay bounds how long Run waits for output pipes to close after
// the process has exited or been killed.
func WithWaitDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.waitDelay = d
		}
	}
}

// New creates an Executor.
func New(logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger:         logger.Named("command"),
		maxOutputBytes: DefaultMaxOutputBytes,
		waitDelay:      DefaultWaitDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts the command and waits for it to exit, for timeout to elapse, or
// for ctx to be cancelled, whichever comes first. A zero timeout means no
// deadline besides ctx.
//
// On timeout the process group is killed and the Result has TimedOut set. On
// cancellation the process group is killed and ctx.Err() is returned together
// with the partial Result.
func (e *Executor) Run(ctx context.Context, c Command, timeout time.Duration) (Result, error) {
	if len(c.Args) == 0 {
		return Result{}, ErrNoCommand
	}

	cmd := exec.Command(c.Args[0], c.Args[1:]...) //nolint:gosec // argv is built from the fixed language table
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	out := newCappedBuffer(e.maxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = e.waitDelay
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start %s: %w", c.Args[0], err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-done:
		res := out.result(start)
		return e.exited(cmd, c.Args[0], res, err)

	case <-deadline:
		e.terminate(cmd, done)
		res := out.result(start)
		res.TimedOut = true
		res.ExitCode = -1
		e.logger.Debug("command timed out",
			zap.String("command", c.Args[0]),
			zap.Duration("timeout", timeout))
		return res, nil

	case <-ctx.Done():
		e.terminate(cmd, done)
		res := out.result(start)
		res.ExitCode = -1
		return res, ctx.Err()
	}
}

func (*Executor) exited(cmd *exec.Cmd, name string, res Result, err error) (Result, error) {
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	// The process exited but a descendant kept the output pipes open.
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		return res, nil
	}

	return res, fmt.Errorf("failed to wait for %s: %w", name, err)
}

// terminate kills the process group and blocks until Wait has returned.
func (e *Executor) terminate(cmd *exec.Cmd, done <-chan error) {
	if err := killProcessGroup(cmd); err != nil {
		e.logger.Warn("failed to kill process group", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		_ = cmd.Process.Kill()
	}
	<-done
}

// cappedBuffer keeps the first limit bytes written to it and silently drops
// the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) result(start time.Time) Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Result{
		Output:    string(b.buf),
		Truncated: b.truncated,
		Duration:  time.Since(start),
	}
}
