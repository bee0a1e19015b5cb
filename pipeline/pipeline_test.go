package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/coderun/command"
	"github.com/isdmx/coderun/language"
	"github.com/isdmx/coderun/metrics"
	"github.com/isdmx/coderun/sandbox"
	"github.com/isdmx/coderun/workspace"
)

// fakeImages implements sandbox.ImagePreparer for testing
type fakeImages struct {
	mu     sync.Mutex
	builds []string
	err    error
}

func (f *fakeImages) EnsureImage(_ context.Context, profile language.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, profile.ID)
	return f.err
}

func (f *fakeImages) Builds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.builds...)
}

// fakeContainers implements sandbox.ContainerRunner for testing. By default
// every step succeeds and the run step echoes the staged source file.
type fakeContainers struct {
	mu      sync.Mutex
	runs    []sandbox.ContainerRun
	compile func(run sandbox.ContainerRun) (command.Result, error)
	run     func(run sandbox.ContainerRun) (command.Result, error)
}

func (f *fakeContainers) Run(_ context.Context, run sandbox.ContainerRun) (command.Result, error) {
	f.mu.Lock()
	f.runs = append(f.runs, run)
	f.mu.Unlock()

	switch {
	case run.Stage == sandbox.StageCompile && f.compile != nil:
		return f.compile(run)
	case run.Stage == sandbox.StageRun && f.run != nil:
		return f.run(run)
	case run.Stage == sandbox.StageRun:
		return echoSource(run)
	}
	return command.Result{Output: "compiler chatter\n"}, nil
}

func (f *fakeContainers) Runs() []sandbox.ContainerRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.ContainerRun(nil), f.runs...)
}

func echoSource(run sandbox.ContainerRun) (command.Result, error) {
	data, err := os.ReadFile(filepath.Join(run.Dir, run.Profile.SourceFile))
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Output: string(data)}, nil
}

type testEnv struct {
	pipeline   *Pipeline
	root       string
	images     *fakeImages
	containers *fakeContainers
	metrics    *metrics.Metrics
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	registry, err := language.NewRegistry("images", nil)
	require.NoError(t, err)

	root := filepath.Join(t.TempDir(), "workspaces")
	manager, err := workspace.NewManager(root, workspace.RealFileSystem{}, logger)
	require.NoError(t, err)

	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = 60 * time.Second
	}

	env := &testEnv{
		root:       root,
		images:     &fakeImages{},
		containers: &fakeContainers{},
		metrics:    metrics.New(),
	}
	env.pipeline = New(logger, cfg, registry, manager, env.images, env.containers, env.metrics)
	return env
}

// assertNoWorkspaces checks that nothing is left under the workspace root.
func (e *testEnv) assertNoWorkspaces(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.root)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace root must be empty after every execution")
}

func requireKind(t *testing.T, err error, kind Kind) *ExecutionError {
	t.Helper()
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, kind, execErr.Kind, "message: %s", execErr.Message)
	return execErr
}

func TestExecuteSuccess(t *testing.T) {
	for _, lang := range []string{language.Python, language.JavaScript, language.Go, language.C, language.CPP, language.Java} {
		t.Run(lang, func(t *testing.T) {
			env := newTestEnv(t, Config{})

			res, err := env.pipeline.Execute(context.Background(), Request{Code: "hello world", Language: lang})
			require.NoError(t, err)
			assert.Equal(t, "hello world", res.Output, "output comes from the run step only")
			assert.Equal(t, lang, res.Language)
			assert.NotEmpty(t, res.RunID)

			runs := env.containers.Runs()
			registry, err := language.NewRegistry("images", nil)
			require.NoError(t, err)
			p, err := registry.Resolve(lang)
			require.NoError(t, err)

			if p.Compiled() {
				require.Len(t, runs, 2)
				assert.Equal(t, sandbox.StageCompile, runs[0].Stage)
				assert.Equal(t, p.Compile, runs[0].Args)
				assert.Equal(t, sandbox.StageRun, runs[1].Stage)
			} else {
				require.Len(t, runs, 1)
				assert.Equal(t, sandbox.StageRun, runs[0].Stage)
			}
			last := runs[len(runs)-1]
			assert.Equal(t, p.Run, last.Args)
			assert.Equal(t, 10*time.Second, last.Timeout)
			assert.Equal(t, res.RunID, last.RunID)
			assert.Equal(t, filepath.Join(env.root, res.RunID), last.Dir)

			assert.Equal(t, []string{lang}, env.images.Builds())
			assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.ExecutionsTotal.WithLabelValues(lang, "success")), 0)
			env.assertNoWorkspaces(t)
		})
	}
}

func TestExecuteValidation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		kind Kind
		err  error
	}{
		{name: "EmptyCode", req: Request{Code: "", Language: language.Python}, kind: KindMalformedRequest, err: ErrEmptyCode},
		{name: "WhitespaceCode", req: Request{Code: " \n\t", Language: language.Go}, kind: KindMalformedRequest, err: ErrEmptyCode},
		{name: "EmptyCodeUnknownLanguage", req: Request{Code: "", Language: "ruby"}, kind: KindMalformedRequest, err: ErrEmptyCode},
		{name: "UnsupportedLanguage", req: Request{Code: "puts 1", Language: "ruby"}, kind: KindUnsupportedLanguage, err: language.ErrUnsupported},
		{name: "MissingLanguage", req: Request{Code: "print(1)"}, kind: KindUnsupportedLanguage, err: language.ErrUnsupported},
		{name: "NegativeTimeout", req: Request{Code: "print(1)", Language: language.Python, Timeout: -time.Second}, kind: KindMalformedRequest, err: ErrInvalidTimeout},
		{name: "TimeoutAboveMax", req: Request{Code: "print(1)", Language: language.Python, Timeout: time.Hour}, kind: KindMalformedRequest, err: ErrInvalidTimeout},
		{name: "CodeTooLarge", req: Request{Code: "print('xxxxxxxxxxxxxxxxxxxxxxxx')", Language: language.Python}, kind: KindMalformedRequest, err: ErrCodeTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{MaxCodeBytes: 16})

			res, err := env.pipeline.Execute(context.Background(), tt.req)
			assert.Nil(t, res)
			execErr := requireKind(t, err, tt.kind)
			require.ErrorIs(t, err, tt.err)
			assert.NotEmpty(t, execErr.Message)
			assert.True(t, execErr.Kind.ClientError())

			// Rejected before any side effect.
			assert.Empty(t, env.images.Builds())
			assert.Empty(t, env.containers.Runs())
			_, statErr := os.Stat(env.root)
			assert.ErrorIs(t, statErr, os.ErrNotExist)
		})
	}
}

func TestExecuteCompileError(t *testing.T) {
	env := newTestEnv(t, Config{})
	diagnostic := "./main.go:3:1: syntax error: unexpected }\n"
	env.containers.compile = func(sandbox.ContainerRun) (command.Result, error) {
		return command.Result{ExitCode: 1, Output: diagnostic}, nil
	}

	_, err := env.pipeline.Execute(context.Background(), Request{Code: "package main\n}", Language: language.Go})
	execErr := requireKind(t, err, KindCompileError)
	assert.Equal(t, "./main.go:3:1: syntax error: unexpected }", execErr.Message)
	assert.Equal(t, diagnostic, execErr.Output)

	runs := env.containers.Runs()
	require.Len(t, runs, 1, "run step must not start after a failed compile")
	env.assertNoWorkspaces(t)
}

func TestExecuteCompileTimeout(t *testing.T) {
	env := newTestEnv(t, Config{CompileTimeout: 30 * time.Second})
	env.containers.compile = func(sandbox.ContainerRun) (command.Result, error) {
		return command.Result{TimedOut: true}, nil
	}

	_, err := env.pipeline.Execute(context.Background(), Request{Code: "int main(){}", Language: language.CPP, Timeout: 2 * time.Second})
	execErr := requireKind(t, err, KindCompileError)
	assert.Equal(t, "Compilation timed out", execErr.Message)

	runs := env.containers.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, 30*time.Second, runs[0].Timeout, "compile gets at least the compile budget")
	env.assertNoWorkspaces(t)
}

func TestExecuteCompileUsesLongerRequestTimeout(t *testing.T) {
	env := newTestEnv(t, Config{CompileTimeout: 5 * time.Second})

	_, err := env.pipeline.Execute(context.Background(), Request{Code: "int main(){}", Language: language.C, Timeout: 20 * time.Second})
	require.NoError(t, err)

	runs := env.containers.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, 20*time.Second, runs[0].Timeout)
	assert.Equal(t, 20*time.Second, runs[1].Timeout)
}

func TestExecuteRuntimeError(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.containers.run = func(sandbox.ContainerRun) (command.Result, error) {
		return command.Result{ExitCode: 1, Output: "Traceback (most recent call last):\nZeroDivisionError: division by zero\n"}, nil
	}

	_, err := env.pipeline.Execute(context.Background(), Request{Code: "1/0", Language: language.Python})
	execErr := requireKind(t, err, KindRuntimeError)
	assert.Contains(t, execErr.Message, "ZeroDivisionError")
	env.assertNoWorkspaces(t)
}

func TestExecuteRuntimeErrorWithoutOutput(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.containers.run = func(sandbox.ContainerRun) (command.Result, error) {
		return command.Result{ExitCode: 137}, nil
	}

	_, err := env.pipeline.Execute(context.Background(), Request{Code: "x", Language: language.Python})
	execErr := requireKind(t, err, KindRuntimeError)
	assert.Equal(t, "Process exited with code 137", execErr.Message)
}

func TestExecuteTimeout(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.containers.run = func(sandbox.ContainerRun) (command.Result, error) {
		return command.Result{TimedOut: true, Output: "partial\n"}, nil
	}

	_, err := env.pipeline.Execute(context.Background(), Request{Code: "while True: pass", Language: language.Python, Timeout: 500 * time.Millisecond})
	execErr := requireKind(t, err, KindTimeout)
	assert.Equal(t, TimeoutMessage, execErr.Message)
	assert.Equal(t, "partial\n", execErr.Output)

	runs := env.containers.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, 500*time.Millisecond, runs[0].Timeout)
	env.assertNoWorkspaces(t)
}

func TestExecuteImageBuildFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.images.err = &sandbox.BuildError{Image: "coderun/java:latest", ExitCode: 1, Output: "COPY failed"}

	_, err := env.pipeline.Execute(context.Background(), Request{Code: "class Main {}", Language: language.Java})
	execErr := requireKind(t, err, KindInfrastructure)
	assert.False(t, execErr.Kind.ClientError())
	assert.Equal(t, "COPY failed", execErr.Output)
	assert.Empty(t, env.containers.Runs())
	env.assertNoWorkspaces(t)
}

func TestExecuteContainerInfrastructureFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	missing := errors.New("exec: \"docker\": executable file not found in $PATH")
	env.containers.run = func(sandbox.ContainerRun) (command.Result, error) {
		return command.Result{}, missing
	}

	_, err := env.pipeline.Execute(context.Background(), Request{Code: "x", Language: language.JavaScript})
	requireKind(t, err, KindInfrastructure)
	require.ErrorIs(t, err, missing)
	env.assertNoWorkspaces(t)
}

func TestExecuteStagingFailure(t *testing.T) {
	logger := zaptest.NewLogger(t)
	registry, err := language.NewRegistry("images", nil)
	require.NoError(t, err)

	// A regular file where the workspace root should be.
	root := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0o600))
	manager, err := workspace.NewManager(root, workspace.RealFileSystem{}, logger)
	require.NoError(t, err)

	images := &fakeImages{}
	containers := &fakeContainers{}
	p := New(logger, Config{DefaultTimeout: time.Second}, registry, manager, images, containers, nil)

	_, err = p.Execute(context.Background(), Request{Code: "x", Language: language.Python})
	requireKind(t, err, KindInfrastructure)
	assert.Empty(t, images.Builds())
	assert.Empty(t, containers.Runs())
}

func TestExecuteStdinArgs(t *testing.T) {
	env := newTestEnv(t, Config{StdinMode: StdinArgs})

	_, err := env.pipeline.Execute(context.Background(), Request{Code: "x", Language: language.Python, Stdin: " 3  4\n5 "})
	require.NoError(t, err)

	runs := env.containers.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"python3", "-u", "main.py", "3", "4", "5"}, runs[0].Args)
	assert.Empty(t, runs[0].Stdin)
}

func TestExecuteStdinPipe(t *testing.T) {
	env := newTestEnv(t, Config{StdinMode: StdinPipe})

	_, err := env.pipeline.Execute(context.Background(), Request{Code: "x", Language: language.Python, Stdin: "3 4\n"})
	require.NoError(t, err)

	runs := env.containers.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"python3", "-u", "main.py"}, runs[0].Args)
	assert.Equal(t, "3 4\n", runs[0].Stdin)
}

func TestExecuteStdinNotAppliedToCompile(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.pipeline.Execute(context.Background(), Request{Code: "x", Language: language.Java, Stdin: "a b"})
	require.NoError(t, err)

	runs := env.containers.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, []string{"javac", "Main.java"}, runs[0].Args)
	assert.Equal(t, []string{"java", "-cp", ".", "Main", "a", "b"}, runs[1].Args)
}

func TestExecuteConcurrentRunsAreIsolated(t *testing.T) {
	env := newTestEnv(t, Config{})

	// Hold every run step until all executions have staged their source, so
	// the workspaces coexist.
	const n = 6
	var staged sync.WaitGroup
	staged.Add(n)
	env.containers.run = func(run sandbox.ContainerRun) (command.Result, error) {
		staged.Done()
		staged.Wait()
		return echoSource(run)
	}

	langs := []string{language.Python, language.JavaScript, language.Go, language.C, language.CPP, language.Java}
	var wg sync.WaitGroup
	outputs := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.pipeline.Execute(context.Background(), Request{
				Code:     fmt.Sprintf("program %d", i),
				Language: langs[i%len(langs)],
			})
			errs[i] = err
			if res != nil {
				outputs[i] = res.Output
			}
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("program %d", i), outputs[i])
	}

	seen := map[string]bool{}
	for _, run := range env.containers.Runs() {
		if run.Stage == sandbox.StageRun {
			assert.False(t, seen[run.Dir], "workspace %s reused", run.Dir)
			seen[run.Dir] = true
		}
	}
	env.assertNoWorkspaces(t)
}

func TestExecuteCleanupFailureDoesNotOverrideOutcome(t *testing.T) {
	logger := zaptest.NewLogger(t)
	registry, err := language.NewRegistry("images", nil)
	require.NoError(t, err)

	fs := &failingRemoveFS{}
	manager, err := workspace.NewManager(t.TempDir(), fs, logger)
	require.NoError(t, err)

	containers := &fakeContainers{}
	p := New(logger, Config{DefaultTimeout: time.Second}, registry, manager, &fakeImages{}, containers, nil)

	res, err := p.Execute(context.Background(), Request{Code: "print(1)", Language: language.Python})
	require.NoError(t, err)
	assert.Equal(t, "print(1)", res.Output)
	assert.Equal(t, 1, fs.removeCalls, "workspace is cleared exactly once")

	containers.run = func(sandbox.ContainerRun) (command.Result, error) {
		return command.Result{ExitCode: 2, Output: "boom"}, nil
	}
	_, err = p.Execute(context.Background(), Request{Code: "print(1)", Language: language.Python})
	requireKind(t, err, KindRuntimeError)
	assert.Equal(t, 2, fs.removeCalls)
}

type failingRemoveFS struct {
	workspace.RealFileSystem
	mu          sync.Mutex
	removeCalls int
}

func (f *failingRemoveFS) RemoveAll(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	return errors.New("device or resource busy")
}

func TestExecuteCancelledContext(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.containers.run = func(sandbox.ContainerRun) (command.Result, error) {
		return command.Result{}, fmt.Errorf("failed to run container: %w", context.Canceled)
	}

	_, err := env.pipeline.Execute(context.Background(), Request{Code: "x", Language: language.Python})
	requireKind(t, err, KindInfrastructure)
	require.ErrorIs(t, err, context.Canceled)
	env.assertNoWorkspaces(t)
}

func TestExecuteConcurrencyLimit(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	env.containers.run = func(run sandbox.ContainerRun) (command.Result, error) {
		close(started)
		<-release
		return echoSource(run)
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.pipeline.Execute(context.Background(), Request{Code: "first", Language: language.Python})
		done <- err
	}()
	<-started

	// The only slot is taken; a second request gives up with its context.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := env.pipeline.Execute(ctx, Request{Code: "second", Language: language.Python})
	requireKind(t, err, KindInfrastructure)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	assert.InDelta(t, 0, testutil.ToFloat64(env.metrics.ActiveExecutions), 0)
}
