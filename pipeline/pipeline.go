package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/command"
	"github.com/isdmx/coderun/language"
	"github.com/isdmx/coderun/metrics"
	"github.com/isdmx/coderun/sandbox"
	"github.com/isdmx/coderun/workspace"
)

const tracerName = "github.com/isdmx/coderun/pipeline"

// Stdin modes
const (
	// StdinArgs splits stdin on whitespace and appends the tokens to the run
	// command's arguments.
	StdinArgs = "args"
	// StdinPipe feeds stdin to the program's standard input.
	StdinPipe = "pipe"
)

// Span attributes
var (
	AttrRunID    = attribute.Key("coderun.run_id")
	AttrLanguage = attribute.Key("coderun.language")
	AttrKind     = attribute.Key("coderun.error_kind")
	AttrExitCode = attribute.Key("coderun.exit_code")
)

// Config holds the execution limits applied by the pipeline.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	CompileTimeout time.Duration
	MaxCodeBytes   int
	StdinMode      string
	MaxConcurrent  int // 0 means unbounded
}

// Request is a single execution request.
type Request struct {
	Code     string
	Language string
	Stdin    string
	Timeout  time.Duration // 0 selects the default
}

// Result is a successful execution.
type Result struct {
	RunID     string
	Language  string
	Output    string // combined output of the run step
	Truncated bool
	Duration  time.Duration
}

// LanguageResolver resolves language ids to profiles.
type LanguageResolver interface {
	Resolve(id string) (language.Profile, error)
}

// WorkspaceProvider hands out per-run workspaces.
type WorkspaceProvider interface {
	New(id string) *workspace.Workspace
}

// Pipeline validates, stages, builds, compiles and runs submitted code.
// It is safe for concurrent use; every call to Execute gets its own run id
// and workspace.
type Pipeline struct {
	logger     *zap.Logger
	cfg        Config
	languages  LanguageResolver
	workspaces WorkspaceProvider
	images     sandbox.ImagePreparer
	containers sandbox.ContainerRunner
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	sem        chan struct{}
	newID      func() string
}

// New creates a Pipeline.
func New(
	logger *zap.Logger,
	cfg Config,
	languages LanguageResolver,
	workspaces WorkspaceProvider,
	images sandbox.ImagePreparer,
	containers sandbox.ContainerRunner,
	m *metrics.Metrics,
) *Pipeline {
	if cfg.StdinMode == "" {
		cfg.StdinMode = StdinArgs
	}
	if m == nil {
		m = metrics.New()
	}

	p := &Pipeline{
		logger:     logger.Named("pipeline"),
		cfg:        cfg,
		languages:  languages,
		workspaces: workspaces,
		images:     images,
		containers: containers,
		metrics:    m,
		tracer:     otel.Tracer(tracerName),
		newID:      uuid.NewString,
	}
	if cfg.MaxConcurrent > 0 {
		p.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return p
}

// Execute runs the request to completion. Failures are returned as
// *ExecutionError. Whatever the outcome, the run's workspace has been removed
// by the time Execute returns.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(AttrLanguage.String(req.Language)))
	defer span.End()

	profile, timeout, err := p.validate(req)
	if err != nil {
		lang := profile.ID
		if lang == "" {
			lang = "unknown"
		}
		execErr := Classify(stageValidate, command.Result{}, err)
		p.finish(span, lang, start, execErr)
		return nil, execErr
	}

	if err := p.acquire(ctx); err != nil {
		execErr := Classify(stageValidate, command.Result{}, err)
		p.finish(span, profile.ID, start, execErr)
		return nil, execErr
	}
	defer p.release()

	runID := p.newID()
	span.SetAttributes(AttrRunID.String(runID))
	logger := p.logger.With(zap.String("run_id", runID), zap.String("language", profile.ID))

	p.metrics.ActiveExecutions.Inc()
	defer p.metrics.ActiveExecutions.Dec()

	ws := p.workspaces.New(runID)
	defer p.clean(ctx, logger, ws)

	res, execErr := p.run(ctx, logger, runID, profile, ws, req, timeout)
	p.finish(span, profile.ID, start, execErr)
	if execErr != nil {
		logger.Info("execution failed",
			zap.String("kind", string(execErr.Kind)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(execErr.Err))
		return nil, execErr
	}

	logger.Info("execution succeeded",
		zap.Int("output_bytes", len(res.Output)),
		zap.Bool("truncated", res.Truncated),
		zap.Duration("duration", time.Since(start)))

	return &Result{
		RunID:     runID,
		Language:  profile.ID,
		Output:    res.Output,
		Truncated: res.Truncated,
		Duration:  time.Since(start),
	}, nil
}

// validate checks the request without side effects.
func (p *Pipeline) validate(req Request) (language.Profile, time.Duration, error) {
	if strings.TrimSpace(req.Code) == "" {
		return language.Profile{}, 0, ErrEmptyCode
	}

	profile, err := p.languages.Resolve(req.Language)
	if err != nil {
		return language.Profile{}, 0, err
	}

	if p.cfg.MaxCodeBytes > 0 && len(req.Code) > p.cfg.MaxCodeBytes {
		return profile, 0, fmt.Errorf("%w: %d bytes exceeds the limit of %d", ErrCodeTooLarge, len(req.Code), p.cfg.MaxCodeBytes)
	}

	timeout := req.Timeout
	switch {
	case timeout < 0:
		return profile, 0, fmt.Errorf("%w: must not be negative", ErrInvalidTimeout)
	case timeout == 0:
		timeout = p.cfg.DefaultTimeout
	case p.cfg.MaxTimeout > 0 && timeout > p.cfg.MaxTimeout:
		return profile, 0, fmt.Errorf("%w: %s exceeds the maximum of %s", ErrInvalidTimeout, timeout, p.cfg.MaxTimeout)
	}

	return profile, timeout, nil
}

func (p *Pipeline) run(
	ctx context.Context,
	logger *zap.Logger,
	runID string,
	profile language.Profile,
	ws *workspace.Workspace,
	req Request,
	timeout time.Duration,
) (command.Result, *ExecutionError) {
	err := p.step(ctx, stageStage, func(context.Context) error {
		_, err := ws.Stage(profile, req.Code)
		return err
	})
	if err != nil {
		return command.Result{}, Classify(stageStage, command.Result{}, err)
	}

	err = p.step(ctx, stageImage, func(ctx context.Context) error {
		return p.images.EnsureImage(ctx, profile)
	})
	if err != nil {
		return command.Result{}, Classify(stageImage, command.Result{}, err)
	}

	if profile.Compiled() {
		// Compilers get at least the configured compile budget, however short
		// the program's own timeout is.
		_, execErr := p.container(ctx, logger, sandbox.ContainerRun{
			RunID:   runID,
			Stage:   sandbox.StageCompile,
			Profile: profile,
			Dir:     ws.Dir,
			Args:    profile.Compile,
			Timeout: max(timeout, p.cfg.CompileTimeout),
		})
		if execErr != nil {
			return command.Result{}, execErr
		}
	}

	args, stdin := runArgs(profile, req.Stdin, p.cfg.StdinMode)
	return p.container(ctx, logger, sandbox.ContainerRun{
		RunID:   runID,
		Stage:   sandbox.StageRun,
		Profile: profile,
		Dir:     ws.Dir,
		Args:    args,
		Stdin:   stdin,
		Timeout: timeout,
	})
}

// container runs one compile or run step and classifies its outcome.
func (p *Pipeline) container(ctx context.Context, logger *zap.Logger, run sandbox.ContainerRun) (command.Result, *ExecutionError) {
	var res command.Result
	err := p.step(ctx, run.Stage, func(ctx context.Context) error {
		var err error
		res, err = p.containers.Run(ctx, run)
		trace.SpanFromContext(ctx).SetAttributes(AttrExitCode.Int(res.ExitCode))
		return err
	})

	logger.Debug("step finished",
		zap.String("stage", run.Stage),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration))

	return res, Classify(run.Stage, res, err)
}

// step runs fn inside its own span and records its duration.
func (p *Pipeline) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.metrics.ObserveStage(name, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) clean(ctx context.Context, logger *zap.Logger, ws *workspace.Workspace) {
	// The workspace must go even if the request was cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := p.step(ctx, stageClean, func(context.Context) error { return ws.Clear() }); err != nil {
		logger.Error("failed to clean workspace", zap.String("dir", ws.Dir), zap.Error(err))
	}
}

func (p *Pipeline) acquire(ctx context.Context) error {
	if p.sem == nil {
		return nil
	}
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for an execution slot: %w", ctx.Err())
	}
}

func (p *Pipeline) release() {
	if p.sem != nil {
		<-p.sem
	}
}

func (p *Pipeline) finish(span trace.Span, lang string, start time.Time, execErr *ExecutionError) {
	outcome := "success"
	if execErr != nil {
		outcome = string(execErr.Kind)
		span.SetAttributes(AttrKind.String(outcome))
		if !execErr.Kind.ClientError() {
			span.SetStatus(codes.Error, execErr.Message)
		}
	}
	p.metrics.RecordExecution(lang, outcome, time.Since(start))
}

func runArgs(profile language.Profile, stdin, mode string) ([]string, string) {
	args := slices.Clone(profile.Run)
	if mode == StdinPipe {
		return args, stdin
	}
	return append(args, strings.Fields(stdin)...), ""
}
