package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/isdmx/coderun/command"
	"github.com/isdmx/coderun/language"
	"github.com/isdmx/coderun/sandbox"
)

// Kind classifies why an execution failed.
type Kind string

const (
	KindMalformedRequest    Kind = "malformed_request"
	KindUnsupportedLanguage Kind = "unsupported_language"
	KindCompileError        Kind = "compile_error"
	KindRuntimeError        Kind = "runtime_error"
	KindTimeout             Kind = "timeout"
	KindInfrastructure      Kind = "infrastructure_error"
)

// ClientError reports whether the failure is attributable to the submitted
// request or program rather than to the service.
func (k Kind) ClientError() bool {
	return k != KindInfrastructure
}

// Sentinel validation errors.
var (
	ErrEmptyCode      = errors.New("code must not be empty")
	ErrInvalidTimeout = errors.New("invalid timeout")
	ErrCodeTooLarge   = errors.New("code too large")
)

// TimeoutMessage is reported for programs that exceed their time budget.
const TimeoutMessage = "Execution timed out"

// ExecutionError is the classified failure of an execution.
type ExecutionError struct {
	Kind    Kind
	Message string // best available diagnostic
	Output  string // captured output of the failing step, if any
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil && e.Message != e.Err.Error() {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Stages reported by Classify callers that are not container steps.
const (
	stageValidate = "validate"
	stageStage    = "stage"
	stageImage    = "image"
	stageClean    = "clean"
)

// Classify maps the raw outcome of a pipeline stage to an ExecutionError.
// It returns nil when the stage succeeded. Captured output takes priority
// over a generic message, except for run timeouts which report
// TimeoutMessage.
func Classify(stage string, res command.Result, err error) *ExecutionError {
	if err != nil {
		return classifyError(err)
	}

	output := strings.TrimRight(res.Output, "\n")

	switch stage {
	case sandbox.StageCompile:
		if res.TimedOut {
			return &ExecutionError{Kind: KindCompileError, Message: orDefault(output, "Compilation timed out"), Output: res.Output}
		}
		if res.ExitCode != 0 {
			return &ExecutionError{
				Kind:    KindCompileError,
				Message: orDefault(output, fmt.Sprintf("Compilation failed with exit code %d", res.ExitCode)),
				Output:  res.Output,
			}
		}
	case sandbox.StageRun:
		if res.TimedOut {
			return &ExecutionError{Kind: KindTimeout, Message: TimeoutMessage, Output: res.Output}
		}
		if res.ExitCode != 0 {
			return &ExecutionError{
				Kind:    KindRuntimeError,
				Message: orDefault(output, fmt.Sprintf("Process exited with code %d", res.ExitCode)),
				Output:  res.Output,
			}
		}
	}

	return nil
}

func classifyError(err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}

	switch {
	case errors.Is(err, language.ErrUnsupported):
		return &ExecutionError{Kind: KindUnsupportedLanguage, Message: err.Error(), Err: err}
	case errors.Is(err, ErrEmptyCode), errors.Is(err, ErrInvalidTimeout), errors.Is(err, ErrCodeTooLarge):
		return &ExecutionError{Kind: KindMalformedRequest, Message: err.Error(), Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &ExecutionError{Kind: KindInfrastructure, Message: "Execution cancelled", Err: err}
	}

	var buildErr *sandbox.BuildError
	if errors.As(err, &buildErr) {
		return &ExecutionError{
			Kind:    KindInfrastructure,
			Message: "Failed to prepare image " + buildErr.Image,
			Output:  buildErr.Output,
			Err:     err,
		}
	}

	return &ExecutionError{Kind: KindInfrastructure, Message: err.Error(), Err: err}
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
