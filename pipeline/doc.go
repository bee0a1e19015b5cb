// Package pipeline executes submitted programs end to end.
//
// An execution moves through a fixed sequence of stages:
//
//	validate -> stage -> image -> compile (compiled languages only) -> run -> clean
//
// Validation has no side effects. Every later stage runs under a fresh run id
// with its own workspace, and the clean stage runs exactly once on every path
// past validation. Failures are classified into a Kind so the HTTP and MCP
// boundaries can map them to responses without inspecting raw errors.
//
// Usage:
//
//	p := pipeline.New(logger, cfg, registry, workspaces, backend, backend, m)
//	result, err := p.Execute(ctx, pipeline.Request{Code: code, Language: "go"})
//	var execErr *pipeline.ExecutionError
//	if errors.As(err, &execErr) && execErr.Kind == pipeline.KindCompileError {
//	    fmt.Println(execErr.Message)
//	}
package pipeline
