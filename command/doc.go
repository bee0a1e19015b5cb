// Package command runs a single external process with a deadline.
//
// The Executor merges stdout and stderr into one bounded buffer and races the
// process against a timer and the caller's context. When the deadline passes
// or the context is cancelled, the whole process group is killed and the
// Executor waits for the process to be reaped before returning, so no child
// outlives the call.
//
// Usage:
//
//	executor := command.New(logger, command.WithMaxOutputBytes(1<<20))
//	result, err := executor.Run(ctx, command.Command{
//	    Args: []string{"docker", "run", "--rm", "alpine", "echo", "hi"},
//	}, 10*time.Second)
package command
