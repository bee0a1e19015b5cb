// Package sandbox runs compile and run steps in isolated containers.
//
// A Backend combines an ImagePreparer, which builds the per-language image
// from its build context, with a ContainerRunner, which executes one step in
// a fresh container bound to the run's workspace. The docker and podman
// backends drive the engine CLI through command.Runner; the local backend
// runs steps directly on the host and exists for development only.
//
// Containers are labelled and named after the run id. When a step is
// abandoned, because it timed out or its caller went away, the container is
// force-removed through the Daemon before the step returns. The Sweeper
// periodically removes whatever a crashed process left behind.
//
// Usage:
//
//	backend, err := sandbox.New(logger, sandbox.Options{Backend: "docker", Limits: limits})
//	err = backend.EnsureImage(ctx, profile)
//	result, err := backend.Run(ctx, sandbox.ContainerRun{
//	    RunID:   runID,
//	    Stage:   sandbox.StageRun,
//	    Profile: profile,
//	    Dir:     ws.Dir,
//	    Args:    profile.Run,
//	    Timeout: 10 * time.Second,
//	})
package sandbox
