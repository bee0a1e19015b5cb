// Package workspace manages the per-run directories user code is staged into.
//
// Every execution gets its own directory under the workspace root, named after
// the run id. The directory is bind-mounted into the sandbox container for the
// compile and run steps and removed once the run finishes, whatever the outcome.
// Manager.Sweep removes directories a crashed process left behind.
//
// Usage:
//
//	manager, err := workspace.NewManager("/tmp/coderun", workspace.RealFileSystem{}, logger)
//	ws := manager.New(runID)
//	defer ws.Clear()
//	path, err := ws.Stage(profile, code)
package workspace
