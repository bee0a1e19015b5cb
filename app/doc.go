// Package app assembles the execution service with go.uber.org/fx.
//
// Module provides every component below the transports: logger, language
// registry, workspace manager, command executor, metrics, container engine
// access, sandbox backend, pipeline and orphan sweeper. Configuration is
// loaded by the caller and supplied with fx.Supply, so that the server and
// the CLI can each decide where it comes from.
package app
