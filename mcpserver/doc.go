// Package mcpserver exposes the execution pipeline as a Model Context
// Protocol tool.
//
// The server registers a single tool, run_code, built on the
// mark3labs/mcp-go library. It can be served over stdio or over the
// streamable HTTP transport.
//
// Usage:
//
//	s := mcpserver.New(logger, mcpserver.Config{Transport: "stdio"}, pipeline, registry.IDs())
//	if err := s.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Shutdown(ctx)
package mcpserver
