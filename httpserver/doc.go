// Package httpserver exposes the execution pipeline over HTTP.
//
// Routes:
//
//	POST /code/run   run a program: {code, language, stdin?, timeout? (ms)}
//	GET  /healthz    engine reachability
//	GET  /metrics    Prometheus exposition
//
// Client failures (bad requests, compile and runtime errors, timeouts) are
// answered with 400 and the diagnostic text. Infrastructure failures are
// answered with 500; their message is replaced by a generic one unless the
// server runs in development mode.
package httpserver
