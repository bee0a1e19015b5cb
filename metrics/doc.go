// Package metrics defines the Prometheus collectors exported on /metrics.
//
// All collectors live on a dedicated registry rather than the global default
// one, so tests can create independent instances.
package metrics
