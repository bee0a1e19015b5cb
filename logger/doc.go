// Package logger provides structured logging capabilities.
//
// The logger package sets up zap for the service: a colored console encoder
// in development mode and JSON with ISO8601 timestamps in production. Output
// always goes to stderr.
//
// Usage:
//
//	logger, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("Application started")
//	logger.Error("An error occurred", zap.Error(err))
package logger
