// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Every logger writes to stderr so that a sandbox
// container's stdout only ever carries its Execution Result.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log = logger.ForSubmission(log, id, "c")
//	log.Info("compile finished", zap.Duration("took", d))
package logger
