// Package main is the entry point for the execbox MCP server.
//
// The server exposes the execute_submission tool over the Model Context
// Protocol. Every call runs one submission in a fresh container of the
// per-language sandbox image family, with hard wall-clock, memory and pids
// limits enforced by the container runtime. The server supports both stdio
// and HTTP transports and serves Prometheus metrics on a separate port.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
