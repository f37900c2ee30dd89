// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the orchestrator as the execute_submission
// tool using the mark3labs/mcp-go library. The tool returns the Execution
// Result document; platform failures are reported as error tool results that
// still carry the infrastructure_error document.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, orchestrator)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
