package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/sandbox"
	"github.com/isdmx/execbox/toolchain"
)

// MockOrchestrator implements sandbox.Orchestrator for testing
type MockOrchestrator struct {
	result execution.Result
	err    error
	got    sandbox.Submission
	calls  int
}

func (m *MockOrchestrator) Execute(_ context.Context, sub sandbox.Submission) (execution.Result, error) { //nolint:gocritic // mirrors the interface
	m.calls++
	m.got = sub
	return m.result, m.err
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Sandbox: config.SandboxConfig{
			Backend:    "docker",
			TimeoutSec: 5,
			MemoryMB:   256,
		},
		Logging: config.LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = ToolExecuteSubmission
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return text.Text
}

func okResult() execution.Result {
	return execution.Result{
		SubmissionID: "sub-1",
		Language:     "py",
		Status:       execution.StatusOK,
		Compile:      &execution.CompileReport{Success: true},
		Run:          &execution.RunReport{Stdout: "hello\n", WallTimeMs: 12},
	}
}

func TestNewMCPServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	orch := &MockOrchestrator{}

	server, err := New(cfg, logger, orch)
	require.NoError(t, err)
	require.NotNil(t, server)

	assert.Equal(t, cfg, server.config)
	assert.Equal(t, logger, server.logger)
	assert.Equal(t, orch, server.orchestrator)
	assert.Equal(t, []string{"c", "cpp", "java", "js", "py"}, server.languages)
	assert.NotNil(t, server.mcpServer)
}

func TestNewMCPServerRejectsBadLanguages(t *testing.T) {
	cfg := testConfig()
	cfg.Languages = map[string]toolchain.Toolchain{
		"rust": {SourceFile: "main.rs"},
	}

	server, err := New(cfg, zaptest.NewLogger(t), &MockOrchestrator{})
	require.Error(t, err)
	assert.Nil(t, server)
	assert.Contains(t, err.Error(), "invalid languages")
}

func TestHandleExecuteSubmission(t *testing.T) {
	orch := &MockOrchestrator{result: okResult()}
	server, err := New(testConfig(), zaptest.NewLogger(t), orch)
	require.NoError(t, err)

	result, err := server.handleExecuteSubmission(context.Background(), callRequest(map[string]any{
		"code":     "print(input())",
		"language": "py",
		"stdin":    "hello\n",
		"args":     []any{"-v", "42"},
	}))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	assert.Equal(t, 1, orch.calls)
	assert.Equal(t, sandbox.Submission{
		Language: "py",
		Source:   "print(input())",
		Stdin:    "hello\n",
		Args:     []string{"-v", "42"},
	}, orch.got)

	decoded, err := execution.Decode(strings.NewReader(textOf(t, result)))
	require.NoError(t, err)
	assert.Equal(t, okResult(), decoded)
}

func TestHandleExecuteSubmissionOptionalFields(t *testing.T) {
	orch := &MockOrchestrator{result: okResult()}
	server, err := New(testConfig(), zaptest.NewLogger(t), orch)
	require.NoError(t, err)

	_, err = server.handleExecuteSubmission(context.Background(), callRequest(map[string]any{
		"code":     "print(1)",
		"language": "py",
	}))
	require.NoError(t, err)
	assert.Empty(t, orch.got.Stdin)
	assert.Empty(t, orch.got.Args)
}

func TestHandleExecuteSubmissionMissingParameters(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing code", map[string]any{"language": "py"}, "code parameter is required"},
		{"missing language", map[string]any{"code": "print(1)"}, "language parameter is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &MockOrchestrator{}
			server, err := New(testConfig(), zaptest.NewLogger(t), orch)
			require.NoError(t, err)

			result, err := server.handleExecuteSubmission(context.Background(), callRequest(tt.args))
			require.Error(t, err)
			assert.Nil(t, result)
			assert.Contains(t, err.Error(), tt.want)
			assert.Zero(t, orch.calls)
		})
	}
}

func TestHandleExecuteSubmissionInvalidSubmission(t *testing.T) {
	orch := &MockOrchestrator{
		err: fmt.Errorf("%w: unsupported language %q", sandbox.ErrInvalidSubmission, "cobol"),
	}
	server, err := New(testConfig(), zaptest.NewLogger(t), orch)
	require.NoError(t, err)

	result, err := server.handleExecuteSubmission(context.Background(), callRequest(map[string]any{
		"code":     "DISPLAY 'HI'.",
		"language": "cobol",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "Invalid submission")
	assert.Contains(t, textOf(t, result), "cobol")
}

func TestHandleExecuteSubmissionInfrastructureError(t *testing.T) {
	infra := execution.Result{
		SubmissionID: "sub-2",
		Language:     "c",
		Status:       execution.StatusInfrastructureError,
		Message:      "container create: daemon unavailable",
	}
	orch := &MockOrchestrator{
		result: infra,
		err:    execution.Infrastructure("container create", errors.New("daemon unavailable")),
	}
	server, err := New(testConfig(), zaptest.NewLogger(t), orch)
	require.NoError(t, err)

	result, err := server.handleExecuteSubmission(context.Background(), callRequest(map[string]any{
		"code":     "int main(void) { return 0; }",
		"language": "c",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	decoded, err := execution.Decode(strings.NewReader(textOf(t, result)))
	require.NoError(t, err)
	assert.Equal(t, infra, decoded)
}

func TestHandleExecuteSubmissionErrorWithoutResult(t *testing.T) {
	orch := &MockOrchestrator{err: errors.New("queue closed")}
	server, err := New(testConfig(), zaptest.NewLogger(t), orch)
	require.NoError(t, err)

	result, err := server.handleExecuteSubmission(context.Background(), callRequest(map[string]any{
		"code":     "print(1)",
		"language": "py",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "Execution failed: queue closed", textOf(t, result))
}

func TestShutdownWithoutHTTP(t *testing.T) {
	server, err := New(testConfig(), zaptest.NewLogger(t), &MockOrchestrator{})
	require.NoError(t, err)
	assert.NoError(t, server.Shutdown(context.Background()))
}
