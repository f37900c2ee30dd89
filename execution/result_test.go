package execution

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okResult() Result {
	return Result{
		Language: "c",
		Status:   StatusOK,
		Compile:  &CompileReport{Success: true, DurationMs: 120},
		Run:      &RunReport{ExitCode: 0, Stdout: "hello\n", Stderr: ""},
	}
}

func TestResultValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Result)
		wantErr string
	}{
		{"ValidOK", func(*Result) {}, ""},
		{"MissingStatus", func(r *Result) { r.Status = "" }, "missing status"},
		{"UnknownStatus", func(r *Result) { r.Status = "weird" }, "unknown status"},
		{"OKWithNonZeroExit", func(r *Result) { r.Run.ExitCode = 3 }, "exit code 0"},
		{"OKWithoutRun", func(r *Result) { r.Run = nil }, "run report"},
		{"CompileErrorWithRun", func(r *Result) {
			r.Status = StatusCompileError
			r.Compile = &CompileReport{Success: false, Diagnostics: "main.c:1: error"}
		}, "must not carry a run report"},
		{"CompileErrorWithoutDiagnostics", func(r *Result) {
			*r = CompileFailed("c", "", 10)
		}, "requires diagnostics"},
		{"RuntimeErrorWithZeroExit", func(r *Result) { r.Status = StatusRuntimeError }, "non-zero exit code"},
		{"RuntimeErrorWithSignal", func(r *Result) {
			r.Status = StatusRuntimeError
			r.Run.Signal = "segmentation fault"
		}, ""},
		{"LimitWithoutName", func(r *Result) { r.Status = StatusResourceLimitExceeded }, "requires a limit"},
		{"OrchestratorTimeoutWithoutCompile", func(r *Result) {
			*r = Result{Language: "c"}.LimitExceeded(LimitTime, DetectedByOrchestrator)
		}, ""},
		{"ScriptLimitWithoutCompile", func(r *Result) {
			*r = Result{Language: "c"}.LimitExceeded(LimitTime, DetectedByScript)
		}, "requires a compile report"},
		{"InfrastructureError", func(r *Result) {
			*r = Result{Status: StatusInfrastructureError, Message: "no space left"}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := okResult()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompileFailed(t *testing.T) {
	r := CompileFailed("c", "main.c:1:1: error: expected ';'", 42)
	require.NoError(t, r.Validate())
	assert.Equal(t, StatusCompileError, r.Status)
	assert.False(t, r.Compile.Success)
	assert.Nil(t, r.Run)
}

func TestLimitExceededKeepsOutput(t *testing.T) {
	r := okResult()
	r.Run.ExitCode = -1
	r.Run.Signal = "killed"
	limited := r.LimitExceeded(LimitTime, DetectedByScript)

	assert.Equal(t, StatusResourceLimitExceeded, limited.Status)
	assert.Equal(t, LimitTime, limited.Limit)
	assert.Equal(t, DetectedByScript, limited.DetectedBy)
	assert.Equal(t, "hello\n", limited.Run.Stdout)
	assert.Equal(t, StatusOK, r.Status, "receiver is not modified")
}

func TestEncodeDecode(t *testing.T) {
	t.Run("HelloWorld", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, okResult()))
		assert.True(t, strings.HasSuffix(buf.String(), "\n"))

		decoded, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, StatusOK, decoded.Status)
		assert.Equal(t, "hello\n", decoded.Run.Stdout)
		assert.Equal(t, "", decoded.Run.Stderr)
		assert.Equal(t, 0, decoded.Run.ExitCode)
	})

	t.Run("CompileErrorHasNoRunFields", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, CompileFailed("c", "syntax error", 5)))
		assert.NotContains(t, buf.String(), `"run"`)
		assert.NotContains(t, buf.String(), `"stdout"`)
	})

	t.Run("EncodeRejectsInvalid", func(t *testing.T) {
		var buf bytes.Buffer
		err := Encode(&buf, Result{})
		require.Error(t, err)
		assert.Zero(t, buf.Len())
	})

	t.Run("HTMLIsNotEscaped", func(t *testing.T) {
		r := okResult()
		r.Run.Stdout = "<a>&</a>\n"
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, r))
		assert.Contains(t, buf.String(), "<a>&</a>")
	})
	t.Run("WorstCaseOutputFits", func(t *testing.T) {
		worst := strings.Repeat("\x01", MaxCapturedOutput)
		r := okResult()
		r.Status = StatusRuntimeError
		r.Compile.Diagnostics = worst
		r.Run.ExitCode = 1
		r.Run.Stdout = worst
		r.Run.Stderr = worst

		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, r))
		assert.Less(t, buf.Len(), MaxDocumentSize)

		decoded, err := Decode(&buf)
		require.NoError(t, err)
		assert.Len(t, decoded.Run.Stdout, MaxCapturedOutput)
	})
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"Empty", "   \n", "empty result"},
		{"NotJSON", "hello world", "malformed result"},
		{"UnknownField", `{"language":"c","status":"infrastructure_error","extra":1}`, "unknown field"},
		{"TrailingData", `{"language":"c","status":"infrastructure_error"} {}`, "trailing data"},
		{"InvalidStructure", `{"language":"c","status":"ok"}`, "invalid result"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	base := errors.New("daemon unreachable")

	infra := Infrastructure("create container", base)
	assert.Equal(t, InfrastructureError, KindOf(infra))
	assert.True(t, IsRetryable(infra))
	assert.ErrorIs(t, infra, base)
	assert.Equal(t, "InfrastructureError: create container: daemon unreachable", infra.Error())

	build := Build("", base)
	assert.Equal(t, BuildError, KindOf(build))
	assert.False(t, IsRetryable(build))
	assert.Equal(t, "BuildError: daemon unreachable", build.Error())

	wrapped := fmt.Errorf("attempt 2: %w", infra)
	assert.Equal(t, InfrastructureError, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(base))
}
