package execution

import (
	"fmt"
)

// Status classifies the outcome of one submission
type Status string

const (
	StatusOK                    Status = "ok"
	StatusCompileError          Status = "compile_error"
	StatusRuntimeError          Status = "runtime_error"
	StatusResourceLimitExceeded Status = "resource_limit_exceeded"
	StatusInfrastructureError   Status = "infrastructure_error"
)

// Limit names the budget a submission exceeded
type Limit string

const (
	LimitTime   Limit = "time"
	LimitMemory Limit = "memory"
	LimitOutput Limit = "output"
)

// Detector records which enforcement layer noticed an exceeded budget
type Detector string

const (
	DetectedByScript       Detector = "script"
	DetectedByOrchestrator Detector = "orchestrator"
)

// Result is the structured outcome of compile+run for one submission
type Result struct {
	SubmissionID string         `json:"submission_id,omitempty"`
	Language     string         `json:"language"`
	Status       Status         `json:"status"`
	Compile      *CompileReport `json:"compile,omitempty"`
	Run          *RunReport     `json:"run,omitempty"`
	Limit        Limit          `json:"limit,omitempty"`
	DetectedBy   Detector       `json:"detected_by,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// CompileReport describes the compile phase
type CompileReport struct {
	Success     bool   `json:"success"`
	Diagnostics string `json:"diagnostics,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

// RunReport describes the run phase. It is absent when compilation failed.
type RunReport struct {
	ExitCode   int    `json:"exit_code"`
	Signal     string `json:"signal,omitempty"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	WallTimeMs int64  `json:"wall_time_ms"`
	CPUTimeMs  int64  `json:"cpu_time_ms"`
	MemoryKiB  int64  `json:"memory_kib"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// CompileFailed builds the result for a submission that did not compile
func CompileFailed(language, diagnostics string, durationMs int64) Result {
	return Result{
		Language: language,
		Status:   StatusCompileError,
		Compile: &CompileReport{
			Success:     false,
			Diagnostics: diagnostics,
			DurationMs:  durationMs,
		},
	}
}

// LimitExceeded marks r as having exceeded limit, keeping any captured output
func (r Result) LimitExceeded(limit Limit, by Detector) Result {
	r.Status = StatusResourceLimitExceeded
	r.Limit = limit
	r.DetectedBy = by
	return r
}

// Validate checks the structural invariants of a result
func (r Result) Validate() error {
	switch r.Status {
	case StatusOK, StatusCompileError, StatusRuntimeError, StatusResourceLimitExceeded:
	case StatusInfrastructureError:
		return nil
	case "":
		return fmt.Errorf("missing status")
	default:
		return fmt.Errorf("unknown status: %s", r.Status)
	}

	// An orchestrator-side kill may happen before anything was reported.
	if r.Compile == nil && r.DetectedBy != DetectedByOrchestrator {
		return fmt.Errorf("status %s requires a compile report", r.Status)
	}

	switch r.Status {
	case StatusCompileError:
		if r.Compile == nil || r.Compile.Success {
			return fmt.Errorf("compile_error with successful compile report")
		}
		if r.Run != nil {
			return fmt.Errorf("compile_error must not carry a run report")
		}
		if r.Compile.Diagnostics == "" {
			return fmt.Errorf("compile_error requires diagnostics")
		}
	case StatusOK:
		if r.Compile == nil || !r.Compile.Success || r.Run == nil {
			return fmt.Errorf("ok requires a successful compile and a run report")
		}
		if r.Run.ExitCode != 0 || r.Run.Signal != "" {
			return fmt.Errorf("ok requires exit code 0, got %d", r.Run.ExitCode)
		}
	case StatusRuntimeError:
		if r.Run == nil {
			return fmt.Errorf("runtime_error requires a run report")
		}
		if r.Run.ExitCode == 0 && r.Run.Signal == "" {
			return fmt.Errorf("runtime_error requires a non-zero exit code or a signal")
		}
	case StatusResourceLimitExceeded:
		switch r.Limit {
		case LimitTime, LimitMemory, LimitOutput:
		default:
			return fmt.Errorf("resource_limit_exceeded requires a limit, got %q", r.Limit)
		}
	}

	return nil
}
