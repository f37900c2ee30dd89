package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/isdmx/execbox/execution"
)

const stderrTail = 2048

// containerOutcome is what a backend learned about a finished instance
type containerOutcome struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	OOMKilled bool
}

// interpret turns a finished container into a Result. The script's exit
// status is trusted only together with a well-formed result document.
func interpret(sub Submission, out containerOutcome) (execution.Result, error) {
	result, decodeErr := execution.Decode(strings.NewReader(out.Stdout))

	if out.OOMKilled {
		if decodeErr == nil && result.Status == execution.StatusRuntimeError {
			return stamp(sub, result.LimitExceeded(execution.LimitMemory, execution.DetectedByOrchestrator)), nil
		}
		if decodeErr != nil || out.ExitCode != 0 {
			limited := execution.Result{
				Message: "container exceeded its memory ceiling",
			}.LimitExceeded(execution.LimitMemory, execution.DetectedByOrchestrator)
			return stamp(sub, limited), nil
		}
	}

	if out.ExitCode != 0 {
		msg := fmt.Sprintf("execution script exited with code %d", out.ExitCode)
		if decodeErr == nil && result.Message != "" {
			msg += ": " + result.Message
		} else if tail := tail(out.Stderr); tail != "" {
			msg += ": " + tail
		}
		return failure(sub, "container exit", fmt.Errorf("%s", msg))
	}
	if decodeErr != nil {
		return failure(sub, "decode result", decodeErr)
	}
	if result.Status == execution.StatusInfrastructureError {
		return failure(sub, "execution script", fmt.Errorf("%s", result.Message))
	}
	if result.SubmissionID != "" && result.SubmissionID != sub.ID {
		return failure(sub, "decode result",
			fmt.Errorf("result belongs to submission %q, expected %q", result.SubmissionID, sub.ID))
	}
	return stamp(sub, result), nil
}

// timedOut is the Result for an instance killed at the hard deadline
func timedOut(sub Submission, limit time.Duration) execution.Result {
	return stamp(sub, execution.Result{
		Message: fmt.Sprintf("container exceeded the wall-clock limit of %s", limit),
	}.LimitExceeded(execution.LimitTime, execution.DetectedByOrchestrator))
}

// failure builds the Result and error pair for a platform failure
func failure(sub Submission, op string, err error) (execution.Result, error) {
	infraErr := execution.Infrastructure(op, err)
	return stamp(sub, execution.Result{
		Status:  execution.StatusInfrastructureError,
		Message: infraErr.Error(),
	}), infraErr
}

func stamp(sub Submission, r execution.Result) execution.Result {
	r.SubmissionID = sub.ID
	r.Language = sub.Language
	return r
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return s
}
