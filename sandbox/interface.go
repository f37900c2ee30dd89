package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/runner"
	"github.com/isdmx/execbox/toolchain"
)

// Backend names
const (
	BackendDocker = "docker"
	BackendPodman = "podman"
	BackendLocal  = "local"
)

// Labels attached to every container instance
const (
	LabelSubmission = "io.execbox.submission"
	LabelLanguage   = "io.execbox.language"
)

// switchUserCaps are the only capabilities a container instance keeps: the
// root entrypoint needs them to start programs as an unprivileged user and
// to kill that user's process group.
var switchUserCaps = []string{"SETUID", "SETGID", "KILL"}

// Submission is one unit of code to compile and run
type Submission struct {
	ID       string
	Language string
	Source   string
	Stdin    string
	Args     []string
}

// Orchestrator runs each submission in a fresh container instance.
//
// Compile, runtime and resource-limit outcomes are reported in the Result
// with a nil error. Platform failures return an *execution.Error together
// with an infrastructure_error Result describing them.
type Orchestrator interface {
	Execute(ctx context.Context, sub Submission) (execution.Result, error)
}

// Settings are the per-submission budgets and container policy
type Settings struct {
	Limits      runner.Limits
	HardTimeout time.Duration
	PidsLimit   int64
	Network     bool
	User        string
	ImagePrefix string
	WorkDir     string
	PullMissing bool
}

// SettingsFromConfig derives orchestrator settings from the configuration
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Limits: runner.Limits{
			Time:        cfg.GetTimeout(),
			CompileTime: cfg.GetCompileTimeout(),
			MemoryMB:    cfg.Sandbox.MemoryMB,
			MaxOutput:   cfg.MaxOutputBytes(),
			Grace:       cfg.GetGrace(),
		},
		HardTimeout: cfg.GetHardTimeout(),
		PidsLimit:   cfg.Sandbox.PidsLimit,
		Network:     cfg.Sandbox.NetworkEnabled,
		User:        cfg.Sandbox.User,
		ImagePrefix: cfg.Sandbox.ImagePrefix,
		WorkDir:     cfg.Image.WorkDir,
		PullMissing: cfg.Sandbox.PullMissing,
	}
}

// containerEnv returns the SANDBOX_* variables handed to the script
func (s Settings) containerEnv(sub Submission) []string {
	env := append(s.Limits.Env(), runner.EnvSubmissionID+"="+sub.ID)
	if s.Network {
		env = append(env, runner.EnvNetwork+"=true")
	}
	return env
}

// ErrInvalidSubmission is returned for submissions rejected before any
// container is created
var ErrInvalidSubmission = errors.New("invalid submission")

// prepare validates sub against catalog and assigns an id when missing
func prepare(sub Submission, catalog toolchain.Catalog) (Submission, toolchain.Toolchain, error) {
	tc, err := catalog.Get(sub.Language)
	if err != nil {
		return sub, toolchain.Toolchain{}, fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}
	if strings.TrimSpace(sub.Source) == "" {
		return sub, toolchain.Toolchain{}, fmt.Errorf("%w: source code is empty", ErrInvalidSubmission)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	return sub, tc, nil
}

// containerName returns the name of the container instance for sub
func containerName(sub Submission) string {
	return "execbox-" + sub.ID
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}
