package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/toolchain"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Runner compiles and runs one submission at a time
type Runner struct {
	logger      *zap.Logger
	catalog     toolchain.Catalog
	limits      Limits
	launcher    Launcher
	fs          FileSystem
	guardPath   string
	denyNetwork bool
	runAs       *Credential
	scratchRoot string
}

// Option defines a functional option for Runner
type Option func(*Runner)

// WithLauncher sets the Launcher used for compile and run steps
func WithLauncher(launcher Launcher) Option {
	return func(r *Runner) {
		r.launcher = launcher
	}
}

// WithFileSystem sets the FileSystem for Runner
func WithFileSystem(fs FileSystem) Option {
	return func(r *Runner) {
		r.fs = fs
	}
}

// WithGuard runs programs through the guard subcommand of the binary at
// path. Without it the program is started directly and only the deadline
// and the memory verdict apply.
func WithGuard(path string) Option {
	return func(r *Runner) {
		r.guardPath = path
	}
}

// WithNetwork controls whether guarded programs may open sockets
func WithNetwork(enabled bool) Option {
	return func(r *Runner) {
		r.denyNetwork = !enabled
	}
}

// WithRunAs makes the guard switch programs to uid and gid before exec. The
// scratch dir is opened up to that user so it can read the artifact and
// write its own files.
func WithRunAs(uid, gid uint32) Option {
	return func(r *Runner) {
		r.runAs = &Credential{UID: uid, GID: gid}
	}
}

// WithScratchRoot sets the directory that receives per-run scratch dirs
func WithScratchRoot(dir string) Option {
	return func(r *Runner) {
		r.scratchRoot = dir
	}
}

// New creates a Runner with default implementations and optional overrides
func New(logger *zap.Logger, catalog toolchain.Catalog, limits Limits, opts ...Option) *Runner {
	r := &Runner{
		logger:      logger,
		catalog:     catalog,
		limits:      limits,
		launcher:    OSLauncher{},
		fs:          RealFileSystem{},
		denyNetwork: true,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Limits returns the budgets applied by r
func (r *Runner) Limits() Limits {
	return r.limits
}

// Run compiles and executes p. Every outcome, including platform failures
// inside the container, is reported as a Result.
func (r *Runner) Run(ctx context.Context, p Payload) execution.Result {
	log := logger.ForSubmission(r.logger, p.SubmissionID, p.Language)

	result, err := r.run(ctx, log, p)
	if err != nil {
		log.Error("execution script failed", zap.Error(err))
		return execution.Result{
			SubmissionID: p.SubmissionID,
			Language:     p.Language,
			Status:       execution.StatusInfrastructureError,
			Message:      err.Error(),
		}
	}
	result.SubmissionID = p.SubmissionID
	result.Language = p.Language

	log.Info("submission finished",
		zap.String("status", string(result.Status)),
		zap.String("limit", string(result.Limit)))
	return result
}

//nolint:funlen // linear compile-then-run pipeline
func (r *Runner) run(ctx context.Context, log *zap.Logger, p Payload) (execution.Result, error) {
	tc, err := r.catalog.Get(p.Language)
	if err != nil {
		return execution.Result{}, err
	}

	scratch, err := r.fs.MkdirTemp(r.scratchRoot, "execbox-run-*")
	if err != nil {
		return execution.Result{}, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := r.fs.RemoveAll(scratch); rmErr != nil {
			log.Warn("failed to remove scratch dir", zap.String("path", scratch), zap.Error(rmErr))
		}
	}()

	sourceName := p.SourceFile
	if sourceName == "" {
		sourceName = tc.SourceFile
	}
	source, err := r.fs.ReadFile(filepath.Join(p.Dir, sourceName))
	if err != nil {
		return execution.Result{}, fmt.Errorf("failed to read submission source: %w", err)
	}
	sourcePerm := os.FileMode(FilePermission)
	if r.runAs != nil {
		if err := r.fs.Chmod(scratch, SharedDirPermission); err != nil {
			return execution.Result{}, fmt.Errorf("failed to open up scratch dir: %w", err)
		}
		sourcePerm = SharedFilePermission
	}
	if err := r.fs.WriteFile(tc.SourcePath(scratch), source, sourcePerm); err != nil {
		return execution.Result{}, fmt.Errorf("failed to stage submission source: %w", err)
	}

	vars := toolchain.Vars{Dir: scratch, MemoryMB: r.limits.MemoryMB}
	env := r.environment(tc, scratch)

	compile, err := r.compile(ctx, tc, vars, env)
	if err != nil {
		return execution.Result{}, err
	}
	if !compile.report.Success {
		log.Info("compilation failed", zap.Int64("duration_ms", compile.report.DurationMs))
		result := execution.Result{Status: execution.StatusCompileError, Compile: compile.report}
		if compile.timedOut {
			result = result.LimitExceeded(execution.LimitTime, execution.DetectedByScript)
		}
		return result, nil
	}

	stdin, err := r.openStdin(p)
	if err != nil {
		return execution.Result{}, err
	}

	argv := append(tc.RunArgs(vars), p.Args...)
	if r.guardPath != "" {
		spec := NewGuardSpec(r.limits, !tc.NoAddressSpaceLimit, r.denyNetwork)
		spec.User = r.runAs
		argv = spec.Args(r.guardPath, argv)
	}

	stdout := newCappedBuffer(r.limits.MaxOutput)
	stderr := newCappedBuffer(r.limits.MaxOutput)
	state, err := r.launcher.Launch(ctx, Process{
		Args:    argv,
		Dir:     scratch,
		Env:     env,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		Timeout: r.limits.Time,
		Grace:   r.limits.Grace,

		MemoryLimitKiB: r.limits.MemoryKiB(),
	})
	if err != nil {
		return execution.Result{}, fmt.Errorf("failed to start program: %w", err)
	}
	if ctx.Err() != nil {
		return execution.Result{}, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}

	run := &execution.RunReport{
		ExitCode:   state.ExitCode,
		Signal:     state.Signal,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		WallTimeMs: state.WallTime.Milliseconds(),
		CPUTimeMs:  state.CPUTime.Milliseconds(),
		MemoryKiB:  state.MaxRSSKiB,
		Truncated:  stdout.Truncated() || stderr.Truncated(),
	}

	return r.classify(compile.report, run, state), nil
}

// classify turns a finished run into a Result. Exceeded budgets take
// precedence over the program's own exit status.
func (r *Runner) classify(compile *execution.CompileReport, run *execution.RunReport, state ProcessState) execution.Result {
	result := execution.Result{Status: execution.StatusOK, Compile: compile, Run: run}

	switch {
	case state.TimedOut || state.Signal == "SIGXCPU":
		return result.LimitExceeded(execution.LimitTime, execution.DetectedByScript)
	case r.memoryExceeded(state):
		return result.LimitExceeded(execution.LimitMemory, execution.DetectedByScript)
	case run.Truncated || state.Signal == "SIGXFSZ":
		return result.LimitExceeded(execution.LimitOutput, execution.DetectedByScript)
	case state.ExitCode != 0 || state.Signal != "":
		result.Status = execution.StatusRuntimeError
	}
	return result
}

// memoryExceeded reports whether the run went over the memory budget: the
// resident-set watch killed it, its peak RSS is above the budget, or the
// cgroup OOM killer took it down.
func (r *Runner) memoryExceeded(state ProcessState) bool {
	if r.limits.MemoryMB <= 0 {
		return false
	}
	return state.MemoryExceeded ||
		state.MaxRSSKiB > r.limits.MemoryKiB() ||
		(state.OOMKilled && state.Signal == "SIGKILL")
}

type compileOutcome struct {
	report   *execution.CompileReport
	timedOut bool
}

func (r *Runner) compile(ctx context.Context, tc toolchain.Toolchain, vars toolchain.Vars, env []string) (compileOutcome, error) {
	if !tc.HasCompileStep() {
		return compileOutcome{report: &execution.CompileReport{Success: true}}, nil
	}

	diagnostics := newCappedBuffer(r.limits.MaxOutput)
	state, err := r.launcher.Launch(ctx, Process{
		Args:    tc.CompileArgs(vars),
		Dir:     vars.Dir,
		Env:     env,
		Stdout:  diagnostics,
		Stderr:  diagnostics,
		Timeout: r.limits.CompileTime,
		Grace:   r.limits.Grace,
	})
	if err != nil {
		return compileOutcome{}, fmt.Errorf("failed to start compiler: %w", err)
	}
	if ctx.Err() != nil {
		return compileOutcome{}, fmt.Errorf("compilation cancelled: %w", ctx.Err())
	}

	report := &execution.CompileReport{
		Success:     state.ExitCode == 0 && state.Signal == "" && !state.TimedOut,
		Diagnostics: diagnostics.String(),
		DurationMs:  state.WallTime.Milliseconds(),
	}
	if report.Success {
		return compileOutcome{report: report}, nil
	}

	switch {
	case state.TimedOut:
		report.Diagnostics = appendLine(report.Diagnostics, fmt.Sprintf("compilation timed out after %s", r.limits.CompileTime))
	case strings.TrimSpace(report.Diagnostics) == "":
		report.Diagnostics = fmt.Sprintf("compiler exited with code %d", state.ExitCode)
	}
	return compileOutcome{report: report, timedOut: state.TimedOut}, nil
}

func (r *Runner) openStdin(p Payload) (io.Reader, error) {
	if p.Stdin != nil {
		return p.Stdin, nil
	}
	if p.StdinFile == "" {
		return nil, nil
	}

	path := filepath.Join(p.Dir, p.StdinFile)
	exists, err := r.fs.FileExists(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat stdin file: %w", err)
	}
	if !exists {
		return nil, nil
	}
	data, err := r.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin file: %w", err)
	}
	return bytes.NewReader(data), nil
}

func (r *Runner) environment(tc toolchain.Toolchain, scratch string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"LANG=C.UTF-8",
	}
	for k, v := range tc.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}
