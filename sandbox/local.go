package sandbox

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/runner"
	"github.com/isdmx/execbox/toolchain"
)

// LocalExecutor implements Orchestrator by running the execution script
// in-process on the host. There is no container boundary, so it is for
// development only and must be enabled explicitly.
type LocalExecutor struct {
	logger     *zap.Logger
	settings   Settings
	catalog    toolchain.Catalog
	fs         runner.FileSystem
	runnerOpts []runner.Option
}

// LocalExecutorOption defines a functional option for LocalExecutor
type LocalExecutorOption func(*LocalExecutor)

// WithLocalFileSystem sets the FileSystem for LocalExecutor
func WithLocalFileSystem(fs runner.FileSystem) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.fs = fs
	}
}

// WithLocalRunnerOptions passes options to the in-process runner
func WithLocalRunnerOptions(opts ...runner.Option) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.runnerOpts = append(l.runnerOpts, opts...)
	}
}

// NewLocalExecutor creates a new LocalExecutor with default implementations and optional interfaces
func NewLocalExecutor(logger *zap.Logger, settings Settings, catalog toolchain.Catalog, opts ...LocalExecutorOption) *LocalExecutor {
	executor := &LocalExecutor{
		logger:   logger,
		settings: settings,
		catalog:  catalog,
		fs:       runner.RealFileSystem{},
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Execute lays the payload out exactly as a container would see it and
// runs the script against it (WARNING: not isolated from the host)
func (l *LocalExecutor) Execute(ctx context.Context, sub Submission) (execution.Result, error) {
	sub, tc, err := prepare(sub, l.catalog)
	if err != nil {
		return execution.Result{}, err
	}
	log := logger.ForSubmission(l.logger, sub.ID, sub.Language)

	workDir, err := l.fs.MkdirTemp("", "execbox-local-*")
	if err != nil {
		return failure(sub, "payload", fmt.Errorf("failed to create temp dir: %w", err))
	}
	defer func() {
		if rmErr := l.fs.RemoveAll(workDir); rmErr != nil {
			log.Error("failed to remove temp directory", zap.String("path", workDir), zap.Error(rmErr))
		}
	}()

	payload, err := PayloadTar(sub, tc)
	if err != nil {
		return failure(sub, "payload", err)
	}
	if err := ExtractTarToDir(l.fs, payload, workDir); err != nil {
		return failure(sub, "payload", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, l.settings.HardTimeout)
	defer cancel()

	opts := append([]runner.Option{runner.WithFileSystem(l.fs), runner.WithNetwork(l.settings.Network)}, l.runnerOpts...)
	script := runner.New(log, l.catalog, l.settings.Limits, opts...)

	var stdout bytes.Buffer
	result, err := script.RunScript(runCtx, runner.ScriptConfig{
		Language:     sub.Language,
		SubmissionID: sub.ID,
		WorkDir:      workDir,
		Network:      l.settings.Network,
		Limits:       l.settings.Limits,
	}, &stdout)
	if ctx.Err() == nil && runCtx.Err() != nil {
		return timedOut(sub, l.settings.HardTimeout), nil
	}

	exitCode := 0
	if err != nil || result.Status == execution.StatusInfrastructureError {
		exitCode = 1
	}
	return interpret(sub, containerOutcome{ExitCode: exitCode, Stdout: stdout.String()})
}
