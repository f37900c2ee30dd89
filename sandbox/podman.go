package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/execution"
	imagedef "github.com/isdmx/execbox/image"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/runner"
	"github.com/isdmx/execbox/toolchain"
)

// Exit codes podman itself uses when the container could not be run
const (
	podmanErrorExit    = 125
	podmanNotFoundExit = 127
)

// PodmanExecutor implements Orchestrator on top of the podman CLI
type PodmanExecutor struct {
	logger    *zap.Logger
	settings  Settings
	catalog   toolchain.Catalog
	cmdRunner CommandRunner
	fs        runner.FileSystem
	metrics   *metrics.Metrics
}

// PodmanExecutorOption defines a functional option for PodmanExecutor
type PodmanExecutorOption func(*PodmanExecutor)

// WithPodmanCommandRunner sets the CommandRunner for PodmanExecutor
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanExecutorOption {
	return func(p *PodmanExecutor) {
		p.cmdRunner = cmdRunner
	}
}

// WithPodmanFileSystem sets the FileSystem for PodmanExecutor
func WithPodmanFileSystem(fs runner.FileSystem) PodmanExecutorOption {
	return func(p *PodmanExecutor) {
		p.fs = fs
	}
}

// WithPodmanMetrics sets the collectors updated by PodmanExecutor
func WithPodmanMetrics(m *metrics.Metrics) PodmanExecutorOption {
	return func(p *PodmanExecutor) {
		p.metrics = m
	}
}

// NewPodmanExecutor creates a new PodmanExecutor with default implementations and optional interfaces
func NewPodmanExecutor(logger *zap.Logger, settings Settings, catalog toolchain.Catalog, opts ...PodmanExecutorOption) *PodmanExecutor {
	executor := &PodmanExecutor{
		logger:    logger,
		settings:  settings,
		catalog:   catalog,
		cmdRunner: RealCommandRunner{},
		fs:        runner.RealFileSystem{},
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Execute runs sub in a fresh podman container. The payload is bind-mounted
// read-only at the submission directory.
//
//nolint:funlen // one linear container lifecycle
func (p *PodmanExecutor) Execute(ctx context.Context, sub Submission) (execution.Result, error) {
	sub, tc, err := prepare(sub, p.catalog)
	if err != nil {
		return execution.Result{}, err
	}
	log := logger.ForSubmission(p.logger, sub.ID, sub.Language)

	tempDir, err := p.fs.MkdirTemp("", "execbox-podman-*")
	if err != nil {
		return failure(sub, "payload", fmt.Errorf("failed to create temp dir: %w", err))
	}
	defer func() {
		if rmErr := p.fs.RemoveAll(tempDir); rmErr != nil {
			log.Error("failed to remove temp directory", zap.String("path", tempDir), zap.Error(rmErr))
		}
	}()

	payload, err := PayloadTar(sub, tc)
	if err != nil {
		return failure(sub, "payload", err)
	}
	if err := ExtractTarToDir(p.fs, payload, tempDir); err != nil {
		return failure(sub, "payload", err)
	}

	name := containerName(sub)
	ref := imagedef.Tag(p.settings.ImagePrefix, sub.Language)
	args := p.runArgs(name, ref, sub, filepath.Join(tempDir, runner.SubmissionDir))

	p.trackContainer(1)
	defer func() {
		p.trackContainer(-1)
		p.remove(context.WithoutCancel(ctx), log, name)
	}()

	runCtx, cancel := context.WithTimeout(ctx, p.settings.HardTimeout)
	defer cancel()

	stdout, stderr, exitCode, err := p.cmdRunner.RunCommand(runCtx, args)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		log.Warn("container exceeded hard timeout, killing", zap.Duration("limit", p.settings.HardTimeout))
		p.kill(context.WithoutCancel(ctx), log, name)
		return timedOut(sub, p.settings.HardTimeout), nil
	}
	if err != nil {
		return failure(sub, "podman run", err)
	}
	if exitCode >= podmanErrorExit && exitCode <= podmanNotFoundExit && strings.TrimSpace(stdout) == "" {
		return failure(sub, "podman run", fmt.Errorf("podman exited with code %d: %s", exitCode, tail(stderr)))
	}

	return interpret(sub, containerOutcome{
		ExitCode:  exitCode,
		Stdout:    stdout,
		Stderr:    stderr,
		OOMKilled: p.oomKilled(ctx, name),
	})
}

// runArgs builds the podman run invocation. Nothing follows the image
// reference: the image entrypoint is the only command a container runs.
func (p *PodmanExecutor) runArgs(name, ref string, sub Submission, payloadDir string) []string {
	memory := strconv.Itoa(p.settings.Limits.MemoryMB) + "m"
	network := "none"
	if p.settings.Network {
		network = "bridge"
	}
	mount := fmt.Sprintf("%s:%s:ro", payloadDir, path.Join(p.settings.WorkDir, runner.SubmissionDir))

	args := []string{
		"podman", "run",
		"--name", name,
		"--network", network,
		"--memory", memory,
		"--memory-swap", memory,
		"--pids-limit", strconv.FormatInt(p.settings.PidsLimit, 10),
		"--ulimit", "nofile=256:256",
		"--ulimit", fmt.Sprintf("fsize=%d:%d", runner.DefaultFileSizeLimit, runner.DefaultFileSizeLimit),
		"--ulimit", "core=0:0",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	}
	for _, c := range switchUserCaps {
		args = append(args, "--cap-add", c)
	}
	args = append(args,
		"--label", fmt.Sprintf("%s=%s", LabelSubmission, sub.ID),
		"--label", fmt.Sprintf("%s=%s", LabelLanguage, sub.Language),
		"-v", mount,
	)
	if p.settings.User != "" {
		args = append(args, "--user", p.settings.User)
	}
	for _, kv := range p.settings.containerEnv(sub) {
		args = append(args, "-e", kv)
	}
	return append(args, ref)
}

func (p *PodmanExecutor) oomKilled(ctx context.Context, name string) bool {
	stdout, _, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{
		"podman", "inspect", "--format", "{{.State.OOMKilled}}", name,
	})
	if err != nil || exitCode != 0 {
		return false
	}
	return strings.TrimSpace(stdout) == "true"
}

func (p *PodmanExecutor) kill(ctx context.Context, log *zap.Logger, name string) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	if _, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{"podman", "kill", "--signal", "KILL", name}); err != nil || exitCode != 0 {
		log.Warn("failed to kill container", zap.String("container", name), zap.String("stderr", tail(stderr)), zap.Error(err))
	}
}

func (p *PodmanExecutor) remove(ctx context.Context, log *zap.Logger, name string) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	if _, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{"podman", "rm", "--force", name}); err != nil || exitCode != 0 {
		log.Error("failed to remove container", zap.String("container", name), zap.String("stderr", tail(stderr)), zap.Error(err))
	}
}

func (p *PodmanExecutor) trackContainer(delta float64) {
	if p.metrics != nil {
		p.metrics.ActiveContainers.Add(delta)
	}
}

