package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/execution"
	imagedef "github.com/isdmx/execbox/image"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/runner"
	"github.com/isdmx/execbox/toolchain"
)

const cleanupTimeout = 30 * time.Second

// DockerAPI is the part of the docker client the executor needs
type DockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerExecutor implements Orchestrator on the docker engine API
type DockerExecutor struct {
	logger   *zap.Logger
	settings Settings
	catalog  toolchain.Catalog
	api      DockerAPI
	metrics  *metrics.Metrics
}

// DockerExecutorOption defines a functional option for DockerExecutor
type DockerExecutorOption func(*DockerExecutor)

// WithDockerMetrics sets the collectors updated by DockerExecutor
func WithDockerMetrics(m *metrics.Metrics) DockerExecutorOption {
	return func(d *DockerExecutor) {
		d.metrics = m
	}
}

// NewDockerExecutor creates a DockerExecutor
func NewDockerExecutor(logger *zap.Logger, settings Settings, catalog toolchain.Catalog, api DockerAPI, opts ...DockerExecutorOption) *DockerExecutor {
	executor := &DockerExecutor{
		logger:   logger,
		settings: settings,
		catalog:  catalog,
		api:      api,
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// NewDockerClient connects to the engine configured in the environment
func NewDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// Execute runs sub in a fresh container created from its language image
//
//nolint:funlen // one linear container lifecycle
func (d *DockerExecutor) Execute(ctx context.Context, sub Submission) (execution.Result, error) {
	sub, tc, err := prepare(sub, d.catalog)
	if err != nil {
		return execution.Result{}, err
	}
	log := logger.ForSubmission(d.logger, sub.ID, sub.Language)

	ref := imagedef.Tag(d.settings.ImagePrefix, sub.Language)
	if err := d.ensureImage(ctx, log, ref); err != nil {
		return failure(sub, "image", err)
	}

	payload, err := PayloadTar(sub, tc)
	if err != nil {
		return failure(sub, "payload", err)
	}

	started := time.Now()
	resp, err := d.api.ContainerCreate(ctx, d.containerConfig(ref, sub), d.hostConfig(), nil, nil, containerName(sub))
	if err != nil {
		return failure(sub, "container create", err)
	}
	id := resp.ID
	d.trackContainer(1)
	defer func() {
		d.trackContainer(-1)
		d.remove(context.WithoutCancel(ctx), log, id)
	}()

	if err := d.api.CopyToContainer(ctx, id, d.settings.WorkDir, bytes.NewReader(payload), container.CopyToContainerOptions{}); err != nil {
		return failure(sub, "copy payload", err)
	}
	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return failure(sub, "container start", err)
	}
	if d.metrics != nil {
		d.metrics.ContainerStartup.Observe(float64(time.Since(started).Milliseconds()))
	}
	log.Debug("container started", zap.String("container_id", shortID(id)))

	waitCtx, cancel := context.WithTimeout(ctx, d.settings.HardTimeout)
	defer cancel()

	exitCode, err := d.wait(waitCtx, id)
	if err != nil {
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			log.Warn("container exceeded hard timeout, killing", zap.Duration("limit", d.settings.HardTimeout))
			if killErr := d.api.ContainerKill(context.WithoutCancel(ctx), id, "SIGKILL"); killErr != nil {
				log.Warn("failed to kill container", zap.Error(killErr))
			}
			return timedOut(sub, d.settings.HardTimeout), nil
		}
		return failure(sub, "container wait", err)
	}

	stdout, stderr, err := d.logs(ctx, id)
	if err != nil {
		return failure(sub, "container logs", err)
	}

	inspect, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		return failure(sub, "container inspect", err)
	}
	oomKilled := inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.OOMKilled

	return interpret(sub, containerOutcome{
		ExitCode:  exitCode,
		Stdout:    stdout,
		Stderr:    stderr,
		OOMKilled: oomKilled,
	})
}

// containerConfig never sets Entrypoint or Cmd: the image entrypoint is the
// only process a container instance runs
func (d *DockerExecutor) containerConfig(ref string, sub Submission) *container.Config {
	return &container.Config{
		Image:           ref,
		Env:             d.settings.containerEnv(sub),
		User:            d.settings.User,
		NetworkDisabled: !d.settings.Network,
		Labels: map[string]string{
			LabelSubmission: sub.ID,
			LabelLanguage:   sub.Language,
		},
	}
}

func (d *DockerExecutor) hostConfig() *container.HostConfig {
	memory := int64(d.settings.Limits.MemoryMB) * 1024 * 1024
	pids := d.settings.PidsLimit

	networkMode := container.NetworkMode("none")
	if d.settings.Network {
		networkMode = "bridge"
	}

	return &container.HostConfig{
		NetworkMode: networkMode,
		CapDrop:     []string{"ALL"},
		CapAdd:      switchUserCaps,
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 256, Hard: 256},
				{Name: "fsize", Soft: runner.DefaultFileSizeLimit, Hard: runner.DefaultFileSizeLimit},
				{Name: "core", Soft: 0, Hard: 0},
			},
		},
	}
}

func (d *DockerExecutor) ensureImage(ctx context.Context, log *zap.Logger, ref string) error {
	_, err := d.api.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return err
	}
	if !d.settings.PullMissing {
		return fmt.Errorf("image %s not found; build it with `sandboxctl build`", ref)
	}

	log.Info("pulling sandbox image", zap.String("image", ref))
	out, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer out.Close()
	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	return nil
}

func (d *DockerExecutor) wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return 0, errors.New(status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (d *DockerExecutor) logs(ctx context.Context, id string) (string, string, error) {
	rc, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, io.LimitReader(rc, execution.MaxDocumentSize)); err != nil {
		return "", "", fmt.Errorf("failed to demultiplex logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (d *DockerExecutor) remove(ctx context.Context, log *zap.Logger, id string) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	if err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		log.Error("failed to remove container", zap.String("container_id", shortID(id)), zap.Error(err))
	}
}

func (d *DockerExecutor) trackContainer(delta float64) {
	if d.metrics != nil {
		d.metrics.ActiveContainers.Add(delta)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
