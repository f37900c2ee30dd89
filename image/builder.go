package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/runner"
)

// DockerAPI is the part of the docker client the builder needs
type DockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
}

// Builder builds Sandbox Images through the docker engine
type Builder struct {
	logger *zap.Logger
	api    DockerAPI
	fs     runner.FileSystem
	pull   bool
}

// BuilderOption defines a functional option for Builder
type BuilderOption func(*Builder)

// WithBuildFileSystem sets the FileSystem used to read the script
func WithBuildFileSystem(fs runner.FileSystem) BuilderOption {
	return func(b *Builder) {
		b.fs = fs
	}
}

// WithPullParent makes every build refresh the base image
func WithPullParent(pull bool) BuilderOption {
	return func(b *Builder) {
		b.pull = pull
	}
}

// NewBuilder creates a Builder
func NewBuilder(logger *zap.Logger, api DockerAPI, opts ...BuilderOption) *Builder {
	b := &Builder{
		logger: logger,
		api:    api,
		fs:     runner.RealFileSystem{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build builds d and tags the result. Every failure, including an
// unreachable base image reported in the progress stream, is a BuildError.
func (b *Builder) Build(ctx context.Context, d Definition, tag string) error {
	buildCtx, err := BuildContext(d, b.fs)
	if err != nil {
		return err
	}

	log := b.logger.With(zap.String("language", d.Language), zap.String("tag", tag))
	log.Info("building sandbox image", zap.String("base_image", d.BaseImage))

	resp, err := b.api.ImageBuild(ctx, bytes.NewReader(buildCtx), build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  ContextDockerfile,
		Labels:      d.Labels,
		Remove:      true,
		ForceRemove: true,
		PullParent:  b.pull,
	})
	if err != nil {
		return execution.Build("image build", err)
	}
	defer resp.Body.Close()

	if err := b.streamProgress(log, resp.Body); err != nil {
		return execution.Build("image build", err)
	}

	log.Info("sandbox image built")
	return nil
}

// Exists reports whether tag is present in the local image store
func (b *Builder) Exists(ctx context.Context, tag string) (bool, error) {
	if _, err := b.api.ImageInspect(ctx, tag); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, execution.Infrastructure("image inspect", err)
	}
	return true, nil
}

func (b *Builder) streamProgress(log *zap.Logger, r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read build output: %w", err)
		}
		if msg.Error != nil {
			return errors.New(msg.Error.Message)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			log.Debug("build", zap.String("output", line))
		}
	}
}
