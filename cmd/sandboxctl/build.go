package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/image"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/sandbox"
)

var (
	pullFlag        bool
	metricsFileFlag string
)

var buildCmd = &cobra.Command{
	Use:   "build [language...]",
	Short: "Build the sandbox images through the docker engine",
	Long: `Build and tag one image per language as <image_prefix>-<language>.
The entrypoint binary configured as image.entrypoint_source must exist and
be statically linked. Images already present are kept unless --pull is set.

Examples:
  CGO_ENABLED=0 go build -o bin/entrypoint ./cmd/entrypoint
  sandboxctl build
  sandboxctl build py --pull --metrics-file build.prom`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().BoolVar(&pullFlag, "pull", false, "Always pull the base image")
	buildCmd.Flags().StringVar(&metricsFileFlag, "metrics-file", "", "Write build metrics in the Prometheus text format")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	defs, err := definitions(cfg, args)
	if err != nil {
		return err
	}

	cli, err := sandbox.NewDockerClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	m := metrics.New()
	builder := image.NewBuilder(log, cli, image.WithPullParent(pullFlag))

	errs := buildImages(cmd.Context(), cmd.OutOrStdout(), log, builder, m, cfg.Sandbox.ImagePrefix, defs, pullFlag)

	if metricsFileFlag != "" {
		if err := prometheus.WriteToTextfile(metricsFileFlag, m.Registry); err != nil {
			errs = append(errs, fmt.Errorf("writing metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

// imageBuilder is the part of image.Builder the build command drives
type imageBuilder interface {
	Exists(ctx context.Context, tag string) (bool, error)
	Build(ctx context.Context, d image.Definition, tag string) error
}

// buildImages builds every definition and prints the tags that are ready.
// Without rebuild, images already in the local store are left alone.
func buildImages(ctx context.Context, out io.Writer, log *zap.Logger, builder imageBuilder, m *metrics.Metrics,
	prefix string, defs []image.Definition, rebuild bool,
) []error {
	var errs []error
	for _, d := range defs {
		tag := image.Tag(prefix, d.Language)
		if !rebuild {
			exists, err := builder.Exists(ctx, tag)
			if err != nil {
				log.Error("image lookup failed", zap.String("tag", tag), zap.Error(err))
				errs = append(errs, err)
				continue
			}
			if exists {
				log.Info("image already present", zap.String("tag", tag))
				fmt.Fprintln(out, tag)
				continue
			}
		}

		err := builder.Build(ctx, d, tag)
		m.ObserveBuild(d.Language, err)
		if err != nil {
			log.Error("image build failed", zap.String("tag", tag), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		fmt.Fprintln(out, tag)
	}
	return errs
}
