package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/isdmx/execbox/image"
	"github.com/isdmx/execbox/runner"
)

const dockerfilePermission = 0644

var renderDirFlag string

var renderCmd = &cobra.Command{
	Use:   "render [language...]",
	Short: "Write the Dockerfile of each sandbox image",
	Long: `Render the Dockerfile recipe of each language image into the output
directory as Dockerfile.<language>. Without arguments every configured
language is rendered.

Examples:
  sandboxctl render
  sandboxctl render c java --dir build/docker`,
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVar(&renderDirFlag, "dir", "", "Output directory (default: image.dockerfile_dir)")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	dir := renderDirFlag
	if dir == "" {
		dir = cfg.Image.DockerfileDir
	}

	defs, err := definitions(cfg, args)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, runner.DirPermission); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	for _, d := range defs {
		data, err := image.Render(d)
		if err != nil {
			return err
		}
		out := filepath.Join(dir, image.FileName(d.Language))
		if err := os.WriteFile(out, data, dockerfilePermission); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
	}
	return nil
}
