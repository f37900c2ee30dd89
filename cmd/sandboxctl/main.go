package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/image"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/toolchain"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "Manage execbox sandbox images",
	Long: `sandboxctl renders and builds the per-language sandbox images and runs
single submissions through the configured orchestrator backend.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./config.yaml)")
}

// setup loads the configuration and the logger shared by every command
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return cfg, log, nil
}

// definitions returns the image definitions for languages, or for the whole
// catalog when languages is empty
func definitions(cfg *config.Config, languages []string) ([]image.Definition, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	if len(languages) == 0 {
		languages = catalog.Names()
	}

	defs := make([]image.Definition, 0, len(languages))
	for _, lang := range languages {
		tc, err := catalog.Get(lang)
		if err != nil {
			return nil, err
		}
		defs = append(defs, definitionFor(cfg, tc))
	}
	return defs, nil
}

func definitionFor(cfg *config.Config, tc toolchain.Toolchain) image.Definition {
	return image.FromToolchain(tc, cfg.Image.WorkDir, cfg.Image.EntrypointSource, cfg.Image.EntrypointPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
