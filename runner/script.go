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
)

// DefaultWorkDir is the image working directory used when SANDBOX_WORKDIR
// is not set
const DefaultWorkDir = "/sandbox"

// StdinPipe as the value of SANDBOX_STDIN feeds the entrypoint's own stdin
// to the program
const StdinPipe = "pipe"

// ScriptConfig is what the execution script learns from its environment
type ScriptConfig struct {
	Language     string
	SubmissionID string
	WorkDir      string
	ResultPath   string
	// Stdin is inline program input; it wins over the payload stdin file
	Stdin string
	// Input is read when Stdin is StdinPipe
	Input   io.Reader
	Network bool
	Limits  Limits
}

// ScriptConfigFromEnv reads the SANDBOX_* variables set by the image and
// the orchestrator
func ScriptConfigFromEnv() ScriptConfig {
	cfg := ScriptConfig{
		Language:     os.Getenv(EnvLanguage),
		SubmissionID: os.Getenv(EnvSubmissionID),
		WorkDir:      os.Getenv(EnvWorkDir),
		ResultPath:   os.Getenv(EnvResultPath),
		Stdin:        os.Getenv(EnvStdin),
		Network:      strings.EqualFold(os.Getenv(EnvNetwork), "true") || os.Getenv(EnvNetwork) == "1",
		Limits:       LimitsFromEnv(),
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = DefaultWorkDir
	}
	return cfg
}

// SubmissionPath returns the directory the orchestrator copies the payload to
func (c ScriptConfig) SubmissionPath() string {
	return filepath.Join(c.WorkDir, SubmissionDir)
}

// RunScript executes the submission found under cfg.WorkDir and writes the
// encoded Result to out and, when configured, to cfg.ResultPath. The
// returned error is non-nil only when no valid Result could be emitted.
func (r *Runner) RunScript(ctx context.Context, cfg ScriptConfig, out io.Writer) (execution.Result, error) {
	result := r.runScript(ctx, cfg)

	var buf bytes.Buffer
	if err := execution.Encode(&buf, result); err != nil {
		return result, fmt.Errorf("failed to encode result: %w", err)
	}
	if cfg.ResultPath != "" {
		if err := r.fs.WriteFile(cfg.ResultPath, buf.Bytes(), FilePermission); err != nil {
			r.logger.Warn("failed to write result file", zap.String("path", cfg.ResultPath), zap.Error(err))
		}
	}
	if _, err := out.Write(buf.Bytes()); err != nil {
		return result, fmt.Errorf("failed to write result: %w", err)
	}
	return result, nil
}

func (r *Runner) runScript(ctx context.Context, cfg ScriptConfig) execution.Result {
	if cfg.Language == "" {
		return infrastructureResult(cfg, fmt.Errorf("%s is not set", EnvLanguage))
	}

	dir := cfg.SubmissionPath()
	manifest, err := ReadManifest(r.fs, dir)
	if err != nil {
		return infrastructureResult(cfg, err)
	}
	payload, err := manifest.Payload(dir, cfg.Language)
	if err != nil {
		return infrastructureResult(cfg, err)
	}
	if payload.SubmissionID == "" {
		payload.SubmissionID = cfg.SubmissionID
	}
	switch {
	case cfg.Stdin == StdinPipe:
		if cfg.Input != nil {
			payload.Stdin = cfg.Input
		}
	case cfg.Stdin != "":
		payload.Stdin = strings.NewReader(cfg.Stdin)
	}

	return r.Run(ctx, payload)
}

func infrastructureResult(cfg ScriptConfig, err error) execution.Result {
	return execution.Result{
		SubmissionID: cfg.SubmissionID,
		Language:     cfg.Language,
		Status:       execution.StatusInfrastructureError,
		Message:      err.Error(),
	}
}
