package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/metrics"
)

// NewExecutor creates the orchestrator for the configured backend, wrapped
// with the concurrency bound and retry policy
func NewExecutor(logger *zap.Logger, cfg *config.Config, m *metrics.Metrics) (*Managed, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("invalid languages: %w", err)
	}
	settings := SettingsFromConfig(cfg)

	var backend Orchestrator
	switch cfg.Sandbox.Backend {
	case BackendDocker:
		cli, err := NewDockerClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		backend = NewDockerExecutor(logger, settings, catalog, cli, WithDockerMetrics(m))
	case BackendPodman:
		backend = NewPodmanExecutor(logger, settings, catalog, WithPodmanMetrics(m))
	case BackendLocal:
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled; set sandbox.enable_local_backend")
		}
		logger.Warn("using the local backend: submissions run on the host without isolation")
		backend = NewLocalExecutor(logger, settings, catalog)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}

	return NewManaged(logger, backend, cfg.Sandbox.MaxConcurrent, cfg.Sandbox.InfraRetries, m,
		WithRateLimit(cfg.Sandbox.RateLimitPerSec, cfg.Sandbox.RateLimitBurst),
	), nil
}
