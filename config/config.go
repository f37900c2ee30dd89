package config

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/toolchain"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig                   `mapstructure:"server"`
	Sandbox   SandboxConfig                  `mapstructure:"sandbox"`
	Logging   LoggingConfig                  `mapstructure:"logging"`
	Image     ImageConfig                    `mapstructure:"image"`
	Languages map[string]toolchain.Toolchain `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// SandboxConfig holds the per-submission budgets and container policy
type SandboxConfig struct {
	Backend            string `mapstructure:"backend"`
	TimeoutSec         int    `mapstructure:"timeout_sec"`
	CompileTimeoutSec  int    `mapstructure:"compile_timeout_sec"`
	GraceSec           int    `mapstructure:"grace_sec"`
	MemoryMB           int    `mapstructure:"memory_mb"`
	MaxOutputKB        int    `mapstructure:"max_output_kb"`
	PidsLimit          int64  `mapstructure:"pids_limit"`
	MaxConcurrent      int    `mapstructure:"max_concurrent"`
	NetworkEnabled     bool   `mapstructure:"network_enabled"`
	EnableLocalBackend bool   `mapstructure:"enable_local_backend"`
	User               string `mapstructure:"user"`
	InfraRetries       int    `mapstructure:"infra_retries"`
	ImagePrefix        string `mapstructure:"image_prefix"`
	PullMissing        bool   `mapstructure:"pull_missing"`

	// RateLimitPerSec of zero admits submissions without pacing
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// ImageConfig describes the layout baked into every sandbox image
type ImageConfig struct {
	WorkDir          string `mapstructure:"workdir"`
	EntrypointPath   string `mapstructure:"entrypoint_path"`
	EntrypointSource string `mapstructure:"entrypoint_source"`
	DockerfileDir    string `mapstructure:"dockerfile_dir"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from file, or from config.yaml in the usual
// locations when file is empty
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("EXECBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.timeout_sec", 5)
	v.SetDefault("sandbox.compile_timeout_sec", 30)
	v.SetDefault("sandbox.grace_sec", 5)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.max_output_kb", 1024)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.max_concurrent", 4)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.user", "")
	v.SetDefault("sandbox.infra_retries", 0)
	v.SetDefault("sandbox.image_prefix", "execbox")
	v.SetDefault("sandbox.pull_missing", false)
	v.SetDefault("sandbox.rate_limit_per_sec", 0)
	v.SetDefault("sandbox.rate_limit_burst", 0)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("image.workdir", "/sandbox")
	v.SetDefault("image.entrypoint_path", "/sandbox/entrypoint")
	v.SetDefault("image.entrypoint_source", "bin/entrypoint")
	v.SetDefault("image.dockerfile_dir", "docker")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.CompileTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.compile_timeout_sec must be positive, got: %d", c.Sandbox.CompileTimeoutSec)
	}

	if c.Sandbox.GraceSec <= 0 {
		return fmt.Errorf("sandbox.grace_sec must be positive, got: %d", c.Sandbox.GraceSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if limit := execution.MaxCapturedOutput / 1024; c.Sandbox.MaxOutputKB > limit {
		return fmt.Errorf("sandbox.max_output_kb must be at most %d, got: %d", limit, c.Sandbox.MaxOutputKB)
	}

	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive, got: %d", c.Sandbox.MaxConcurrent)
	}

	if c.Sandbox.InfraRetries < 0 {
		return fmt.Errorf("sandbox.infra_retries must not be negative, got: %d", c.Sandbox.InfraRetries)
	}

	if c.Sandbox.RateLimitPerSec < 0 || c.Sandbox.RateLimitBurst < 0 {
		return fmt.Errorf("sandbox.rate_limit_per_sec and sandbox.rate_limit_burst must not be negative")
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if !path.IsAbs(c.Image.WorkDir) {
		return fmt.Errorf("image.workdir must be an absolute path, got: %q", c.Image.WorkDir)
	}

	if !strings.HasPrefix(path.Clean(c.Image.EntrypointPath), path.Clean(c.Image.WorkDir)+"/") {
		return fmt.Errorf("image.entrypoint_path must live inside image.workdir, got: %q", c.Image.EntrypointPath)
	}

	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("invalid languages: %w", err)
	}

	return nil
}

// Catalog returns the built-in toolchains with the configured overrides
func (c *Config) Catalog() (toolchain.Catalog, error) {
	return toolchain.Builtin().With(c.Languages)
}

// GetTimeout returns the run budget as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetCompileTimeout returns the compile budget as a duration
func (c *Config) GetCompileTimeout() time.Duration {
	return time.Duration(c.Sandbox.CompileTimeoutSec) * time.Second
}

// GetGrace returns how long a killed phase may take to drain its output
func (c *Config) GetGrace() time.Duration {
	return time.Duration(c.Sandbox.GraceSec) * time.Second
}

// GetHardTimeout returns the wall-clock ceiling the orchestrator enforces
// on a whole container: both budgets plus one grace period per phase
func (c *Config) GetHardTimeout() time.Duration {
	return c.GetCompileTimeout() + c.GetTimeout() + 2*c.GetGrace()
}

// MaxOutputBytes returns the per-stream output budget in bytes
func (c *Config) MaxOutputBytes() int {
	return c.Sandbox.MaxOutputKB * 1024
}
