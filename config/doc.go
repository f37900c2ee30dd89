// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and EXECBOX_* environment variables. It
// covers the orchestrator transport, sandbox resource budgets, the image
// recipe layout and per-language toolchain overrides.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
