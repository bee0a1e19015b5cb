// Package config provides application configuration management.
//
// The config package loads the service configuration from a YAML file with
// viper, applies defaults and CODERUN_* environment overrides, and validates
// the result. It covers the HTTP and MCP servers, the sandbox backend and its
// limits, logging, and per-language image overrides.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
