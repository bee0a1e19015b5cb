package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/coderun/language"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. CODERUN_SERVER_HTTP_PORT for server.http_port.
const EnvPrefix = "CODERUN"

// PathEnv names an explicit config file, bypassing the search path.
const PathEnv = "CODERUN_CONFIG"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Sandbox   SandboxConfig             `mapstructure:"sandbox"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Languages map[string]LanguageConfig `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	Environment     string        `mapstructure:"environment"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	MCPTransport    string        `mapstructure:"mcp_transport"`
	MCPPort         int           `mapstructure:"mcp_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend            string        `mapstructure:"backend"`
	EnableLocalBackend bool          `mapstructure:"enable_local_backend"`
	WorkspaceRoot      string        `mapstructure:"workspace_root"`
	ImagesDir          string        `mapstructure:"images_dir"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	MaxTimeout         time.Duration `mapstructure:"max_timeout"`
	CompileTimeout     time.Duration `mapstructure:"compile_timeout"`
	BuildTimeout       time.Duration `mapstructure:"build_timeout"`
	MemoryMB           int           `mapstructure:"memory_mb"`
	CPUs               float64       `mapstructure:"cpus"`
	PidsLimit          int           `mapstructure:"pids_limit"`
	MaxOutputBytes     int           `mapstructure:"max_output_bytes"`
	MaxCodeBytes       int           `mapstructure:"max_code_bytes"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	StdinMode          string        `mapstructure:"stdin_mode"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// LanguageConfig overrides the image of a supported language
type LanguageConfig struct {
	Image        string `mapstructure:"image"`
	BuildContext string `mapstructure:"build_context"`
}

// New loads and validates the application configuration. The file named by
// CODERUN_CONFIG is used when set; otherwise config.yaml is searched for in
// the working directory and ./config. A missing file is not an error.
func New() (*Config, error) {
	return Load(os.Getenv(PathEnv))
}

// Load reads the configuration from path, or from the search path when path
// is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
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
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.environment", "production")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.mcp_transport", "none")
	v.SetDefault("server.mcp_port", 8081)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.workspace_root", filepath.Join(os.TempDir(), "coderun"))
	v.SetDefault("sandbox.images_dir", "images")
	v.SetDefault("sandbox.default_timeout", 10*time.Second)
	v.SetDefault("sandbox.max_timeout", 60*time.Second)
	v.SetDefault("sandbox.compile_timeout", 30*time.Second)
	v.SetDefault("sandbox.build_timeout", 10*time.Minute)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.pids_limit", 128)
	v.SetDefault("sandbox.max_output_bytes", 1<<20)
	v.SetDefault("sandbox.max_code_bytes", 64<<10)
	v.SetDefault("sandbox.max_concurrent", 8)
	v.SetDefault("sandbox.stdin_mode", "args")
	v.SetDefault("sandbox.sweep_interval", 5*time.Minute)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Server.Environment != "development" && c.Server.Environment != "production" {
		return fmt.Errorf("invalid server.environment: %s, must be 'development' or 'production'", c.Server.Environment)
	}

	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive, got: %d", c.Server.MaxBodyBytes)
	}

	switch c.Server.MCPTransport {
	case "none", "stdio":
	case "http":
		if c.Server.MCPPort <= 0 || c.Server.MCPPort > 65535 {
			return fmt.Errorf("invalid server.mcp_port: %d", c.Server.MCPPort)
		}
		if c.Server.MCPPort == c.Server.HTTPPort {
			return fmt.Errorf("server.mcp_port must differ from server.http_port (%d)", c.Server.HTTPPort)
		}
	default:
		return fmt.Errorf("invalid server.mcp_transport: %s, must be 'none', 'stdio' or 'http'", c.Server.MCPTransport)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.WorkspaceRoot == "" {
		return errors.New("sandbox.workspace_root must not be empty")
	}

	positiveDurations := []struct {
		key   string
		value time.Duration
	}{
		{"sandbox.default_timeout", c.Sandbox.DefaultTimeout},
		{"sandbox.max_timeout", c.Sandbox.MaxTimeout},
		{"sandbox.compile_timeout", c.Sandbox.CompileTimeout},
		{"sandbox.build_timeout", c.Sandbox.BuildTimeout},
	}
	for _, d := range positiveDurations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got: %s", d.key, d.value)
		}
	}

	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) exceeds sandbox.max_timeout (%s)", c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %g", c.Sandbox.CPUs)
	}

	if c.Sandbox.PidsLimit < 0 {
		return fmt.Errorf("sandbox.pids_limit must not be negative, got: %d", c.Sandbox.PidsLimit)
	}

	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got: %d", c.Sandbox.MaxOutputBytes)
	}

	if c.Sandbox.MaxCodeBytes <= 0 {
		return fmt.Errorf("sandbox.max_code_bytes must be positive, got: %d", c.Sandbox.MaxCodeBytes)
	}

	if c.Sandbox.MaxConcurrent < 0 {
		return fmt.Errorf("sandbox.max_concurrent must not be negative, got: %d", c.Sandbox.MaxConcurrent)
	}

	if c.Sandbox.StdinMode != "args" && c.Sandbox.StdinMode != "pipe" {
		return fmt.Errorf("invalid sandbox.stdin_mode: %s, must be 'args' or 'pipe'", c.Sandbox.StdinMode)
	}

	if c.Sandbox.SweepInterval < 0 {
		return fmt.Errorf("sandbox.sweep_interval must not be negative, got: %s", c.Sandbox.SweepInterval)
	}

	if c.Logging.Mode != "development" && c.Logging.Mode != "production" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if _, err := language.NewRegistry(c.Sandbox.ImagesDir, c.LanguageOverrides()); err != nil {
		return fmt.Errorf("invalid languages: %w", err)
	}

	return nil
}

// LanguageOverrides converts the languages section into registry overrides.
func (c *Config) LanguageOverrides() map[string]language.Override {
	if len(c.Languages) == 0 {
		return nil
	}
	overrides := make(map[string]language.Override, len(c.Languages))
	for id, l := range c.Languages {
		overrides[id] = language.Override{Image: l.Image, BuildContext: l.BuildContext}
	}
	return overrides
}

// IsDevelopment reports whether verbose error details may be returned to
// clients.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// SweepAge is the age past which containers and workspaces are considered
// abandoned. It exceeds the longest an execution can legitimately take.
func (c *Config) SweepAge() time.Duration {
	return c.Sandbox.BuildTimeout + c.Sandbox.CompileTimeout + c.Sandbox.MaxTimeout + time.Minute
}
