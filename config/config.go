package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Scheduler SchedulerConfig     `mapstructure:"scheduler"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Storage   StorageConfig       `mapstructure:"storage"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort       int     `mapstructure:"http_port"`
	MCP            string  `mapstructure:"mcp"`
	MaxBodyBytes   int64   `mapstructure:"max_body_bytes"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend            string `mapstructure:"backend"`
	EnableLocalBackend bool   `mapstructure:"enable_local_backend"`
	TimeoutMs          int64  `mapstructure:"timeout_ms"`
	MaxOutputBytes     int64  `mapstructure:"max_output_bytes"`
	MemoryMB           int64  `mapstructure:"memory_mb"`
	MaxProcesses       int64  `mapstructure:"max_processes"`
	MaxSourceBytes     int64  `mapstructure:"max_source_bytes"`
	NetworkEnabled     bool   `mapstructure:"network_enabled"`
	WorkRoot           string `mapstructure:"work_root"`
	CgroupRoot         string `mapstructure:"cgroup_root"`
	SearchPath         string `mapstructure:"search_path"`
	// RunAsUID and RunAsGID start the id range local runs are spread over,
	// one pair per concurrent run. IDCount 0 sizes it to scheduler.max_concurrency.
	RunAsUID int `mapstructure:"run_as_uid"`
	RunAsGID int `mapstructure:"run_as_gid"`
	IDCount  int `mapstructure:"id_count"`
	ContainerUser      string `mapstructure:"container_user"`
	StderrPolicy       string `mapstructure:"stderr_policy"`
	DefaultLanguage    string `mapstructure:"default_language"`
}

// SchedulerConfig bounds how many executions run and wait at once
type SchedulerConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
	QueueCapacity  int `mapstructure:"queue_capacity"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// StorageConfig holds snippet store configuration
type StorageConfig struct {
	SnippetDB string `mapstructure:"snippet_db"`
	Seed      bool   `mapstructure:"seed"`
}

// Language holds per-language overrides. Empty fields keep the built-in profile.
type Language struct {
	Image       string            `mapstructure:"image"`
	FileName    string            `mapstructure:"file_name"`
	Command     string            `mapstructure:"command"`
	Environment map[string]string `mapstructure:"environment"`
}

// Stderr policies for runs that exit 0 but wrote to stderr
const (
	StderrAsError  = "error"
	StderrAsOutput = "output"
	StderrIgnore   = "ignore"
)

// MCP transport modes
const (
	MCPOff   = "off"
	MCPStdio = "stdio"
	MCPHTTP  = "http"
)

// envBindings maps the documented environment variables onto config keys.
var envBindings = map[string]string{
	"sandbox.timeout_ms":        "EXEC_TIMEOUT_MS",
	"sandbox.max_output_bytes":  "EXEC_MAX_OUTPUT_BYTES",
	"scheduler.max_concurrency": "EXEC_MAX_CONCURRENCY",
	"scheduler.queue_capacity":  "EXEC_QUEUE_CAPACITY",
}

// New loads and validates the application configuration
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path := os.Getenv("PLAYGROUND_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix("PLAYGROUND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.mcp", MCPOff)
	v.SetDefault("server.max_body_bytes", 256*1024)
	v.SetDefault("server.rate_limit_rps", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.timeout_ms", 5000)
	v.SetDefault("sandbox.max_output_bytes", 1024*1024)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.max_processes", 64)
	v.SetDefault("sandbox.max_source_bytes", 64*1024)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.work_root", "")
	v.SetDefault("sandbox.cgroup_root", "")
	v.SetDefault("sandbox.search_path", "/usr/local/bin:/usr/bin:/bin")
	v.SetDefault("sandbox.run_as_uid", -1)
	v.SetDefault("sandbox.run_as_gid", -1)
	v.SetDefault("sandbox.id_count", 0)
	v.SetDefault("sandbox.container_user", "65534:65534")
	v.SetDefault("sandbox.stderr_policy", StderrAsError)
	v.SetDefault("sandbox.default_language", "python")

	v.SetDefault("scheduler.max_concurrency", runtime.NumCPU())
	v.SetDefault("scheduler.queue_capacity", 16)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("storage.snippet_db", "data/snippets.db")
	v.SetDefault("storage.seed", true)
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	switch c.Server.MCP {
	case MCPOff, MCPStdio, MCPHTTP:
	default:
		return fmt.Errorf("invalid server.mcp: %s, must be 'off', 'stdio' or 'http'", c.Server.MCP)
	}

	if c.Sandbox.TimeoutMs <= 0 {
		return fmt.Errorf("sandbox.timeout_ms must be positive, got: %d", c.Sandbox.TimeoutMs)
	}

	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got: %d", c.Sandbox.MaxOutputBytes)
	}

	if c.Sandbox.MemoryMB < 0 {
		return fmt.Errorf("sandbox.memory_mb must not be negative, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxProcesses < 0 {
		return fmt.Errorf("sandbox.max_processes must not be negative, got: %d", c.Sandbox.MaxProcesses)
	}

	if c.Sandbox.MaxSourceBytes <= 0 {
		return fmt.Errorf("sandbox.max_source_bytes must be positive, got: %d", c.Sandbox.MaxSourceBytes)
	}

	switch c.Sandbox.StderrPolicy {
	case StderrAsError, StderrAsOutput, StderrIgnore:
	default:
		return fmt.Errorf("invalid sandbox.stderr_policy: %s, must be 'error', 'output' or 'ignore'", c.Sandbox.StderrPolicy)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	// Local runs are only separated from the server and from each other by
	// running under ids nothing else uses
	if c.Sandbox.Backend == "local" && (c.Sandbox.RunAsUID <= 0 || c.Sandbox.RunAsGID <= 0) {
		return fmt.Errorf("sandbox.backend local requires a dedicated sandbox.run_as_uid and sandbox.run_as_gid")
	}

	if c.Sandbox.IDCount < 0 {
		return fmt.Errorf("sandbox.id_count must not be negative, got: %d", c.Sandbox.IDCount)
	}

	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be positive, got: %d", c.Scheduler.MaxConcurrency)
	}

	if c.Scheduler.QueueCapacity < 0 {
		return fmt.Errorf("scheduler.queue_capacity must not be negative, got: %d", c.Scheduler.QueueCapacity)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutMs) * time.Millisecond
}
