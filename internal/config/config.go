package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agent-warden/agent-warden/pkg/models"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Validation ValidationConfig `mapstructure:"validation"`
	Access     AccessConfig     `mapstructure:"access"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BudgetConfig holds budget ledger ceilings and thresholds, in USD
type BudgetConfig struct {
	GlobalDailyLimit       float64 `mapstructure:"global_daily_limit"`
	GlobalHourlyLimit      float64 `mapstructure:"global_hourly_limit"`
	PerUnitDailyLimit      float64 `mapstructure:"per_unit_daily_limit"`
	PerOperationLimit      float64 `mapstructure:"per_operation_limit"`
	ApprovalThreshold      float64 `mapstructure:"approval_threshold"`
	EmergencyStopThreshold float64 `mapstructure:"emergency_stop_threshold"`
	DefaultModel           string  `mapstructure:"default_model"`
}

// RateLimitConfig holds token-bucket limiter parameters
type RateLimitConfig struct {
	CallsPerMinute int           `mapstructure:"calls_per_minute"`
	BurstSize      int           `mapstructure:"burst_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// SandboxConfig holds sandbox mode and resource ceilings
type SandboxConfig struct {
	Mode              string        `mapstructure:"mode"` // none, basic, strict, paranoid
	AllowNetwork      bool          `mapstructure:"allow_network"`
	AllowedReadPaths  []string      `mapstructure:"allowed_read_paths"`
	AllowedWritePaths []string      `mapstructure:"allowed_write_paths"`
	MaxExecutionTime  time.Duration `mapstructure:"max_execution_time"`
	MaxMemoryMB       int           `mapstructure:"max_memory_mb"`
	MaxCPUPercent     int           `mapstructure:"max_cpu_percent"`
	MaxOutputBytes    int           `mapstructure:"max_output_bytes"`
	MaxFileSizeMB     int           `mapstructure:"max_file_size_mb"`
	MaxProcesses      int           `mapstructure:"max_processes"`
}

// ValidationConfig holds input-validation policy
type ValidationConfig struct {
	MaxInputLength   int  `mapstructure:"max_input_length"`
	StrictMode       bool `mapstructure:"strict_mode"`
	SemanticAnalysis bool `mapstructure:"semantic_analysis"`
}

// AccessConfig holds key/session policy
type AccessConfig struct {
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	MaxSessionsPerKey int           `mapstructure:"max_sessions_per_key"`
	EnforceIPList     bool          `mapstructure:"enforce_ip_allowlist"`
}

// MonitorConfig holds anomaly-monitor parameters
type MonitorConfig struct {
	CostSpikeMultiplier  float64       `mapstructure:"cost_spike_multiplier"`
	AuthFailureThreshold int           `mapstructure:"auth_failure_threshold"`
	Window               time.Duration `mapstructure:"window"`
}

// AuditConfig holds audit-log parameters
type AuditConfig struct {
	BufferSize int  `mapstructure:"buffer_size"`
	Durable    bool `mapstructure:"durable"` // persist events to the database
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Database defaults
	v.SetDefault("database.path", "./data/warden.db")

	// Budget defaults
	v.SetDefault("budget.global_daily_limit", 100.0)
	v.SetDefault("budget.global_hourly_limit", 20.0)
	v.SetDefault("budget.per_unit_daily_limit", 10.0)
	v.SetDefault("budget.per_operation_limit", 30.0)
	v.SetDefault("budget.approval_threshold", 5.0)
	v.SetDefault("budget.emergency_stop_threshold", 150.0)
	v.SetDefault("budget.default_model", "claude-sonnet-4-5")

	// Rate-limit defaults
	v.SetDefault("rate_limit.calls_per_minute", 60)
	v.SetDefault("rate_limit.burst_size", 10)
	v.SetDefault("rate_limit.acquire_timeout", 10*time.Second)

	// Sandbox defaults
	v.SetDefault("sandbox.mode", "strict")
	v.SetDefault("sandbox.allow_network", false)
	v.SetDefault("sandbox.max_execution_time", 30*time.Second)
	v.SetDefault("sandbox.max_memory_mb", 512)
	v.SetDefault("sandbox.max_cpu_percent", 50)
	v.SetDefault("sandbox.max_output_bytes", 1<<20)
	v.SetDefault("sandbox.max_file_size_mb", 10)
	v.SetDefault("sandbox.max_processes", 10)

	// Validation defaults
	v.SetDefault("validation.max_input_length", 10000)
	v.SetDefault("validation.strict_mode", false)
	v.SetDefault("validation.semantic_analysis", true)

	// Access defaults
	v.SetDefault("access.session_ttl", time.Hour)
	v.SetDefault("access.max_sessions_per_key", 5)
	v.SetDefault("access.enforce_ip_allowlist", false)

	// Monitor defaults
	v.SetDefault("monitor.cost_spike_multiplier", 2.0)
	v.SetDefault("monitor.auth_failure_threshold", 5)
	v.SetDefault("monitor.window", 15*time.Minute)

	// Audit defaults
	v.SetDefault("audit.buffer_size", 1000)
	v.SetDefault("audit.durable", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Budget ceilings
	bindEnv("budget.global_daily_limit", "WARDEN_GLOBAL_DAILY_LIMIT")
	bindEnv("budget.global_hourly_limit", "WARDEN_GLOBAL_HOURLY_LIMIT")
	bindEnv("budget.per_unit_daily_limit", "WARDEN_PER_UNIT_DAILY_LIMIT")
	bindEnv("budget.per_operation_limit", "WARDEN_PER_OPERATION_LIMIT")
	bindEnv("budget.approval_threshold", "WARDEN_APPROVAL_THRESHOLD")
	bindEnv("budget.emergency_stop_threshold", "WARDEN_EMERGENCY_STOP_THRESHOLD")

	// Sandbox
	bindEnv("sandbox.mode", "WARDEN_SANDBOX_MODE")
	bindEnv("sandbox.allow_network", "WARDEN_SANDBOX_ALLOW_NETWORK")

	// Validation
	bindEnv("validation.strict_mode", "WARDEN_STRICT_VALIDATION")

	// Database path
	bindEnv("database.path", "DATABASE_PATH")

	// Server config
	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Budget.GlobalDailyLimit <= 0 {
		return fmt.Errorf("budget.global_daily_limit must be positive")
	}
	if c.Budget.GlobalHourlyLimit <= 0 {
		return fmt.Errorf("budget.global_hourly_limit must be positive")
	}
	if c.Budget.PerOperationLimit <= 0 {
		return fmt.Errorf("budget.per_operation_limit must be positive")
	}
	if c.Budget.EmergencyStopThreshold < c.Budget.GlobalDailyLimit {
		return fmt.Errorf("budget.emergency_stop_threshold must be at least the global daily limit")
	}

	if c.RateLimit.CallsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.calls_per_minute must be positive")
	}
	if c.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	switch models.SandboxMode(c.Sandbox.Mode) {
	case models.SandboxNone, models.SandboxBasic, models.SandboxStrict, models.SandboxParanoid:
	default:
		return fmt.Errorf("sandbox.mode must be one of none, basic, strict, paranoid (got %q)", c.Sandbox.Mode)
	}
	if c.Sandbox.MaxExecutionTime <= 0 {
		return fmt.Errorf("sandbox.max_execution_time must be positive")
	}
	if c.Sandbox.MaxMemoryMB <= 0 {
		return fmt.Errorf("sandbox.max_memory_mb must be positive")
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive")
	}

	if c.Validation.MaxInputLength <= 0 {
		return fmt.Errorf("validation.max_input_length must be positive")
	}

	if c.Access.SessionTTL <= 0 {
		return fmt.Errorf("access.session_ttl must be positive")
	}
	if c.Access.MaxSessionsPerKey <= 0 {
		return fmt.Errorf("access.max_sessions_per_key must be positive")
	}

	if c.Monitor.CostSpikeMultiplier <= 1.0 {
		return fmt.Errorf("monitor.cost_spike_multiplier must be greater than 1")
	}
	if c.Monitor.Window <= 0 {
		return fmt.Errorf("monitor.window must be positive")
	}

	return nil
}
