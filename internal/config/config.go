package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds all runtime configuration. Every field has a working
// default so a bare `canopy` invocation boots in simulation mode.
type AppConfig struct {
	// Engine
	Mode        string  `yaml:"mode"`         // "sim" or "hardware"
	ScratchRoot string  `yaml:"scratch_root"` // per-agent working directories
	BudgetHours float64 `yaml:"budget_hours"` // orchestrator wall-clock budget

	// Transports
	HTTPPort   string `yaml:"http_port"`   // REST + WebSocket surface
	HealthPort string `yaml:"health_port"` // /health, /ready, /metrics

	// Loops
	TwinTick          time.Duration `yaml:"twin_tick"`
	SampleInterval    time.Duration `yaml:"sample_interval"`
	PublishInterval   time.Duration `yaml:"publish_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StallThreshold    time.Duration `yaml:"stall_threshold"`

	// Persistence
	SettingsPath string `yaml:"settings_path"`
	EventLogPath string `yaml:"event_log_path"`
	SafetyPath   string `yaml:"safety_path"`

	// Hardware driver endpoint; empty means simulation only.
	DriverEndpoint string `yaml:"driver_endpoint"`

	// Operator token required by the safety reset path. Empty disables
	// remote reset entirely.
	SafetyResetToken string `yaml:"-"`

	// Service identity
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	LogLevel       string `yaml:"log_level"`
}

// Load builds the configuration from environment variables, then applies
// the optional YAML overlay named by CANOPY_CONFIG.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		Mode:        getEnv("CANOPY_MODE", "sim"),
		ScratchRoot: getEnv("CANOPY_SCRATCH_ROOT", os.TempDir()),
		BudgetHours: getEnvAsFloat("CANOPY_BUDGET_HOURS", 2.0),

		HTTPPort:   getEnv("CANOPY_HTTP_PORT", "8000"),
		HealthPort: getEnv("CANOPY_HEALTH_PORT", "8080"),

		TwinTick:          getEnvAsDuration("CANOPY_TWIN_TICK", time.Second),
		SampleInterval:    getEnvAsDuration("CANOPY_SAMPLE_INTERVAL", 100*time.Millisecond),
		PublishInterval:   getEnvAsDuration("CANOPY_PUBLISH_INTERVAL", 500*time.Millisecond),
		HeartbeatInterval: getEnvAsDuration("CANOPY_HEARTBEAT_INTERVAL", 2*time.Second),
		StallThreshold:    getEnvAsDuration("CANOPY_STALL_THRESHOLD", 10*time.Second),

		SettingsPath: getEnv("CANOPY_SETTINGS_PATH", "canopy_settings.json"),
		EventLogPath: getEnv("CANOPY_EVENT_LOG_PATH", "canopy_events.jsonl"),
		SafetyPath:   getEnv("CANOPY_SAFETY_PATH", ""),

		DriverEndpoint:   getEnv("CANOPY_DRIVER_ENDPOINT", ""),
		SafetyResetToken: os.Getenv("CANOPY_SAFETY_RESET_TOKEN"),

		ServiceName:    getEnv("CANOPY_SERVICE_NAME", "canopy"),
		ServiceVersion: getEnv("CANOPY_SERVICE_VERSION", "1.0.0"),
		Environment:    getEnv("CANOPY_ENVIRONMENT", "development"),
		LogLevel:       getEnv("CANOPY_LOG_LEVEL", "INFO"),
	}

	if path := os.Getenv("CANOPY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config overlay: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config overlay: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would make the control loops degenerate.
func (c *AppConfig) Validate() error {
	if c.Mode != "sim" && c.Mode != "hardware" {
		return fmt.Errorf("invalid mode %q: must be sim or hardware", c.Mode)
	}
	if c.TwinTick <= 0 {
		return fmt.Errorf("twin_tick must be positive, got %s", c.TwinTick)
	}
	if c.SampleInterval <= 0 || c.PublishInterval <= 0 {
		return fmt.Errorf("sampling and publish intervals must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.StallThreshold <= 0 {
		return fmt.Errorf("heartbeat interval and stall threshold must be positive")
	}
	if c.BudgetHours <= 0 {
		return fmt.Errorf("budget_hours must be positive, got %f", c.BudgetHours)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
