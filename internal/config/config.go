package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the main configuration structure for the fabric.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Storage       StorageConfig       `yaml:"storage"`
	Intake        IntakeConfig        `yaml:"intake"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// CurrentVersion is the latest supported configuration file version. Files
// without a version are read as the current one.
const CurrentVersion = 1

// VersionError reports a config file written for a different build.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e.Version > e.Current {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade fabric to continue", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is not supported (current: %d)", e.Version, e.Current)
}

func validateVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}

// ConfigValidationError collects every problem found in a config file.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed: " + strings.Join(e.Issues, "; ")
}

// Load reads, merges, decodes, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validateVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// local runs without a file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	applyServerDefaults(&cfg.Server)
	applyAuthDefaults(&cfg.Auth)
	applyGatewayDefaults(&cfg.Gateway)
	applyNotificationDefaults(&cfg.Notifications)
	applyProviderDefaults(&cfg.Providers)
	applyStorageDefaults(&cfg.Storage)
	applyIntakeDefaults(&cfg.Intake)
	applyObservabilityDefaults(&cfg.Logging, &cfg.Observability)
}

// Validate reports configuration values that cannot work together.
func (c *Config) Validate() error {
	var issues []string
	issues = append(issues, validateServer(&c.Server)...)
	issues = append(issues, validateAuth(&c.Auth)...)
	issues = append(issues, validateGateway(&c.Gateway)...)
	issues = append(issues, validateNotifications(&c.Notifications)...)
	issues = append(issues, validateStorage(&c.Storage)...)
	issues = append(issues, validateIntake(&c.Intake)...)
	issues = append(issues, validateObservability(&c.Logging, &c.Observability)...)
	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func positiveDuration(name string, d time.Duration) []string {
	if d <= 0 {
		return []string{fmt.Sprintf("%s must be positive", name)}
	}
	return nil
}
