package config

import (
	"fmt"
	"strings"
)

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures tracing and other observability features.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

func applyObservabilityDefaults(logging *LoggingConfig, obs *ObservabilityConfig) {
	if logging.Level == "" {
		logging.Level = "info"
	}
	if logging.Format == "" {
		logging.Format = "json"
	}
	if obs.Tracing.ServiceName == "" {
		obs.Tracing.ServiceName = "fabric"
	}
	if obs.Tracing.SamplingRate == 0 {
		obs.Tracing.SamplingRate = 1.0
	}
}

func validateObservability(logging *LoggingConfig, obs *ObservabilityConfig) []string {
	var issues []string
	switch strings.ToLower(logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not supported", logging.Level))
	}
	switch strings.ToLower(logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q is not supported (json, text)", logging.Format))
	}
	if obs.Tracing.Enabled && strings.TrimSpace(obs.Tracing.Endpoint) == "" {
		issues = append(issues, "observability.tracing.endpoint is required when tracing is enabled")
	}
	if obs.Tracing.SamplingRate < 0 || obs.Tracing.SamplingRate > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}
	return issues
}
