package config

import (
	"fmt"
	"strings"
	"time"
)

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	MetricsPath       string        `yaml:"metrics_path"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// StorageConfig selects the user directory, inbox and presence backends.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// SeedFile is a JSON array of users loaded into the memory driver.
	SeedFile string `yaml:"seed_file"`

	// RedisPresenceAddr moves presence writes to Redis when set.
	RedisPresenceAddr string        `yaml:"redis_presence_addr"`
	PresenceTTL       time.Duration `yaml:"presence_ttl"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
}

func validateServer(cfg *ServerConfig) []string {
	var issues []string
	if cfg.HTTPPort < 0 || cfg.HTTPPort > 65535 {
		issues = append(issues, "server.http_port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.MetricsPath, "/") {
		issues = append(issues, "server.metrics_path must start with /")
	}
	return issues
}

func applyStorageDefaults(cfg *StorageConfig) {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = "memory"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.PresenceTTL == 0 {
		cfg.PresenceTTL = 10 * time.Minute
	}
}

func validateStorage(cfg *StorageConfig) []string {
	switch cfg.Driver {
	case "memory":
		return nil
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			return []string{"storage.dsn is required for the postgres driver"}
		}
		return nil
	default:
		return []string{fmt.Sprintf("storage.driver %q is not supported (memory, postgres)", cfg.Driver)}
	}
}
