package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mewayz/fabric/pkg/models"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	return writeNamedConfig(t, t.TempDir(), "fabric.yaml", contents)
}

func writeNamedConfig(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.MaxConnections != 10000 || cfg.Gateway.MaxFrameBytes != 16*1024 {
		t.Fatalf("unexpected gateway defaults: %+v", cfg.Gateway)
	}
	if cfg.Gateway.HeartbeatInterval != 30*time.Second || cfg.Gateway.AuthTimeout != 10*time.Second {
		t.Fatalf("unexpected gateway timers: %+v", cfg.Gateway)
	}
	if cfg.Notifications.TrackingCapacity != 1000 || cfg.Notifications.Retry.MaxAttempts != 1 {
		t.Fatalf("unexpected notification defaults: %+v", cfg.Notifications)
	}
	if len(cfg.Notifications.DefaultChannels) != 2 || cfg.Notifications.DefaultChannels[0] != models.ChannelRealtime {
		t.Fatalf("unexpected default channels: %v", cfg.Notifications.DefaultChannels)
	}
	if cfg.Auth.CookieName != "token" || !cfg.Auth.RequireActiveUsers() {
		t.Fatalf("unexpected auth defaults: %+v", cfg.Auth)
	}
	if cfg.Storage.Driver != "memory" || cfg.Version != CurrentVersion {
		t.Fatalf("unexpected storage/version defaults: %q %d", cfg.Storage.Driver, cfg.Version)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: secret
gateway:
  max_connections: 10
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("FABRIC_TEST_SECRET", "from-env")
	path := writeConfig(t, `
auth:
  jwt_secret: ${FABRIC_TEST_SECRET}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("expected env expansion, got %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadValidationIssues(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantSub string
	}{
		{
			name:    "no credentials",
			body:    "logging:\n  level: info\n",
			wantSub: "jwt_secret",
		},
		{
			name:    "postgres without dsn",
			body:    "auth:\n  jwt_secret: s\nstorage:\n  driver: postgres\n",
			wantSub: "storage.dsn",
		},
		{
			name:    "unknown driver",
			body:    "auth:\n  jwt_secret: s\nstorage:\n  driver: mongo\n",
			wantSub: "storage.driver",
		},
		{
			name:    "bad cron",
			body:    "auth:\n  jwt_secret: s\nnotifications:\n  recurring:\n    - name: digest\n      schedule: not a cron\n      role: admin\n      template: {type: analytics_report, title: t, message: m}\n",
			wantSub: "schedule",
		},
		{
			name:    "recurring without target",
			body:    "auth:\n  jwt_secret: s\nnotifications:\n  recurring:\n    - name: digest\n      schedule: \"@daily\"\n      template: {type: analytics_report, title: t, message: m}\n",
			wantSub: "role or organization_id",
		},
		{
			name:    "kafka without brokers",
			body:    "auth:\n  jwt_secret: s\nintake:\n  kafka:\n    enabled: true\n",
			wantSub: "brokers",
		},
		{
			name:    "tracing without endpoint",
			body:    "auth:\n  jwt_secret: s\nobservability:\n  tracing:\n    enabled: true\n",
			wantSub: "tracing.endpoint",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			var verr *ConfigValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ConfigValidationError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("expected %q in error, got %v", tt.wantSub, err)
			}
		})
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	_, err := Load(writeConfig(t, "version: 2\nauth:\n  jwt_secret: s\n"))
	var verr *VersionError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *VersionError, got %v", err)
	}
	if !strings.Contains(verr.Error(), "newer than this build") {
		t.Fatalf("unexpected message: %v", verr)
	}
}

func TestLoadRecurringTemplate(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: s
notifications:
  recurring:
    - name: weekly-report
      schedule: "0 9 * * MON"
      role: admin
      organization_id: "42"
      template:
        type: analytics_report
        title: Weekly report
        message: Your report is ready
        channels: [websocket, email]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	job := cfg.Notifications.Recurring[0]
	if job.Template.Type != models.TypeAnalyticsReport {
		t.Fatalf("unexpected template type %q", job.Template.Type)
	}
	if len(job.Template.Channels) != 2 || job.Template.Channels[0] != models.ChannelRealtime {
		t.Fatalf("expected websocket alias to decode as realtime, got %v", job.Template.Channels)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeNamedConfig(t, dir, "base.yaml", `
gateway:
  max_connections: 50
  send_buffer: 8
`)
	writeNamedConfig(t, dir, "secrets.json5", `{
  // comments are allowed here
  auth: { jwt_secret: "included" },
}`)
	path := writeNamedConfig(t, dir, "fabric.yaml", `
$include: [base.yaml, secrets.json5]
gateway:
  max_connections: 75
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.MaxConnections != 75 || cfg.Gateway.SendBuffer != 8 {
		t.Fatalf("expected merged gateway config, got %+v", cfg.Gateway)
	}
	if cfg.Auth.JWTSecret != "included" {
		t.Fatalf("expected included secret, got %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeNamedConfig(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeNamedConfig(t, dir, "b.yaml", "$include: a.yaml\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestJSONSchemaUsesYAMLNames(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if !strings.Contains(string(data), "max_connections") {
		t.Fatalf("expected yaml field names in schema")
	}
}
