package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mewayz/fabric/internal/config"
	"github.com/mewayz/fabric/internal/providers/logsink"
	"github.com/mewayz/fabric/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "config", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestConfigValidateCommand(t *testing.T) {
	good := writeFile(t, "fabric.yaml", "auth:\n  jwt_secret: s3cret\n")
	bad := writeFile(t, "bad.yaml", "storage:\n  driver: cassandra\n")

	var out bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "validate", "--config", good})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate good config: %v", err)
	}
	if !strings.Contains(out.String(), ": ok") || !strings.Contains(out.String(), "storage:   memory") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	out.Reset()
	cmd = buildRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "validate", "--config", bad})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"auth requires jwt_secret", `storage.driver "cassandra"`} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "schema"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, want := range []string{`"gateway"`, `"notifications"`, `"heartbeat_interval"`} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("schema missing %s", want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "fabric dev") {
		t.Fatalf("version output = %q", out.String())
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("FABRIC_CONFIG", "/etc/fabric/env.yaml")
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("explicit path = %q", got)
	}
	if got := resolveConfigPath(defaultConfigPath); got != "/etc/fabric/env.yaml" {
		t.Fatalf("env path = %q", got)
	}
	t.Setenv("FABRIC_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Fatalf("default path = %q", got)
	}
}

func TestLoadSeedUsers(t *testing.T) {
	path := writeFile(t, "users.json5", `[
  // operators
  {id: "u-1", role: "admin", plan: "Pro", organizationId: "org-1"},
  {id: "u-2", email: "bo@example.com"},
]`)
	users, err := loadSeedUsers(path)
	if err != nil {
		t.Fatalf("loadSeedUsers() error = %v", err)
	}
	if len(users) != 2 || users[0].Role != models.RoleAdmin || users[1].Email != "bo@example.com" {
		t.Fatalf("users = %+v", users)
	}

	if users, err := loadSeedUsers(""); err != nil || users != nil {
		t.Fatalf("empty path = %v, %v", users, err)
	}
	missingID := writeFile(t, "bad.json", `[{"name":"nobody"}]`)
	if _, err := loadSeedUsers(missingID); err == nil {
		t.Fatal("expected error for user without id")
	}
}

func TestOpenStoresMemoryWithSeed(t *testing.T) {
	path := writeFile(t, "users.json", `[{"id":"u-1","organizationId":"org-1"}]`)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores, err := openStores(context.Background(), config.StorageConfig{Driver: "memory", SeedFile: path}, logger)
	if err != nil {
		t.Fatalf("openStores() error = %v", err)
	}
	defer stores.Close()
	user, err := stores.Users.GetUser(context.Background(), "u-1")
	if err != nil || user.OrganizationID != "org-1" {
		t.Fatalf("GetUser() = %+v, %v", user, err)
	}
}

func TestBuildProvidersFallsBackToLogSinks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	email, sms, push, err := buildProviders(context.Background(), cfg.Providers, cfg.Notifications, logger)
	if err != nil {
		t.Fatalf("buildProviders() error = %v", err)
	}
	if _, ok := email.(*logsink.Email); !ok {
		t.Errorf("email = %T, want log sink", email)
	}
	if _, ok := sms.(*logsink.SMS); !ok {
		t.Errorf("sms = %T, want log sink", sms)
	}
	if _, ok := push.(*logsink.Push); !ok {
		t.Errorf("push = %T, want log sink", push)
	}
}

func TestConfigMapping(t *testing.T) {
	jobs := recurringJobs([]config.RecurringJobConfig{{
		Name:     "weekly",
		Schedule: "@weekly",
		Role:     "admin",
		Template: models.NotificationRequest{Type: models.TypeAnalyticsReport, Title: "Weekly", Message: "Report"},
	}})
	if len(jobs) != 1 || jobs[0].Role != models.RoleAdmin || jobs[0].Template.Title != "Weekly" {
		t.Fatalf("jobs = %+v", jobs)
	}

	ac := authConfig(config.AuthConfig{
		JWTSecret: "s",
		APIKeys:   []config.APIKeyConfig{{Key: "k", UserID: "svc", Role: "admin"}},
	})
	if ac.JWTSecret != "s" || len(ac.APIKeys) != 1 || ac.APIKeys[0].UserID != "svc" || ac.APIKeys[0].Role != "admin" {
		t.Fatalf("auth config = %+v", ac)
	}
}
