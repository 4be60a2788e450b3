package runtime

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	config "switchboard/app/configs"
	"switchboard/app/core/orchestrator/oracle"
)

func TestRunPreflightPasses(t *testing.T) {
	cfg := validConfig(t)
	cfg.Runtime.DataDir = filepath.Join(t.TempDir(), "db")

	if err := RunPreflight(context.Background(), cfg, config.Secrets{OpenAIAPIKey: "sk-test"}); err != nil {
		t.Fatalf("expected preflight success, got %v", err)
	}
}

func TestRunPreflightRejectsInvalidConfig(t *testing.T) {
	cfg := validConfig(t)
	cfg.Oracle.Temperature = 3

	err := RunPreflight(context.Background(), cfg, config.Secrets{OpenAIAPIKey: "sk-test"})
	if err == nil {
		t.Fatalf("expected preflight failure for invalid config")
	}
}

func TestRunPreflightRejectsUnwritableSQLitePath(t *testing.T) {
	cfg := validConfig(t)
	base := t.TempDir()
	filePath := filepath.Join(base, "blocked")
	if err := os.WriteFile(filePath, []byte("x"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	cfg.Runtime.DataDir = filepath.Join(filePath, "db")

	err := RunPreflight(context.Background(), cfg, config.Secrets{OpenAIAPIKey: "sk-test"})
	if err == nil {
		t.Fatalf("expected preflight failure for unwritable sqlite path")
	}
}

func TestRunPreflightRequiresOracleCredentials(t *testing.T) {
	cfg := validConfig(t)
	if err := RunPreflight(context.Background(), cfg, config.Secrets{}); err == nil {
		t.Fatalf("expected preflight failure without api key")
	}

	cfg.Oracle.Provider = oracle.ProviderNone
	if err := RunPreflight(context.Background(), cfg, config.Secrets{}); err != nil {
		t.Fatalf("provider none should not need credentials: %v", err)
	}
}

func TestRunPreflightChecksExecOracleBinary(t *testing.T) {
	cfg := validConfig(t)
	cfg.Oracle.Provider = oracle.ProviderExec
	cfg.Oracle.ExecCommand = []string{"codex", "exec"}

	t.Setenv("PATH", t.TempDir())
	if err := RunPreflight(context.Background(), cfg, config.Secrets{}); err == nil {
		t.Fatalf("expected preflight failure for missing executor")
	}

	t.Setenv("PATH", prependFakeExecutable(t, "codex"))
	if err := RunPreflight(context.Background(), cfg, config.Secrets{}); err != nil {
		t.Fatalf("expected preflight success with executor on PATH, got %v", err)
	}
}

func TestRunPreflightRequiresEnabledChannelSecrets(t *testing.T) {
	secrets := config.Secrets{OpenAIAPIKey: "sk-test"}

	cfg := validConfig(t)
	cfg.Channels.Telegram.Enabled = true
	if err := RunPreflight(context.Background(), cfg, secrets); err == nil {
		t.Fatalf("expected failure without telegram token")
	}

	cfg = validConfig(t)
	cfg.Channels.SMS.Enabled = true
	secrets.TelnyxAPIKey = "key"
	if err := RunPreflight(context.Background(), cfg, secrets); err == nil {
		t.Fatalf("expected failure without sms from number")
	}
	cfg.Channels.SMS.FromNumber = "+15550001111"
	if err := RunPreflight(context.Background(), cfg, secrets); err != nil {
		t.Fatalf("expected sms preflight success, got %v", err)
	}
}

func TestValidateConfigRejectsUnknownNotifyChannel(t *testing.T) {
	cfg := validConfig(t)
	cfg.Notify.Channel = "pager"
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected invalid notify channel error")
	}
}

func validConfig(t *testing.T) config.Config {
	t.Helper()
	mgr, err := config.NewManager(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("new config manager: %v", err)
	}
	cfg := mgr.Get()
	cfg.Runtime.DataDir = filepath.Join(t.TempDir(), "db")
	return cfg
}

func prependFakeExecutable(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	content := "#!/bin/sh\nexit 0\n"
	if runtime.GOOS == "windows" {
		path += ".bat"
		content = "@echo off\r\nexit /b 0\r\n"
	}
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatalf("write fake executable: %v", err)
	}
	return dir + string(os.PathListSeparator) + os.Getenv("PATH")
}
