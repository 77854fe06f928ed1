package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temporary directory and creates the
// batchd config directory inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()

	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	if err := os.MkdirAll(filepath.Join(tmpHome, ".config", "batchd"), 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	return tmpHome
}

func writeConfig(t *testing.T, home, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(home, ".config", "batchd", "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeConfig(t, home, `server:
  http_port: 9191
  http_host: 127.0.0.1

credentials:
  keys:
    - sk-one
    - sk-two

quarantine:
  rate_limit_base: 45s
  max_backoff: 10m

scheduler:
  slots: 4

checkpoint:
  backend: memory

observability:
  enable_telemetry: true
  service_name: batchd-test
`, 0600)

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if len(cfg.Credentials.Keys) != 2 || cfg.Credentials.Keys[1].Value() != "sk-two" {
		t.Errorf("Credentials.Keys = %v, want two keys", cfg.Credentials.Keys)
	}
	if cfg.Quarantine.RateLimitBase != 45*time.Second {
		t.Errorf("Quarantine.RateLimitBase = %v, want 45s", cfg.Quarantine.RateLimitBase)
	}
	if cfg.Quarantine.MaxBackoff != 10*time.Minute {
		t.Errorf("Quarantine.MaxBackoff = %v, want 10m", cfg.Quarantine.MaxBackoff)
	}
	if cfg.Scheduler.Slots != 4 {
		t.Errorf("Scheduler.Slots = %d, want 4", cfg.Scheduler.Slots)
	}
	if cfg.Checkpoint.Backend != BackendMemory {
		t.Errorf("Checkpoint.Backend = %q, want memory", cfg.Checkpoint.Backend)
	}
	if cfg.Observability.ServiceName != "batchd-test" {
		t.Errorf("Observability.ServiceName = %q, want %q", cfg.Observability.ServiceName, "batchd-test")
	}
}

func TestLoadWithFile_Defaults(t *testing.T) {
	home := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(home, ".config", "batchd", "config.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() should not error on missing file, got: %v", err)
	}

	if cfg.Server.Port != 9464 {
		t.Errorf("Server.Port = %d, want 9464", cfg.Server.Port)
	}
	if cfg.Quarantine.RateLimitBase != 30*time.Second {
		t.Errorf("Quarantine.RateLimitBase = %v, want 30s", cfg.Quarantine.RateLimitBase)
	}
	if cfg.Quarantine.MaxBackoff != 15*time.Minute {
		t.Errorf("Quarantine.MaxBackoff = %v, want 15m", cfg.Quarantine.MaxBackoff)
	}
	if cfg.Quarantine.Window != time.Hour {
		t.Errorf("Quarantine.Window = %v, want 1h", cfg.Quarantine.Window)
	}
	if cfg.Batch.MaxAttempts != 3 {
		t.Errorf("Batch.MaxAttempts = %d, want 3", cfg.Batch.MaxAttempts)
	}
	if cfg.Checkpoint.Backend != BackendFile {
		t.Errorf("Checkpoint.Backend = %q, want file", cfg.Checkpoint.Backend)
	}
	if want := filepath.Join(home, ".local", "state", "batchd"); cfg.Checkpoint.Dir != want {
		t.Errorf("Checkpoint.Dir = %q, want %q", cfg.Checkpoint.Dir, want)
	}
	if cfg.Observability.EnableTelemetry {
		t.Error("Observability.EnableTelemetry = true, want false (disabled by default)")
	}
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeConfig(t, home, `server:
  http_port: 9191
quarantine:
  rate_limit_base: 30s
`, 0600)

	t.Setenv("BATCHD_SERVER_HTTP_PORT", "7777")
	t.Setenv("BATCHD_QUARANTINE_RATE_LIMIT_BASE", "2s")
	t.Setenv("BATCHD_CREDENTIALS_ENV", "KEY_A,KEY_B")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (from env override)", cfg.Server.Port)
	}
	if cfg.Quarantine.RateLimitBase != 2*time.Second {
		t.Errorf("Quarantine.RateLimitBase = %v, want 2s (from env override)", cfg.Quarantine.RateLimitBase)
	}
	if len(cfg.Credentials.Env) != 2 || cfg.Credentials.Env[0] != "KEY_A" {
		t.Errorf("Credentials.Env = %v, want [KEY_A KEY_B]", cfg.Credentials.Env)
	}
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeConfig(t, home, `server:
  http_port: not-a-number
  invalid syntax here
`, 0600)

	if _, err := LoadWithFile(configPath); err == nil {
		t.Error("LoadWithFile() should error on invalid YAML, got nil")
	}
}

func TestLoadWithFile_Validation(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeConfig(t, home, `server:
  http_port: 99999
`, 0600)

	if _, err := LoadWithFile(configPath); err == nil {
		t.Error("LoadWithFile() should error on invalid port, got nil")
	}
}

func TestLoadWithFile_PathTraversal(t *testing.T) {
	setupTestHome(t)

	_, err := LoadWithFile("../../../../etc/passwd")
	if err == nil {
		t.Fatal("Expected error for path traversal, got nil")
	}
	if !strings.Contains(err.Error(), "must be in ~/.config/batchd/ or /etc/batchd/") {
		t.Errorf("Expected path validation error, got: %v", err)
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}
	home := setupTestHome(t)

	configPath := writeConfig(t, home, "server:\n  http_port: 9191\n", 0644)

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("Expected error for insecure permissions, got nil")
	}
	if !strings.Contains(err.Error(), "insecure") {
		t.Errorf("Expected 'insecure permissions' error, got: %v", err)
	}
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	home := setupTestHome(t)

	path := filepath.Join(home, ".config", "batchd", "config.yaml")
	largeContent := bytes.Repeat([]byte("# comment line\n"), 150000)
	if err := os.WriteFile(path, largeContent, 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadWithFile(path)
	if err == nil {
		t.Fatal("Expected error for large file, got nil")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected 'too large' error, got: %v", err)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"BATCHD_SERVER_HTTP_PORT":       "server.http_port",
		"BATCHD_QUARANTINE_MAX_BACKOFF": "quarantine.max_backoff",
		"BATCHD_CHECKPOINT_STALE_AFTER": "checkpoint.stale_after",
		"BATCHD_DEBUG":                  "debug",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
