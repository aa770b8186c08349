package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qoptics/wavemeterd/internal/infrastructure/config"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	originalEnv := os.Getenv("WAVEMETERD_CONFIG")
	defer os.Setenv("WAVEMETERD_CONFIG", originalEnv)

	os.Setenv("WAVEMETERD_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when the database is
// enabled without a path.
func TestRun_MissingDatabasePath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
driver:
  type: sim

database:
  enabled: true
  path: ""

influxdb:
  enabled: false

mqtt:
  enabled: false

logging:
  level: error
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("WAVEMETERD_CONFIG")
	defer os.Setenv("WAVEMETERD_CONFIG", originalEnv)
	os.Setenv("WAVEMETERD_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("WAVEMETERD_CONFIG")
	defer os.Setenv("WAVEMETERD_CONFIG", originalEnv)

	os.Unsetenv("WAVEMETERD_CONFIG")

	path := getConfigPath()
	if path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv := os.Getenv("WAVEMETERD_CONFIG")
	defer os.Setenv("WAVEMETERD_CONFIG", originalEnv)

	expected := "/custom/path/config.yaml"
	os.Setenv("WAVEMETERD_CONFIG", expected)

	path := getConfigPath()
	if path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestHealthCheck_AllDisabled verifies the health check passes when every
// optional backend is disabled.
func TestHealthCheck_AllDisabled(t *testing.T) {
	if err := healthCheck(context.Background(), nil, nil, nil); err != nil {
		t.Errorf("healthCheck() with no backends = %v, want nil", err)
	}
}

// TestStreamChannels verifies per-channel zeros resolve against the
// stream defaults while explicit values survive.
func TestStreamChannels(t *testing.T) {
	cfg := config.StreamConfig{
		TargetBinSize:  128,
		MaxBinDuration: 10,
		Channels: []config.ChannelConfig{
			{Name: "wavelength_vac_nm", Kind: "wavelength"},
			{Name: "temperature_celsius", Kind: "temperature", TargetBinSize: 32, MaxBinDuration: 60},
		},
	}

	channels := streamChannels(cfg)
	if len(channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(channels))
	}

	if channels[0].TargetBinSize != 128 {
		t.Errorf("inherited bin size = %d, want 128", channels[0].TargetBinSize)
	}
	if channels[0].MaxBinDuration != 10*time.Second {
		t.Errorf("inherited duration = %v, want 10s", channels[0].MaxBinDuration)
	}

	if channels[1].TargetBinSize != 32 {
		t.Errorf("explicit bin size = %d, want 32", channels[1].TargetBinSize)
	}
	if channels[1].MaxBinDuration != time.Minute {
		t.Errorf("explicit duration = %v, want 1m", channels[1].MaxBinDuration)
	}
}

// TestRun_SuccessfulStartupAndShutdown runs the daemon self-contained:
// with every optional backend disabled the sim driver, the engine and the
// API are all that start, and the context timeout drives a clean shutdown.
func TestRun_SuccessfulStartupAndShutdown(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
driver:
  type: sim
  sim:
    interval_ms: 50

database:
  enabled: false

influxdb:
  enabled: false

mqtt:
  enabled: false

api:
  host: "127.0.0.1"
  port: 14008

logging:
  level: error
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("WAVEMETERD_CONFIG")
	defer os.Setenv("WAVEMETERD_CONFIG", originalEnv)
	os.Setenv("WAVEMETERD_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v, want clean shutdown", err)
	}
}

// TestRun_DatabaseEnabled verifies the daemon starts with the SQLite bin
// history enabled and runs its migrations against a fresh file.
func TestRun_DatabaseEnabled(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	dbPath := filepath.Join(tmpDir, "test.db")

	configContent := `
driver:
  type: sim
  sim:
    interval_ms: 50

database:
  enabled: true
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

influxdb:
  enabled: false

mqtt:
  enabled: false

api:
  host: "127.0.0.1"
  port: 14009

logging:
  level: error
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("WAVEMETERD_CONFIG")
	defer os.Setenv("WAVEMETERD_CONFIG", originalEnv)
	os.Setenv("WAVEMETERD_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v, want clean shutdown", err)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}
