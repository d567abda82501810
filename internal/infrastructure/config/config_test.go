package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
server:
  host: "10.0.0.5"
  port: 6000
supervisor:
  output_root: "/tmp/runs"
  check_interval: 2s
  graceful_timeout: 3s
locks:
  default_timeout: 4s
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Server.Address(); got != "10.0.0.5:6000" {
		t.Errorf("Server.Address() = %q, want %q", got, "10.0.0.5:6000")
	}
	if cfg.Supervisor.CheckInterval != 2*time.Second {
		t.Errorf("Supervisor.CheckInterval = %v, want 2s", cfg.Supervisor.CheckInterval)
	}
	if cfg.Supervisor.GracefulTimeout != 3*time.Second {
		t.Errorf("Supervisor.GracefulTimeout = %v, want 3s", cfg.Supervisor.GracefulTimeout)
	}
	if cfg.Locks.DefaultTimeout != 4*time.Second {
		t.Errorf("Locks.DefaultTimeout = %v, want 4s", cfg.Locks.DefaultTimeout)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.MQTT.Broker.ClientID != "test-client" {
		t.Errorf("MQTT.Broker.ClientID = %q, want %q", cfg.MQTT.Broker.ClientID, "test-client")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, DefaultServerPort)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
	if _, err := LoadOrDefault(configPath); err == nil {
		t.Error("LoadOrDefault() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BENCHRIG_SERVER_HOST", "192.168.1.20")
	t.Setenv("BENCHRIG_SERVER_PORT", "7001")
	t.Setenv("BENCHRIG_DATABASE_PATH", "/var/lib/benchrig/runs.db")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}

	if got := cfg.Server.Address(); got != "192.168.1.20:7001" {
		t.Errorf("Server.Address() = %q, want %q", got, "192.168.1.20:7001")
	}
	if cfg.Database.Path != "/var/lib/benchrig/runs.db" {
		t.Errorf("Database.Path = %q, want override", cfg.Database.Path)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "empty server host",
			mutate:  func(c *Config) { c.Server.Host = "" },
			wantErr: true,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "check interval below one second",
			mutate:  func(c *Config) { c.Supervisor.CheckInterval = 500 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "no wait-forever lock timeout",
			mutate:  func(c *Config) { c.Locks.DefaultTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "database enabled without path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name: "database disabled without path",
			mutate: func(c *Config) {
				c.Database.Enabled = false
				c.Database.Path = ""
			},
			wantErr: false,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "influxdb enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: true,
		},
		{
			name: "http enabled without listen",
			mutate: func(c *Config) {
				c.HTTP.Enabled = true
				c.HTTP.Listen = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
