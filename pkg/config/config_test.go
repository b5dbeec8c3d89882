package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	configContent := `
server:
  admin_address: ":29090"
  data_address: ":9443"
  read_timeout: 15s
  shutdown_timeout: 5s
  tls:
    cert_file: "/path/to/cert.pem"
    key_file: "/path/to/key.pem"
    client_ca_file: "/path/to/ca.pem"

telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  environment: "staging"

gateway:
  apis_file: "apis.yaml"
  upstream_timeout: 5s
  chunk_size: 4096
  circuit_breaker:
    consecutive_failures: 3
    open_timeout: 10s

logging:
  level: "DEBUG"
  format: "text"
`
	configPath := writeFile(t, t.TempDir(), "config.yaml", configContent)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.AdminAddress != ":29090" || cfg.Server.DataAddress != ":9443" {
		t.Errorf("Unexpected addresses: admin %q data %q", cfg.Server.AdminAddress, cfg.Server.DataAddress)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Expected read_timeout 15s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.IdleTimeout != 120*time.Second {
		t.Errorf("Expected default idle_timeout to survive, got %v", cfg.Server.IdleTimeout)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.ClientCAFile != "/path/to/ca.pem" {
		t.Fatalf("Expected TLS configuration with client CA, got %+v", cfg.Server.TLS)
	}

	if !cfg.Telemetry.Insecure || cfg.Telemetry.Environment != "staging" {
		t.Errorf("Unexpected telemetry configuration: %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.ServiceName != defaultServiceName {
		t.Errorf("Expected default service name, got %q", cfg.Telemetry.ServiceName)
	}

	if cfg.Gateway.APIsFile != "apis.yaml" {
		t.Errorf("Expected apis_file 'apis.yaml', got %q", cfg.Gateway.APIsFile)
	}
	if cfg.Gateway.UpstreamTimeout != 5*time.Second {
		t.Errorf("Expected upstream_timeout 5s, got %v", cfg.Gateway.UpstreamTimeout)
	}
	if cfg.Gateway.ChunkSize != 4096 {
		t.Errorf("Expected chunk_size 4096, got %d", cfg.Gateway.ChunkSize)
	}
	cb := cfg.Gateway.CircuitBreaker
	if cb.ConsecutiveFailures != 3 || cb.OpenTimeout != 10*time.Second || cb.HalfOpenRequests != 1 {
		t.Errorf("Unexpected circuit breaker configuration: %+v", cb)
	}

	// Level is normalized to lowercase.
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Unexpected logging configuration: %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.AdminAddress != defaultAdminAddress || cfg.Server.DataAddress != defaultDataAddress {
		t.Errorf("Unexpected default addresses: %+v", cfg.Server)
	}
	if cfg.Gateway.UpstreamTimeout != defaultUpstreamTimeout {
		t.Errorf("Expected default upstream timeout, got %v", cfg.Gateway.UpstreamTimeout)
	}
	if cfg.Gateway.ChunkSize != defaultChunkSize {
		t.Errorf("Expected default chunk size, got %d", cfg.Gateway.ChunkSize)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Unexpected default logging: %+v", cfg.Logging)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		wantErr     bool
		expectedErr string
	}{
		{
			name:    "defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "conflicting addresses",
			mutate: func(c *Config) {
				c.Server.AdminAddress = ":8090"
			},
			wantErr:     true,
			expectedErr: "admin_address and data_address",
		},
		{
			name: "TLS without key",
			mutate: func(c *Config) {
				c.Server.TLS = &TLSConfig{CertFile: "/path/to/cert.pem"}
			},
			wantErr:     true,
			expectedErr: "cert_file and key_file are required",
		},
		{
			name: "negative upstream timeout",
			mutate: func(c *Config) {
				c.Gateway.UpstreamTimeout = -time.Second
			},
			wantErr:     true,
			expectedErr: "upstream_timeout",
		},
		{
			name: "negative breaker threshold",
			mutate: func(c *Config) {
				c.Gateway.CircuitBreaker.ConsecutiveFailures = -1
			},
			wantErr:     true,
			expectedErr: "consecutive_failures",
		},
		{
			name: "invalid log level",
			mutate: func(c *Config) {
				c.Logging.Level = "verbose"
			},
			wantErr:     true,
			expectedErr: "invalid log level",
		},
		{
			name: "invalid log format",
			mutate: func(c *Config) {
				c.Logging.Format = "xml"
			},
			wantErr:     true,
			expectedErr: "invalid log format",
		},
		{
			name: "zero values take defaults",
			mutate: func(c *Config) {
				c.Gateway.UpstreamTimeout = 0
				c.Gateway.ChunkSize = 0
				c.Logging = LoggingConfig{}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected validation error but got none")
				}
				if !strings.Contains(err.Error(), tt.expectedErr) {
					t.Errorf("Expected error containing %q, got %q", tt.expectedErr, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected validation error: %v", err)
			}
			if cfg.Gateway.ChunkSize <= 0 || cfg.Gateway.UpstreamTimeout <= 0 || cfg.Logging.Level == "" {
				t.Errorf("Expected defaults after validation, got %+v", cfg)
			}
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("GATEWAY_DATA_ADDR", ":7000")
	t.Setenv("GATEWAY_APIS_FILE", "/etc/gateway/apis.yaml")
	t.Setenv("GATEWAY_UPSTREAM_TIMEOUT", "2s")
	t.Setenv("GATEWAY_CHUNK_SIZE", "1024")
	t.Setenv("GATEWAY_LOG_LEVEL", "warn")
	t.Setenv("GATEWAY_TLS_CERT_FILE", "/env/cert.pem")
	t.Setenv("GATEWAY_TLS_KEY_FILE", "/env/key.pem")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.DataAddress != ":7000" {
		t.Errorf("Expected data address from environment, got %q", cfg.Server.DataAddress)
	}
	if cfg.Gateway.APIsFile != "/etc/gateway/apis.yaml" {
		t.Errorf("Expected apis file from environment, got %q", cfg.Gateway.APIsFile)
	}
	if cfg.Gateway.UpstreamTimeout != 2*time.Second {
		t.Errorf("Expected upstream timeout from environment, got %v", cfg.Gateway.UpstreamTimeout)
	}
	if cfg.Gateway.ChunkSize != 1024 {
		t.Errorf("Expected chunk size from environment, got %d", cfg.Gateway.ChunkSize)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected log level from environment, got %q", cfg.Logging.Level)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.CertFile != "/env/cert.pem" || cfg.Server.TLS.KeyFile != "/env/key.pem" {
		t.Errorf("Expected TLS from environment, got %+v", cfg.Server.TLS)
	}
}

func TestEnvironmentOverrideInvalidDuration(t *testing.T) {
	t.Setenv("GATEWAY_UPSTREAM_TIMEOUT", "soon")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "GATEWAY_UPSTREAM_TIMEOUT") {
		t.Fatalf("Expected GATEWAY_UPSTREAM_TIMEOUT error, got %v", err)
	}
}
