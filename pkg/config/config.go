// Package config provides configuration structures and loading logic for the gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAdminAddress    = ":19090"
	defaultDataAddress     = ":8090"
	defaultServiceName     = "polis-gateway"
	defaultUpstreamTimeout = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultChunkSize       = 32 * 1024
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the data and admin listeners.
type ServerConfig struct {
	AdminAddress    string        `yaml:"admin_address"`
	DataAddress     string        `yaml:"data_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             *TLSConfig    `yaml:"tls,omitempty"`
}

// TLSConfig enables TLS on the data listener.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file,omitempty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
}

// GatewayConfig holds the engine settings.
type GatewayConfig struct {
	// APIsFile is the YAML document holding the API definitions. It is watched
	// for changes.
	APIsFile        string               `yaml:"apis_file"`
	UpstreamTimeout time.Duration        `yaml:"upstream_timeout"`
	ChunkSize       int                  `yaml:"chunk_size"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig guards each upstream host. ConsecutiveFailures of zero
// disables breaking.
type CircuitBreakerConfig struct {
	ConsecutiveFailures int           `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenRequests    int           `yaml:"half_open_requests"`
	Interval            time.Duration `yaml:"interval"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    defaultAdminAddress,
			DataAddress:     defaultDataAddress,
			ReadTimeout:     30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Telemetry: TelemetryConfig{
			ServiceName: defaultServiceName,
		},
		Gateway: GatewayConfig{
			UpstreamTimeout: defaultUpstreamTimeout,
			ChunkSize:       defaultChunkSize,
			CircuitBreaker: CircuitBreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
				HalfOpenRequests:    1,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("GATEWAY_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("GATEWAY_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}

	if val := os.Getenv("GATEWAY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("GATEWAY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("GATEWAY_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}

	if val := os.Getenv("GATEWAY_APIS_FILE"); val != "" {
		cfg.Gateway.APIsFile = val
	}
	if val := os.Getenv("GATEWAY_UPSTREAM_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("GATEWAY_UPSTREAM_TIMEOUT: %w", err)
		}
		cfg.Gateway.UpstreamTimeout = d
	}
	if val := os.Getenv("GATEWAY_CHUNK_SIZE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("GATEWAY_CHUNK_SIZE: %w", err)
		}
		cfg.Gateway.ChunkSize = n
	}

	if val := os.Getenv("GATEWAY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("GATEWAY_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	// TLS environment overrides
	cert, key := os.Getenv("GATEWAY_TLS_CERT_FILE"), os.Getenv("GATEWAY_TLS_KEY_FILE")
	if cert != "" || key != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		if cert != "" {
			cfg.Server.TLS.CertFile = cert
		}
		if key != "" {
			cfg.Server.TLS.KeyFile = key
		}
	}
	return nil
}

// Validate performs validation of the whole configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = defaultAdminAddress
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = defaultDataAddress
	}
	if c.AdminAddress == c.DataAddress {
		return fmt.Errorf("admin_address and data_address are both %q", c.DataAddress)
	}

	var errs []error
	if c.ReadTimeout < 0 {
		errs = append(errs, errors.New("read_timeout must not be negative"))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, errors.New("write_timeout must not be negative"))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, errors.New("idle_timeout must not be negative"))
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("TLS configuration: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks that a certificate and key are both present.
func (c *TLSConfig) Validate() error {
	if strings.TrimSpace(c.CertFile) == "" || strings.TrimSpace(c.KeyFile) == "" {
		return errors.New("cert_file and key_file are required")
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = defaultServiceName
	}
	return nil
}

// Validate performs validation of gateway configuration
func (c *GatewayConfig) Validate() error {
	var errs []error
	if c.UpstreamTimeout < 0 {
		errs = append(errs, errors.New("upstream_timeout must not be negative"))
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = defaultUpstreamTimeout
	}
	if c.ChunkSize < 0 {
		errs = append(errs, errors.New("chunk_size must not be negative"))
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = defaultChunkSize
	}

	cb := c.CircuitBreaker
	if cb.ConsecutiveFailures < 0 {
		errs = append(errs, errors.New("circuit_breaker.consecutive_failures must not be negative"))
	}
	if cb.OpenTimeout < 0 || cb.Interval < 0 {
		errs = append(errs, errors.New("circuit_breaker durations must not be negative"))
	}
	if cb.HalfOpenRequests < 0 {
		errs = append(errs, errors.New("circuit_breaker.half_open_requests must not be negative"))
	}
	return errors.Join(errs...)
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	if strings.TrimSpace(c.Format) == "" {
		c.Format = "json"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}
