package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrKeyPairIncomplete is returned when only one half of a key pair is configured.
var ErrKeyPairIncomplete = errors.New("both certificate and key files are required")

// ServerConfig holds the listener TLS material.
type ServerConfig struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

// ClientConfig holds the TLS material used to reach an upstream.
type ClientConfig struct {
	// TrustAll disables server certificate verification.
	TrustAll bool
	// TrustStore is a PEM bundle replacing the system roots.
	TrustStore string
	CertFile   string
	KeyFile    string
	ServerName string
}

// IsZero reports whether the configuration leaves every default in place.
func (c ClientConfig) IsZero() bool {
	return c == ClientConfig{}
}

// BuildServer constructs a TLS configuration for the inbound listener.
func BuildServer(cfg ServerConfig) (*tls.Config, error) {
	certificate, err := loadKeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	if certificate == nil {
		return nil, fmt.Errorf("load server certificate: %w", ErrKeyPairIncomplete)
	}

	serverConfig := &tls.Config{
		Certificates: []tls.Certificate{*certificate},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientCAFile != "" {
		caPool, err := loadCertPool(cfg.ClientCAFile)
		if err != nil {
			return nil, err
		}
		serverConfig.ClientCAs = caPool
		serverConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return serverConfig, nil
}

// BuildClient constructs a TLS configuration for upstream connections.
func BuildClient(cfg ClientConfig) (*tls.Config, error) {
	clientConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}

	if cfg.TrustAll {
		clientConfig.InsecureSkipVerify = true //nolint:gosec // Explicit per-target opt-in.
	} else if cfg.TrustStore != "" {
		caPool, err := loadCertPool(cfg.TrustStore)
		if err != nil {
			return nil, err
		}
		clientConfig.RootCAs = caPool
	}

	certificate, err := loadKeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	if certificate != nil {
		clientConfig.Certificates = []tls.Certificate{*certificate}
	}

	return clientConfig, nil
}

func loadKeyPair(certFile, keyFile string) (*tls.Certificate, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, ErrKeyPairIncomplete
	}
	certificate, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return nil, err
	}
	return &certificate, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	cleanPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("resolve CA bundle path %q: %w", path, err)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", cleanPath)
	}
	return pool, nil
}
