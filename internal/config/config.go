// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the milter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pantosmime/pantosmime/internal/session"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	Milter       MilterConfig       `yaml:"milter"`
	Certificates CertificatesConfig `yaml:"certificates"`
	Encryption   EncryptionConfig   `yaml:"encryption"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MilterConfig holds the listener configuration.
type MilterConfig struct {
	ListenNetwork  string `yaml:"listen_network"`
	ListenAddress  string `yaml:"listen_address"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	IdleTimeout    int    `yaml:"idle_timeout"`
}

// CertificatesConfig holds the certificate store configuration.
type CertificatesConfig struct {
	Directory string `yaml:"directory"`
}

// EncryptionConfig holds the encryption policy configuration.
type EncryptionConfig struct {
	Forced               []string `yaml:"forced"`
	OnMissingCertificate string   `yaml:"on_missing_certificate"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent and
// that required fields are present.
func (c *Config) Validate() error {
	switch c.Milter.ListenNetwork {
	case "tcp", "unix":
	default:
		return fmt.Errorf("invalid listen network %q: must be tcp or unix", c.Milter.ListenNetwork)
	}
	if c.Milter.ListenAddress == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Milter.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive, got %d", c.Milter.MaxMessageSize)
	}
	if c.Milter.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %d", c.Milter.IdleTimeout)
	}
	if c.Certificates.Directory == "" {
		return fmt.Errorf("certificate directory must not be empty")
	}
	if _, err := session.ParsePolicy(c.Encryption.OnMissingCertificate); err != nil {
		return err
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Milter.ListenNetwork = "tcp"
	c.Milter.ListenAddress = "127.0.0.1:22666"
	c.Milter.MaxMessageSize = defaultMaxMessageSize
	c.Milter.IdleTimeout = 60
	c.Encryption.OnMissingCertificate = "reject"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MILTER_LISTEN_NETWORK"); v != "" {
		c.Milter.ListenNetwork = v
	}
	if v := os.Getenv("MILTER_LISTEN_ADDRESS"); v != "" {
		c.Milter.ListenAddress = v
	}
	if v := os.Getenv("MILTER_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Milter.MaxMessageSize = size
		}
	}
	if v := os.Getenv("MILTER_IDLE_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Milter.IdleTimeout = secs
		}
	}

	if v := os.Getenv("CERT_DIRECTORY"); v != "" {
		c.Certificates.Directory = v
	}

	if v := os.Getenv("FORCED_ADDRESSES"); v != "" {
		c.Encryption.Forced = splitAddresses(v)
	}
	if v := os.Getenv("ON_MISSING_CERTIFICATE"); v != "" {
		c.Encryption.OnMissingCertificate = strings.ToLower(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// splitAddresses parses a comma-separated address list, dropping empty
// entries and surrounding whitespace.
func splitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
