// Package config loads pipeline configuration from the environment with an
// optional YAML profile overlay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the capture pipeline configuration.
type Config struct {
	// Endpoint is the verifier upload URL.
	Endpoint string `yaml:"endpoint"`
	// KeystorePath is the software keystore file (fallback tier only).
	KeystorePath string `yaml:"keystore_path"`
	// JournalPath is the local capture journal database.
	JournalPath string `yaml:"journal_path"`
	// DeviceSecretPath holds the secret the software keystore wraps keys under.
	DeviceSecretPath string `yaml:"device_secret_path"`
	// RenewalTimeout bounds the wait for a credential-renewal event.
	RenewalTimeout time.Duration `yaml:"renewal_timeout"`
	// UploadRPS is the client-side upload attempt rate.
	UploadRPS float64 `yaml:"upload_rps"`
	// OTLPEndpoint enables telemetry export when set (gRPC host:port).
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// LogLevel is the slog level name.
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Endpoint:         getenv("CAPTURE_ENDPOINT", "https://verify.verisnap.dev/v1/captures"),
		KeystorePath:     getenv("CAPTURE_KEYSTORE", defaultStatePath("keystore.json")),
		JournalPath:      getenv("CAPTURE_JOURNAL", defaultStatePath("journal.db")),
		DeviceSecretPath: getenv("CAPTURE_DEVICE_SECRET", defaultStatePath("device.secret")),
		RenewalTimeout:   5 * time.Second,
		UploadRPS:        2,
		OTLPEndpoint:     os.Getenv("CAPTURE_OTLP_ENDPOINT"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
	}

	if v := os.Getenv("CAPTURE_RENEWAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RenewalTimeout = d
		}
	}
	return cfg
}

// LoadProfile overlays cfg with values from a YAML profile file. Zero-valued
// profile fields leave the existing configuration untouched.
func (c *Config) LoadProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read profile %q: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parse profile %q: %w", path, err)
	}

	if overlay.Endpoint != "" {
		c.Endpoint = overlay.Endpoint
	}
	if overlay.KeystorePath != "" {
		c.KeystorePath = overlay.KeystorePath
	}
	if overlay.JournalPath != "" {
		c.JournalPath = overlay.JournalPath
	}
	if overlay.DeviceSecretPath != "" {
		c.DeviceSecretPath = overlay.DeviceSecretPath
	}
	if overlay.RenewalTimeout != 0 {
		c.RenewalTimeout = overlay.RenewalTimeout
	}
	if overlay.UploadRPS != 0 {
		c.UploadRPS = overlay.UploadRPS
	}
	if overlay.OTLPEndpoint != "" {
		c.OTLPEndpoint = overlay.OTLPEndpoint
	}
	if overlay.LogLevel != "" {
		c.LogLevel = overlay.LogLevel
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".verisnap", name)
}
