// Package config provides configuration loading and validation for the
// evidence platform core. It uses koanf to merge environment variables with
// optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the platform core.
type Config struct {
	Env string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Blob storage (S3/R2 compatible)
	BlobBucketName      string `koanf:"blob_bucket_name"`
	BlobAccessKeyID     string `koanf:"blob_access_key_id"`
	BlobSecretAccessKey string `koanf:"blob_secret_access_key"`
	BlobEndpoint        string `koanf:"blob_endpoint"`

	// Evidence pipeline
	MaxArtifactSizeMB int `koanf:"max_artifact_size_mb"` // Default: 64MB

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporterType string  `koanf:"tracing_exporter_type"` // otlp-grpc or otlp-http
	TracingOTLPEndpoint string  `koanf:"tracing_otlp_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL         = errors.New("DATABASE_URL is required")
	ErrMissingBlobBucketName      = errors.New("BLOB_BUCKET_NAME is required")
	ErrMissingBlobAccessKeyID     = errors.New("BLOB_ACCESS_KEY_ID is required")
	ErrMissingBlobSecretAccessKey = errors.New("BLOB_SECRET_ACCESS_KEY is required")
	ErrMissingBlobEndpoint        = errors.New("BLOB_ENDPOINT is required")
	ErrInvalidMaxArtifactSize     = errors.New("MAX_ARTIFACT_SIZE_MB must be a valid integer")
	ErrInvalidSamplingRate        = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
)

// Default values for non-secret configuration.
const (
	DefaultEnv                 = "development"
	DefaultMaxArtifactSizeMB   = 64
	DefaultTracingSamplingRate = 0.1
)

// Load reads configuration from environment variables and an optional config
// file. Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is
// returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	maxArtifactSize, sizeErr := getEnvIntOrDefault("MAX_ARTIFACT_SIZE_MB", k.Int("max_artifact_size_mb"), DefaultMaxArtifactSizeMB)
	if sizeErr != nil {
		loadErrs = append(loadErrs, sizeErr)
	}

	samplingRate, rateErr := getEnvFloatOrDefault("TRACING_SAMPLING_RATE", k.Float64("tracing_sampling_rate"), DefaultTracingSamplingRate)
	if rateErr != nil {
		loadErrs = append(loadErrs, rateErr)
	}

	tracingEnabled := k.Bool("tracing_enabled")
	if val := os.Getenv("TRACING_ENABLED"); val != "" {
		// Env var takes precedence over file config
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			tracingEnabled = true
		case "false", "0", "no", "off":
			tracingEnabled = false
		}
	}

	cfg := &Config{
		Env:                 getEnvOrDefaultMulti([]string{"NZILA_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:         getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		BlobBucketName:      getEnvOrKoanf("BLOB_BUCKET_NAME", k, "blob_bucket_name"),
		BlobAccessKeyID:     getEnvOrKoanf("BLOB_ACCESS_KEY_ID", k, "blob_access_key_id"),
		BlobSecretAccessKey: getEnvOrKoanf("BLOB_SECRET_ACCESS_KEY", k, "blob_secret_access_key"),
		BlobEndpoint:        getEnvOrKoanf("BLOB_ENDPOINT", k, "blob_endpoint"),
		MaxArtifactSizeMB:   maxArtifactSize,
		TracingEnabled:      tracingEnabled,
		TracingExporterType: getEnvOrKoanf("TRACING_EXPORTER_TYPE", k, "tracing_exporter_type"),
		TracingOTLPEndpoint: getEnvOrKoanf("TRACING_OTLP_ENDPOINT", k, "tracing_otlp_endpoint"),
		TracingSamplingRate: samplingRate,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise
// the koanf value, or default. Returns an error if the environment variable is
// set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidMaxArtifactSize)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set,
// otherwise the koanf value, or default. Returns an error if the environment
// variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}

	// Blob storage is optional (the CLI's local mode needs none of it), but
	// a partial blob configuration is always a mistake.
	if c.BlobBucketName != "" || c.BlobAccessKeyID != "" || c.BlobSecretAccessKey != "" || c.BlobEndpoint != "" {
		if c.BlobBucketName == "" {
			errs = append(errs, ErrMissingBlobBucketName)
		}
		if c.BlobAccessKeyID == "" {
			errs = append(errs, ErrMissingBlobAccessKeyID)
		}
		if c.BlobSecretAccessKey == "" {
			errs = append(errs, ErrMissingBlobSecretAccessKey)
		}
		if c.BlobEndpoint == "" {
			errs = append(errs, ErrMissingBlobEndpoint)
		}
	}

	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		errs = append(errs, ErrInvalidSamplingRate)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"env":                    c.Env,
		"database_url":           maskDatabaseURL(c.DatabaseURL),
		"blob_bucket_name":       c.BlobBucketName,
		"blob_access_key_id":     maskSecret(c.BlobAccessKeyID),
		"blob_secret_access_key": maskSecret(c.BlobSecretAccessKey),
		"blob_endpoint":          c.BlobEndpoint,
		"max_artifact_size_mb":   fmt.Sprintf("%d", c.MaxArtifactSizeMB),
		"tracing_enabled":        fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_exporter_type":  c.TracingExporterType,
		"tracing_otlp_endpoint":  c.TracingOTLPEndpoint,
		"tracing_sampling_rate":  fmt.Sprintf("%g", c.TracingSamplingRate),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters
// followed by ****. If the secret is shorter than 8 characters, it's fully
// masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a database URL.
// Supports both postgres:// and postgresql:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
