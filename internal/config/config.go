// Package config loads the gateway's backend descriptors and runtime
// settings, following a defaults -> file -> env precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend describes one egress backend as listed in the config file.
type Backend struct {
	Port      int    `json:"port"`
	ID        int    `json:"id"`
	Namespace string `json:"namespace"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`     // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // gatewayd
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// RefreshConfig holds the IP-rotation/validation worker settings.
type RefreshConfig struct {
	ManagePoolScript  string        `json:"manage_pool_script"`
	RefreshTimeout    time.Duration `json:"refresh_timeout"`    // hard cap on the rotation subprocess
	RefreshWait       time.Duration `json:"refresh_wait"`       // sleep after a successful rotation
	ValidationTimeout time.Duration `json:"validation_timeout"` // SOCKS5 CONNECT probe deadline
	ValidationHost    string        `json:"validation_host"`    // probe target host
	ValidationPort    int           `json:"validation_port"`    // probe target port
}

// Config is the complete runtime configuration for gatewayd.
type Config struct {
	Backends []Backend `json:"backends"`

	APISecretToken string `json:"api_secret_token"`
	APIAddr        string `json:"api_addr"`

	SOCKSHost string `json:"socks_host"`
	SOCKSPort int    `json:"socks_port"`

	Refresh RefreshConfig `json:"refresh"`

	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// DefaultConfig returns the configuration used when no file or env
// override is present.
func DefaultConfig() *Config {
	return &Config{
		Backends:       nil,
		APISecretToken: "",
		APIAddr:        ":5000",
		SOCKSHost:      "0.0.0.0",
		SOCKSPort:      10880,
		Refresh: RefreshConfig{
			ManagePoolScript:  "manage_pool.sh",
			RefreshTimeout:    60 * time.Second,
			RefreshWait:       5 * time.Second,
			ValidationTimeout: 10 * time.Second,
			ValidationHost:    "1.1.1.1",
			ValidationPort:    443,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "gatewayd",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:          true,
			Namespace:        "gateway",
			HistogramBuckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile reads a JSON backend-descriptor array (or a full config
// object, for deployments that want to pin every setting in one file)
// over top of DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	// The on-disk schema is a bare JSON array of backend descriptors;
	// fall back to unmarshaling a full Config object for callers that
	// prefer to pin every setting in one file.
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var backends []Backend
		if err := json.Unmarshal(data, &backends); err != nil {
			return nil, fmt.Errorf("parse backend list %s: %w", path, err)
		}
		cfg.Backends = backends
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := validateBackends(cfg.Backends); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validateBackends(backends []Backend) error {
	if len(backends) == 0 {
		return fmt.Errorf("config: backend list is empty")
	}
	seen := make(map[int]bool, len(backends))
	for _, b := range backends {
		if b.Port <= 0 {
			return fmt.Errorf("config: backend id %d has invalid port %d", b.ID, b.Port)
		}
		if b.Namespace == "" {
			return fmt.Errorf("config: backend id %d has empty namespace", b.ID)
		}
		if seen[b.Port] {
			return fmt.Errorf("config: duplicate backend port %d", b.Port)
		}
		seen[b.Port] = true
	}
	return nil
}

// LoadFromEnv applies environment variable overrides to the config:
// the six core variables (API token and port, SOCKS host and port,
// validation target host and port), the two logging variables, and
// the tracing/metrics toggles GATEWAY_TRACING_ENABLED,
// GATEWAY_TRACING_ENDPOINT, and GATEWAY_METRICS_ENABLED.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("API_SECRET_TOKEN"); v != "" {
		cfg.APISecretToken = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		cfg.APIAddr = ":" + v
	}
	if v := os.Getenv("SOCKS_HOST"); v != "" {
		cfg.SOCKSHost = v
	}
	if v := os.Getenv("SOCKS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SOCKSPort = n
		}
	}
	if v := os.Getenv("PROXY_VALIDATION_TARGET_HOST"); v != "" {
		cfg.Refresh.ValidationHost = v
	}
	if v := os.Getenv("PROXY_VALIDATION_TARGET_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Refresh.ValidationPort = n
		}
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("GATEWAY_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("GATEWAY_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("GATEWAY_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
