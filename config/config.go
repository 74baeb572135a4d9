// Package config loads service settings from an optional YAML file overlaid
// by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"opsledger/ledger"
)

// FileEnv names the variable pointing at the optional YAML file.
const FileEnv = "OPSLEDGER_CONFIG"

// Config holds server configuration.
type Config struct {
	Port            string              `yaml:"port"`
	DatabaseURL     string              `yaml:"database_url"`
	LogLevel        string              `yaml:"log_level"`
	ServiceName     string              `yaml:"service_name"`
	JWTSecret       string              `yaml:"jwt_secret"`
	SigningKeySeed  string              `yaml:"signing_key_seed"`
	ApprovalTTL     time.Duration       `yaml:"approval_ttl"`
	DualAuthActions []ledger.ActionType `yaml:"dual_auth_actions"`
	RateLimitRPS    float64             `yaml:"rate_limit_rps"`
	RateLimitBurst  int                 `yaml:"rate_limit_burst"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Only enable it behind a proxy that overwrites those headers.
	TrustProxy      bool                `yaml:"trust_proxy"`
	Telemetry       Telemetry           `yaml:"telemetry"`
	Export          Export              `yaml:"export"`
}

// Telemetry configures OTLP export. An empty endpoint disables it.
type Telemetry struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Export configures chain archival to S3-compatible storage.
type Export struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		Port:            "8080",
		LogLevel:        "info",
		ServiceName:     "opsledger",
		ApprovalTTL:     5 * time.Minute,
		DualAuthActions: []ledger.ActionType{ledger.ActionSystemOverride, ledger.ActionDeployment},
		RateLimitRPS:    20,
		RateLimitBurst:  40,
		Export:          Export{Prefix: "ledger-exports/"},
	}
}

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv, os.ReadFile)
}

// LoadFrom builds a config from the given lookups: defaults, then the YAML
// file named by OPSLEDGER_CONFIG, then individual environment variables.
func LoadFrom(getenv func(string) string, readFile func(string) ([]byte, error)) (*Config, error) {
	cfg := Defaults()

	if path := getenv(FileEnv); path != "" {
		data, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	setString(&cfg.Port, getenv("PORT"))
	setString(&cfg.DatabaseURL, getenv("DATABASE_URL"))
	setString(&cfg.LogLevel, getenv("LOG_LEVEL"))
	setString(&cfg.ServiceName, getenv("SERVICE_NAME"))
	setString(&cfg.JWTSecret, getenv("JWT_SECRET"))
	setString(&cfg.SigningKeySeed, getenv("SIGNING_KEY_SEED"))
	setString(&cfg.Telemetry.Endpoint, getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	setString(&cfg.Export.Bucket, getenv("EXPORT_S3_BUCKET"))
	setString(&cfg.Export.Region, getenv("EXPORT_S3_REGION"))
	setString(&cfg.Export.Endpoint, getenv("EXPORT_S3_ENDPOINT"))
	setString(&cfg.Export.Prefix, getenv("EXPORT_S3_PREFIX"))

	if v := getenv("OTEL_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: OTEL_INSECURE: %w", err)
		}
		cfg.Telemetry.Insecure = b
	}
	if v := getenv("TRUST_PROXY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: TRUST_PROXY: %w", err)
		}
		cfg.TrustProxy = b
	}
	if v := getenv("APPROVAL_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: APPROVAL_TTL: %w", err)
		}
		cfg.ApprovalTTL = d
	}
	if v := getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimitRPS = f
	}
	if v := getenv("RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: RATE_LIMIT_BURST: %w", err)
		}
		cfg.RateLimitBurst = n
	}
	if v := getenv("DUAL_AUTH_ACTIONS"); v != "" {
		cfg.DualAuthActions = nil
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			cfg.DualAuthActions = append(cfg.DualAuthActions, ledger.ActionType(strings.ToUpper(strings.TrimSpace(part))))
		}
	}

	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.ApprovalTTL <= 0 {
		errs = append(errs, errors.New("APPROVAL_TTL must be positive"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	for _, a := range c.DualAuthActions {
		if !a.Valid() {
			errs = append(errs, fmt.Errorf("DUAL_AUTH_ACTIONS: unknown action type %q", a))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// DualAuthSet returns the dual-authorization policy as a lookup set.
func (c *Config) DualAuthSet() map[ledger.ActionType]bool {
	set := make(map[ledger.ActionType]bool, len(c.DualAuthActions))
	for _, a := range c.DualAuthActions {
		set[a] = true
	}
	return set
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
