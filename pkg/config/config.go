// Copyright 2025 Certen Protocol
//
// Configuration loader: YAML with ${VAR_NAME} environment variable
// substitution (nested settings structs, a custom Duration type), scoped to
// this domain: issuer identity, circuit breaker thresholds, Datalog
// evaluator caps, optional Postgres persistence, logging.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a DCT validator process.
type Config struct {
	Environment string `yaml:"environment"`

	Issuer         IssuerSettings         `yaml:"issuer"`
	CircuitBreaker CircuitBreakerSettings `yaml:"circuit_breaker"`
	Datalog        DatalogSettings        `yaml:"datalog"`
	Storage        StorageSettings        `yaml:"storage"`
	Logging        LoggingSettings        `yaml:"logging"`
	Metrics        MetricsSettings        `yaml:"metrics"`
}

// IssuerSettings identifies the keypair this process signs contracts,
// DCT blocks, revocation entries, and attestations with.
type IssuerSettings struct {
	PrincipalID    string `yaml:"principal_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// CircuitBreakerSettings configures the default breaker used to guard
// outbound calls (e.g. an optional Postgres store).
type CircuitBreakerSettings struct {
	FailureThreshold    int      `yaml:"failure_threshold"`
	ResetTimeout        Duration `yaml:"reset_timeout"`
	HalfOpenMaxAttempts int      `yaml:"half_open_max_attempts"`
}

// DatalogSettings holds values for the biscuit backend's forward-chaining
// evaluator caps. They are loaded and defaulted here only: pkg/dct/biscuit
// does not read them, and its evaluator always applies the MaxIterations
// and MaxDerivedFacts constants of pkg/dct/biscuit/datalog.go.
type DatalogSettings struct {
	MaxIterations   int `yaml:"max_iterations"`
	MaxDerivedFacts int `yaml:"max_derived_facts"`
}

// StorageSettings configures the optional Postgres persistence adapter for
// the chain store and revocation list. Empty DSN means the in-memory
// stores are used instead.
type StorageSettings struct {
	PostgresDSN    string   `yaml:"postgres_dsn"`
	MaxConnections int      `yaml:"max_connections"`
	MaxIdleTime    Duration `yaml:"max_idle_time"`
	MaxLifetime    Duration `yaml:"max_lifetime"`
}

// LoggingSettings configures the bracketed-prefix loggers constructed per
// component.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// MetricsSettings configures the prometheus collectors registered by
// pkg/metrics. The scrape HTTP server itself is out of scope; this only
// toggles whether collectors are constructed and registered at all.
type MetricsSettings struct {
	Enabled bool `yaml:"enabled"`
}

// Duration wraps time.Duration so it can be expressed as a YAML string
// ("30s", "5m") rather than an integer count of nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads and parses a YAML config file at path, substituting
// ${VAR_NAME} references against the process environment before parsing,
// then applies documented defaults for any unset field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.ResetTimeout == 0 {
		c.CircuitBreaker.ResetTimeout = Duration(30 * time.Second)
	}
	if c.CircuitBreaker.HalfOpenMaxAttempts == 0 {
		c.CircuitBreaker.HalfOpenMaxAttempts = 1
	}
	if c.Datalog.MaxIterations == 0 {
		c.Datalog.MaxIterations = 1000
	}
	if c.Datalog.MaxDerivedFacts == 0 {
		c.Datalog.MaxDerivedFacts = 10000
	}
	if c.Storage.MaxConnections == 0 {
		c.Storage.MaxConnections = 25
	}
	if c.Storage.MaxIdleTime == 0 {
		c.Storage.MaxIdleTime = Duration(5 * time.Minute)
	}
	if c.Storage.MaxLifetime == 0 {
		c.Storage.MaxLifetime = Duration(1 * time.Hour)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate checks the fields required for a process to actually issue and
// verify DCTs; Load alone does not require them, so a config intended only
// for read-only inspection can skip calling this.
func (c *Config) Validate() error {
	var errs []string
	if c.Issuer.PrincipalID == "" {
		errs = append(errs, "issuer.principal_id is required")
	}
	if c.Issuer.PrivateKeyPath == "" {
		errs = append(errs, "issuer.private_key_path is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", errs[0])
	}
	return nil
}

// IsProduction reports whether this is a production configuration.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// UsesPostgres reports whether a Postgres DSN was configured, meaning the
// durable chain store and revocation list should be used instead of the
// in-memory ones.
func (c *Config) UsesPostgres() bool {
	return c.Storage.PostgresDSN != ""
}
