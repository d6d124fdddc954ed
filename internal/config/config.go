// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Policy        PolicyConfig        `yaml:"policy"`
	Contracts     ContractsConfig     `yaml:"contracts"`
	Routing       RoutingConfig       `yaml:"routing"`
	Events        EventsConfig        `yaml:"events"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where to find solution definition YAML files.
type DefinitionsConfig struct {
	Directories     []string `yaml:"directories"`
	StrictChecksums bool     `yaml:"strict_checksums"`
}

// PolicyConfig describes the policy snapshot source.
type PolicyConfig struct {
	File string `yaml:"file"`
}

// ContractsConfig describes boundary contract persistence and sweeping.
type ContractsConfig struct {
	Store         StoreConfig   `yaml:"store"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StoreConfig describes a persistence backend selection. The DSN itself is
// never placed in config files; DSNEnv names the environment variable that
// carries it.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RoutingConfig describes intent routing settings.
type RoutingConfig struct {
	ResultCache  ResultCacheConfig `yaml:"result_cache"`
	Correlations StoreConfig       `yaml:"correlations"`
}

// ResultCacheConfig describes the journey result cache backing the
// correlation-keyed short-circuit.
type ResultCacheConfig struct {
	Driver    string        `yaml:"driver"`
	AddrEnv   string        `yaml:"addr_env"`
	DB        int           `yaml:"db"`
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// EventsConfig describes the journey event publisher.
type EventsConfig struct {
	Driver  string `yaml:"driver"`
	URLEnv  string `yaml:"url_env"`
	Subject string `yaml:"subject_prefix"`
}

// MCPConfig describes the MCP tool exposition surface.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Tenant-Id",
					"X-Correlation-Id"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"caller_id":    "sub",
				"tenant_id":    "tenant_id",
				"capabilities": "capabilities",
			},
		},
		Definitions: DefinitionsConfig{
			Directories:     []string{"/definitions"},
			StrictChecksums: true,
		},
		Policy: PolicyConfig{
			File: "/policies/policy.yaml",
		},
		Contracts: ContractsConfig{
			SweepInterval: 60 * time.Second,
			Store: StoreConfig{
				Driver:          "memory",
				DSNEnv:          "STEWARD_CONTRACTS_DSN",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Routing: RoutingConfig{
			ResultCache: ResultCacheConfig{
				Driver:    "memory",
				AddrEnv:   "STEWARD_RESULT_CACHE_ADDR",
				ResultTTL: 24 * time.Hour,
			},
			Correlations: StoreConfig{
				Driver: "memory",
				DSNEnv: "STEWARD_CORRELATIONS_DSN",
			},
		},
		Events: EventsConfig{
			Driver:  "memory",
			URLEnv:  "STEWARD_NATS_URL",
			Subject: "journeys",
		},
		MCP: MCPConfig{
			Enabled: true,
			Name:    "steward",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must name at least one directory")
	}

	switch c.Contracts.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("contracts.store.driver %q is not supported (memory, postgres)", c.Contracts.Store.Driver))
	}
	switch c.Routing.ResultCache.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("routing.result_cache.driver %q is not supported (memory, redis)", c.Routing.ResultCache.Driver))
	}
	switch c.Routing.Correlations.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("routing.correlations.driver %q is not supported (memory, postgres)", c.Routing.Correlations.Driver))
	}
	switch c.Events.Driver {
	case "memory", "nats":
	default:
		errs = append(errs, fmt.Sprintf("events.driver %q is not supported (memory, nats)", c.Events.Driver))
	}
	if c.Contracts.SweepInterval < time.Second {
		errs = append(errs, "contracts.sweep_interval must be at least 1s")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STEWARD_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STEWARD_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STEWARD_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("STEWARD_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("STEWARD_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("STEWARD_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("STEWARD_POLICY_FILE"); v != "" {
		cfg.Policy.File = v
	}
	if v := os.Getenv("STEWARD_CONTRACTS_STORE_DRIVER"); v != "" {
		cfg.Contracts.Store.Driver = v
	}
	if v := os.Getenv("STEWARD_EVENTS_DRIVER"); v != "" {
		cfg.Events.Driver = v
	}
}
