package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zerocost-ai/model-router/internal/dispatch"
	"github.com/zerocost-ai/model-router/internal/health"
	"github.com/zerocost-ai/model-router/internal/metering"
	"github.com/zerocost-ai/model-router/internal/policy"
	"github.com/zerocost-ai/model-router/internal/registry"
	"github.com/zerocost-ai/model-router/internal/security"
	"github.com/zerocost-ai/model-router/internal/types"
)

// Backend kinds understood by the loader.
const (
	KindOpenAICompatible = "openai_compatible"
	KindAnthropic        = "anthropic"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Routing  RoutingConfig   `yaml:"routing"`
	Backends []BackendConfig `yaml:"backends"`
	Pricing  PricingConfig   `yaml:"pricing"`
	Logging  LoggingConfig   `yaml:"logging"`
	Security SecurityConfig  `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// RoutingConfig holds the routing core's knobs: tier policies, the probe
// schedule, breaker thresholds and dispatch limits.
type RoutingConfig struct {
	Policies []policy.TierPolicy      `yaml:"policies"`
	Health   health.Config            `yaml:"health"`
	Breaker  registry.BreakerSettings `yaml:"breaker"`
	Dispatch dispatch.Config          `yaml:"dispatch"`
}

// BackendConfig describes one model endpoint to register.
type BackendConfig struct {
	ID             string             `yaml:"id"`
	Kind           string             `yaml:"kind"` // "openai_compatible" or "anthropic"
	Class          types.BackendClass `yaml:"class"`
	CostPerRequest float64            `yaml:"cost_per_request"`
	BaseURL        string             `yaml:"base_url"`
	APIKey         string             `yaml:"api_key"`
	Model          string             `yaml:"model"`
	MaxTokens      int                `yaml:"max_tokens"`
	Timeout        time.Duration      `yaml:"timeout"`
}

// PricingConfig holds the per-tier price charged per request.
type PricingConfig struct {
	PricePerRequest map[types.Tier]float64 `yaml:"price_per_request"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Auth      security.AuthConfig      `yaml:"auth"`
	RateLimit security.RateLimitConfig `yaml:"rate_limiting"`
	Audit     security.AuditConfig     `yaml:"audit"`
	CORS      CORSConfig               `yaml:"cors"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	// Set defaults
	config.setDefaults()

	// Load from file if provided
	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	config.loadFromEnv()

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	c.Routing = RoutingConfig{
		Policies: policy.DefaultPolicies(),
		Health: health.Config{
			Interval:     15 * time.Second,
			ProbeTimeout: 3 * time.Second,
		},
		Breaker: registry.BreakerSettings{
			FailureThreshold: 3,
			CoolDown:         30 * time.Second,
		},
		Dispatch: dispatch.Config{
			Timeout:     60 * time.Second,
			MaxAttempts: 4,
		},
	}

	// A local lightweight runtime plus a hosted heavyweight model is the
	// deployment this router exists for.
	c.Backends = []BackendConfig{
		{
			ID:             "local-llama",
			Kind:           KindOpenAICompatible,
			Class:          types.ClassLightweight,
			CostPerRequest: 0.0004,
			BaseURL:        "http://localhost:11434/v1",
			Model:          "llama3.1:8b",
			MaxTokens:      1024,
		},
		{
			ID:             "claude-sonnet",
			Kind:           KindAnthropic,
			Class:          types.ClassHeavyweight,
			CostPerRequest: 0.02,
			Model:          "claude-3-5-sonnet-20241022",
			MaxTokens:      4096,
		},
	}

	c.Pricing = PricingConfig{
		PricePerRequest: map[types.Tier]float64{
			types.TierBasic:      0.002,
			types.TierPremium:    0.03,
			types.TierEnterprise: 0.10,
		},
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		Auth: security.AuthConfig{
			APIKeys:     []string{},
			JWTExpiry:   24 * time.Hour,
			RequireAuth: false,
		},
		RateLimit: security.RateLimitConfig{
			Enabled:         false,
			PerTierPerMin:   security.DefaultTierLimits(),
			CleanupInterval: 5 * time.Minute,
		},
		Audit: security.AuditConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 10 * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		},
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if port := os.Getenv("MODEL_ROUTER_PORT"); port != "" {
		c.Server.Port = port
	}

	if level := os.Getenv("MODEL_ROUTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("MODEL_ROUTER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if secret := os.Getenv("MODEL_ROUTER_JWT_SECRET"); secret != "" {
		c.Security.Auth.JWTSecret = secret
	}

	if v := os.Getenv("MODEL_ROUTER_RATE_LIMITING"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Security.RateLimit.Enabled = enabled
		}
	}

	// Backend API keys come from the environment in most deployments; the
	// config file carries the topology, not the secrets.
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.APIKey != "" {
			continue
		}
		switch b.Kind {
		case KindAnthropic:
			b.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case KindOpenAICompatible:
			b.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}

	seen := make(map[string]bool, len(c.Backends))
	classes := make(map[types.BackendClass]bool)
	for _, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend id cannot be empty")
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate backend id: %s", b.ID)
		}
		seen[b.ID] = true

		switch b.Kind {
		case KindOpenAICompatible, KindAnthropic:
		default:
			return fmt.Errorf("backend %s: unknown kind %q", b.ID, b.Kind)
		}

		switch b.Class {
		case types.ClassLightweight, types.ClassHeavyweight:
		default:
			return fmt.Errorf("backend %s: unknown class %q", b.ID, b.Class)
		}

		if b.CostPerRequest < 0 {
			return fmt.Errorf("backend %s: cost_per_request must be >= 0", b.ID)
		}
		if b.Model == "" {
			return fmt.Errorf("backend %s: model cannot be empty", b.ID)
		}

		classes[b.Class] = true
	}

	// Every class named by a tier policy must have at least one backend, or
	// that policy branch can never serve.
	for _, p := range c.Routing.Policies {
		for _, class := range append(append([]types.BackendClass{}, p.BelowThreshold...), p.AboveThreshold...) {
			if !classes[class] {
				return fmt.Errorf("tier %s references class %s with no configured backend", p.Tier, class)
			}
		}
	}

	for _, tier := range types.Tiers() {
		price, ok := c.Pricing.PricePerRequest[tier]
		if !ok {
			return fmt.Errorf("no price configured for tier %s", tier)
		}
		if price < 0 {
			return fmt.Errorf("tier %s: price must be >= 0", tier)
		}
	}

	if c.Security.Auth.RequireAuth && len(c.Security.Auth.APIKeys) == 0 && c.Security.Auth.JWTSecret == "" {
		return fmt.Errorf("require_auth is set but no API keys or JWT secret are configured")
	}

	return nil
}

// MeteringConfig converts the pricing table to the meter's config.
func (c *Config) MeteringConfig() metering.Config {
	return metering.Config{PricePerRequest: c.Pricing.PricePerRequest}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
