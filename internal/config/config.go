// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/autogram-ai/autogram/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Environment string          `yaml:"environment"` // "development" or "production"
	Server      ServerConfig    `yaml:"server"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	Auth        AuthConfig      `yaml:"auth"`
	RateLimits  RateLimitConfig `yaml:"rate_limits"`
	Security    SecurityConfig  `yaml:"security"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Tiers       []gateway.Tier  `yaml:"tiers"`
	Models      []gateway.Model `yaml:"models"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Domain          string        `yaml:"domain"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings for the identity store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig holds shared KV store settings.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	OpTimeout time.Duration `yaml:"op_timeout"` // hard per-operation deadline
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	JWT    JWTConfig       `yaml:"jwt"`
	Argon2 Argon2Config    `yaml:"argon2"`
	OAuth  []OAuthProvider `yaml:"oauth"`
}

// JWTConfig configures bearer token validation and minting.
// RS256 with key files is the production mode. DevSecret enables HS256 for
// local development only and is rejected when Environment is "production".
type JWTConfig struct {
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	Algorithm      string        `yaml:"algorithm"` // "RS256" or "HS256"
	PrivateKeyFile string        `yaml:"private_key_file"`
	PublicKeyFile  string        `yaml:"public_key_file"`
	DevSecret      string        `yaml:"dev_secret"`
	AccessTTL      time.Duration `yaml:"access_ttl"`
	RefreshTTL     time.Duration `yaml:"refresh_ttl"`
}

// Argon2Config holds API key hashing parameters.
type Argon2Config struct {
	Time    uint32 `yaml:"time"`
	Memory  uint32 `yaml:"memory"` // KiB
	Threads uint8  `yaml:"threads"`
	KeyLen  uint32 `yaml:"key_len"`
}

// OAuthProvider is one configured OAuth login provider.
type OAuthProvider struct {
	Name         string   `yaml:"name"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"user_info_url"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// RateLimitConfig holds admission control limits.
type RateLimitConfig struct {
	GlobalRPS          int64         `yaml:"global_rps"`
	GlobalBurst        int64         `yaml:"global_burst"`
	PerIPPerMinute     int64         `yaml:"per_ip_per_minute"`
	BlacklistThreshold int64         `yaml:"blacklist_threshold"` // per-minute count that triggers a block
	BlockDuration      time.Duration `yaml:"block_duration"`
}

// SecurityConfig holds the security filter settings.
type SecurityConfig struct {
	CORSOrigins         []string `yaml:"cors_origins"`
	CORSMethods         []string `yaml:"cors_methods"`
	CORSHeaders         []string `yaml:"cors_headers"`
	HardenHeaders       bool     `yaml:"harden_headers"`
	AllowedContentTypes []string `yaml:"allowed_content_types"`
	MaliciousPatterns   []string `yaml:"malicious_patterns"`
	MaxBodyBytes        int64    `yaml:"max_body_bytes"`
	SuspicionThreshold  int      `yaml:"suspicion_threshold"` // per-request score that counts a tick
	BlockAfterTicks     int      `yaml:"block_after_ticks"`
	MaskOutputPII       bool     `yaml:"mask_output_pii"`
	MaskSensitiveKeys   bool     `yaml:"mask_sensitive_keys"`
	AlertWebhook        string   `yaml:"alert_webhook"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "json" or "text"
}

// IsProduction reports whether the gateway runs in production mode.
func (c *Config) IsProduction() bool { return c.Environment == "production" }

// TierIndex returns the tier table keyed by name. Config is immutable after
// load, so the returned map is shared by all readers without locking.
func (c *Config) TierIndex() map[gateway.TierName]*gateway.Tier {
	idx := make(map[gateway.TierName]*gateway.Tier, len(c.Tiers))
	for i := range c.Tiers {
		idx[c.Tiers[i].Name] = &c.Tiers[i]
	}
	return idx
}

// ModelIndex returns the model table keyed by ID.
func (c *Config) ModelIndex() map[string]*gateway.Model {
	idx := make(map[string]*gateway.Model, len(c.Models))
	for i := range c.Models {
		idx[c.Models[i].ID] = &c.Models[i]
	}
	return idx
}

// Validate checks cross-field invariants that YAML decoding cannot express.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model with empty id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		if m.BaseURL == "" {
			return fmt.Errorf("model %q: base_url is required", m.ID)
		}
		switch m.AuthStyle {
		case gateway.AuthStyleAPIKey, gateway.AuthStyleBearer:
		case gateway.AuthStyleCustom:
			if m.AuthHeader == "" {
				return fmt.Errorf("model %q: custom auth style requires auth_header", m.ID)
			}
		default:
			return fmt.Errorf("model %q: unknown auth style %q", m.ID, m.AuthStyle)
		}
	}
	for _, t := range c.Tiers {
		if _, err := gateway.ParseTier(string(t.Name)); err != nil {
			return fmt.Errorf("tier %q: %w", t.Name, err)
		}
	}
	if c.IsProduction() {
		if c.Auth.JWT.Algorithm != "RS256" {
			return fmt.Errorf("jwt: production requires RS256, got %q", c.Auth.JWT.Algorithm)
		}
		if c.Auth.JWT.DevSecret != "" {
			return fmt.Errorf("jwt: dev_secret must not be set in production")
		}
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
// PORT, AUTOGRAM_ENV, LOG_LEVEL and REDIS_* env vars override the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if env := os.Getenv("AUTOGRAM_ENV"); env != "" {
		cfg.Environment = env
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Telemetry.Logging.Level = lvl
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Redis.DB = n
		}
	}
}

// Default returns the configuration defaults applied before unmarshal.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    150 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "autogram.db",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			OpTimeout: 50 * time.Millisecond,
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				Issuer:     "autogram",
				Audience:   "autogram-api",
				Algorithm:  "RS256",
				AccessTTL:  15 * time.Minute,
				RefreshTTL: 720 * time.Hour,
			},
			Argon2: Argon2Config{
				Time:    1,
				Memory:  64 * 1024,
				Threads: 4,
				KeyLen:  32,
			},
		},
		RateLimits: RateLimitConfig{
			GlobalRPS:          500,
			GlobalBurst:        1000,
			PerIPPerMinute:     300,
			BlacklistThreshold: 600,
			BlockDuration:      24 * time.Hour,
		},
		Security: SecurityConfig{
			AllowedContentTypes: []string{"application/json", "text/plain", "multipart/form-data"},
			MaxBodyBytes:        100 * 1024,
			SuspicionThreshold:  5,
			BlockAfterTicks:     5,
			MaskOutputPII:       true,
			MaskSensitiveKeys:   true,
			HardenHeaders:       true,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
		Tiers: DefaultTiers(),
	}
}

// DefaultTiers returns the built-in tier table, used when the config file
// omits the tiers stanza.
func DefaultTiers() []gateway.Tier {
	return []gateway.Tier{
		{
			Name:                gateway.TierFree,
			RequestsPerHour:     1000,
			RequestsPerDay:      10000,
			ConcurrentRequests:  2,
			MaxTokensPerRequest: 1024,
			MaxContextWindow:    8192,
			AllowedModels:       []string{"qwen3_42b"},
			AllowedEndpoints:    []string{"completions", "chat/completions"},
			Priority:            1,
		},
		{
			Name:                gateway.TierProfessional,
			RequestsPerHour:     10000,
			RequestsPerDay:      100000,
			ConcurrentRequests:  10,
			MaxTokensPerRequest: 4096,
			MaxContextWindow:    32768,
			AllowedModels:       []string{"qwen3_42b", "qwen3_coder"},
			AllowedEndpoints:    []string{"*"},
			Priority:            2,
			Pricing:             gateway.Pricing{MonthlyUSD: 49, PerInputToken: 0.0000005, PerOutputToken: 0.0000015},
		},
		{
			Name:                gateway.TierEnterprise,
			RequestsPerHour:     100000,
			RequestsPerDay:      1000000,
			ConcurrentRequests:  50,
			MaxTokensPerRequest: 8192,
			MaxContextWindow:    131072,
			AllowedModels:       []string{"*"},
			AllowedEndpoints:    []string{"*"},
			Priority:            3,
			Pricing:             gateway.Pricing{MonthlyUSD: 499, PerInputToken: 0.0000004, PerOutputToken: 0.0000012},
		},
		{
			Name:                gateway.TierInternal,
			RequestsPerHour:     1000000,
			RequestsPerDay:      10000000,
			ConcurrentRequests:  200,
			MaxTokensPerRequest: 16384,
			MaxContextWindow:    131072,
			AllowedModels:       []string{"*"},
			AllowedEndpoints:    []string{"*"},
			Priority:            4,
		},
	}
}
