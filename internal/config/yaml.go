package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storefront/gatehouse/internal/model"
)

// YAMLConfig represents the top-level gatehouse configuration file.
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Directory DirectoryConfig `yaml:"directory"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	LoginRateLimit  int        `yaml:"login_rate_limit"` // requests per minute per client IP
	CORS            CORSConfig `yaml:"cors"`
	TLS             TLSConfig  `yaml:"tls"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// TLSConfig controls TLS termination at the server level.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig controls authentication settings.
type AuthConfig struct {
	JWTSecret     string          `yaml:"jwt_secret"`
	Issuer        string          `yaml:"issuer"`
	TokenTTL      string          `yaml:"token_ttl"`
	RefreshBuffer string          `yaml:"refresh_buffer"`
	RefreshRetry  string          `yaml:"refresh_retry"`
	Lockout       LockoutConfig   `yaml:"lockout"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	AllowList     []string        `yaml:"allow_list"`
	Federated     FederatedConfig `yaml:"federated"`
}

// LockoutConfig holds the authoritative server-side lockout policy.
type LockoutConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Window      string `yaml:"window"`
	Duration    string `yaml:"duration"`
}

// RateLimitConfig tunes the advisory per-client attempt limiter. It is
// independent of the lockout policy.
type RateLimitConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MaxAttempts int    `yaml:"max_attempts"`
	Window      string `yaml:"window"`
	Capacity    int    `yaml:"capacity"`
}

// FederatedConfig controls sign-in through external identity providers.
type FederatedConfig struct {
	AutoProvision bool                `yaml:"auto_provision"`
	DefaultRole   string              `yaml:"default_role"`
	Providers     []FederatedProvider `yaml:"providers"`
}

// FederatedProvider is one trusted issuer of HS256-signed ID tokens.
type FederatedProvider struct {
	Name     string `yaml:"name"`
	Issuer   string `yaml:"issuer"`
	Secret   string `yaml:"secret"`
	Audience string `yaml:"audience"`
}

// DirectoryConfig selects the account directory database.
type DirectoryConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	DataDir         string `yaml:"data_dir"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// AuditConfig configures the sinks the audit ledger writes to. The
// directory database is always a sink; Redis and Kafka are optional mirrors.
type AuditConfig struct {
	Redis RedisSinkConfig `yaml:"redis"`
	Kafka KafkaSinkConfig `yaml:"kafka"`
}

// RedisSinkConfig appends audit entries to a Redis stream.
type RedisSinkConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// KafkaSinkConfig publishes audit entries to a Kafka topic.
type KafkaSinkConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
// Keys missing from the file keep their default values.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			LoginRateLimit:  30,
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "PUT", "DELETE"},
			},
		},
		Auth: AuthConfig{
			Issuer:        "gatehouse",
			TokenTTL:      "60m",
			RefreshBuffer: "15m",
			RefreshRetry:  "1m",
			Lockout: LockoutConfig{
				MaxAttempts: 5,
				Window:      "15m",
				Duration:    "15m",
			},
			RateLimit: RateLimitConfig{
				Enabled:     true,
				MaxAttempts: 5,
				Window:      "15m",
				Capacity:    1024,
			},
			Federated: FederatedConfig{
				DefaultRole: string(model.RoleViewer),
			},
		},
		Directory: DirectoryConfig{
			Driver: "sqlite",
		},
		Audit: AuditConfig{
			Redis: RedisSinkConfig{
				Addr:   "localhost:6379",
				Stream: "gatehouse:audit",
				MaxLen: 100000,
			},
			Kafka: KafkaSinkConfig{
				Topic: "gatehouse.audit",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks values that would otherwise fail late at runtime.
func (c *YAMLConfig) Validate() error {
	for name, v := range map[string]string{
		"server.shutdown_timeout":     c.Server.ShutdownTimeout,
		"auth.token_ttl":              c.Auth.TokenTTL,
		"auth.refresh_buffer":         c.Auth.RefreshBuffer,
		"auth.refresh_retry":          c.Auth.RefreshRetry,
		"auth.lockout.window":         c.Auth.Lockout.Window,
		"auth.lockout.duration":       c.Auth.Lockout.Duration,
		"auth.rate_limit.window":      c.Auth.RateLimit.Window,
		"directory.conn_max_lifetime": c.Directory.ConnMaxLifetime,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}

	if c.Auth.Lockout.MaxAttempts < 1 {
		return fmt.Errorf("auth.lockout.max_attempts must be at least 1")
	}
	if c.Auth.RateLimit.Enabled && c.Auth.RateLimit.MaxAttempts < 1 {
		return fmt.Errorf("auth.rate_limit.max_attempts must be at least 1")
	}
	if ttl, buf := Duration(c.Auth.TokenTTL, time.Hour), Duration(c.Auth.RefreshBuffer, 15*time.Minute); buf >= ttl {
		return fmt.Errorf("auth.refresh_buffer (%s) must be shorter than auth.token_ttl (%s)", buf, ttl)
	}
	if r := c.Auth.Federated.DefaultRole; r != "" {
		if _, ok := model.ParseRole(r); !ok {
			return fmt.Errorf("auth.federated.default_role %q is not a known role", r)
		}
	}
	for i, p := range c.Auth.Federated.Providers {
		if p.Issuer == "" || p.Secret == "" {
			return fmt.Errorf("auth.federated.providers[%d] requires issuer and secret", i)
		}
	}
	if c.Audit.Kafka.Enabled && len(c.Audit.Kafka.Brokers) == 0 {
		return fmt.Errorf("audit.kafka.brokers is required when the kafka sink is enabled")
	}
	return nil
}

// Duration parses s, falling back to def when s is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
