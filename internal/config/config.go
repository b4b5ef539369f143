package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Environments
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Plan ids sold through checkout
const (
	PlanStarter = "starter"
	PlanPro     = "pro"
	PlanElite   = "elite"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Web      WebConfig      `yaml:"web"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
	Session  SessionConfig  `yaml:"session"`
	Security SecurityConfig `yaml:"security"`
	Stripe   StripeConfig   `yaml:"stripe"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	BaseURL     string `yaml:"base_url"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WebConfig represents the landing page static directory
type WebConfig struct {
	StaticDir string `yaml:"static_dir"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TenantTTL time.Duration `yaml:"tenant_ttl"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SessionConfig controls admin session lifetime
type SessionConfig struct {
	CookieName         string        `yaml:"cookie_name"`
	CSRFCookieName     string        `yaml:"csrf_cookie_name"`
	TTL                time.Duration `yaml:"ttl"`
	RenewAfter         time.Duration `yaml:"renew_after"`
	MaxLifetime        time.Duration `yaml:"max_lifetime"`
	CSRFTTL            time.Duration `yaml:"csrf_ttl"`
	InvalidatePrevious bool          `yaml:"invalidate_previous"`
	BindUserAgent      bool          `yaml:"bind_user_agent"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
}

// SecurityConfig holds shared secrets and request guards
type SecurityConfig struct {
	SessionSecret  string   `yaml:"session_secret"`
	CleanupSecret  string   `yaml:"cleanup_secret"`
	BcryptRounds   int      `yaml:"bcrypt_rounds"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	LoginRateLimit string   `yaml:"login_rate_limit"`
	RateLimitRedis bool     `yaml:"rate_limit_redis"`
}

// StripeConfig holds payment provider settings
type StripeConfig struct {
	SecretKey     string            `yaml:"secret_key"`
	WebhookSecret string            `yaml:"webhook_secret"`
	Prices        map[string]string `yaml:"prices"`
}

// Load loads configuration from file. A missing file is not an error so the
// service can run from environment variables alone.
func Load(filename string) (*Config, error) {
	var cfg Config

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Warn().Str("file", filename).Msg("Config file not found, using environment only")
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config: %w", err)
			}
		}
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		c.Redis.Addr = redisAddr
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.API.Port = p
		}
	}

	// NODE_ENV is still honoured for deployments migrated from the old runtime
	for _, key := range []string{"NODE_ENV", "APP_ENV"} {
		if env := os.Getenv(key); env != "" {
			c.Server.Environment = strings.ToLower(env)
		}
	}

	if baseURL := os.Getenv("APP_BASE_URL"); baseURL != "" {
		c.Server.BaseURL = baseURL
	}

	if secret := os.Getenv("BUNKER_SESSION_SECRET"); secret != "" {
		c.Security.SessionSecret = secret
	}

	if secret := os.Getenv("SESSION_CLEANUP_SECRET"); secret != "" {
		c.Security.CleanupSecret = secret
	}

	if rounds := os.Getenv("BCRYPT_ROUNDS"); rounds != "" {
		if r, err := strconv.Atoi(rounds); err == nil {
			c.Security.BcryptRounds = r
		}
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Security.AllowedOrigins = splitList(origins)
	}

	if webDir := os.Getenv("WEB_DIR"); webDir != "" {
		c.Web.StaticDir = webDir
	}

	if rate := os.Getenv("LOGIN_RATE_LIMIT"); rate != "" {
		c.Security.LoginRateLimit = rate
	}

	if v := os.Getenv("RATE_LIMIT_REDIS"); v != "" {
		c.Security.RateLimitRedis = strings.EqualFold(v, "true")
	}

	if v := os.Getenv("LOGIN_INVALIDATE_PREVIOUS_SESSIONS"); v != "" {
		c.Session.InvalidatePrevious = strings.EqualFold(v, "true")
	}

	if v := os.Getenv("SESSION_BIND_USER_AGENT"); v != "" {
		c.Session.BindUserAgent = strings.EqualFold(v, "true")
	}

	if v := os.Getenv("SESSION_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.CleanupInterval = d
		}
	}

	if key := os.Getenv("STRIPE_SECRET_KEY"); key != "" {
		c.Stripe.SecretKey = key
	}

	if secret := os.Getenv("STRIPE_WEBHOOK_SECRET"); secret != "" {
		c.Stripe.WebhookSecret = secret
	}

	envPrices := map[string]string{
		PlanStarter: os.Getenv("STRIPE_PRICE_ID_STARTER"),
		PlanPro:     os.Getenv("STRIPE_PRICE_ID_PRO"),
		PlanElite:   os.Getenv("STRIPE_PRICE_ID_ELITE"),
	}
	for plan, price := range envPrices {
		if price == "" {
			continue
		}
		if c.Stripe.Prices == nil {
			c.Stripe.Prices = make(map[string]string)
		}
		c.Stripe.Prices[plan] = price
	}
}

// setDefaults fills zero values
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "bunker"
	}
	if c.Server.Environment == "" {
		c.Server.Environment = EnvDevelopment
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:3000"
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")

	if c.API.Port == 0 {
		c.API.Port = 3000
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}

	if c.Redis.TenantTTL == 0 {
		c.Redis.TenantTTL = 5 * time.Minute
	}

	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "billing"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Session.CookieName == "" {
		c.Session.CookieName = "bunker_session"
	}
	if c.Session.CSRFCookieName == "" {
		c.Session.CSRFCookieName = "bunker_csrf"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 7 * 24 * time.Hour
	}
	if c.Session.RenewAfter == 0 {
		c.Session.RenewAfter = time.Hour
	}
	if c.Session.MaxLifetime == 0 {
		c.Session.MaxLifetime = 30 * 24 * time.Hour
	}
	if c.Session.CSRFTTL == 0 {
		c.Session.CSRFTTL = 2 * time.Hour
	}

	if c.Security.BcryptRounds == 0 {
		c.Security.BcryptRounds = 12
	}
	if c.Security.LoginRateLimit == "" {
		c.Security.LoginRateLimit = "10-M"
	}
}

// validate checks invariants that would make the service misbehave
func (c *Config) validate() error {
	switch c.Server.Environment {
	case EnvDevelopment, EnvProduction, "test", "staging":
	default:
		return fmt.Errorf("invalid environment: %s", c.Server.Environment)
	}

	if c.Session.MaxLifetime < c.Session.TTL {
		return fmt.Errorf("session max_lifetime (%s) shorter than ttl (%s)", c.Session.MaxLifetime, c.Session.TTL)
	}

	if c.Security.BcryptRounds < 4 || c.Security.BcryptRounds > 31 {
		return fmt.Errorf("bcrypt_rounds must be between 4 and 31, got %d", c.Security.BcryptRounds)
	}

	if c.IsProduction() && c.Security.SessionSecret == "" {
		return errors.New("BUNKER_SESSION_SECRET is required in production")
	}

	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// PriceIDForPlan returns the Stripe price configured for a plan id
func (c *StripeConfig) PriceIDForPlan(plan string) (string, bool) {
	price, ok := c.Prices[strings.ToLower(strings.TrimSpace(plan))]
	if !ok || price == "" {
		return "", false
	}
	return price, true
}

// PlanForPriceID maps a Stripe price id back to its plan id, "unknown" when
// the price is not one of ours.
func (c *StripeConfig) PlanForPriceID(priceID string) string {
	if priceID == "" {
		return "unknown"
	}
	for _, plan := range []string{PlanStarter, PlanPro, PlanElite} {
		if c.Prices[plan] == priceID {
			return plan
		}
	}
	return "unknown"
}

// PricesConfigured reports whether every sold plan has a price id
func (c *StripeConfig) PricesConfigured() bool {
	for _, plan := range []string{PlanStarter, PlanPro, PlanElite} {
		if c.Prices[plan] == "" {
			return false
		}
	}
	return true
}

// LogSummary prints a configuration summary without secrets
func (c *Config) LogSummary() {
	log.Info().
		Str("name", c.Server.Name).
		Str("version", c.Server.Version).
		Str("environment", c.Server.Environment).
		Str("base_url", c.Server.BaseURL).
		Bool("database", c.Database.DSN != "").
		Bool("redis", c.Redis.Addr != "").
		Bool("nats", c.NATS.URL != "").
		Bool("stripe", c.Stripe.SecretKey != "").
		Bool("stripe_prices", c.Stripe.PricesConfigured()).
		Dur("session_ttl", c.Session.TTL).
		Msg("Configuration loaded")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
