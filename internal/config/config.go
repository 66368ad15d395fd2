package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	AuthMode    string   `mapstructure:"AUTH_MODE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	JWTSecret   string   `mapstructure:"JWT_SECRET"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Payor integration.
	PayorBaseURL  string `mapstructure:"PAYOR_BASE_URL"`
	PayorEmail    string `mapstructure:"PAYOR_EMAIL"`
	PayorPassword string `mapstructure:"PAYOR_PASSWORD"`
	PayorAPIKey   string `mapstructure:"PAYOR_API_KEY"`
	ProviderID    string `mapstructure:"PROVIDER_ID"`
	ProviderName  string `mapstructure:"PROVIDER_NAME"`

	// Webhook verification.
	WebhookSecret          string `mapstructure:"WEBHOOK_SECRET"`
	WebhookSignaturePolicy string `mapstructure:"WEBHOOK_SIGNATURE_POLICY"`

	// State machine and retry behavior.
	AllowTerminalOverride bool          `mapstructure:"ALLOW_TERMINAL_OVERRIDE"`
	SubmitMaxRetries      int           `mapstructure:"SUBMIT_MAX_RETRIES"`
	SyncInterval          time.Duration `mapstructure:"SYNC_INTERVAL"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("PAYOR_BASE_URL", "http://localhost:8002")
	v.SetDefault("PROVIDER_NAME", "Default Provider")
	v.SetDefault("WEBHOOK_SIGNATURE_POLICY", "warn")
	v.SetDefault("ALLOW_TERMINAL_OVERRIDE", true)
	v.SetDefault("SUBMIT_MAX_RETRIES", 3)
	v.SetDefault("SYNC_INTERVAL", "15m")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("PAYOR_BASE_URL")
	v.BindEnv("PAYOR_EMAIL")
	v.BindEnv("PAYOR_PASSWORD")
	v.BindEnv("PAYOR_API_KEY")
	v.BindEnv("PROVIDER_ID")
	v.BindEnv("PROVIDER_NAME")
	v.BindEnv("WEBHOOK_SECRET")
	v.BindEnv("WEBHOOK_SIGNATURE_POLICY")
	v.BindEnv("ALLOW_TERMINAL_OVERRIDE")
	v.BindEnv("SUBMIT_MAX_RETRIES")
	v.BindEnv("SYNC_INTERVAL")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure JWT_SECRET for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - Otherwise       → "jwt" (HMAC-signed bearer tokens)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run. In non-development
// modes JWT_SECRET must be set so that real authentication is enforced.
// Production additionally requires a webhook secret so inbound status
// notifications can be verified.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.JWTSecret == "" {
		return fmt.Errorf(
			"JWT_SECRET must be set when AUTH_MODE is \"jwt\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}

	switch c.WebhookSignaturePolicy {
	case "warn", "reject":
	default:
		return fmt.Errorf("WEBHOOK_SIGNATURE_POLICY must be \"warn\" or \"reject\", got %q", c.WebhookSignaturePolicy)
	}
	if c.WebhookSignaturePolicy == "reject" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_SIGNATURE_POLICY is \"reject\"")
	}
	if c.IsProduction() && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required in production")
	}

	if c.SubmitMaxRetries < 0 {
		return fmt.Errorf("SUBMIT_MAX_RETRIES must be >= 0, got %d", c.SubmitMaxRetries)
	}
	if c.SyncInterval < time.Minute {
		return fmt.Errorf("SYNC_INTERVAL must be at least 1m, got %s", c.SyncInterval)
	}

	return nil
}
