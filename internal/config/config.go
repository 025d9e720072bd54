package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	App      AppConfig
	Auth     AuthConfig
	Mail     MailConfig
	Stripe   StripeConfig
	Billing  BillingConfig
	Google   GoogleConfig
	Redis    RedisConfig
}

type ServerConfig struct {
	Port           string
	PublicURL      string // where this API is reachable, used for OAuth callbacks
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Driver string // sqlite or postgres
	Path   string
	DSN    string
}

type AppConfig struct {
	Name    string
	BaseURL string
}

type AuthConfig struct {
	SessionSecret string
	SessionTTL    time.Duration
	ResetTokenTTL time.Duration
	CookieSecure  bool
}

type MailConfig struct {
	Provider     string // smtp, resend or log
	From         string
	ContactTo    string
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPass     string
	ResendAPIKey string
}

// DevSessionSecret is the session signing key used when none is configured.
// It is only acceptable for local development.
const DevSessionSecret = "orba-dev-secret"

// UsesDevSecret reports whether sessions are signed with DevSessionSecret.
func (a AuthConfig) UsesDevSecret() bool {
	return a.SessionSecret == "" || a.SessionSecret == DevSessionSecret
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	ProPriceID    string
	StarterPrice  string
}

type BillingConfig struct {
	FreeProjectLimit int
}

type GoogleConfig struct {
	ClientID           string
	ClientSecret       string
	CalendarEnabled    bool
	CalendarID         string
	ServiceAccountJSON []byte
}

type RedisConfig struct {
	URL      string
	DedupTTL time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "orba.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("app.name", "Orba")
	v.SetDefault("app.base_url", "http://localhost:3000")
	v.SetDefault("auth.session_secret", DevSessionSecret)
	v.SetDefault("auth.session_ttl", "720h")
	v.SetDefault("auth.reset_token_ttl", "1h")
	v.SetDefault("auth.cookie_secure", false)
	v.SetDefault("mail.provider", "log")
	v.SetDefault("mail.from", "Orba <noreply@orba.app>")
	v.SetDefault("mail.contact_to", "support@orba.app")
	v.SetDefault("mail.smtp_host", "")
	v.SetDefault("mail.smtp_port", "587")
	v.SetDefault("mail.smtp_user", "")
	v.SetDefault("mail.smtp_pass", "")
	v.SetDefault("mail.resend_api_key", "")
	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.pro_price_id", "")
	v.SetDefault("stripe.starter_price_id", "")
	v.SetDefault("billing.free_project_limit", 3)
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.calendar.enabled", false)
	v.SetDefault("google.calendar.calendar_id", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.dedup_ttl", "72h")
}

// Load reads config.toml from dir (optional) and applies ORBA_* environment
// overrides, e.g. ORBA_STRIPE_SECRET_KEY for stripe.secret_key.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		zap.L().Debug("No .env file loaded, using process environment")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("ORBA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		zap.L().Info("No config file found, using defaults and environment", zap.String("dir", dir))
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			PublicURL:      strings.TrimRight(v.GetString("server.public_url"), "/"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("database.driver")),
			Path:   v.GetString("database.path"),
			DSN:    v.GetString("database.dsn"),
		},
		App: AppConfig{
			Name:    v.GetString("app.name"),
			BaseURL: strings.TrimRight(v.GetString("app.base_url"), "/"),
		},
		Auth: AuthConfig{
			SessionSecret: v.GetString("auth.session_secret"),
			SessionTTL:    v.GetDuration("auth.session_ttl"),
			ResetTokenTTL: v.GetDuration("auth.reset_token_ttl"),
			CookieSecure:  v.GetBool("auth.cookie_secure"),
		},
		Mail: MailConfig{
			Provider:     strings.ToLower(v.GetString("mail.provider")),
			From:         v.GetString("mail.from"),
			ContactTo:    v.GetString("mail.contact_to"),
			SMTPHost:     v.GetString("mail.smtp_host"),
			SMTPPort:     v.GetString("mail.smtp_port"),
			SMTPUser:     v.GetString("mail.smtp_user"),
			SMTPPass:     v.GetString("mail.smtp_pass"),
			ResendAPIKey: v.GetString("mail.resend_api_key"),
		},
		Stripe: StripeConfig{
			SecretKey:     v.GetString("stripe.secret_key"),
			WebhookSecret: v.GetString("stripe.webhook_secret"),
			ProPriceID:    v.GetString("stripe.pro_price_id"),
			StarterPrice:  v.GetString("stripe.starter_price_id"),
		},
		Billing: BillingConfig{
			FreeProjectLimit: v.GetInt("billing.free_project_limit"),
		},
		Google: GoogleConfig{
			ClientID:        v.GetString("google.client_id"),
			ClientSecret:    v.GetString("google.client_secret"),
			CalendarEnabled: v.GetBool("google.calendar.enabled"),
			CalendarID:      v.GetString("google.calendar.calendar_id"),
		},
		Redis: RedisConfig{
			URL:      v.GetString("redis.url"),
			DedupTTL: v.GetDuration("redis.dedup_ttl"),
		},
	}

	if sa := v.Get("google.service_account"); sa != nil {
		raw, err := json.Marshal(sa)
		if err != nil {
			return nil, fmt.Errorf("unable to marshal service account settings to JSON: %w", err)
		}
		cfg.Google.ServiceAccountJSON = raw
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Auth.CookieSecure && cfg.Auth.UsesDevSecret() {
		return nil, errors.New("auth.session_secret must be set when auth.cookie_secure is enabled")
	}
	if cfg.Auth.SessionTTL <= 0 || cfg.Auth.ResetTokenTTL <= 0 {
		return nil, errors.New("auth.session_ttl and auth.reset_token_ttl must be positive")
	}
	return cfg, nil
}

// PlanForPrice maps a Stripe price id onto a plan name. Unknown prices are
// treated as pro since that is the only paid tier sold through checkout.
func (c StripeConfig) PlanForPrice(priceID string) string {
	if priceID != "" && priceID == c.StarterPrice {
		return "starter"
	}
	return "pro"
}
