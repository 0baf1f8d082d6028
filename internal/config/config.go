package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// ProviderConfig holds one payment provider's credentials and endpoints. The
// live and sandbox base URLs are distinct hosts; sandbox mode never loosens
// TLS verification.
type ProviderConfig struct {
	Enabled        bool
	LiveBaseURL    string
	SandboxBaseURL string
}

// WaveConfig carries the Wave wallet API credentials.
type WaveConfig struct {
	ProviderConfig
	APIKey        string
	SecretKey     string
	WebhookSecret string
}

// OrangeConfig carries the Orange Money API credentials.
type OrangeConfig struct {
	ProviderConfig
	ClientID    string
	Secret      string
	MerchantKey string
	CountryCode string
}

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	CORSAllowedOrigins []string
	PublicBaseURL      string

	Sandbox bool
	Wave    WaveConfig
	Orange  OrangeConfig

	ProviderTimeout  time.Duration
	ProviderAttempts int
	IntentTTL        time.Duration
	ReconcileEvery   time.Duration
	StatsCacheTTL    time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		PublicBaseURL:      strings.TrimRight(strings.TrimSpace(k.String("PUBLIC_BASE_URL")), "/"),
		Sandbox:            parseBool(k.String("PAYMENT_SANDBOX")),
		Wave: WaveConfig{
			ProviderConfig: ProviderConfig{
				Enabled:        parseBool(valueOrDefault(k.String("WAVE_ENABLED"), "true")),
				LiveBaseURL:    valueOrDefault(k.String("WAVE_BASE_URL"), "https://api.wave.com/v1"),
				SandboxBaseURL: valueOrDefault(k.String("WAVE_SANDBOX_BASE_URL"), "https://api.sandbox.wave.com/v1"),
			},
			APIKey:        k.String("WAVE_API_KEY"),
			SecretKey:     k.String("WAVE_SECRET_KEY"),
			WebhookSecret: valueOrDefault(k.String("WAVE_WEBHOOK_SECRET"), k.String("WAVE_SECRET_KEY")),
		},
		Orange: OrangeConfig{
			ProviderConfig: ProviderConfig{
				Enabled:        parseBool(valueOrDefault(k.String("ORANGE_ENABLED"), "true")),
				LiveBaseURL:    valueOrDefault(k.String("ORANGE_BASE_URL"), "https://api.orange.com/orange-money-webpay/v1"),
				SandboxBaseURL: valueOrDefault(k.String("ORANGE_SANDBOX_BASE_URL"), "https://api.orange.com/orange-money-webpay-sand/v1"),
			},
			ClientID:    k.String("ORANGE_CLIENT_ID"),
			Secret:      k.String("ORANGE_CLIENT_SECRET"),
			MerchantKey: k.String("ORANGE_MERCHANT_KEY"),
			CountryCode: valueOrDefault(k.String("ORANGE_COUNTRY_CODE"), "SN"),
		},
		ProviderTimeout:  parseDuration(k.String("PROVIDER_TIMEOUT"), "15s"),
		ProviderAttempts: parseInt(k.String("PROVIDER_MAX_ATTEMPTS"), 3),
		IntentTTL:        parseDuration(k.String("INTENT_TTL"), "24h"),
		ReconcileEvery:   parseDuration(k.String("RECONCILE_EVERY"), "5m"),
		StatsCacheTTL:    parseDuration(k.String("STATS_CACHE_TTL"), "60s"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.Wave.Enabled && (cfg.Wave.APIKey == "" || cfg.Wave.SecretKey == "") {
		return nil, errors.New("WAVE_API_KEY and WAVE_SECRET_KEY are required when Wave is enabled")
	}
	if cfg.Orange.Enabled && (cfg.Orange.ClientID == "" || cfg.Orange.Secret == "" || cfg.Orange.MerchantKey == "") {
		return nil, errors.New("ORANGE_CLIENT_ID, ORANGE_CLIENT_SECRET and ORANGE_MERCHANT_KEY are required when Orange Money is enabled")
	}

	return cfg, nil
}

// BaseURL resolves the provider endpoint for the current mode.
func (p ProviderConfig) BaseURL(sandbox bool) string {
	if sandbox {
		return p.SandboxBaseURL
	}
	return p.LiveBaseURL
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(trimmed, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
