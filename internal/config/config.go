package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/i474232898/oura-data-aggregation/internal/logger"
)

// envPrefix namespaces environment overrides, e.g. OURA_UPDATE_INTERVAL.
const envPrefix = "OURA_"

type AppConfig struct {
	// Personal access token; mutually exclusive with the OAuth2 fields.
	AccessToken string `koanf:"access_token" validate:"required_without=OAuthRefreshToken,excluded_with=OAuthRefreshToken"`

	OAuthClientID     string `koanf:"oauth_client_id" validate:"required_with=OAuthRefreshToken"`
	OAuthClientSecret string `koanf:"oauth_client_secret" validate:"required_with=OAuthRefreshToken"`
	OAuthRefreshToken string `koanf:"oauth_refresh_token"`
	OAuthTokenURL     string `koanf:"oauth_token_url" validate:"omitempty,url"`

	BaseURL string `koanf:"base_url" validate:"required,url"`

	// UpdateInterval is the poll cadence in minutes.
	UpdateInterval   int  `koanf:"update_interval" validate:"min=1,max=60"`
	HistoricalMonths int  `koanf:"historical_months" validate:"min=1,max=48"`
	HistoricalImport bool `koanf:"historical_import"`

	// Timezone decides what "today" means for day filtering.
	Timezone string `koanf:"timezone" validate:"required,timezone"`

	HTTPTimeout        time.Duration `koanf:"http_timeout" validate:"gt=0"`
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute" validate:"min=0"`

	// In-memory snapshot retention.
	StoreMaxHistory int           `koanf:"store_max_history" validate:"min=0"` // 0 = unlimited
	StoreMaxAge     time.Duration `koanf:"store_max_age" validate:"min=0"`     // 0 = unlimited

	DBPath            string        `koanf:"db_path" validate:"required"`
	StatisticIDPrefix string        `koanf:"statistic_id_prefix" validate:"required"`
	CacheTTL          time.Duration `koanf:"cache_ttl" validate:"min=0"`

	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`
	Port     string `koanf:"port" validate:"required,numeric"`
}

// New returns the defaults.
func New() *AppConfig {
	return &AppConfig{
		BaseURL:            "https://api.ouraring.com/v2/usercollection",
		UpdateInterval:     5,
		HistoricalMonths:   3,
		HistoricalImport:   true,
		Timezone:           "UTC",
		HTTPTimeout:        30 * time.Second,
		RateLimitPerMinute: 300,
		StoreMaxHistory:    288, // roughly 24h at 5-minute intervals
		StoreMaxAge:        24 * time.Hour,
		DBPath:             "oura.db",
		StatisticIDPrefix:  "sensor.oura_ring_",
		CacheTTL:           5 * time.Minute,
		LogLevel:           "info",
		Port:               "8080",
	}
}

// Load layers defaults, an optional YAML file named by OURA_CONFIG, a .env
// file and OURA_-prefixed environment variables, in increasing precedence.
func Load(ctx context.Context, log logger.Logger) (*AppConfig, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := godotenv.Load(); err != nil {
		log.Debug(ctx, "no .env file loaded", logger.Error(err))
	}

	k := koanf.New(".")

	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// OURA_HTTP_TIMEOUT -> http_timeout; underscores stay part of the key.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := New()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks ranges and that exactly one auth method is configured.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location resolves the configured timezone.
func (c *AppConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// PollInterval is the scheduler cadence.
func (c *AppConfig) PollInterval() time.Duration {
	return time.Duration(c.UpdateInterval) * time.Minute
}

// HistoricalDays is the back-fill window length.
func (c *AppConfig) HistoricalDays() int {
	return c.HistoricalMonths * 30
}
