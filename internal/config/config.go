package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"caremap/internal/auth"
	"caremap/internal/tracing"
)

// Config holds the full application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Backend  BackendConfig  `yaml:"backend" mapstructure:"backend"`
	Broker   BrokerConfig   `yaml:"broker" mapstructure:"broker"`
	Map      MapConfig      `yaml:"map" mapstructure:"map"`
	Grouping GroupingConfig `yaml:"grouping" mapstructure:"grouping"`
	Geocode  GeocodeConfig  `yaml:"geocode" mapstructure:"geocode"`
	Refresh  RefreshConfig  `yaml:"refresh" mapstructure:"refresh"`
	Tracing  tracing.Config `yaml:"tracing" mapstructure:"tracing"`
}

type ServerConfig struct {
	Port int         `yaml:"port" mapstructure:"port"`
	Auth auth.Config `yaml:"auth" mapstructure:"auth"`
}

// LogConfig selects the zap preset and level.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json | console
}

// StoreConfig selects the cluster service backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // memory | postgres | remote
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SeedFile    string `yaml:"seed_file" mapstructure:"seed_file"`
	Migrate     bool   `yaml:"migrate" mapstructure:"migrate"`
}

// BackendConfig configures the remote rostering service client.
type BackendConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	Token       string        `yaml:"token" mapstructure:"token"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RateLimit   float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
}

type BrokerConfig struct {
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
}

// MapConfig carries the viewport constants and the map tile key handed to UI shells.
type MapConfig struct {
	APIKey         string  `yaml:"api_key" mapstructure:"api_key"`
	ZoomThreshold  float64 `yaml:"zoom_threshold" mapstructure:"zoom_threshold"`
	FallbackLat    float64 `yaml:"fallback_lat" mapstructure:"fallback_lat"`
	FallbackLon    float64 `yaml:"fallback_lon" mapstructure:"fallback_lon"`
	ClusterRadiusM float64 `yaml:"cluster_radius_m" mapstructure:"cluster_radius_m"`
	CirclePoints   int     `yaml:"circle_points" mapstructure:"circle_points"`
	CarerSpreadM   float64 `yaml:"carer_spread_m" mapstructure:"carer_spread_m"`

	// ResolveTTL is how long a resolved caretaker batch is reused for unchanged members.
	ResolveTTL time.Duration `yaml:"resolve_ttl" mapstructure:"resolve_ttl"`
}

type GroupingConfig struct {
	LinkKm float64 `yaml:"link_km" mapstructure:"link_km"`
}

// GeocodeConfig configures the Nominatim-compatible address search.
type GeocodeConfig struct {
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent string  `yaml:"user_agent" mapstructure:"user_agent"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	MinQuery  int     `yaml:"min_query" mapstructure:"min_query"`
	Limit     int     `yaml:"limit" mapstructure:"limit"`
}

// RefreshConfig enables the periodic cluster reload. Zero disables it.
type RefreshConfig struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// Load reads config.yaml from the working directory when present, then CAREMAP_* env vars.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CAREMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth.mode", "none")
	v.SetDefault("server.auth.hmac_secret", "")
	v.SetDefault("server.auth.jwks_url", "")
	v.SetDefault("server.auth.role_claim", "role")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.seed_file", "")
	v.SetDefault("store.migrate", true)
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.timeout", "10s")
	v.SetDefault("backend.max_attempts", 3)
	v.SetDefault("backend.rate_limit", 20)
	v.SetDefault("backend.concurrency", 8)
	v.SetDefault("broker.redis_url", "")
	v.SetDefault("map.api_key", "")
	v.SetDefault("map.zoom_threshold", 12)
	v.SetDefault("map.fallback_lat", 53.0)
	v.SetDefault("map.fallback_lon", -1.5)
	v.SetDefault("map.cluster_radius_m", 1000)
	v.SetDefault("map.circle_points", 64)
	v.SetDefault("map.carer_spread_m", 500)
	v.SetDefault("map.resolve_ttl", "2m")
	v.SetDefault("grouping.link_km", 1)
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.user_agent", "caremap/1.0")
	v.SetDefault("geocode.rate_limit", 1)
	v.SetDefault("geocode.min_query", 3)
	v.SetDefault("geocode.limit", 5)
	v.SetDefault("refresh.interval", "0s")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "caremap")
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sample_ratio", 1.0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for the postgres driver")
		}
	case "remote":
		if c.Backend.BaseURL == "" {
			return eris.New("config: backend.base_url is required for the remote driver")
		}
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Map.ZoomThreshold <= 0 {
		return eris.New("config: map.zoom_threshold must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return eris.New("config: tracing.sample_ratio must be within [0,1]")
	}
	return nil
}

// InitLogger builds the global zap logger from cfg.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
