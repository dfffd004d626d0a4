// Package config loads and validates digwatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. DIGWATCH_DB_DSN.
const EnvPrefix = "DIGWATCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Geocode   GeocodeConfig   `mapstructure:"geocode"`
	Coord     CoordConfig     `mapstructure:"coord"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Proximity ProximityConfig `mapstructure:"proximity"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	AdminTimeout    time.Duration `mapstructure:"admin_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	WSWriteTimeout  time.Duration `mapstructure:"ws_write_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// ScraperConfig points the pagination scraper at the listing.
type ScraperConfig struct {
	ListingURL         string        `mapstructure:"listing_url"`
	EventTarget        string        `mapstructure:"event_target"`
	UserAgent          string        `mapstructure:"user_agent"`
	Timeout            time.Duration `mapstructure:"timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	MaxPages           int           `mapstructure:"max_pages"`
}

// GeocodeConfig configures the per-case coordinate lookup. An empty BaseURL
// disables geocoding.
type GeocodeConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	CoordinateKey string        `mapstructure:"coordinate_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
	RPS           float64       `mapstructure:"rps"`
	Burst         int           `mapstructure:"burst"`
	CacheSize     int           `mapstructure:"cache_size"`
}

// CoordConfig selects the TM2 transform.
type CoordConfig struct {
	Method string `mapstructure:"method"`
}

// IngestConfig drives scheduled ingestion.
type IngestConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	Schedule  string        `mapstructure:"schedule"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// NotifyConfig drives the periodic proximity sweep.
type NotifyConfig struct {
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	SweepTimeout  time.Duration `mapstructure:"sweep_timeout"`
}

// ProximityConfig sets how "today" is determined for active notices.
type ProximityConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is read first when present; variables already set in the
// environment win.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.admin_timeout", 10*time.Minute)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.ws_write_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.connect_timeout", 30*time.Second)
	v.SetDefault("scraper.listing_url", "https://dig.taipei/Tpdig/PWorkData.aspx")
	v.SetDefault("scraper.event_target", "GridView1")
	v.SetDefault("scraper.user_agent", "digwatch/0.1")
	v.SetDefault("scraper.timeout", 30*time.Second)
	v.SetDefault("scraper.insecure_skip_verify", false)
	v.SetDefault("scraper.max_pages", 0)
	v.SetDefault("geocode.base_url", "")
	v.SetDefault("geocode.coordinate_key", "POSITION")
	v.SetDefault("geocode.timeout", 5*time.Second)
	v.SetDefault("geocode.concurrency", 10)
	v.SetDefault("geocode.rps", 0)
	v.SetDefault("geocode.burst", 1)
	v.SetDefault("geocode.cache_size", 1024)
	v.SetDefault("coord.method", "precise")
	v.SetDefault("ingest.batch_size", 50)
	v.SetDefault("ingest.schedule", "0 2 * * *")
	v.SetDefault("ingest.timeout", 30*time.Minute)
	v.SetDefault("notify.sweep_schedule", "@every 1m")
	v.SetDefault("notify.sweep_timeout", 50*time.Second)
	v.SetDefault("proximity.timezone", "Asia/Taipei")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 || c.Server.AdminTimeout <= 0 {
		return errors.New("server.request_timeout and server.admin_timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Scraper.ListingURL == "" {
		return errors.New("scraper.listing_url must be set")
	}
	if c.Scraper.MaxPages < 0 {
		return errors.New("scraper.max_pages must be >= 0")
	}
	if c.Geocode.Concurrency <= 0 {
		return errors.New("geocode.concurrency must be > 0")
	}
	if c.Geocode.RPS < 0 {
		return errors.New("geocode.rps must be >= 0")
	}
	if c.Ingest.BatchSize <= 0 {
		return errors.New("ingest.batch_size must be > 0")
	}
	switch c.Coord.Method {
	case "precise", "linear":
	default:
		return fmt.Errorf("coord.method must be precise or linear, got %q", c.Coord.Method)
	}
	if c.DB.MinConns > c.DB.MaxConns {
		return errors.New("db.min_conns must be <= db.max_conns")
	}
	if _, err := c.Proximity.Location(); err != nil {
		return err
	}
	if err := validateSchedule("ingest.schedule", c.Ingest.Schedule); err != nil {
		return err
	}
	return validateSchedule("notify.sweep_schedule", c.Notify.SweepSchedule)
}

// validateSchedule accepts an empty schedule, which disables the job.
func validateSchedule(key, schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Location resolves the proximity timezone. Empty means UTC.
func (c ProximityConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("proximity.timezone: %w", err)
	}
	return loc, nil
}
