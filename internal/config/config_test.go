package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 30s
auth:
  enabled: true
  api_key: secret
db:
  dsn: postgres://localhost/digwatch
  max_conns: 4
  min_conns: 2
scraper:
  listing_url: https://example.test/list.aspx
  max_pages: 3
  insecure_skip_verify: true
geocode:
  base_url: https://example.test/case.ashx
  concurrency: 4
  rps: 2.5
coord:
  method: linear
ingest:
  batch_size: 25
  schedule: "30 3 * * *"
notify:
  sweep_schedule: "@every 5m"
proximity:
  timezone: UTC
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 30*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Server.AdminTimeout != 10*time.Minute {
		t.Fatalf("expected default admin timeout, got %v", cfg.Server.AdminTimeout)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.DB.MaxConns != 4 || cfg.DB.MinConns != 2 {
		t.Fatalf("expected db pool overrides, got %+v", cfg.DB)
	}
	if cfg.Scraper.MaxPages != 3 || !cfg.Scraper.InsecureSkipVerify {
		t.Fatalf("expected scraper overrides, got %+v", cfg.Scraper)
	}
	if cfg.Scraper.EventTarget != "GridView1" {
		t.Fatalf("expected default event target, got %q", cfg.Scraper.EventTarget)
	}
	if cfg.Geocode.Concurrency != 4 || cfg.Geocode.RPS != 2.5 {
		t.Fatalf("expected geocode overrides, got %+v", cfg.Geocode)
	}
	if cfg.Geocode.CoordinateKey != "POSITION" || cfg.Geocode.Timeout != 5*time.Second {
		t.Fatalf("expected geocode defaults, got %+v", cfg.Geocode)
	}
	if cfg.Coord.Method != "linear" || cfg.Ingest.BatchSize != 25 {
		t.Fatalf("expected coord/ingest overrides")
	}
	if cfg.Ingest.Schedule != "30 3 * * *" || cfg.Notify.SweepSchedule != "@every 5m" {
		t.Fatalf("expected schedule overrides")
	}
	if cfg.Logging.Development {
		t.Fatalf("expected development logging disabled")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Scraper.ListingURL != "https://dig.taipei/Tpdig/PWorkData.aspx" {
		t.Fatalf("unexpected listing url %q", cfg.Scraper.ListingURL)
	}
	if cfg.Geocode.Concurrency != 10 || cfg.Ingest.BatchSize != 50 {
		t.Fatalf("expected default concurrency 10 and batch 50")
	}
	if cfg.Coord.Method != "precise" {
		t.Fatalf("expected precise transform by default")
	}
	if cfg.Ingest.Schedule != "0 2 * * *" {
		t.Fatalf("expected nightly ingest schedule, got %q", cfg.Ingest.Schedule)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DIGWATCH_SERVER_PORT", "7070")
	t.Setenv("DIGWATCH_GEOCODE_BASE_URL", "https://env.test/case")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Geocode.BaseURL != "https://env.test/case" {
		t.Fatalf("expected env base url, got %q", cfg.Geocode.BaseURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

// Changes the working directory, so not parallel.
func TestLoadMalformedDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("BAD-KEY=1\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Chdir(dir)

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "load .env") {
		t.Fatalf("expected .env error, got %v", err)
	}
}

func TestProximityLocation(t *testing.T) {
	t.Parallel()

	loc, err := ProximityConfig{}.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("expected UTC for empty timezone, got %v %v", loc, err)
	}
	if _, err := (ProximityConfig{Timezone: "Not/AZone"}).Location(); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080, RequestTimeout: time.Minute, AdminTimeout: time.Minute},
		Scraper: ScraperConfig{ListingURL: "https://example.test"},
		Geocode: GeocodeConfig{Concurrency: 1},
		Coord:   CoordConfig{Method: "precise"},
		Ingest:  IngestConfig{BatchSize: 1},
		DB:      DBConfig{MaxConns: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "missing timeout", mutate: func(c *Config) { c.Server.AdminTimeout = 0 }, want: "server.admin_timeout"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "missing listing", mutate: func(c *Config) { c.Scraper.ListingURL = "" }, want: "scraper.listing_url"},
		{name: "negative max pages", mutate: func(c *Config) { c.Scraper.MaxPages = -1 }, want: "scraper.max_pages"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Geocode.Concurrency = 0 }, want: "geocode.concurrency"},
		{name: "negative rps", mutate: func(c *Config) { c.Geocode.RPS = -1 }, want: "geocode.rps"},
		{name: "zero batch", mutate: func(c *Config) { c.Ingest.BatchSize = 0 }, want: "ingest.batch_size"},
		{name: "bad method", mutate: func(c *Config) { c.Coord.Method = "fast" }, want: "coord.method"},
		{name: "pool bounds", mutate: func(c *Config) { c.DB.MinConns = 5 }, want: "db.min_conns"},
		{name: "bad timezone", mutate: func(c *Config) { c.Proximity.Timezone = "Mars/Olympus" }, want: "proximity.timezone"},
		{name: "bad ingest schedule", mutate: func(c *Config) { c.Ingest.Schedule = "every day" }, want: "ingest.schedule"},
		{name: "bad sweep schedule", mutate: func(c *Config) { c.Notify.SweepSchedule = "* *" }, want: "notify.sweep_schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
