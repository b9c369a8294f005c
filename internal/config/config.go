// Package config loads service settings: defaults, then an optional YAML
// file, then TRAFFIC_-prefixed environment variables.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
)

// Config holds all service settings. Interval and window fields are plain
// integers so every layer (YAML, env) can set them without duration-string
// parsing; use the accessor methods for time.Duration values.
type Config struct {
	Addr                   string `koanf:"addr"`
	LogLevel               string `koanf:"log_level"`
	LogFormat              string `koanf:"log_format"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`

	SQLitePath string `koanf:"sqlite_path"`

	// Upstream feed.
	UpstreamURL            string `koanf:"upstream_url"`
	UpstreamUserAgent      string `koanf:"upstream_user_agent"`
	UpstreamTimeoutSeconds int    `koanf:"upstream_timeout_seconds"`
	UpstreamRetryAttempts  int    `koanf:"upstream_retry_attempts"`
	UpstreamRetryDelayMS   int    `koanf:"upstream_retry_delay_ms"`

	// Ingestion cadence and reconciliation policy.
	EventsIntervalSeconds int  `koanf:"events_interval_seconds"`
	StaticIntervalSeconds int  `koanf:"static_interval_seconds"`
	IngestOnStart         bool `koanf:"ingest_on_start"`
	StaleAfterMinutes     int  `koanf:"stale_after_minutes"`
	HardExpireMinutes     int  `koanf:"hard_expire_minutes"`

	// Region of interest and tiling.
	RegionNorth float64 `koanf:"region_north"`
	RegionSouth float64 `koanf:"region_south"`
	RegionEast  float64 `koanf:"region_east"`
	RegionWest  float64 `koanf:"region_west"`
	TileRows    int     `koanf:"tile_rows"`
	TileCols    int     `koanf:"tile_cols"`
	Zoom        int     `koanf:"zoom"`

	Source    string `koanf:"source"`
	ExposeRaw bool   `koanf:"expose_raw"`

	// Change feed (optional).
	KafkaEnabled bool   `koanf:"kafka_enabled"`
	KafkaBrokers string `koanf:"kafka_brokers"`
	KafkaTopic   string `koanf:"kafka_topic"`
}

// New returns a Config populated with defaults. The region defaults cover
// the Minnesota metro feed the service was built against.
func New() *Config {
	return &Config{
		Addr:                   ":8787",
		LogLevel:               "info",
		LogFormat:              "json",
		ShutdownTimeoutSeconds: 10,

		SQLitePath: "./data/traffic.sqlite",

		UpstreamUserAgent:      "traffic-feed-service/1.0",
		UpstreamTimeoutSeconds: 15,
		UpstreamRetryAttempts:  3,
		UpstreamRetryDelayMS:   500,

		EventsIntervalSeconds: 120,
		StaticIntervalSeconds: 3600,
		IngestOnStart:         true,
		StaleAfterMinutes:     30,
		HardExpireMinutes:     180,

		RegionNorth: 48.06282,
		RegionSouth: 44.48805,
		RegionEast:  -90.78558,
		RegionWest:  -96.58636,
		TileRows:    3,
		TileCols:    3,
		Zoom:        8,

		Source: "MN 511",

		KafkaBrokers: "localhost:9092",
		KafkaTopic:   "traffic-entity-changes",
	}
}

// Validate reports the first configuration problem, if any.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.UpstreamURL == "" {
		return errors.New("upstream_url is required (TRAFFIC_UPSTREAM_URL)")
	}
	if c.SQLitePath == "" {
		return errors.New("sqlite_path is required")
	}
	if c.RegionNorth <= c.RegionSouth {
		return errors.New("region_north must be greater than region_south")
	}
	if c.RegionEast <= c.RegionWest {
		return errors.New("region_east must be greater than region_west")
	}
	if c.EventsIntervalSeconds <= 0 || c.StaticIntervalSeconds <= 0 {
		return errors.New("ingestion intervals must be positive")
	}
	if c.StaleAfterMinutes <= 0 || c.HardExpireMinutes < c.StaleAfterMinutes {
		return errors.New("hard_expire_minutes must be at least stale_after_minutes, both positive")
	}
	if c.KafkaEnabled && c.KafkaBrokers == "" {
		return errors.New("kafka_enabled is true but kafka_brokers is empty")
	}
	return nil
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c *Config) UpstreamRetryDelay() time.Duration {
	return time.Duration(c.UpstreamRetryDelayMS) * time.Millisecond
}

func (c *Config) EventsInterval() time.Duration {
	return time.Duration(c.EventsIntervalSeconds) * time.Second
}

func (c *Config) StaticInterval() time.Duration {
	return time.Duration(c.StaticIntervalSeconds) * time.Second
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

func (c *Config) HardExpire() time.Duration {
	return time.Duration(c.HardExpireMinutes) * time.Minute
}

// Region returns the configured area of interest as a bounding box.
func (c *Config) Region() domain.BBox {
	return domain.BBox{
		MinLon: c.RegionWest,
		MinLat: c.RegionSouth,
		MaxLon: c.RegionEast,
		MaxLat: c.RegionNorth,
	}
}

// Brokers splits the comma-separated broker list.
func (c *Config) Brokers() []string {
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
