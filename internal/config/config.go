package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/charmbracelet/log"
	toml "github.com/pelletier/go-toml/v2"
)

// ReservationBackend selects where reservation slots are held.
type ReservationBackend string

const (
	BackendSQLite ReservationBackend = "sqlite"
	BackendRedis  ReservationBackend = "redis"
)

type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	Reservation ReservationConfig `toml:"reservation"`
	Redis       RedisConfig       `toml:"redis"`
	Catalog     CatalogConfig     `toml:"catalog"`
	Server      ServerConfig      `toml:"server"`
	History     HistoryConfig     `toml:"history"`
	Logging     LoggingConfig     `toml:"logging"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// ReservationConfig controls reservation expiry and storage.
// Durations are Go duration strings such as "30m"; "0" disables expiry.
type ReservationConfig struct {
	TTL      string             `toml:"ttl"`
	Backend  ReservationBackend `toml:"backend"`
	LockWait string             `toml:"lock_wait"`
}

type RedisConfig struct {
	Address  string `toml:"address"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// CatalogConfig points at the remote product catalog. An empty URL uses the local database.
type CatalogConfig struct {
	URL     string `toml:"url"`
	Timeout string `toml:"timeout"`
	Cache   bool   `toml:"cache"`
}

type ServerConfig struct {
	Bind            string `toml:"bind"`
	APIEndpoint     string `toml:"api_endpoint"`
	MCPEndpoint     string `toml:"mcp_endpoint"`
	MetricsEndpoint string `toml:"metrics_endpoint"`
}

type HistoryConfig struct {
	// Timezone is an IANA name used to bucket log entries into calendar days.
	Timezone string `toml:"timezone"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

func Default(dbPath string) Config {
	return Config{
		Database: DatabaseConfig{
			Path: dbPath,
		},
		Reservation: ReservationConfig{
			TTL:      "0",
			Backend:  BackendSQLite,
			LockWait: "5s",
		},
		Redis: RedisConfig{
			Address: "127.0.0.1:6379",
			Prefix:  "stockcount",
		},
		Catalog: CatalogConfig{
			Timeout: "10s",
			Cache:   true,
		},
		Server: ServerConfig{
			Bind:            "127.0.0.1:8080",
			APIEndpoint:     "/api/v1",
			MCPEndpoint:     "/mcp",
			MetricsEndpoint: "/metrics",
		},
		History: HistoryConfig{
			Timezone: "UTC",
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     ".stockcount/log",
			},
		},
	}
}

func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}

	if _, err := c.ReservationTTL(); err != nil {
		return err
	}
	if _, err := c.LockWait(); err != nil {
		return err
	}
	switch c.Reservation.Backend {
	case BackendSQLite:
	case BackendRedis:
		if strings.TrimSpace(c.Redis.Address) == "" {
			return errors.New("redis.address is required when reservation.backend is redis")
		}
	default:
		return fmt.Errorf("invalid reservation.backend: %q", c.Reservation.Backend)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0")
	}

	if raw := strings.TrimSpace(c.Catalog.URL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("invalid catalog.url: %q", c.Catalog.URL)
		}
	}
	if _, err := c.CatalogTimeout(); err != nil {
		return err
	}

	if _, err := c.HistoryLocation(); err != nil {
		return err
	}
	if _, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(c.Logging.Level))); err != nil {
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	if c.Logging.DevFile.Enabled && strings.TrimSpace(c.Logging.DevFile.Dir) == "" {
		return errors.New("logging.dev_file.dir is required when the dev file is enabled")
	}
	return nil
}

// ReservationTTL returns the parsed staleness window. Zero means reservations never expire.
func (c Config) ReservationTTL() (time.Duration, error) {
	return parseDuration("reservation.ttl", c.Reservation.TTL, 0)
}

// LockWait returns how long finalize waits for the per-block lock.
func (c Config) LockWait() (time.Duration, error) {
	return parseDuration("reservation.lock_wait", c.Reservation.LockWait, 5*time.Second)
}

// CatalogTimeout returns the remote catalog request timeout.
func (c Config) CatalogTimeout() (time.Duration, error) {
	return parseDuration("catalog.timeout", c.Catalog.Timeout, 10*time.Second)
}

// HistoryLocation loads the configured history timezone.
func (c Config) HistoryLocation() (*time.Location, error) {
	name := strings.TrimSpace(c.History.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid history.timezone: %q: %w", c.History.Timezone, err)
	}
	return loc, nil
}

func parseDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", field)
	}
	return d, nil
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
