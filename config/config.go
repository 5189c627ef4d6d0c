package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

type ServerConfig struct {
	// Public hostname hubs use to reach the callback endpoint
	Hostname     string `toml:"hostname"`
	Listen       string `toml:"listen"`
	AllowOrigins string `toml:"allow_origins"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type FetchConfig struct {
	Timeout      time.Duration `toml:"timeout"`
	UserAgent    string        `toml:"user_agent"`
	MaxRedirects int           `toml:"max_redirects"`
}

type QueueConfig struct {
	Workers    int    `toml:"workers"`
	Size       int    `toml:"size"`
	MaxRetries uint64 `toml:"max_retries"`
}

type RefreshConfig struct {
	BusyDelay    time.Duration `toml:"busy_delay"`
	PollInterval time.Duration `toml:"poll_interval"`
	StaleAfter   time.Duration `toml:"stale_after"`
	TidyInterval time.Duration `toml:"tidy_interval"`
}

// RedisConfig enables an external refresh lease when Addr is set
type RedisConfig struct {
	Addr     string        `toml:"addr"`
	LeaseTTL time.Duration `toml:"lease_ttl"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// TomlSource routes a feed into the enclosing channel
type TomlSource struct {
	FeedURL string `toml:"feed_url"`
	Filter  string `toml:"filter,omitempty"`
}

type TomlChannel struct {
	Name    string       `toml:"name"`
	Sources []TomlSource `toml:"sources"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Fetch    FetchConfig    `toml:"fetch"`
	Queue    QueueConfig    `toml:"queue"`
	Refresh  RefreshConfig  `toml:"refresh"`
	Redis    RedisConfig    `toml:"redis"`
	Log      LogConfig      `toml:"log"`
	Channels []TomlChannel  `toml:"channels"`
}

func Default() *TomlConfig {
	return &TomlConfig{
		Server: ServerConfig{
			Hostname:     "localhost:3000",
			Listen:       ":3000",
			AllowOrigins: "*",
		},
		Database: DatabaseConfig{Path: "feedhub.db"},
		Fetch: FetchConfig{
			Timeout:      30 * time.Second,
			MaxRedirects: 10,
		},
		Queue: QueueConfig{
			Workers:    4,
			Size:       1000,
			MaxRetries: 3,
		},
		Refresh: RefreshConfig{
			BusyDelay:    5 * time.Second,
			PollInterval: 15 * time.Minute,
			StaleAfter:   30 * time.Minute,
			TidyInterval: 5 * time.Minute,
		},
		Redis: RedisConfig{LeaseTTL: 10 * time.Minute},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads a TOML file over the defaults. An empty path returns the defaults.
func LoadConfig(path string) (*TomlConfig, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// Apply configures the standard logrus logger
func (l LogConfig) Apply() error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	switch l.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", l.Format)
	}
	return nil
}
