// Package config provides YAML-based configuration loading for Turntable.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Turntable configuration, loaded from config.yaml.
type Config struct {
	Port            int            `yaml:"port"`
	DownloadsDir    string         `yaml:"downloads_dir"`
	SearchBaseURL   string         `yaml:"search_base_url"`
	DownloadBaseURL string         `yaml:"download_base_url"`
	StatusChannelID string         `yaml:"status_channel_id"`
	Capacity        CapacityConfig `yaml:"capacity"`
	Fetch           FetchConfig    `yaml:"fetch"`
	Watchdog        WatchdogConfig `yaml:"watchdog"`
	History         HistoryConfig  `yaml:"history"`
}

// CapacityConfig bounds concurrent local playback sessions and names the
// secondary instance that receives overflow.
type CapacityConfig struct {
	MaxLocalSessions int    `yaml:"max_local_sessions"`
	SecondaryURL     string `yaml:"secondary_url"`
}

// FetchConfig tunes the audio fetcher.
type FetchConfig struct {
	TimeoutSec    int    `yaml:"timeout_sec"`
	MaxBytes      int64  `yaml:"max_bytes"`
	ChunkBytes    int    `yaml:"chunk_bytes"`
	Serialize     *bool  `yaml:"serialize"`
	SweepSchedule string `yaml:"sweep_schedule"`
	MaxAgeMin     int    `yaml:"max_age_min"`
}

// WatchdogConfig controls the liveness probe loop.
type WatchdogConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Schedule        string `yaml:"schedule"`
	ProbeTimeoutSec int    `yaml:"probe_timeout_sec"`
	PeerID          string `yaml:"peer_id"`
	RestartURL      string `yaml:"restart_url"`
}

// HistoryConfig holds connection settings for the play-history store.
type HistoryConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	DBPort   int    `yaml:"port"`
	Database string `yaml:"database"`
}

// SerializeDownloads reports whether downloads should run one at a time.
// Defaults to true when unset.
func (f FetchConfig) SerializeDownloads() bool {
	if f.Serialize == nil {
		return true
	}
	return *f.Serialize
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.DownloadsDir == "" {
		c.DownloadsDir = "downloads"
	}
	if c.Capacity.MaxLocalSessions == 0 {
		c.Capacity.MaxLocalSessions = 4
	}
	if c.Fetch.TimeoutSec == 0 {
		c.Fetch.TimeoutSec = 30
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
	if c.Fetch.ChunkBytes == 0 {
		c.Fetch.ChunkBytes = 256 << 10
	}
	if c.Fetch.SweepSchedule == "" {
		c.Fetch.SweepSchedule = "0 * * * *"
	}
	if c.Fetch.MaxAgeMin == 0 {
		c.Fetch.MaxAgeMin = 360
	}
	if c.Watchdog.Schedule == "" {
		c.Watchdog.Schedule = "* * * * *"
	}
	if c.Watchdog.ProbeTimeoutSec == 0 {
		c.Watchdog.ProbeTimeoutSec = 30
	}
	if c.History.Driver == "" {
		c.History.Driver = "sqlite"
	}
	if c.History.Driver == "sqlite" && c.History.Path == "" {
		c.History.Path = "turntable.db"
	}
	if c.History.Driver == "mysql" {
		if c.History.Host == "" {
			c.History.Host = "127.0.0.1"
		}
		if c.History.DBPort == 0 {
			c.History.DBPort = 3306
		}
		if c.History.Database == "" {
			c.History.Database = "turntable"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.SearchBaseURL == "" {
		errs = append(errs, "search_base_url is required")
	}
	if c.DownloadBaseURL == "" {
		errs = append(errs, "download_base_url is required")
	}
	if c.History.Driver != "sqlite" && c.History.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("history.driver %q must be sqlite or mysql", c.History.Driver))
	}
	if c.Watchdog.Enabled {
		if c.Watchdog.PeerID == "" {
			errs = append(errs, "watchdog.peer_id is required when watchdog is enabled")
		}
		if c.Watchdog.RestartURL == "" {
			errs = append(errs, "watchdog.restart_url is required when watchdog is enabled")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
