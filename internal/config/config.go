// Package config provides configuration management for segplay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultCatalogURL        = "http://localhost:8080"
	defaultCatalogTimeout    = 10 * time.Second
	defaultFetchAttempts     = 3
	defaultPrebufferAttempts = 2
	defaultFetchTimeout      = 5 * time.Second
	defaultBackoffBase       = 500 * time.Millisecond
	defaultSkipDelay         = 2 * time.Second
	defaultMinSampleDuration = 100 * time.Millisecond
	defaultABRInterval       = 3 * time.Second
	defaultABRWindow         = 6
	defaultMinBps            = 30_000
	defaultMaxBps            = 120_000_000
	defaultHighBps           = 8_000_000
	defaultMidHighBps        = 4_000_000
	defaultMidLowBps         = 2_000_000
	defaultServerPort        = 8080
	defaultSinkSpeed         = 1.0
	defaultSinkTick          = 250 * time.Millisecond
)

// Config holds all configuration for the application.
type Config struct {
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Playback PlaybackConfig `mapstructure:"playback"`
	ABR      ABRConfig      `mapstructure:"abr"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// CatalogConfig holds the catalog client configuration.
type CatalogConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PlaybackConfig holds segment fetching and recovery settings.
type PlaybackConfig struct {
	FetchAttempts     int           `mapstructure:"fetch_attempts"`
	PrebufferAttempts int           `mapstructure:"prebuffer_attempts"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	SkipDelay         time.Duration `mapstructure:"skip_delay"`
	MinSampleDuration time.Duration `mapstructure:"min_sample_duration"`
}

// ABRConfig holds the bandwidth estimator and quality ladder settings.
type ABRConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	Window     int           `mapstructure:"window"`
	MinBps     float64       `mapstructure:"min_bps"`
	MaxBps     float64       `mapstructure:"max_bps"`
	HighBps    float64       `mapstructure:"high_bps"`
	MidHighBps float64       `mapstructure:"mid_high_bps"`
	MidLowBps  float64       `mapstructure:"mid_low_bps"`
}

// SinkConfig holds the headless sink settings.
type SinkConfig struct {
	Speed     float64       `mapstructure:"speed"`
	Tick      time.Duration `mapstructure:"tick"`
	OutputDir string        `mapstructure:"output_dir"`
}

// ServerConfig holds the reference catalog server configuration.
type ServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	MediaDir string `mapstructure:"media_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with SEGPLAY_ and use underscores for nesting.
// Example: SEGPLAY_CATALOG_BASE_URL=http://catalog:8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("segplay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.segplay")
	}

	v.SetEnvPrefix("SEGPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("catalog.base_url", defaultCatalogURL)
	v.SetDefault("catalog.timeout", defaultCatalogTimeout)

	v.SetDefault("playback.fetch_attempts", defaultFetchAttempts)
	v.SetDefault("playback.prebuffer_attempts", defaultPrebufferAttempts)
	v.SetDefault("playback.fetch_timeout", defaultFetchTimeout)
	v.SetDefault("playback.backoff_base", defaultBackoffBase)
	v.SetDefault("playback.skip_delay", defaultSkipDelay)
	v.SetDefault("playback.min_sample_duration", defaultMinSampleDuration)

	v.SetDefault("abr.interval", defaultABRInterval)
	v.SetDefault("abr.window", defaultABRWindow)
	v.SetDefault("abr.min_bps", defaultMinBps)
	v.SetDefault("abr.max_bps", defaultMaxBps)
	v.SetDefault("abr.high_bps", defaultHighBps)
	v.SetDefault("abr.mid_high_bps", defaultMidHighBps)
	v.SetDefault("abr.mid_low_bps", defaultMidLowBps)

	v.SetDefault("sink.speed", defaultSinkSpeed)
	v.SetDefault("sink.tick", defaultSinkTick)
	v.SetDefault("sink.output_dir", "")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.media_dir", "./media")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Catalog.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("catalog.base_url must be an absolute URL, got %q", c.Catalog.BaseURL)
	}
	if c.Catalog.Timeout <= 0 {
		return fmt.Errorf("catalog.timeout must be positive")
	}

	if c.Playback.FetchAttempts < 1 {
		return fmt.Errorf("playback.fetch_attempts must be at least 1")
	}
	if c.Playback.PrebufferAttempts < 1 {
		return fmt.Errorf("playback.prebuffer_attempts must be at least 1")
	}
	if c.Playback.FetchTimeout <= 0 {
		return fmt.Errorf("playback.fetch_timeout must be positive")
	}
	if c.Playback.SkipDelay < 0 {
		return fmt.Errorf("playback.skip_delay must not be negative")
	}

	if c.ABR.Interval <= 0 {
		return fmt.Errorf("abr.interval must be positive")
	}
	if c.ABR.Window < 1 {
		return fmt.Errorf("abr.window must be at least 1")
	}
	if c.ABR.MinBps <= 0 || c.ABR.MaxBps <= c.ABR.MinBps {
		return fmt.Errorf("abr.min_bps must be positive and below abr.max_bps")
	}
	if !(c.ABR.HighBps > c.ABR.MidHighBps && c.ABR.MidHighBps > c.ABR.MidLowBps && c.ABR.MidLowBps > 0) {
		return fmt.Errorf("abr thresholds must satisfy high_bps > mid_high_bps > mid_low_bps > 0")
	}

	if c.Sink.Speed <= 0 {
		return fmt.Errorf("sink.speed must be positive")
	}

	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.MediaDir == "" {
		return fmt.Errorf("server.media_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
