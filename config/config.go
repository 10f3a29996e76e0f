package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Liqflow  LiqflowConfig  `yaml:"liqflow"`
	Feed     FeedConfig     `yaml:"feed"`
	Metadata MetadataConfig `yaml:"metadata"`
	Store    StoreConfig    `yaml:"store"`
	Grid     GridConfig     `yaml:"grid"`
	Render   RenderConfig   `yaml:"render"`
	Channels ChannelsConfig `yaml:"channels"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type LiqflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Symbol  string `yaml:"symbol"`
}

// FeedConfig controls the liquidation websocket client. The connection
// lifetime margin keeps us below the exchange's hard 24h connection limit.
type FeedConfig struct {
	URL                string        `yaml:"url"`
	InitialReconnect   time.Duration `yaml:"initial_reconnect"`
	MaxReconnect       time.Duration `yaml:"max_reconnect"`
	ConnectionLifetime time.Duration `yaml:"connection_lifetime"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PongTimeout        time.Duration `yaml:"pong_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
}

type MetadataConfig struct {
	BaseURL         string        `yaml:"base_url"`
	TTL             time.Duration `yaml:"ttl"`
	Timeout         time.Duration `yaml:"timeout"`
	DefaultTickSize float64       `yaml:"default_tick_size"`
}

type StoreConfig struct {
	Path             string        `yaml:"path"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	RetentionDays    int           `yaml:"retention_days"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	MaxFlushAttempts int           `yaml:"max_flush_attempts"`
	ArchiveDir       string        `yaml:"archive_dir"`
}

type GridConfig struct {
	MaxRows            int           `yaml:"max_rows"`
	MaxCols            int           `yaml:"max_cols"`
	PixelsPerBin       float64       `yaml:"pixels_per_bin"`
	Normalization      string        `yaml:"normalization"`
	WeightBy           string        `yaml:"weight_by"`
	IntensityThreshold float64       `yaml:"intensity_threshold"`
	IntensityFloor     float64       `yaml:"intensity_floor"`
	DecayHalfLife      time.Duration `yaml:"decay_half_life"`
	SmoothingSigma     float64       `yaml:"smoothing_sigma"`
	WindowDuration     time.Duration `yaml:"window_duration"`
}

// RenderConfig is passed through to the rendering collaborator; opacity and
// palette are opaque to the pipeline.
type RenderConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MinUpdateInterval time.Duration `yaml:"min_update_interval"`
	Opacity           float64       `yaml:"opacity"`
	Palette           string        `yaml:"palette"`
}

type ChannelsConfig struct {
	LiveBuffer int `yaml:"live_buffer"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("LIQFLOW_SYMBOL"); v != "" {
		config.Liqflow.Symbol = strings.ToUpper(strings.TrimSpace(v))
	}
	if v := os.Getenv("LIQFLOW_STORE_PATH"); v != "" {
		config.Store.Path = strings.TrimSpace(v)
	}

	config.Liqflow.Symbol = strings.ToUpper(strings.TrimSpace(config.Liqflow.Symbol))

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			URL:                "wss://fstream.binance.com/ws",
			InitialReconnect:   time.Second,
			MaxReconnect:       time.Minute,
			ConnectionLifetime: 23 * time.Hour,
			PingInterval:       3 * time.Minute,
			PongTimeout:        10 * time.Second,
			HandshakeTimeout:   10 * time.Second,
		},
		Metadata: MetadataConfig{
			TTL:             12 * time.Hour,
			Timeout:         10 * time.Second,
			DefaultTickSize: 0.1,
		},
		Store: StoreConfig{
			Path:             "liquidations.db",
			BatchSize:        50,
			FlushInterval:    2 * time.Second,
			RetentionDays:    7,
			CleanupInterval:  6 * time.Hour,
			MaxFlushAttempts: 5,
		},
		Grid: GridConfig{
			MaxRows:            380,
			MaxCols:            1700,
			PixelsPerBin:       2,
			Normalization:      "sqrt",
			WeightBy:           "notional",
			IntensityThreshold: 0.01,
			IntensityFloor:     0.05,
			WindowDuration:     2 * time.Hour,
		},
		Render: RenderConfig{
			Enabled:           true,
			MinUpdateInterval: 500 * time.Millisecond,
			Opacity:           0.85,
			Palette:           "inferno",
		},
		Channels: ChannelsConfig{LiveBuffer: 1024},
		Logging:  LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Liqflow.Name == "" {
		return fmt.Errorf("liqflow.name is required")
	}
	if cfg.Liqflow.Version == "" {
		return fmt.Errorf("liqflow.version is required")
	}
	if cfg.Liqflow.Symbol == "" {
		return fmt.Errorf("liqflow.symbol is required")
	}

	if cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if cfg.Feed.InitialReconnect <= 0 {
		return fmt.Errorf("feed.initial_reconnect must be greater than 0")
	}
	if cfg.Feed.MaxReconnect < cfg.Feed.InitialReconnect {
		return fmt.Errorf("feed.max_reconnect must be >= feed.initial_reconnect")
	}
	if cfg.Feed.PingInterval <= 0 {
		return fmt.Errorf("feed.ping_interval must be greater than 0")
	}
	if cfg.Feed.PongTimeout <= 0 {
		return fmt.Errorf("feed.pong_timeout must be greater than 0")
	}

	if cfg.Metadata.TTL <= 0 {
		return fmt.Errorf("metadata.ttl must be greater than 0")
	}
	if cfg.Metadata.DefaultTickSize <= 0 {
		return fmt.Errorf("metadata.default_tick_size must be greater than 0")
	}

	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if cfg.Store.BatchSize <= 0 {
		return fmt.Errorf("store.batch_size must be greater than 0")
	}
	if cfg.Store.FlushInterval <= 0 {
		return fmt.Errorf("store.flush_interval must be greater than 0")
	}
	if cfg.Store.MaxFlushAttempts <= 0 {
		return fmt.Errorf("store.max_flush_attempts must be greater than 0")
	}

	if cfg.Grid.MaxRows <= 0 || cfg.Grid.MaxCols <= 0 {
		return fmt.Errorf("grid.max_rows and grid.max_cols must be greater than 0")
	}
	if !validNormalization(cfg.Grid.Normalization) {
		return fmt.Errorf("grid.normalization '%s' is invalid", cfg.Grid.Normalization)
	}
	if !validWeightBy(cfg.Grid.WeightBy) {
		return fmt.Errorf("grid.weight_by '%s' is invalid", cfg.Grid.WeightBy)
	}
	if cfg.Grid.WindowDuration <= 0 {
		return fmt.Errorf("grid.window_duration must be greater than 0")
	}

	if cfg.Render.MinUpdateInterval <= 0 {
		return fmt.Errorf("render.min_update_interval must be greater than 0")
	}
	if !validPalette(cfg.Render.Palette) {
		return fmt.Errorf("render.palette '%s' is invalid", cfg.Render.Palette)
	}

	if cfg.Channels.LiveBuffer <= 0 {
		return fmt.Errorf("channels.live_buffer must be greater than 0")
	}

	return nil
}

func validNormalization(name string) bool {
	switch strings.ToLower(name) {
	case "linear", "sqrt", "log", "log10":
		return true
	}
	return false
}

func validPalette(name string) bool {
	switch strings.ToLower(name) {
	case "inferno", "viridis", "magma", "plasma", "turbo":
		return true
	}
	return false
}

func validWeightBy(name string) bool {
	switch strings.ToLower(name) {
	case "notional", "qty", "count":
		return true
	}
	return false
}
