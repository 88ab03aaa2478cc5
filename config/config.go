// Package config loads the balkon YAML configuration and the per-user display settings.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"

	pkgconfig "github.com/mjasion/balena-home/balkon/pkg/config"
	"github.com/mjasion/balena-home/balkon/source"
)

const maxChannels = 32

// Config represents the application configuration
type Config struct {
	Capture       CaptureConfig                 `yaml:"capture"`
	Source        SourceConfig                  `yaml:"source"`
	Persistence   PersistenceConfig             `yaml:"persistence"`
	Render        RenderConfig                  `yaml:"render"`
	Settings      SettingsFileConfig            `yaml:"settings"`
	Prometheus    PrometheusConfig              `yaml:"prometheus"`
	Health        HealthConfig                  `yaml:"health"`
	Logging       pkgconfig.LoggingConfig       `yaml:"logging"`
	OpenTelemetry pkgconfig.OpenTelemetryConfig `yaml:"opentelemetry"`
	Profiling     pkgconfig.ProfilingConfig     `yaml:"profiling"`
}

// CaptureConfig sizes the in-memory history and the tick loop
type CaptureConfig struct {
	Channels              int     `yaml:"channels" env:"CHANNELS" env-default:"8"`
	BufferCapacity        int     `yaml:"bufferCapacity" env:"BUFFER_CAPACITY" env-default:"100000"`
	TickMillis            int     `yaml:"tickMillis" env:"TICK_MILLIS" env-default:"200"`
	GapMultiplier         float64 `yaml:"gapMultiplier" env:"GAP_MULTIPLIER" env-default:"20"`
	StatusIntervalSeconds int     `yaml:"statusIntervalSeconds" env:"STATUS_INTERVAL_SECONDS" env-default:"60"`
}

// SourceConfig selects and addresses the live source
type SourceConfig struct {
	Kind        string `yaml:"kind" env:"SOURCE_KIND" env-default:"simulation"`
	Address     string `yaml:"address" env:"SOURCE_ADDRESS"`
	BaudRate    int    `yaml:"baudRate" env:"SOURCE_BAUD_RATE" env-default:"9600"`
	AutoConnect bool   `yaml:"autoConnect" env:"SOURCE_AUTO_CONNECT" env-default:"true"`
}

// PersistenceConfig controls the daily CSV log and the startup replay
type PersistenceConfig struct {
	Enabled             bool   `yaml:"enabled" env:"PERSISTENCE_ENABLED" env-default:"true"`
	Dir                 string `yaml:"dir" env:"PERSISTENCE_DIR" env-default:"."`
	LookbackDays        int    `yaml:"lookbackDays" env:"LOOKBACK_DAYS" env-default:"3"`
	CacheFiles          int    `yaml:"cacheFiles" env:"CACHE_FILES" env-default:"8"`
	DrainTimeoutSeconds int    `yaml:"drainTimeoutSeconds" env:"DRAIN_TIMEOUT_SECONDS" env-default:"10"`
}

// RenderConfig sets point budgets and the optional terminal preview
type RenderConfig struct {
	LiveBudget   int  `yaml:"liveBudget" env:"RENDER_LIVE_BUDGET" env-default:"1500"`
	ManualBudget int  `yaml:"manualBudget" env:"RENDER_MANUAL_BUDGET" env-default:"4000"`
	MinMargin    int  `yaml:"minMargin" env:"RENDER_MIN_MARGIN" env-default:"200"`
	Preview      bool `yaml:"preview" env:"RENDER_PREVIEW" env-default:"false"`
	PreviewWidth int  `yaml:"previewWidth" env:"RENDER_PREVIEW_WIDTH" env-default:"60"`
	PreviewEvery int  `yaml:"previewEveryTicks" env:"RENDER_PREVIEW_EVERY" env-default:"25"`
}

// SettingsFileConfig locates the display settings file
type SettingsFileConfig struct {
	Path       string `yaml:"path" env:"SETTINGS_PATH" env-default:"balkon_settings.toml"`
	SaveOnExit bool   `yaml:"saveOnExit" env:"SETTINGS_SAVE_ON_EXIT" env-default:"true"`
}

// PrometheusConfig contains the optional remote_write mirror configuration
type PrometheusConfig struct {
	Enabled             bool   `yaml:"enabled" env:"PROMETHEUS_ENABLED" env-default:"false"`
	URL                 string `yaml:"prometheusUrl" env:"PROMETHEUS_URL"`
	Username            string `yaml:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	BatchSize           int    `yaml:"batchSize" env:"PUSH_BATCH_SIZE" env-default:"500"`
	MetricName          string `yaml:"metricName" env:"METRIC_NAME" env-default:"balkon_channel_value"`
	Device              string `yaml:"device" env:"DEVICE_LABEL" env-default:"balkon"`
	Calibrated          bool   `yaml:"calibrated" env:"PUSH_CALIBRATED" env-default:"true"`
}

// HealthConfig controls the JSON health endpoint
type HealthConfig struct {
	Enabled bool `yaml:"enabled" env:"HEALTH_ENABLED" env-default:"false"`
	Port    int  `yaml:"port" env:"HEALTH_CHECK_PORT" env-default:"8080"`
}

// Load reads configuration from the specified file path and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadEnv builds the configuration from environment variables and defaults only
func LoadEnv() (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configuration parameters are valid
func (c *Config) Validate() error {
	if c.Capture.Channels < 1 || c.Capture.Channels > maxChannels {
		return fmt.Errorf("channels must be between 1 and %d, got %d", maxChannels, c.Capture.Channels)
	}

	if c.Capture.BufferCapacity < 1 {
		return fmt.Errorf("bufferCapacity must be at least 1, got %d", c.Capture.BufferCapacity)
	}

	if c.Capture.TickMillis < 10 {
		return fmt.Errorf("tickMillis must be at least 10, got %d", c.Capture.TickMillis)
	}

	if c.Capture.GapMultiplier < 1 {
		c.Capture.GapMultiplier = 1
	}

	kind, err := source.ParseKind(c.Source.Kind)
	if err != nil {
		return fmt.Errorf("invalid source kind: %w", err)
	}
	c.Source.Kind = string(kind)

	if kind == source.KindSerial && c.Source.AutoConnect && strings.TrimSpace(c.Source.Address) == "" {
		return fmt.Errorf("source address is required to auto-connect a serial source")
	}

	if c.Source.BaudRate <= 0 {
		return fmt.Errorf("baudRate must be positive, got %d", c.Source.BaudRate)
	}

	if c.Persistence.Enabled && strings.TrimSpace(c.Persistence.Dir) == "" {
		return fmt.Errorf("persistence dir cannot be empty")
	}

	if c.Persistence.LookbackDays < 0 {
		return fmt.Errorf("lookbackDays must be >= 0, got %d", c.Persistence.LookbackDays)
	}

	if c.Render.LiveBudget < 2 || c.Render.ManualBudget < 2 {
		return fmt.Errorf("render budgets must be at least 2, got live=%d manual=%d", c.Render.LiveBudget, c.Render.ManualBudget)
	}

	if c.Render.MinMargin < 0 {
		return fmt.Errorf("minMargin must be >= 0, got %d", c.Render.MinMargin)
	}

	if c.Prometheus.Enabled {
		if _, err := url.ParseRequestURI(c.Prometheus.URL); err != nil {
			return fmt.Errorf("invalid prometheusUrl: %w", err)
		}
		if c.Prometheus.PushIntervalSeconds <= 0 {
			return fmt.Errorf("pushIntervalSeconds must be positive, got %d", c.Prometheus.PushIntervalSeconds)
		}
		if strings.TrimSpace(c.Prometheus.MetricName) == "" {
			return fmt.Errorf("metricName cannot be empty")
		}
	}

	if c.Health.Enabled && (c.Health.Port <= 0 || c.Health.Port > 65535) {
		return fmt.Errorf("health port must be between 1 and 65535, got %d", c.Health.Port)
	}

	if err := pkgconfig.ValidateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}

	if err := pkgconfig.ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return fmt.Errorf("opentelemetry validation failed: %w", err)
	}

	if err := pkgconfig.ValidateProfiling(&c.Profiling); err != nil {
		return fmt.Errorf("profiling validation failed: %w", err)
	}

	return nil
}

// Redacted returns the config with sensitive fields masked for logging
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"capture": map[string]interface{}{
			"channels":       c.Capture.Channels,
			"bufferCapacity": c.Capture.BufferCapacity,
			"tickMillis":     c.Capture.TickMillis,
			"gapMultiplier":  c.Capture.GapMultiplier,
		},
		"source": map[string]interface{}{
			"kind":        c.Source.Kind,
			"address":     c.Source.Address,
			"baudRate":    c.Source.BaudRate,
			"autoConnect": c.Source.AutoConnect,
		},
		"persistence": map[string]interface{}{
			"enabled":      c.Persistence.Enabled,
			"dir":          c.Persistence.Dir,
			"lookbackDays": c.Persistence.LookbackDays,
		},
		"prometheus": map[string]interface{}{
			"enabled":            c.Prometheus.Enabled,
			"prometheusUrl":      redactURL(c.Prometheus.URL),
			"prometheusUsername": c.Prometheus.Username,
			"prometheusPassword": "***",
		},
		"profiling": map[string]interface{}{
			"enabled":           c.Profiling.Enabled,
			"serverAddress":     redactURL(c.Profiling.ServerAddress),
			"basicAuthPassword": "***",
		},
	}
}

// NewLogger creates a zap logger based on the configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	return pkgconfig.NewLogger(&c.Logging)
}

// PrintConfig prints the configuration (masking sensitive fields)
func (c *Config) PrintConfig(logger *zap.Logger) {
	logger.Info("configuration loaded",
		zap.Int("channels", c.Capture.Channels),
		zap.Int("buffer_capacity", c.Capture.BufferCapacity),
		zap.Int("tick_millis", c.Capture.TickMillis),
		zap.Float64("gap_multiplier", c.Capture.GapMultiplier),
		zap.String("source_kind", c.Source.Kind),
		zap.String("source_address", c.Source.Address),
		zap.Int("baud_rate", c.Source.BaudRate),
		zap.Bool("persistence_enabled", c.Persistence.Enabled),
		zap.String("persistence_dir", c.Persistence.Dir),
		zap.Int("lookback_days", c.Persistence.LookbackDays),
		zap.Int("live_budget", c.Render.LiveBudget),
		zap.Int("manual_budget", c.Render.ManualBudget),
		zap.String("settings_path", c.Settings.Path),
		zap.Bool("prometheus_enabled", c.Prometheus.Enabled),
		zap.String("prometheus_url", redactURL(c.Prometheus.URL)),
		zap.Bool("prometheus_password_set", c.Prometheus.Password != ""),
		zap.Bool("health_enabled", c.Health.Enabled),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
	)
}

// redactURL removes credentials from URLs for logging
func redactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
