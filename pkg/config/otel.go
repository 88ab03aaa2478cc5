package config

import (
	"fmt"
	"os"
)

// OpenTelemetryConfig contains OpenTelemetry configuration
type OpenTelemetryConfig struct {
	Enabled            bool              `yaml:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	ServiceName        string            `yaml:"serviceName" env:"OTEL_SERVICE_NAME" env-default:"balkon"`
	ServiceVersion     string            `yaml:"serviceVersion" env:"OTEL_SERVICE_VERSION" env-default:"1.0.0"`
	Environment        string            `yaml:"environment" env:"OTEL_ENVIRONMENT" env-default:"production"`
	Endpoint           string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure           bool              `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"false"`
	Headers            map[string]string `yaml:"headers"`
	ResourceAttributes map[string]string `yaml:"resourceAttributes"`

	TracesEnabled   bool    `yaml:"tracesEnabled" env:"OTEL_TRACES_ENABLED" env-default:"true"`
	SamplingRatio   float64 `yaml:"samplingRatio" env:"OTEL_TRACES_SAMPLING_RATIO" env-default:"1.0"`
	MetricsEnabled  bool    `yaml:"metricsEnabled" env:"OTEL_METRICS_ENABLED" env-default:"true"`
	MetricsInterval int     `yaml:"metricsIntervalMillis" env:"OTEL_METRICS_INTERVAL" env-default:"30000"`
	RuntimeMetrics  bool    `yaml:"runtimeMetrics" env:"OTEL_ENABLE_RUNTIME_METRICS" env-default:"true"`
}

// ValidateOpenTelemetry validates OpenTelemetry configuration if enabled
func ValidateOpenTelemetry(cfg *OpenTelemetryConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.ServiceName == "" {
		return fmt.Errorf("opentelemetry service name is required when OpenTelemetry is enabled")
	}

	if cfg.OTLPEndpoint() == "" && (cfg.TracesEnabled || cfg.MetricsEnabled) {
		return fmt.Errorf("opentelemetry endpoint is required when traces or metrics are enabled")
	}

	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("opentelemetry traces sampling ratio must be between 0 and 1, got: %f", cfg.SamplingRatio)
	}

	if cfg.MetricsEnabled && cfg.MetricsInterval < 1000 {
		return fmt.Errorf("opentelemetry metrics interval must be at least 1000ms (1 second)")
	}

	return nil
}

// OTLPEndpoint returns the configured endpoint, falling back to the standard environment variable
func (c *OpenTelemetryConfig) OTLPEndpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
}
