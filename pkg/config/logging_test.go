package config

import (
	"path/filepath"
	"testing"
)

func TestValidateLogging(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LoggingConfig
		wantErr bool
	}{
		{"console", LoggingConfig{Format: "console", Level: "info"}, false},
		{"upper case json", LoggingConfig{Format: "JSON", Level: "DEBUG"}, false},
		{"logfmt", LoggingConfig{Format: "logfmt", Level: "warn"}, false},
		{"bad format", LoggingConfig{Format: "xml", Level: "info"}, true},
		{"bad level", LoggingConfig{Format: "console", Level: "verbose"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLogging(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateLogging_Normalises(t *testing.T) {
	cfg := LoggingConfig{Format: " Logfmt ", Level: "Error"}
	if err := ValidateLogging(&cfg); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Format != "logfmt" || cfg.Level != "error" {
		t.Errorf("Expected logfmt/error, got %s/%s", cfg.Format, cfg.Level)
	}
	if cfg.Output != "stdout" {
		t.Errorf("Expected default output stdout, got %s", cfg.Output)
	}
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"console", "json", "logfmt"} {
		t.Run(format, func(t *testing.T) {
			cfg := LoggingConfig{
				Format: format,
				Level:  "debug",
				Output: filepath.Join(t.TempDir(), "app.log"),
			}
			logger, err := NewLogger(&cfg)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			logger.Info("hello")
			_ = logger.Sync()
		})
	}
}

func TestValidateProfiling(t *testing.T) {
	cfg := ProfilingConfig{
		Enabled:         true,
		ApplicationName: "balkon",
		ServerAddress:   "http://localhost:4040",
		ProfileTypes:    []string{"CPU", "inuse_space"},
	}
	if err := ValidateProfiling(&cfg); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.ProfileTypes[0] != "cpu" {
		t.Errorf("Expected normalised profile type cpu, got %s", cfg.ProfileTypes[0])
	}

	cfg.ProfileTypes = []string{"heap"}
	if err := ValidateProfiling(&cfg); err == nil {
		t.Error("Expected error for unknown profile type, got nil")
	}
}

func TestValidateOpenTelemetry(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	disabled := OpenTelemetryConfig{}
	if err := ValidateOpenTelemetry(&disabled); err != nil {
		t.Errorf("Expected disabled config to pass, got: %v", err)
	}

	cfg := OpenTelemetryConfig{
		Enabled:         true,
		ServiceName:     "balkon",
		TracesEnabled:   true,
		SamplingRatio:   0.5,
		MetricsInterval: 30000,
	}
	if err := ValidateOpenTelemetry(&cfg); err == nil {
		t.Error("Expected error for missing endpoint, got nil")
	}

	cfg.Endpoint = "localhost:4318"
	if err := ValidateOpenTelemetry(&cfg); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	cfg.SamplingRatio = 2
	if err := ValidateOpenTelemetry(&cfg); err == nil {
		t.Error("Expected error for sampling ratio above 1, got nil")
	}
}
