package config

import (
	"fmt"
	"strings"
)

// ProfilingConfig contains Pyroscope profiling configuration
type ProfilingConfig struct {
	Enabled           bool              `yaml:"enabled" env:"PYROSCOPE_ENABLED" env-default:"false"`
	ApplicationName   string            `yaml:"applicationName" env:"PYROSCOPE_APPLICATION_NAME" env-default:"balkon"`
	ServerAddress     string            `yaml:"serverAddress" env:"PYROSCOPE_SERVER_ADDRESS"`
	BasicAuthUser     string            `yaml:"basicAuthUser" env:"PYROSCOPE_BASIC_AUTH_USER"`
	BasicAuthPassword string            `yaml:"basicAuthPassword" env:"PYROSCOPE_BASIC_AUTH_PASSWORD"`
	TenantID          string            `yaml:"tenantID" env:"PYROSCOPE_TENANT_ID"`
	Tags              map[string]string `yaml:"tags"`

	// one of: cpu, alloc_objects, alloc_space, inuse_objects, inuse_space, goroutines, mutex, block
	ProfileTypes []string `yaml:"profileTypes" env:"PYROSCOPE_PROFILE_TYPES" env-default:"cpu,alloc_space,inuse_space"`
	MutexRate    int      `yaml:"mutexProfileRate" env:"PYROSCOPE_MUTEX_PROFILE_RATE" env-default:"5"`
	BlockRate    int      `yaml:"blockProfileRate" env:"PYROSCOPE_BLOCK_PROFILE_RATE" env-default:"5"`
}

var knownProfileTypes = map[string]bool{
	"cpu":           true,
	"alloc_objects": true,
	"alloc_space":   true,
	"inuse_objects": true,
	"inuse_space":   true,
	"goroutines":    true,
	"mutex":         true,
	"block":         true,
}

// ValidateProfiling validates profiling configuration if enabled
func ValidateProfiling(cfg *ProfilingConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.ApplicationName == "" {
		return fmt.Errorf("profiling application name is required when profiling is enabled")
	}

	if cfg.ServerAddress == "" {
		return fmt.Errorf("profiling server address is required when profiling is enabled")
	}

	if len(cfg.ProfileTypes) == 0 {
		return fmt.Errorf("at least one profile type must be enabled")
	}

	for i, p := range cfg.ProfileTypes {
		p = strings.ToLower(strings.TrimSpace(p))
		if !knownProfileTypes[p] {
			return fmt.Errorf("unknown profile type %q", p)
		}
		cfg.ProfileTypes[i] = p
	}

	if cfg.MutexRate < 0 || cfg.BlockRate < 0 {
		return fmt.Errorf("profiling mutex and block rates must be >= 0")
	}

	return nil
}
