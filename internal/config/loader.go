package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Defaults returns the configuration used when no file or override sets a value.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		IPC: IPCConfig{
			StopTimeout:     30 * time.Second,
			KillGrace:       5 * time.Second,
			ReceivePoll:     time.Second,
			MaxMessageBytes: 8 * 1024 * 1024,
		},
		Sources: SourcesConfig{
			Delim: DelimConfig{
				Delimiter:             ",",
				CommentChar:           "#",
				SkipLinesWithoutDelim: true,
			},
		},
	}
}

// Load reads configPath over the defaults, applies TRIBUTARY_* environment
// overrides and validates the result. An empty configPath skips the file.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", configPath, err)
		}

		// Apply environment variable interpolation
		interpolated := interpolateEnv(string(data))

		if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR}
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder
		return match
	})
}

// Validate checks a configuration for values no component can honour.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error (got %q)", cfg.LogLevel)
	}

	if cfg.IPC.StopTimeout < 0 {
		return fmt.Errorf("ipc.stop_timeout must not be negative")
	}
	if cfg.IPC.KillGrace < 0 {
		return fmt.Errorf("ipc.kill_grace must not be negative")
	}
	if cfg.IPC.ReceivePoll < 0 {
		return fmt.Errorf("ipc.receive_poll must not be negative")
	}
	if cfg.IPC.MaxMessageBytes <= 0 {
		return fmt.Errorf("ipc.max_message_bytes must be positive")
	}

	if cfg.Sources.Delim.Delimiter != "" {
		if _, err := regexp.Compile(cfg.Sources.Delim.Delimiter); err != nil {
			return fmt.Errorf("sources.delim.delimiter is not a valid pattern: %w", err)
		}
	}

	return nil
}
