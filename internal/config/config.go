// Package config provides configuration loading and validation for the
// repolens CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".repolens"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for repolens settings.
const envPrefix = "REPOLENS"

// Sentinel validation errors.
var (
	ErrMissingServerURL  = errors.New("server url is required")
	ErrInvalidBackoff    = errors.New("backoff base delay must be positive")
	ErrInvalidMultiplier = errors.New("backoff multiplier must be at least 1")
	ErrInvalidAttempts   = errors.New("backoff max attempts must be positive")
	ErrInvalidInterval   = errors.New("poll interval must be positive")
	ErrInvalidPort       = errors.New("invalid devserver port")
)

// Config holds all configuration for the repolens CLI.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Poll      PollConfig      `mapstructure:"poll"`
	Devserver DevserverConfig `mapstructure:"devserver"`
}

// ServerConfig locates the analysis service.
type ServerConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// StreamConfig tunes the progress stream's reconnect behavior.
type StreamConfig struct {
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

// PollConfig tunes the synchronous status fallback.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// DevserverConfig configures the local scripted analysis server.
type DevserverConfig struct {
	Port              int           `mapstructure:"port"`
	StepDelay         time.Duration `mapstructure:"step_delay"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	FailAt            string        `mapstructure:"fail_at"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
}

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if c.Stream.BackoffBase <= 0 {
		return ErrInvalidBackoff
	}
	if c.Stream.BackoffMultiplier < 1 {
		return ErrInvalidMultiplier
	}
	if c.Stream.MaxAttempts <= 0 {
		return ErrInvalidAttempts
	}
	if c.Poll.Interval <= 0 {
		return ErrInvalidInterval
	}
	if c.Devserver.Port <= 0 || c.Devserver.Port > 65535 {
		return ErrInvalidPort
	}

	return nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("server.url", "http://localhost:8000")
	viperCfg.SetDefault("server.token", "")

	viperCfg.SetDefault("stream.backoff_base", time.Second)
	viperCfg.SetDefault("stream.backoff_multiplier", 1.5)
	viperCfg.SetDefault("stream.max_attempts", 5)

	viperCfg.SetDefault("poll.interval", 10*time.Second)

	viperCfg.SetDefault("devserver.port", 8000)
	viperCfg.SetDefault("devserver.step_delay", 300*time.Millisecond)
	viperCfg.SetDefault("devserver.keepalive_interval", 5*time.Second)
	viperCfg.SetDefault("devserver.fail_at", "")
	viperCfg.SetDefault("devserver.jwt_secret", "")
}
