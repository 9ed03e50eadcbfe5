// Package config loads eventsync settings from a YAML file, EVENTSYNC_*
// environment variables and built-in defaults, in that order of
// precedence from lowest to highest: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// EVENTSYNC_SERVER_ADDR for server.addr.
const EnvPrefix = "EVENTSYNC"

// Config is the full configuration of the eventsync server.
type Config struct {
	Server struct {
		Addr           string   `mapstructure:"addr"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`
	Store struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"store"`
	Engine struct {
		TickInterval time.Duration `mapstructure:"tick_interval"`
		SequenceTTL  time.Duration `mapstructure:"sequence_ttl"`
		MaxSequences uint64        `mapstructure:"max_sequences"`
		MaxCascade   int           `mapstructure:"max_cascade"`
	} `mapstructure:"engine"`
	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	Schema struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"schema"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	// File is the config file that was read, or "".
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("store.path", "eventsync.db")
	v.SetDefault("engine.tick_interval", 5*time.Second)
	v.SetDefault("engine.sequence_ttl", 30*time.Minute)
	v.SetDefault("engine.max_sequences", 100_000)
	v.SetDefault("engine.max_cascade", 64)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("schema.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. With an empty path it looks for
// eventsync.yaml in ./config and the working directory, and a missing
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("eventsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("config: server.addr is required")
	case c.Engine.TickInterval <= 0:
		return fmt.Errorf("config: engine.tick_interval must be positive, got %s", c.Engine.TickInterval)
	case c.Engine.SequenceTTL <= 0:
		return fmt.Errorf("config: engine.sequence_ttl must be positive, got %s", c.Engine.SequenceTTL)
	case c.Engine.MaxSequences == 0:
		return errors.New("config: engine.max_sequences must be positive")
	case c.Engine.MaxCascade < 1:
		return fmt.Errorf("config: engine.max_cascade must be at least 1, got %d", c.Engine.MaxCascade)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}
