// Package config assembles process configuration from defaults, an optional
// YAML file and WORLDSYNC_* environment variables, in that order.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/server"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "WORLDSYNC_"

type Config struct {
	Server server.Config `yaml:"server" envPrefix:"SERVER_"`
	Log    LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

type LogConfig struct {
	Level    string `yaml:"level" env:"LEVEL"`
	Encoding string `yaml:"encoding" env:"ENCODING"`
}

func Default() Config {
	return Config{
		Server: server.DefaultServerConfig(),
		Log: LogConfig{
			Level:    log.LevelInfo.String(),
			Encoding: "json",
		},
	}
}

// Load returns the defaults overlaid with the file at path (skipped when path
// is empty) and then with the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch c.Log.Encoding {
	case "", "json", "console":
	default:
		return fmt.Errorf("log: unknown encoding %q", c.Log.Encoding)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// LoggerOptions translates the log section for log.NewWithOptions.
func (c Config) LoggerOptions() log.Options {
	level, _ := log.ParseLevel(c.Log.Level)
	return log.Options{
		Level:    level,
		Encoding: c.Log.Encoding,
	}
}
