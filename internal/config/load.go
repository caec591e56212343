package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// RECOLLECT_SERVER_PORT for server.port.
const EnvPrefix = "RECOLLECT"

// ErrInvalidConfig wraps every validation failure returned by Load.
var ErrInvalidConfig = errors.New("invalid configuration")

// keys without a default still need an explicit env binding so that
// Unmarshal sees them.
var boundKeys = []string{
	"database.url",
	"auth.jwt_secret",
	"bus.redis_url",
	"llm.gemini_api_key",
	"websocket.allowed_origins",
}

// Load configuration from environment variables and an optional config.yaml
// in the working directory. Environment variables take precedence over values
// from the config file.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path searches
// for config.yaml in the working directory and tolerates its absence.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range boundKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags and the cross-section rules the tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.Bus.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("%w: bus.driver postgres requires database.url", ErrInvalidConfig)
	}
	if c.Bus.ReconnectMaxInterval > 0 && c.Bus.ReconnectMaxInterval < c.Bus.ReconnectInterval {
		return fmt.Errorf(
			"%w: bus.reconnect_max_interval must not be less than bus.reconnect_interval",
			ErrInvalidConfig,
		)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.reconnect_interval", 5*time.Second)
	v.SetDefault("bus.reconnect_max_interval", time.Duration(0))
	v.SetDefault("bus.buffer_size", 256)

	v.SetDefault("task.worker_count", 2)
	v.SetDefault("task.queue_size", 100)
	v.SetDefault("task.job_timeout", 10*time.Minute)
	v.SetDefault("task.stale_task_age", time.Hour)
	v.SetDefault("task.reaper_schedule", "@every 5m")

	v.SetDefault("websocket.send_buffer", 32)
	v.SetDefault("websocket.write_timeout", 10*time.Second)

	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay_seconds", 2)

	v.SetDefault("telemetry.metrics_enabled", true)
}
