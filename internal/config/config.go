package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth" validate:"required"`
	Bus       BusConfig       `mapstructure:"bus" validate:"required"`
	Task      TaskConfig      `mapstructure:"task" validate:"required"`
	WebSocket WebSocketConfig `mapstructure:"websocket" validate:"required"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
// An empty URL selects the in-memory task store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// BusConfig selects and tunes the event bus transport.
type BusConfig struct {
	Driver               string        `mapstructure:"driver" validate:"required,oneof=memory redis postgres"`
	RedisURL             string        `mapstructure:"redis_url" validate:"required_if=Driver redis"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval" validate:"gt=0"`
	ReconnectMaxInterval time.Duration `mapstructure:"reconnect_max_interval" validate:"gte=0"`
	BufferSize           int           `mapstructure:"buffer_size" validate:"gt=0"`
}

// TaskConfig contains settings for the background job runner.
type TaskConfig struct {
	WorkerCount    int           `mapstructure:"worker_count" validate:"required,gt=0"`
	QueueSize      int           `mapstructure:"queue_size" validate:"required,gt=0"`
	JobTimeout     time.Duration `mapstructure:"job_timeout" validate:"gt=0"`
	StaleTaskAge   time.Duration `mapstructure:"stale_task_age" validate:"gt=0"`
	ReaperSchedule string        `mapstructure:"reaper_schedule" validate:"required"`
}

// WebSocketConfig contains settings for observer sessions.
type WebSocketConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer" validate:"required,gt=0"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// LLMConfig contains all LLM integration related settings.
// Without an API key the Gemini-backed job kinds are not registered.
type LLMConfig struct {
	GeminiAPIKey      string `mapstructure:"gemini_api_key"`
	ModelName         string `mapstructure:"model_name" validate:"required_with=GeminiAPIKey"`
	MaxRetries        int    `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds" validate:"gte=0,lte=60"`
}

// TelemetryConfig toggles metric collection.
type TelemetryConfig struct {
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}
