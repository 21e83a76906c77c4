package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/roomchat/internal/messagelog"
	"gopkg.in/yaml.v3"
)

// Defaults applied by NewConfig and by sanitizeConfig for unset values.
const (
	DefaultPort            = ":8080"
	DefaultMaxMessageSize  = 4096
	DefaultRateLimitBurst  = 5
	DefaultRefillInterval  = time.Second
	DefaultHistoryLimit    = 50
	DefaultSendBufferSize  = 256
	DefaultShutdownTimeout = 30 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string            `yaml:"port"`
	AllowedOrigins  []string          `yaml:"allowed_origins"`
	MaxMessageSize  int64             `yaml:"max_message_size"`
	RateLimit       RateLimitConfig   `yaml:"rate_limit"`
	HistoryLimit    int               `yaml:"history_limit"`
	SendBufferSize  int               `yaml:"send_buffer_size"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	LogLevel        string            `yaml:"log_level"`
	LogFormat       string            `yaml:"log_format"`
	MessageLog      messagelog.Config `yaml:"message_log"`
}

func defaultConfig() Config {
	return Config{
		Port: DefaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: DefaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          DefaultRateLimitBurst,
			RefillInterval: DefaultRefillInterval,
		},
		HistoryLimit:    DefaultHistoryLimit,
		SendBufferSize:  DefaultSendBufferSize,
		ShutdownTimeout: DefaultShutdownTimeout,
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
		MessageLog:      messagelog.DefaultConfig(),
	}
}

// sanitizeConfig replaces unset or non-positive values with defaults.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}

	ml := &cfg.MessageLog
	if ml.Driver == "" {
		ml.Driver = def.MessageLog.Driver
	}
	if ml.SQLitePath == "" {
		ml.SQLitePath = def.MessageLog.SQLitePath
	}
	if ml.RedisAddr == "" {
		ml.RedisAddr = def.MessageLog.RedisAddr
	}
	if ml.RedisKey == "" {
		ml.RedisKey = def.MessageLog.RedisKey
	}
	if ml.NATSURL == "" {
		ml.NATSURL = def.MessageLog.NATSURL
	}
	if ml.NATSStream == "" {
		ml.NATSStream = def.MessageLog.NATSStream
	}
	if ml.Retention <= 0 {
		ml.Retention = def.MessageLog.Retention
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return &cfg
}

// LoadConfig reads the YAML file at path over the defaults and then applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	// Load SERVER_PORT
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	// Load ALLOWED_ORIGINS
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if limit := os.Getenv("HISTORY_LIMIT"); limit != "" {
		cfg.HistoryLimit = parseIntValue(limit, cfg.HistoryLimit)
	}
	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		cfg.SendBufferSize = parseIntValue(size, cfg.SendBufferSize)
	}
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseSeconds(timeout, cfg.ShutdownTimeout)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(level))
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(format))
	}

	// Message log backend
	if driver := os.Getenv("MESSAGE_STORE"); driver != "" {
		cfg.MessageLog.Driver = strings.ToLower(strings.TrimSpace(driver))
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.MessageLog.SQLitePath = path
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.MessageLog.RedisAddr = addr
	}
	if prefix := os.Getenv("REDIS_PREFIX"); prefix != "" {
		cfg.MessageLog.RedisKey = prefix
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.MessageLog.NATSURL = url
	}
	if stream := os.Getenv("NATS_STREAM"); stream != "" {
		cfg.MessageLog.NATSStream = stream
	}
	if retention := os.Getenv("HISTORY_RETENTION"); retention != "" {
		cfg.MessageLog.Retention = parseIntValue(retention, cfg.MessageLog.Retention)
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
