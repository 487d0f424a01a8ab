// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the nexushub service.
package server

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/nexushub/internal/chatlog"
	"github.com/Tyrowin/nexushub/internal/ratelimit"
	"github.com/Tyrowin/nexushub/internal/stats"
)

// RateLimitConfig bounds message submission per identity: at most Burst
// messages in any Window.
type RateLimitConfig struct {
	Burst  int
	Window time.Duration
}

// ConnectLimitConfig bounds WebSocket upgrades per address with a token bucket
// refilled at Rate per second.
type ConnectLimitConfig struct {
	Rate  float64
	Burst int
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	ConnectLimit    ConnectLimitConfig
	DataDir         string
	ChatWindow      int
	ChatMaxLength   int
	StatsInterval   time.Duration
	DispatchWorkers int
	TrustProxy      bool
	Environment     string
	LogLevel        string
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:  ratelimit.DefaultLimit,
			Window: ratelimit.DefaultWindow,
		},
		ConnectLimit: ConnectLimitConfig{
			Rate:  1,
			Burst: 10,
		},
		DataDir:         "data",
		ChatWindow:      chatlog.DefaultWindow,
		ChatMaxLength:   chatlog.DefaultMaxLength,
		StatsInterval:   stats.DefaultInterval,
		DispatchWorkers: 8,
		Environment:     "development",
		LogLevel:        "info",
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = def.RateLimit.Window
	}

	if cfg.ConnectLimit.Rate <= 0 {
		cfg.ConnectLimit.Rate = def.ConnectLimit.Rate
	}
	if cfg.ConnectLimit.Burst <= 0 {
		cfg.ConnectLimit.Burst = def.ConnectLimit.Burst
	}

	if cfg.ChatWindow <= 0 {
		cfg.ChatWindow = def.ChatWindow
	}
	if cfg.ChatMaxLength <= 0 {
		cfg.ChatMaxLength = def.ChatMaxLength
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = def.DispatchWorkers
	}
	if cfg.Environment == "" {
		cfg.Environment = def.Environment
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadDotEnv loads a .env file from the working directory if one exists.
// Variables already set in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		cfg.RateLimit.Window = parseSeconds(window, cfg.RateLimit.Window)
	}

	if r := os.Getenv("CONNECT_RATE"); r != "" {
		cfg.ConnectLimit.Rate = parseFloatValue(r, cfg.ConnectLimit.Rate)
	}

	if burst := os.Getenv("CONNECT_BURST"); burst != "" {
		cfg.ConnectLimit.Burst = parseIntValue(burst, cfg.ConnectLimit.Burst)
	}

	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if window := os.Getenv("CHAT_WINDOW"); window != "" {
		cfg.ChatWindow = parseIntValue(window, cfg.ChatWindow)
	}

	if maxLen := os.Getenv("CHAT_MAX_LENGTH"); maxLen != "" {
		cfg.ChatMaxLength = parseIntValue(maxLen, cfg.ChatMaxLength)
	}

	if interval := os.Getenv("STATS_INTERVAL"); interval != "" {
		cfg.StatsInterval = parseSeconds(interval, cfg.StatsInterval)
	}

	if workers := os.Getenv("DISPATCH_WORKERS"); workers != "" {
		cfg.DispatchWorkers = parseIntValue(workers, cfg.DispatchWorkers)
	}

	if trust := os.Getenv("TRUST_PROXY"); trust != "" {
		cfg.TrustProxy = parseBoolValue(trust, cfg.TrustProxy)
	}

	if env := os.Getenv("APP_ENV"); env != "" {
		cfg.Environment = strings.ToLower(env)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}

	return &cfg
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// UsersPath is the identity registry file.
func (c *Config) UsersPath() string {
	return c.dataPath("users.json")
}

// ChatLogPath is the durable chat log.
func (c *Config) ChatLogPath() string {
	return c.dataPath("chat_messages.json")
}

// ChannelsPath is the channels file.
func (c *Config) ChannelsPath() string {
	return c.dataPath("channels.json")
}

// dataPath returns "" when DataDir is empty so stores stay in memory.
func (c *Config) dataPath(name string) string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, name)
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

func parseFloatValue(value string, defaultValue float64) float64 {
	if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseBoolValue(value string, defaultValue bool) bool {
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts a whole number of seconds or a Go duration string.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
