// Package config loads the service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the assistant service.
type Config struct {
	Port        int
	Version     string
	SeedFile    string
	CORSOrigins []string
	Database    DatabaseConfig
	Redis       RedisConfig
	Telemetry   TelemetryConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	AI          AIConfig
	Retention   RetentionConfig
	Log         LogConfig
}

type DatabaseConfig struct {
	// URL selects PostgreSQL; empty keeps everything in memory.
	URL            string
	MaxConnections int
}

type RedisConfig struct {
	// URL selects the shared rate limiter; empty keeps counters in process.
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	Insecure     bool
	SampleRatio  float64
}

type AuthConfig struct {
	JWTSecret   string
	APIKeys     string // key=user:tenant:role,...
	Tenants     string // user:tenant,... default memberships
	RequireAuth bool
}

type RateLimitConfig struct {
	Capacity int
	Window   time.Duration
	Block    time.Duration
}

type AIConfig struct {
	StreamTimeout    time.Duration
	MaxToolRounds    int
	BreakerFailures  int
	BreakerCooldown  time.Duration
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OllamaBaseURL    string
}

type RetentionConfig struct {
	// Days <= 0 keeps conversations forever.
	Days       int
	Interval   time.Duration
	ArchiveDir string // empty purges without archiving
	Compress   bool
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadEnvFile loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to load env file")
		}
		return
	}
	log.Info().Str("path", path).Msg("Loaded env file")
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:        envInt("ASSISTANT_PORT", 8080),
		Version:     envStr("ASSISTANT_VERSION", "0.1.0"),
		SeedFile:    envStr("ASSISTANT_SEED_FILE", ""),
		CORSOrigins: envList("ASSISTANT_CORS_ORIGINS", []string{"*"}),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "eventdesk-assistant"),
			Insecure:     envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		Auth: AuthConfig{
			JWTSecret:   envStr("JWT_SECRET", ""),
			APIKeys:     envStr("ASSISTANT_API_KEYS", ""),
			Tenants:     envStr("ASSISTANT_DEFAULT_TENANTS", ""),
			RequireAuth: envBool("ASSISTANT_REQUIRE_AUTH", false),
		},
		RateLimit: RateLimitConfig{
			Capacity: envInt("RATE_LIMIT_CAPACITY", 20),
			Window:   envDuration("RATE_LIMIT_WINDOW", time.Minute),
			Block:    envDuration("RATE_LIMIT_BLOCK", time.Minute),
		},
		AI: AIConfig{
			StreamTimeout:    envDuration("AI_STREAM_TIMEOUT", 45*time.Second),
			MaxToolRounds:    envInt("AI_MAX_TOOL_ROUNDS", 3),
			BreakerFailures:  envInt("AI_BREAKER_FAILURES", 5),
			BreakerCooldown:  envDuration("AI_BREAKER_COOLDOWN", 30*time.Second),
			OpenAIAPIKey:     envStr("OPENAI_API_KEY", ""),
			OpenAIBaseURL:    envStr("OPENAI_BASE_URL", ""),
			AnthropicAPIKey:  envStr("ANTHROPIC_API_KEY", ""),
			AnthropicBaseURL: envStr("ANTHROPIC_BASE_URL", ""),
			OllamaBaseURL:    envStr("OLLAMA_BASE_URL", ""),
		},
		Retention: RetentionConfig{
			Days:       envInt("CONVERSATION_RETENTION_DAYS", 0),
			Interval:   envDuration("RETENTION_INTERVAL", time.Hour),
			ArchiveDir: envStr("RETENTION_ARCHIVE_DIR", ""),
			Compress:   envBool("RETENTION_ARCHIVE_COMPRESS", true),
		},
		Log: LogConfig{
			Level:  envStr("LOG_LEVEL", "info"),
			Format: envStr("LOG_FORMAT", "console"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts Go durations ("90s") or plain seconds ("90").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
