package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	HTTPAddr           string
	AuthToken          string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	LogLevel string
	LogJSON  bool

	DatabaseURL      string
	DatabaseMaxConns int32
	AutoMigrate      bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	WorkerEnabled bool
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	StrictSchema bool
	StaleAfter   time.Duration

	LLMProvider   string
	LLMTimeout    time.Duration
	LLMMaxRetries int
	LLMRPS        float64

	OpenAIAPIKey  string
	OpenAIBaseURL string

	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OpenRouterSiteURL string
	OpenRouterAppName string

	AnthropicAPIKey  string
	AnthropicBaseURL string

	ModelShortPrimary  string
	ModelShortFallback string
	ModelLongPrimary   string
	ModelLongFallback  string

	ResultCacheTTL        time.Duration
	ResultCacheMaxEntries int
}

// LoadDotEnv loads .env-like files. Process environment keeps precedence,
// and the first file to set a key wins. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if err := godotenv.Load(trimmed); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

func Load() Config {
	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		AuthToken:          getEnv("API_AUTH_TOKEN", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", false),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DatabaseMaxConns: int32(getEnvInt("DATABASE_MAX_CONNS", 10)),
		AutoMigrate:      getEnvBool("AUTO_MIGRATE", true),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "mira:"),

		WorkerEnabled: getEnvBool("WORKER_ENABLED", true),

		PollInterval: time.Duration(getEnvInt("POLL_INTERVAL_MS", 3000)) * time.Millisecond,
		BatchSize:    getEnvInt("BATCH_SIZE", 5),
		MaxRetries:   getEnvInt("MAX_RETRIES", 3),
		StrictSchema: getEnvBool("STRICT_SCHEMA", true),
		StaleAfter:   time.Duration(getEnvInt("STALE_AFTER_MINUTES", 10)) * time.Minute,

		LLMProvider:   strings.ToLower(getEnv("LLM_PROVIDER", "")),
		LLMTimeout:    time.Duration(getEnvInt("LLM_TIMEOUT_MS", 20000)) * time.Millisecond,
		LLMMaxRetries: getEnvInt("LLM_MAX_RETRIES", 2),
		LLMRPS:        getEnvFloat("LLM_RPS", 5),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterSiteURL: getEnv("OPENROUTER_SITE_URL", ""),
		OpenRouterAppName: getEnv("OPENROUTER_APP_NAME", "Mira"),

		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", ""),

		ModelShortPrimary:  getEnv("MODEL_SHORT_PRIMARY", ""),
		ModelShortFallback: getEnv("MODEL_SHORT_FALLBACK", ""),
		ModelLongPrimary:   getEnv("MODEL_LONG_PRIMARY", ""),
		ModelLongFallback:  getEnv("MODEL_LONG_FALLBACK", ""),

		ResultCacheTTL:        time.Duration(getEnvInt("RESULT_CACHE_TTL_SECONDS", 900)) * time.Second,
		ResultCacheMaxEntries: getEnvInt("RESULT_CACHE_MAX_ENTRIES", 2000),
	}
}

// Provider picks the reasoning backend: LLM_PROVIDER when set, otherwise the
// first provider with a key. Empty means the heuristic engine.
func (c Config) Provider() string {
	if c.LLMProvider != "" {
		return c.LLMProvider
	}
	switch {
	case c.OpenAIAPIKey != "":
		return "openai"
	case c.OpenRouterAPIKey != "":
		return "openrouter"
	case c.AnthropicAPIKey != "":
		return "anthropic"
	default:
		return ""
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
