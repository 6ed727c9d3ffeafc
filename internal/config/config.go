// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Completion provider (OpenRouter-compatible).
	OpenRouterAPIKey  string        `env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string        `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	OpenRouterReferer string        `env:"OPENROUTER_REFERER"`
	OpenRouterTitle   string        `env:"OPENROUTER_TITLE" envDefault:"AI Chat Gateway"`
	CompletionTimeout time.Duration `env:"COMPLETION_TIMEOUT" envDefault:"30s"`

	// Model fallback chain: primary first, secondaries tried with raised
	// temperature when the primary keeps producing invalid output.
	PrimaryModel    string   `env:"PRIMARY_MODEL" envDefault:"openai/gpt-4o-mini"`
	FallbackModels  []string `env:"FALLBACK_MODELS" envSeparator:"," envDefault:"meta-llama/llama-3.1-8b-instruct,mistralai/mistral-7b-instruct"`
	BaseTemperature float64  `env:"BASE_TEMPERATURE" envDefault:"0.7"`
	TemperatureStep float64  `env:"TEMPERATURE_STEP" envDefault:"0.1"`
	MaxTokens       int      `env:"MAX_TOKENS" envDefault:"400"`
	TopP            float64  `env:"TOP_P" envDefault:"0.9"`
	FrequencyPen    float64  `env:"FREQUENCY_PENALTY" envDefault:"0.4"`
	PresencePen     float64  `env:"PRESENCE_PENALTY" envDefault:"0.3"`

	// Generation retry policy.
	MaxAttempts      int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoffBase time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"500ms"`

	// Admission control.
	RateBucketCapacity int           `env:"RATE_BUCKET_CAPACITY" envDefault:"5"`
	RateRefillTokens   int           `env:"RATE_REFILL_TOKENS" envDefault:"5"`
	RateRefillInterval time.Duration `env:"RATE_REFILL_INTERVAL" envDefault:"1m"`
	GlobalWindow       time.Duration `env:"GLOBAL_WINDOW" envDefault:"1m"`
	GlobalWindowLimit  int           `env:"GLOBAL_WINDOW_LIMIT" envDefault:"60"`
	MaxInFlight        int           `env:"MAX_IN_FLIGHT" envDefault:"8"`

	// Response/search caches.
	CacheCapacity     int           `env:"CACHE_CAPACITY" envDefault:"512"`
	ResponseCacheTTL  time.Duration `env:"RESPONSE_CACHE_TTL" envDefault:"1h"`
	SearchCacheTTL    time.Duration `env:"SEARCH_CACHE_TTL" envDefault:"6h"`
	NegativeCacheTTL  time.Duration `env:"NEGATIVE_CACHE_TTL" envDefault:"10m"`
	RedisURL          string        `env:"REDIS_URL"`

	// Conversation history.
	MaxHistoryPairs     int           `env:"MAX_HISTORY_PAIRS" envDefault:"6"`
	ConversationMaxIdle time.Duration `env:"CONVERSATION_MAX_IDLE" envDefault:"2h"`
	SummaryTokenBudget  int           `env:"SUMMARY_TOKEN_BUDGET" envDefault:"300"`
	PersonaFile         string        `env:"PERSONA_FILE" envDefault:"persona.yaml"`

	// Knowledge lookups.
	KnowledgeTimeout time.Duration `env:"KNOWLEDGE_TIMEOUT" envDefault:"5s"`
	WikipediaBaseURL string        `env:"WIKIPEDIA_BASE_URL" envDefault:"https://es.wikipedia.org/api/rest_v1"`

	// Optional durable store and event stream.
	DBURL        string   `env:"DB_URL"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	OutcomeTopic string   `env:"OUTCOME_TOPIC" envDefault:"chat-outcomes"`

	// HTTP server.
	GreetingTrigger       string        `env:"GREETING_TRIGGER" envDefault:"/start"`
	HTTPRateLimitPerMin   int           `env:"HTTP_RATE_LIMIT_PER_MIN" envDefault:"120"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	AdminTokenHash        string        `env:"ADMIN_TOKEN_HASH"`

	// Maintenance sweeps.
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	InteractionMaxAge  time.Duration `env:"INTERACTION_MAX_AGE" envDefault:"720h"`
	RateBucketMaxIdle  time.Duration `env:"RATE_BUCKET_MAX_IDLE" envDefault:"1h"`

	// Observability.
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ai-chat-gateway"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetRetryBackoffBase returns the per-attempt backoff base appropriate for
// the current environment. Tests use a much shorter base for fast execution.
func (c Config) GetRetryBackoffBase() time.Duration {
	if c.IsTest() {
		return 10 * time.Millisecond
	}
	return c.RetryBackoffBase
}
