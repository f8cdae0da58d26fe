package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MaxLLMRetries caps LLM_MAX_RETRIES so one validation makes at most three
// calls per provider.
const MaxLLMRetries = 2

// Config holds all application configuration
type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Typesense   TypesenseConfig
	Search      SearchConfig
	LLM         LLMConfig
	OpenAI      OpenAIConfig
	Anthropic   AnthropicConfig
	Gemini      GeminiConfig
	Validation  ValidationConfig
	Indexer     IndexerConfig
	OTEL        OTELConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	// MemoryMaxEntries bounds the in-process cache used when Redis is down.
	MemoryMaxEntries int
}

// TypesenseConfig holds Typesense configuration
type TypesenseConfig struct {
	URL    string
	APIKey string
}

// SearchConfig selects and tunes the search cache backend.
type SearchConfig struct {
	// Backend is "typesense" or "bleve".
	Backend   string
	BlevePath string
	TopN      int
	// BreakerFailures consecutive primary failures open the circuit.
	BreakerFailures int
	BreakerCooldown time.Duration
}

// LLMConfig holds the provider-agnostic gateway settings.
type LLMConfig struct {
	// Providers is the ordered provider chain, primary first.
	Providers   []string
	Timeout     time.Duration
	MaxRetries  int
	MaxTokens   int
	Temperature float64
}

// OpenAIConfig holds OpenAI configuration
type OpenAIConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	RateLimitRPM   int
	RateLimitBurst int
}

// AnthropicConfig holds Anthropic configuration
type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// GeminiConfig holds Google Gemini configuration
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// ValidationConfig holds validation engine settings
type ValidationConfig struct {
	TemplateType        string
	TemplatesFile       string
	DefaultWordLimit    int
	ContextCacheTTL     time.Duration
	ContextCachePrefix  int
	AutoCorrectPrimary  bool
	DocumentPreviewSize int
	// CheckOrderStatus reads the orders table to refuse finalized orders.
	CheckOrderStatus         bool
	QuotaLimit               int
	QuotaWindow              time.Duration
	QuotaCountClarifications bool
}

// IndexerConfig holds search cache rebuild settings
type IndexerConfig struct {
	BatchSize int
	LockTTL   time.Duration
	Interval  time.Duration
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present; real environment wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "clinical_validation"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),

			MemoryMaxEntries: getEnvAsInt("CACHE_MEMORY_MAX_ENTRIES", 10000),
		},
		Typesense: TypesenseConfig{
			URL:    getEnv("TYPESENSE_URL", "http://localhost:8108"),
			APIKey: getEnv("TYPESENSE_API_KEY", "xyz"),
		},
		Search: SearchConfig{
			Backend:         strings.ToLower(getEnv("SEARCH_BACKEND", "typesense")),
			BlevePath:       getEnv("SEARCH_BLEVE_PATH", ""),
			TopN:            getEnvAsInt("SEARCH_TOP_N", 10),
			BreakerFailures: getEnvAsInt("SEARCH_BREAKER_FAILURES", 5),
			BreakerCooldown: getEnvAsDuration("SEARCH_BREAKER_COOLDOWN", 30*time.Second),
		},
		LLM: LLMConfig{
			Providers:   getEnvAsList("LLM_PROVIDERS", []string{"anthropic", "openai"}),
			Timeout:     getEnvAsDuration("LLM_TIMEOUT", 45*time.Second),
			MaxRetries:  getEnvAsInt("LLM_MAX_RETRIES", 2),
			MaxTokens:   getEnvAsInt("LLM_MAX_TOKENS", 4000),
			Temperature: getEnvAsFloat("LLM_TEMPERATURE", 0.2),
		},
		OpenAI: OpenAIConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:        getEnv("OPENAI_BASE_URL", ""),
			RateLimitRPM:   getEnvAsInt("OPENAI_RATE_LIMIT_RPM", 60),
			RateLimitBurst: getEnvAsInt("OPENAI_RATE_LIMIT_BURST", 5),
		},
		Anthropic: AnthropicConfig{
			APIKey:  getEnv("ANTHROPIC_API_KEY", ""),
			Model:   getEnv("ANTHROPIC_MODEL", "claude-3-7-sonnet-20250219"),
			BaseURL: getEnv("ANTHROPIC_BASE_URL", ""),
		},
		Gemini: GeminiConfig{
			APIKey:  getEnv("GEMINI_API_KEY", ""),
			Model:   getEnv("GEMINI_MODEL", "gemini-1.5-pro"),
			BaseURL: getEnv("GEMINI_BASE_URL", ""),
		},
		Validation: ValidationConfig{
			TemplateType:             getEnv("VALIDATION_TEMPLATE_TYPE", "default"),
			TemplatesFile:            getEnv("VALIDATION_TEMPLATES_FILE", ""),
			DefaultWordLimit:         getEnvAsInt("VALIDATION_DEFAULT_WORD_LIMIT", 500),
			ContextCacheTTL:          getEnvAsDuration("VALIDATION_CONTEXT_CACHE_TTL", time.Hour),
			ContextCachePrefix:       getEnvAsInt("VALIDATION_CONTEXT_CACHE_PREFIX", 20),
			AutoCorrectPrimary:       getEnvAsBool("VALIDATION_AUTOCORRECT_PRIMARY", false),
			DocumentPreviewSize:      getEnvAsInt("VALIDATION_DOCUMENT_PREVIEW", 1000),
			CheckOrderStatus:         getEnvAsBool("VALIDATION_CHECK_ORDER_STATUS", false),
			QuotaLimit:               getEnvAsInt("VALIDATION_QUOTA_LIMIT", 0),
			QuotaWindow:              getEnvAsDuration("VALIDATION_QUOTA_WINDOW", 24*time.Hour),
			QuotaCountClarifications: getEnvAsBool("VALIDATION_QUOTA_COUNT_CLARIFICATIONS", false),
		},
		Indexer: IndexerConfig{
			BatchSize: getEnvAsInt("INDEXER_BATCH_SIZE", 1000),
			LockTTL:   getEnvAsDuration("INDEXER_LOCK_TTL", 30*time.Minute),
			Interval:  getEnvAsDuration("REINDEX_INTERVAL", 0),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "clinical-validation"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
	}

	if cfg.Search.Backend != "typesense" && cfg.Search.Backend != "bleve" {
		return nil, fmt.Errorf("unsupported SEARCH_BACKEND %q", cfg.Search.Backend)
	}
	cfg.LLM.MaxRetries = min(max(cfg.LLM.MaxRetries, 0), MaxLLMRetries)

	return cfg, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
