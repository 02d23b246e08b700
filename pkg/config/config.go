package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Pipeline type names known to the configuration layer. The domain layer
// declares the same values as entities.PipelineType.
const (
	PipelineSafetyCheck        = "safety_check"
	PipelineBillingCPT         = "billing_cpt"
	PipelineProgressAssessment = "progress_assessment"
	PipelineSessionNote        = "session_note"
)

// Config holds all application configuration
type Config struct {
	Environment string
	LogLevel    string
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	OpenAI      OpenAIConfig
	OTEL        OTELConfig
	Cache       CacheConfig
	Audit       AuditConfig
	Prompts     PromptsConfig
	Executor    ExecutorConfig
	Pipelines   map[string]PipelineConfig
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
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// OpenAIConfig holds OpenAI configuration
type OpenAIConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	RateLimitRPM   int
	RateLimitBurst int
	TimeoutSeconds int
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
	LogsEnabled    bool
}

// CacheConfig holds pipeline result cache configuration.
// Backend is "memory" for a single in-process LRU, or "redis" for a small
// in-process tier in front of Redis.
type CacheConfig struct {
	Backend         string
	KeyPrefix       string
	MaxItems        int
	MaxMemoryBytes  int64
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	L1MaxItems      int
	L1TTL           time.Duration
	// WarmInterval reloads shared results into the local tier; zero warms
	// once at startup only.
	WarmInterval time.Duration
	// InvalidationEvents broadcasts context changes over Redis pub/sub.
	InvalidationEvents bool
}

// AuditConfig holds execution audit configuration
type AuditConfig struct {
	Enabled             bool
	Store               string
	RetentionDays       int
	RetentionInterval   time.Duration
	MaxPayloadBytes     int
	LogResponses        bool
	CostPer1KPrompt     float64
	CostPer1KCompletion float64
	Workers             int
	QueueSize           int
}

// PromptsConfig holds prompt registry configuration
type PromptsConfig struct {
	Dir                 string
	ResolutionCacheSize int
}

// ExecutorConfig holds pipeline executor configuration
type ExecutorConfig struct {
	BatchConcurrency int
	DefaultTimeout   time.Duration
}

// PipelineConfig holds per-pipeline overrides. Zero values for Model,
// Temperature and MaxTokens leave the built-in defaults in place.
type PipelineConfig struct {
	Enabled       bool
	Priority      int
	Timeout       time.Duration
	RetryAttempts int
	CacheTTL      time.Duration
	Model         string
	Temperature   float64
	MaxTokens     int
}

var pipelineDefaults = map[string]PipelineConfig{
	PipelineSafetyCheck:        {Enabled: true, Priority: 1, Timeout: 30 * time.Second, RetryAttempts: 3, CacheTTL: 5 * time.Minute},
	PipelineBillingCPT:         {Enabled: true, Priority: 2, Timeout: 45 * time.Second, RetryAttempts: 2, CacheTTL: 30 * time.Minute},
	PipelineProgressAssessment: {Enabled: true, Priority: 3, Timeout: 45 * time.Second, RetryAttempts: 2, CacheTTL: 15 * time.Minute},
	PipelineSessionNote:        {Enabled: true, Priority: 4, Timeout: 60 * time.Second, RetryAttempts: 2, CacheTTL: 10 * time.Minute},
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
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
			Database: getEnv("DB_NAME", "clinical_insights"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),

			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		OpenAI: OpenAIConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			RateLimitRPM:   getEnvAsInt("OPENAI_RATE_LIMIT_RPM", 60),
			RateLimitBurst: getEnvAsInt("OPENAI_RATE_LIMIT_BURST", 5),
			TimeoutSeconds: getEnvAsInt("OPENAI_TIMEOUT_SECONDS", 60),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "clinical-insights"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
			LogsEnabled:    getEnvAsBool("OTEL_LOGS_ENABLED", false),
		},
		Cache: CacheConfig{
			Backend:         getEnv("CACHE_BACKEND", "memory"),
			KeyPrefix:       getEnv("CACHE_KEY_PREFIX", "ai"),
			MaxItems:        getEnvAsInt("CACHE_MAX_ITEMS", 1000),
			MaxMemoryBytes:  int64(getEnvAsInt("CACHE_MAX_MEMORY_MB", 64)) * 1024 * 1024,
			DefaultTTL:      getEnvAsDuration("CACHE_DEFAULT_TTL", 10*time.Minute),
			CleanupInterval: getEnvAsDuration("CACHE_CLEANUP_INTERVAL", time.Minute),
			L1MaxItems:      getEnvAsInt("CACHE_L1_MAX_ITEMS", 200),
			L1TTL:           getEnvAsDuration("CACHE_L1_TTL", 30*time.Second),
			WarmInterval:    getEnvAsDuration("CACHE_WARM_INTERVAL", 0),

			InvalidationEvents: getEnvAsBool("CACHE_INVALIDATION_EVENTS", true),
		},
		Audit: AuditConfig{
			Enabled:             getEnvAsBool("AUDIT_ENABLED", true),
			Store:               getEnv("AUDIT_STORE", "memory"),
			RetentionDays:       getEnvAsInt("AUDIT_RETENTION_DAYS", 90),
			RetentionInterval:   getEnvAsDuration("AUDIT_RETENTION_INTERVAL", 24*time.Hour),
			MaxPayloadBytes:     getEnvAsInt("AUDIT_MAX_PAYLOAD_BYTES", 10*1024),
			LogResponses:        getEnvAsBool("AUDIT_LOG_RESPONSES", true),
			CostPer1KPrompt:     getEnvAsFloat("AUDIT_COST_PER_1K_PROMPT", 0.00015),
			CostPer1KCompletion: getEnvAsFloat("AUDIT_COST_PER_1K_COMPLETION", 0.0006),
			Workers:             getEnvAsInt("AUDIT_WORKERS", 4),
			QueueSize:           getEnvAsInt("AUDIT_QUEUE_SIZE", 256),
		},
		Prompts: PromptsConfig{
			Dir:                 getEnv("PROMPTS_DIR", ""),
			ResolutionCacheSize: getEnvAsInt("PROMPTS_RESOLUTION_CACHE_SIZE", 100),
		},
		Executor: ExecutorConfig{
			BatchConcurrency: getEnvAsInt("EXECUTOR_BATCH_CONCURRENCY", 0),
			DefaultTimeout:   getEnvAsDuration("EXECUTOR_DEFAULT_TIMEOUT", 60*time.Second),
		},
		Pipelines: make(map[string]PipelineConfig, len(pipelineDefaults)),
	}

	for name, def := range pipelineDefaults {
		cfg.Pipelines[name] = loadPipelineConfig(name, def)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that cannot be defaulted sensibly.
func (c *Config) Validate() error {
	var problems []string

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("CACHE_BACKEND must be memory or redis, got %q", c.Cache.Backend))
	}
	switch c.Audit.Store {
	case "memory", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("AUDIT_STORE must be memory or postgres, got %q", c.Audit.Store))
	}
	if c.Cache.MaxItems <= 0 {
		problems = append(problems, "CACHE_MAX_ITEMS must be positive")
	}
	if c.Cache.MaxMemoryBytes <= 0 {
		problems = append(problems, "CACHE_MAX_MEMORY_MB must be positive")
	}
	if c.Audit.RetentionDays <= 0 {
		problems = append(problems, "AUDIT_RETENTION_DAYS must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Pipeline returns the configuration for a pipeline type and whether it is known.
func (c *Config) Pipeline(name string) (PipelineConfig, bool) {
	p, ok := c.Pipelines[name]
	return p, ok
}

func loadPipelineConfig(name string, def PipelineConfig) PipelineConfig {
	prefix := "PIPELINE_" + strings.ToUpper(name) + "_"
	return PipelineConfig{
		Enabled:       getEnvAsBool(prefix+"ENABLED", def.Enabled),
		Priority:      getEnvAsInt(prefix+"PRIORITY", def.Priority),
		Timeout:       getEnvAsDuration(prefix+"TIMEOUT", def.Timeout),
		RetryAttempts: getEnvAsInt(prefix+"RETRY_ATTEMPTS", def.RetryAttempts),
		CacheTTL:      getEnvAsDuration(prefix+"CACHE_TTL", def.CacheTTL),
		Model:         getEnv(prefix+"MODEL", def.Model),
		Temperature:   getEnvAsFloat(prefix+"TEMPERATURE", def.Temperature),
		MaxTokens:     getEnvAsInt(prefix+"MAX_TOKENS", def.MaxTokens),
	}
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
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("90s") or bare seconds ("90").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
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
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
