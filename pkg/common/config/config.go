package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	RateLimitRPS   int
	RateLimitBurst int

	// Registry
	StoreBackend        string
	UsersTable          string
	IdentityKey         string
	CallbackURL         string
	RedirectBaseURL     string
	VerifyWitnesses     bool
	ValidateAddress     bool
	DynamoCallbackIndex string
	DynamoEndpoint      string
	AWSRegion           string
	RedisKeyPrefix      string
	ClaimEventsTopic    string
	ClaimEventsSource   string

	// Consent service
	ConsentAppName         string
	ConsentProvider        string
	ConsentTemplateBaseURL string
	ConsentProvidersFile   string

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers []string
}

const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),
		RateLimitRPS:   getIntEnv("RATE_LIMIT_RPS", 50),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 100),

		StoreBackend:        strings.ToLower(getEnv("STORE_BACKEND", BackendDynamoDB)),
		UsersTable:          getEnv("USERS_TABLE", "users"),
		IdentityKey:         getEnv("IDENTITY_KEY", "userAddress"),
		CallbackURL:         strings.TrimRight(getEnv("CALLBACK_URL", "http://localhost:8080/callback"), "/"),
		RedirectBaseURL:     getEnv("REDIRECT_BASE_URL", ""),
		VerifyWitnesses:     getBoolEnv("REGISTRY_VERIFY_WITNESSES", false),
		ValidateAddress:     getBoolEnv("REGISTRY_VALIDATE_ADDRESS", false),
		DynamoCallbackIndex: getEnv("DYNAMODB_CALLBACK_INDEX", "callbackId-index"),
		DynamoEndpoint:      getEnv("DYNAMODB_ENDPOINT", ""),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		RedisKeyPrefix:      getEnv("REDIS_KEY_PREFIX", "registry"),
		ClaimEventsTopic:    getEnv("CLAIM_EVENTS_TOPIC", ""),
		ClaimEventsSource:   getEnv("CLAIM_EVENTS_SOURCE", "registry-service"),

		ConsentAppName:         getEnv("CONSENT_APP_NAME", "claimlink"),
		ConsentProvider:        getEnv("CONSENT_PROVIDER", "google-login"),
		ConsentTemplateBaseURL: getEnv("CONSENT_TEMPLATE_BASE_URL", "https://share.reclaimprotocol.org/create"),
		ConsentProvidersFile:   getEnv("CONSENT_PROVIDERS_FILE", ""),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "claimlink"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "claimlink"),
		PostgresDB:       getEnv("POSTGRES_DB", "claimlink"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
	}
}

// EventsEnabled reports whether claim events should be published.
func (c *Config) EventsEnabled() bool {
	return c.ClaimEventsTopic != "" && len(c.KafkaBrokers) > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getStringSliceEnv splits comma separated values, e.g. KAFKA_BROKERS=a:9092,b:9092.
func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
