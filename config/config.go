package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Port          string
	Environment   string
	PublicBaseURL string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubUUID         string

	// Gateway configuration
	ChapaBaseURL       string
	ChapaSecretKey     string
	ChapaWebhookSecret string
	Currency           string
	GatewayTimeout     time.Duration

	// Payment session configuration
	PaymentSessionTTL time.Duration

	// Pending-payment sweeper
	SweepInterval time.Duration
	SweepMinAge   time.Duration

	// Rate limiting
	CallbackRateLimit  int
	CallbackRateWindow time.Duration

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "8090"),
		Environment:   getEnv("ENVIRONMENT", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8090"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubUUID:         getEnv("PUBNUB_UUID", "ticket-marketplace"),

		// Gateway
		ChapaBaseURL:       getEnv("CHAPA_BASE_URL", "https://api.chapa.co"),
		ChapaSecretKey:     getEnv("CHAPA_SECRET_KEY", ""),
		ChapaWebhookSecret: getEnv("CHAPA_WEBHOOK_SECRET", ""),
		Currency:           getEnv("PAYMENT_CURRENCY", "ETB"),
		GatewayTimeout:     getEnvAsDuration("GATEWAY_TIMEOUT", "10s"),

		// Payment session
		PaymentSessionTTL: getEnvAsDuration("PAYMENT_SESSION_TTL", "30m"),

		// Sweeper
		SweepInterval: getEnvAsDuration("PENDING_SWEEP_INTERVAL", "2m"),
		SweepMinAge:   getEnvAsDuration("PENDING_SWEEP_MIN_AGE", "5m"),

		// Rate limiting
		CallbackRateLimit:  getEnvAsInt("CALLBACK_RATE_LIMIT", 60),
		CallbackRateWindow: getEnvAsDuration("CALLBACK_RATE_WINDOW", "1m"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
