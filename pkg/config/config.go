package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	// Substrate endpoint
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string

	// Queue shape
	QueueName      string
	PriorityLevels int
	MaxAckHistory  int

	// Delivery semantics
	AckTimeout  float64 // seconds
	MaxAttempts int
	BatchSize   int

	// Codec envelope
	SecretKey        string
	EnableEncryption bool

	// Eventing and consumer identity
	EventsChannel string
	ConsumerGroup string
	ConsumerName  string

	// Reclaimer
	ReclaimInterval time.Duration

	// API surface
	Port      string
	LogLevel  string
	APIKey    string
	RateLimit int
	RateBurst int
}

// Load reads the process configuration from the environment. A .env file
// in the working directory is folded in first when present.
func Load() *Config {
	_ = godotenv.Load()

	queueName := getEnv("QUEUE_NAME", "acheron")

	cfg := &Config{
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     GetEnvInt("REDIS_PORT", 6379),
		RedisDB:       GetEnvInt("REDIS_DB", 0),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		QueueName:      queueName,
		PriorityLevels: GetEnvInt("MAX_PRIORITY_LEVELS", 10),
		MaxAckHistory:  GetEnvInt("MAX_ACKNOWLEDGED_HISTORY", 1000),

		AckTimeout:  GetEnvFloat("ACK_TIMEOUT_SECONDS", 300),
		MaxAttempts: GetEnvInt("MAX_ATTEMPTS", 3),
		BatchSize:   GetEnvInt("BATCH_SIZE", 100),

		SecretKey:        getEnv("SECRET_KEY", ""),
		EnableEncryption: GetEnvBool("ENABLE_MESSAGE_ENCRYPTION", false),

		EventsChannel: getEnv("EVENTS_CHANNEL", queueName+"_events"),
		ConsumerGroup: getEnv("CONSUMER_GROUP_NAME", queueName+"_workers"),
		ConsumerName:  getEnv("CONSUMER_NAME", defaultConsumerName()),

		ReclaimInterval: time.Duration(GetEnvInt("RECLAIM_INTERVAL_SECONDS", 10)) * time.Second,

		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		APIKey:    getEnv("ACHERON_API_KEY", ""),
		RateLimit: GetEnvInt("API_RATE_LIMIT", 50),
		RateBurst: GetEnvInt("API_RATE_BURST", 100),
	}

	return cfg
}

// RedisAddr renders the substrate endpoint as host:port.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// defaultConsumerName derives a consumer identity that is stable for the
// lifetime of the process. Distinct processes must not share a name or
// they would silently steal each other's pending entries.
func defaultConsumerName() string {
	return "consumer-" + uuid.NewString()[:8]
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func GetEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func GetEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
