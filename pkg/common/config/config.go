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

	// Rules API
	APIBaseURL      string
	APIEnvironment  string
	APIAccessToken  string
	APIRefreshToken string

	// Automation timings
	SubmitTimeout        time.Duration
	PollInterval         time.Duration
	PollRequestTimeout   time.Duration
	ResultsTimeout       time.Duration
	ResultsFetchAttempts int
	CatalogTimeout       time.Duration
	RulesPolicyPath      string

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	RedisDB          int
	ProgressCacheTTL time.Duration

	// Kafka
	KafkaBrokers         []string
	KafkaGroupID         string
	KafkaRunRequestTopic string
	KafkaRunEventTopic   string
}

const writeSlack = 5 * time.Second

func Load() *Config {
	cfg := &Config{
		ServerPort:     getEnv("SERVER_PORT", "8090"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 8*1024*1024)),
		RateLimitRPS:   getIntEnv("RATE_LIMIT_RPS", 50),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 100),

		APIBaseURL:      strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8000"), "/"),
		APIEnvironment:  getEnv("API_ENVIRONMENT", "sandbox"),
		APIAccessToken:  getEnv("API_ACCESS_TOKEN", ""),
		APIRefreshToken: getEnv("API_REFRESH_TOKEN", ""),

		SubmitTimeout:        getDuration("SUBMIT_TIMEOUT", 3*time.Minute),
		PollInterval:         getDuration("POLL_INTERVAL", 1500*time.Millisecond),
		PollRequestTimeout:   getDuration("POLL_REQUEST_TIMEOUT", time.Second),
		ResultsTimeout:       getDuration("RESULTS_TIMEOUT", 3*time.Minute),
		ResultsFetchAttempts: getIntEnv("RESULTS_FETCH_ATTEMPTS", 3),
		CatalogTimeout:       getDuration("CATALOG_TIMEOUT", time.Minute),
		RulesPolicyPath:      getEnv("RULES_POLICY_PATH", ""),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "automation"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "automation"),
		PostgresDB:       getEnv("POSTGRES_DB", "automation"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:        getEnv("REDIS_HOST", "localhost"),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getIntEnv("REDIS_DB", 0),
		ProgressCacheTTL: getDuration("PROGRESS_CACHE_TTL", time.Hour),

		KafkaBrokers:         getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:         getEnv("KAFKA_GROUP_ID", "automation-worker"),
		KafkaRunRequestTopic: getEnv("KAFKA_RUN_REQUEST_TOPIC", "automation.run.requested"),
		KafkaRunEventTopic:   getEnv("KAFKA_RUN_EVENT_TOPIC", "automation.run.events"),
	}

	// A poll must give up before the next one is due.
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	if cfg.PollRequestTimeout <= 0 || cfg.PollRequestTimeout >= cfg.PollInterval {
		cfg.PollRequestTimeout = cfg.PollInterval * 2 / 3
	}
	if cfg.ResultsFetchAttempts < 1 {
		cfg.ResultsFetchAttempts = 1
	}
	// Starting a run assigns a project id and then submits; the response
	// carrying the execution id must still be writable when both finish.
	if minWrite := MinWriteTimeout(cfg.SubmitTimeout, cfg.CatalogTimeout); cfg.WriteTimeout < minWrite {
		cfg.WriteTimeout = minWrite
	}

	return cfg
}

// MinWriteTimeout is the shortest server write timeout that outlives a run
// submission including project id assignment.
func MinWriteTimeout(submit, catalog time.Duration) time.Duration {
	return submit + catalog + writeSlack
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

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
