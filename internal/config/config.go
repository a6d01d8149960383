package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServiceName string
	ServerPort  int
	LogLevel    string

	DatabaseURL       string
	DBConnectAttempts int

	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	CacheConnectAttempts int

	JWTSecret     []byte
	TokenTTL      time.Duration
	SessionTTL    time.Duration
	SecureCookies bool

	// CIDRs of reverse proxies whose X-Forwarded-For is believed.
	TrustedProxies []string

	ResponseCacheTTL    time.Duration
	FlagRefreshInterval time.Duration

	LoginMaxAttempts int
	LoginWindow      time.Duration
	LoginBlock       time.Duration

	SecurityMaxRequests int
	SecurityWindow      time.Duration
	SecurityBlock       time.Duration

	AIBaseURL           string
	AIAPIKey            string
	AIModel             string
	AIExperimentalModel string
	AITimeout           time.Duration

	KafkaBrokers []string

	ESURL      string
	ESUser     string
	ESPassword string
	ESIndex    string

	WSMessageRate  float64
	WSMessageBurst int
}

// Load reads .env when present and falls back to the process environment.
func Load() *Config {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Notice: .env file not found: %v. Using system environment variables", err)
	}

	return &Config{
		ServiceName: EnvDefault("SERVICE_NAME", "shop_assistant"),
		ServerPort:  EnvIntDefault("SERVER_PORT", 8080),
		LogLevel:    EnvDefault("LOG_LEVEL", "info"),

		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DBConnectAttempts: EnvIntDefault("DB_CONNECT_ATTEMPTS", 5),

		RedisAddr:            EnvDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              EnvIntDefault("REDIS_DB", 0),
		CacheConnectAttempts: EnvIntDefault("CACHE_CONNECT_ATTEMPTS", 10),

		JWTSecret:  []byte(os.Getenv("JWT_SECRET")),
		TokenTTL:   EnvDurationDefault("TOKEN_TTL", time.Hour),
		SessionTTL: EnvDurationDefault("SESSION_TTL", time.Hour),

		SecureCookies:  EnvBoolDefault("SECURE_COOKIES", true),
		TrustedProxies: CSV(os.Getenv("TRUSTED_PROXIES")),

		ResponseCacheTTL:    EnvDurationDefault("RESPONSE_CACHE_TTL", time.Hour),
		FlagRefreshInterval: EnvDurationDefault("FLAG_REFRESH_INTERVAL", time.Minute),

		LoginMaxAttempts: EnvIntDefault("LOGIN_MAX_ATTEMPTS", 5),
		LoginWindow:      EnvDurationDefault("LOGIN_WINDOW", 15*time.Minute),
		LoginBlock:       EnvDurationDefault("LOGIN_BLOCK", 30*time.Minute),

		SecurityMaxRequests: EnvIntDefault("SECURITY_MAX_REQUESTS", 100),
		SecurityWindow:      EnvDurationDefault("SECURITY_WINDOW", time.Minute),
		SecurityBlock:       EnvDurationDefault("SECURITY_BLOCK", 5*time.Minute),

		AIBaseURL:           EnvDefault("AI_BASE_URL", "https://api.openai.com"),
		AIAPIKey:            os.Getenv("AI_API_KEY"),
		AIModel:             EnvDefault("AI_MODEL", "gpt-4o-mini"),
		AIExperimentalModel: EnvDefault("AI_EXPERIMENTAL_MODEL", "gpt-4o"),
		AITimeout:           EnvDurationDefault("AI_TIMEOUT", 30*time.Second),

		KafkaBrokers: CSV(os.Getenv("KAFKA_BROKERS")),

		ESURL:      os.Getenv("ES_URL"),
		ESUser:     os.Getenv("ES_USER"),
		ESPassword: os.Getenv("ES_PASSWORD"),
		ESIndex:    EnvDefault("ES_INDEX", "chat_messages"),

		WSMessageRate:  EnvFloatDefault("WS_MESSAGE_RATE", 2),
		WSMessageBurst: EnvIntDefault("WS_MESSAGE_BURST", 5),
	}
}

func CSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func EnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func EnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func EnvFloatDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func EnvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func EnvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func MustNonEmpty(value, envName string) {
	if value == "" {
		log.Fatalf("missing required env %s", envName)
	}
}

func MustNonEmptyBytes(value []byte, envName string) {
	if len(value) == 0 {
		log.Fatalf("missing required env %s", envName)
	}
}
