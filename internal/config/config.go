package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultDSN = "host=localhost user=postgres password=postgres dbname=pieceflow port=5432 sslmode=disable"

type Config struct {
	HTTPPort       string
	DatabaseDriver string // postgres | sqlite
	DatabaseDSN    string
	JWTSecret      string
	CORSOrigins    string
	LogMode        string

	LedgerMaxRetries   int
	LedgerRetryBackoff time.Duration

	RedisAddr     string // boşsa olaylar yayınlanmaz
	RedisPassword string
	RedisChannel  string

	SeedFile string // referans veri (ürün, akış, hat) YAML dosyası

	OtelEnabled     bool
	OtelEndpoint    string
	OtelSampleRatio float64
	OtelEnvironment string

	// Warnings are collected during Load and logged by the caller once a
	// logger exists.
	Warnings []string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		DatabaseDriver:     strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		DatabaseDSN:        getEnv("DATABASE_DSN", defaultDSN),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		CORSOrigins:        getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		LogMode:            getEnv("LOG_MODE", "dev"),
		LedgerMaxRetries:   getEnvInt("LEDGER_MAX_RETRIES", 3),
		LedgerRetryBackoff: getEnvDuration("LEDGER_RETRY_BACKOFF", 15*time.Millisecond),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisChannel:       getEnv("REDIS_CHANNEL", "pieceflow.events"),
		SeedFile:           getEnv("SEED_FILE", ""),
		OtelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OtelSampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1),
		OtelEnvironment:    getEnv("APP_ENV", "dev"),
	}

	// Production güvenlik kontrolleri
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET environment değişkeni tanımlanmamış")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, errors.New("JWT_SECRET en az 32 karakter olmalıdır")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return nil, errors.New("DATABASE_DRIVER postgres veya sqlite olmalıdır")
	}
	if cfg.LedgerMaxRetries < 0 {
		cfg.LedgerMaxRetries = 0
	}
	if cfg.DatabaseDriver == "postgres" && cfg.DatabaseDSN == defaultDSN {
		cfg.Warnings = append(cfg.Warnings, "DATABASE_DSN varsayılan değer kullanılıyor, production için kendi Postgres bağlantı bilgisini tanımla")
	}
	if cfg.CORSOrigins == "http://localhost:5173" {
		cfg.Warnings = append(cfg.Warnings, "CORS_ALLOWED_ORIGINS varsayılan değer kullanılıyor, production için kendi domain'ini tanımla")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
