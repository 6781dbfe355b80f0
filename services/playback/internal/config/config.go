package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	platformconfig "github.com/example/stream-platform/internal/platform/config"
)

type Config struct {
	platformconfig.AppConfig

	JWTSecret   []byte
	DatabaseURL string
	RedisURL    string
	NATSURL     string

	// StoreBackend is auto, redis, postgres or memory.
	StoreBackend string
	// CatalogBackend is postgres or memory.
	CatalogBackend string
	// CatalogSeedFile seeds the memory catalog from a JSON array.
	CatalogSeedFile string
	CacheTTL        time.Duration

	SigningSecret string
	StreamURL     string
	GrantTTL      time.Duration

	RecommendSeed    uint64
	RecommendShuffle bool

	AsyncWrites    bool
	BatchSize      int
	BatchWait      time.Duration
	MaxDeliver     int
	IdempotencyTTL time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	CBMaxRequests      uint32
	CBInterval         time.Duration
	CBTimeout          time.Duration
	CBFailureThreshold uint32
}

func Load() (Config, error) {
	app, err := platformconfig.Load()
	if err != nil {
		return Config{}, err
	}
	if app.GRPC.Addr == "" {
		app.GRPC.Addr = ":9096"
	}

	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	signing := strings.TrimSpace(os.Getenv("PLAYBACK_SIGNING_SECRET"))
	if signing == "" && app.IsProd() {
		return Config{}, errors.New("PLAYBACK_SIGNING_SECRET is required in production")
	}

	cfg := Config{
		AppConfig:          app,
		JWTSecret:          []byte(secret),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:           strings.TrimSpace(os.Getenv("REDIS_URL")),
		NATSURL:            strings.TrimSpace(os.Getenv("NATS_URL")),
		StoreBackend:       envString("PLAYBACK_STORE", "auto"),
		CatalogBackend:     envString("CATALOG_BACKEND", "postgres"),
		CatalogSeedFile:    strings.TrimSpace(os.Getenv("CATALOG_SEED_FILE")),
		CacheTTL:           envDuration("CATALOG_CACHE_TTL", 10*time.Minute),
		SigningSecret:      signing,
		StreamURL:          strings.TrimSpace(os.Getenv("PLAYBACK_STREAM_URL")),
		GrantTTL:           envDuration("PLAYBACK_GRANT_TTL", 6*time.Hour),
		RecommendShuffle:   envBool("RECOMMEND_SHUFFLE", true),
		AsyncWrites:        envBool("PLAYBACK_ASYNC_WRITES", false),
		BatchSize:          envInt("WORKER_BATCH_SIZE", 100),
		BatchWait:          envDuration("WORKER_BATCH_INTERVAL", 2*time.Second),
		MaxDeliver:         envInt("WORKER_MAX_DELIVER", 5),
		IdempotencyTTL:     envDuration("IDEMPOTENCY_TTL", 72*time.Hour),
		RateLimitRPS:       envFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     envInt("RATE_LIMIT_BURST", 40),
		CBMaxRequests:      uint32(envInt("CB_MAX_REQUESTS", 5)),
		CBInterval:         envDuration("CB_INTERVAL", 60*time.Second),
		CBTimeout:          envDuration("CB_TIMEOUT", 30*time.Second),
		CBFailureThreshold: uint32(envInt("CB_FAILURE_THRESHOLD", 5)),
	}

	cfg.RecommendSeed = uint64(time.Now().UnixNano())
	if v := strings.TrimSpace(os.Getenv("RECOMMEND_SEED")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, errors.New("RECOMMEND_SEED must be an unsigned integer")
		}
		cfg.RecommendSeed = n
	}

	if cfg.CatalogBackend == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required when CATALOG_BACKEND=postgres")
	}
	if cfg.AsyncWrites && cfg.NATSURL == "" {
		return Config{}, errors.New("NATS_URL is required when PLAYBACK_ASYNC_WRITES is enabled")
	}
	return cfg, nil
}

func envString(key, def string) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v != "0" && v != "false" && v != "no"
}

func envInt(key string, def int) int {
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

func envFloat(key string, def float64) float64 {
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

func envDuration(key string, def time.Duration) time.Duration {
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
