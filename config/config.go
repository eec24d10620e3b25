// Package config loads the proxy's configuration from the environment. There is no
// config file: every setting has a name, a default, and a parse-failure-falls-back
// warning, following the environment-variable idiom of the system this proxy fronts.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/limbo-labs/discord-api-proxy/internal/log"
)

// BucketStrategy controls whether a contended lock is awaited (Strict) or skipped
// (Loose).
type BucketStrategy string

const (
	Strict BucketStrategy = "strict"
	Loose  BucketStrategy = "loose"
)

// WebserverConfig is the ingress bind address.
type WebserverConfig struct {
	Host string
	Port uint16
}

// RedisConfig describes the coordination store endpoint and topology.
type RedisConfig struct {
	Host string
	Port uint16

	Username string
	Password string

	PoolSize int

	Sentinel       bool
	SentinelMaster string
	Cluster        bool
}

// ProxyConfig holds the admission and forwarding tunables.
type ProxyConfig struct {
	GlobalRatelimitStrategy BucketStrategy
	RouteRatelimitStrategy  BucketStrategy

	GlobalTimeSliceOffset time.Duration

	LockWaitTimeout  time.Duration
	RatelimitTimeout time.Duration // RATELIMIT_ABORT_PERIOD: cool-off duration after a non-shared upstream 429

	BucketTTL  time.Duration
	MetricsTTL time.Duration

	DisableGlobalRatelimit bool
	DisableHTTP2           bool
}

// Config is the complete proxy configuration.
type Config struct {
	Webserver WebserverConfig
	Redis     RedisConfig
	Proxy     ProxyConfig

	LogLevel  string
	LogFormat string
}

// FromEnv builds the configuration from environment variables, falling back to
// documented defaults (logged via the supplied logger) on any parse failure.
func FromEnv(logger *log.Logger) *Config {
	if logger == nil {
		logger = log.Default()
	}

	// Sentinel topology listens on a different default port (26379) than a
	// plain Redis instance (6379), so it must be resolved before REDIS_PORT's
	// default can be chosen.
	sentinel := getAndParseEnvvar(logger, "REDIS_SENTINEL", false)
	defaultRedisPort := uint16(6379)
	if sentinel {
		defaultRedisPort = 26379
	}

	return &Config{
		Webserver: WebserverConfig{
			Host: getEnvOrDefault("HOST", "127.0.0.1"),
			Port: getAndParseEnvvar(logger, "PORT", uint16(8080)),
		},
		Redis: RedisConfig{
			Host:           getEnvOrDefault("REDIS_HOST", "127.0.0.1"),
			Port:           getAndParseEnvvar(logger, "REDIS_PORT", defaultRedisPort),
			Username:       getOptionalEnvvar("REDIS_USER"),
			Password:       getOptionalEnvvar("REDIS_PASS"),
			PoolSize:       getAndParseEnvvar(logger, "REDIS_POOL_SIZE", 128),
			Sentinel:       sentinel,
			SentinelMaster: getEnvOrDefault("REDIS_SENTINEL_MASTER", "mymaster"),
			Cluster:        getAndParseEnvvar(logger, "REDIS_CLUSTER", false),
		},
		Proxy: ProxyConfig{
			GlobalRatelimitStrategy: getAndParseStrategy(logger, "GLOBAL_RATELIMIT_STRATEGY", Strict),
			RouteRatelimitStrategy:  getAndParseStrategy(logger, "ROUTE_RATELIMIT_STRATEGY", Strict),
			GlobalTimeSliceOffset:   time.Duration(getAndParseEnvvar(logger, "GLOBAL_TIME_SLICE_OFFSET", 200)) * time.Millisecond,
			LockWaitTimeout:         time.Duration(getAndParseEnvvar(logger, "LOCK_WAIT_TIMEOUT", 500)) * time.Millisecond,
			RatelimitTimeout:        time.Duration(getAndParseEnvvar(logger, "RATELIMIT_ABORT_PERIOD", 1000)) * time.Millisecond,
			BucketTTL:               time.Duration(getAndParseEnvvar(logger, "BUCKET_TTL", 86_400_000)) * time.Millisecond,
			MetricsTTL:              time.Duration(getAndParseEnvvar(logger, "METRICS_TTL", 86_400_000)) * time.Millisecond,
			DisableGlobalRatelimit:  getAndParseEnvvar(logger, "DISABLE_GLOBAL_RATELIMIT", false),
			DisableHTTP2:            getAndParseEnvvar(logger, "DISABLE_HTTP2", true),
		},
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "json"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getOptionalEnvvar(key string) string {
	value, _ := os.LookupEnv(key)
	return value
}

func getAndParseStrategy(logger *log.Logger, key string, def BucketStrategy) BucketStrategy {
	value, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch BucketStrategy(lower(value)) {
	case Strict, Loose:
		return BucketStrategy(lower(value))
	default:
		logger.Warn("failed to parse environment variable, using default", "key", key, "value", value, "default", def)
		return def
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// parsable is the set of scalar types getAndParseEnvvar knows how to parse.
type parsable interface {
	~bool | ~int | ~uint16
}

func getAndParseEnvvar[T parsable](logger *log.Logger, key string, def T) T {
	value, ok := os.LookupEnv(key)
	if !ok {
		return def
	}

	parsed, err := parse(value, def)
	if err != nil {
		logger.Warn("failed to parse environment variable, using default", "key", key, "value", value, "default", def)
		return def
	}
	return parsed
}

func parse[T parsable](value string, zero T) (T, error) {
	switch any(zero).(type) {
	case bool:
		v, err := strconv.ParseBool(value)
		return any(v).(T), err
	case int:
		v, err := strconv.Atoi(value)
		return any(v).(T), err
	case uint16:
		v, err := strconv.ParseUint(value, 10, 16)
		return any(uint16(v)).(T), err
	default:
		return zero, nil
	}
}
