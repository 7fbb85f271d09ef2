// Package config provides runtime configuration values for the service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration knobs for the HTTP server, the backing stores,
// the event channel and its consumers.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	DatabaseURL string
	DBMaxConns  int
	ReadTimeout time.Duration
	AutoMigrate bool

	RedisURL        string
	CacheLocalSize  int
	ProductCacheTTL time.Duration
	ListCacheTTL    time.Duration

	OpenSearchHosts    []string
	OpenSearchUsername string
	OpenSearchPassword string
	OpenSearchIndex    string

	NATSURL             string
	ProductTopic        string
	ViewTopic           string
	TopicPartitions     int
	ViewPartitions      int
	ConsumerConcurrency int
	ConsumerRetries     int
	ConsumerRetryDelay  time.Duration
	PublishWorkers      int
	PublishBuffer       int
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolenv(key string, def bool) bool {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func listenv(key string) []string {
	v := getenv(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func durenvms(key string, defMs int) time.Duration {
	ms := atoienv(key, defMs)
	return time.Duration(ms) * time.Millisecond
}

func durenvs(key string, defSec int) time.Duration {
	sec := atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

// Load collects configuration from environment with defaults.
func Load() Config {
	return Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: durenvs("SHUTDOWN_TIMEOUT", 15),
		LogLevel:        getenv("LOG_LEVEL", "info"),

		DatabaseURL: getenv("DATABASE_URL", "sqlite://data/catalog.db"),
		DBMaxConns:  atoienv("DB_MAX_CONNS", 10),
		ReadTimeout: durenvms("READ_TIMEOUT_MS", 2000),
		AutoMigrate: boolenv("DB_AUTO_MIGRATE", true),

		RedisURL:        getenv("REDIS_URL", ""),
		CacheLocalSize:  atoienv("CACHE_LOCAL_SIZE", 10_000),
		ProductCacheTTL: durenvs("PRODUCT_CACHE_TTL_S", 600),
		ListCacheTTL:    durenvs("LIST_CACHE_TTL_S", 300),

		OpenSearchHosts:    listenv("OPENSEARCH_HOSTS"),
		OpenSearchUsername: getenv("OPENSEARCH_USERNAME", "admin"),
		OpenSearchPassword: getenv("OPENSEARCH_PASSWORD", "admin"),
		OpenSearchIndex:    getenv("OPENSEARCH_INDEX", "products"),

		NATSURL:             getenv("NATS_URL", ""),
		ProductTopic:        getenv("PRODUCT_TOPIC", "product-topic"),
		ViewTopic:           getenv("VIEW_TOPIC", "product-views"),
		TopicPartitions:     atoienv("TOPIC_PARTITIONS", 5),
		ViewPartitions:      atoienv("VIEW_PARTITIONS", 3),
		ConsumerConcurrency: atoienv("CONSUMER_CONCURRENCY", 3),
		ConsumerRetries:     atoienv("CONSUMER_RETRIES", 2),
		ConsumerRetryDelay:  durenvms("CONSUMER_RETRY_DELAY_MS", 1000),
		PublishWorkers:      atoienv("PUBLISH_WORKERS", 4),
		PublishBuffer:       atoienv("PUBLISH_BUFFER", 1024),
	}
}
