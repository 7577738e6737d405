package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "BLOCKFLOW_"

// Load reads an optional YAML file, applies BLOCKFLOW_* environment overrides
// and fills defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Parse(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys so typos surface early.
func Parse(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg from the supplied lookup function.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []string

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("PUBSUB_SYSTEM", &cfg.PubSubSystem)
	list("KAFKA_BROKERS", &cfg.KafkaBrokers)
	str("KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	str("KAFKA_CONSUMER_GROUP", &cfg.KafkaConsumerGroup)
	str("NATS_URL", &cfg.NATSURL)
	str("BLOCKS_TOPIC", &cfg.BlocksTopic)
	str("POISON_QUEUE", &cfg.PoisonQueue)
	integer("WORKER_POOL_SIZE", &cfg.WorkerPoolSize)
	integer("MAX_NOTIFICATION_BATCH_BYTES", &cfg.MaxNotificationBatchBytes)
	duration("BLOCK_PROCESSING_TIMEOUT", &cfg.BlockProcessingTimeout)
	integer("BLOCK_PROCESSING_TIMEOUT_MS", &cfg.BlockProcessingTimeoutMs)
	boolean("IGNORE_UNKNOWN_MARKET_ON_FUNDING", &cfg.IgnoreUnknownMarketOnFunding)
	if _, ok := lookup(EnvPrefix + "SEND_WEBSOCKET_MESSAGES"); ok {
		var send bool
		boolean("SEND_WEBSOCKET_MESSAGES", &send)
		cfg.SendWebsocketMessages = &send
	}
	list("SKIP_STATEFUL_ORDER_UUIDS", &cfg.SkipStatefulOrderUUIDs)
	str("POSTGRES_URL", &cfg.PostgresURL)
	integer("POSTGRES_MAX_OPEN_CONNS", &cfg.PostgresMaxOpenConns)
	str("REDIS_URL", &cfg.RedisURL)
	duration("PUBLISH_MAX_ELAPSED", &cfg.PublishMaxElapsed)
	duration("OUTBOX_RELAY_INTERVAL", &cfg.OutboxRelayInterval)
	duration("REFRESH_INTERVAL", &cfg.RefreshInterval)
	integer("RETRY_MAX_RETRIES", &cfg.RetryMaxRetries)
	duration("RETRY_INITIAL_INTERVAL", &cfg.RetryInitialInterval)
	duration("RETRY_MAX_INTERVAL", &cfg.RetryMaxInterval)
	boolean("METRICS_ENABLED", &cfg.MetricsEnabled)
	integer("METRICS_PORT", &cfg.MetricsPort)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
