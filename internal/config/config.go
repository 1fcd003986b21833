// Package config loads service configuration from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Topics names the broker topics. Defaults match the event types.
type Topics struct {
	OrderCreated          string `envconfig:"TOPIC_ORDER_CREATED" default:"order.created"`
	InventoryReserved     string `envconfig:"TOPIC_INVENTORY_RESERVED" default:"inventory.reserved"`
	InventoryInsufficient string `envconfig:"TOPIC_INVENTORY_INSUFFICIENT" default:"inventory.insufficient"`
	OrderConfirmed        string `envconfig:"TOPIC_ORDER_CONFIRMED" default:"order.confirmed"`
	OrderCancelled        string `envconfig:"TOPIC_ORDER_CANCELLED" default:"order.cancelled"`
}

// Order configures the order-service process.
type Order struct {
	ServiceName     string        `envconfig:"SERVICE_NAME" default:"order-service"`
	HTTPPort        string        `envconfig:"HTTP_PORT" default:"8081"`
	DatabaseURL     string        `envconfig:"DATABASE_URL" required:"true"`
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	KafkaBrokers    []string      `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	GroupID         string        `envconfig:"KAFKA_GROUP_ID" default:"order-coordinator"`
	InventoryURL    string        `envconfig:"INVENTORY_URL" default:"http://localhost:8082"`
	Topics          Topics
	CacheTTL        time.Duration `envconfig:"CACHE_TTL" default:"30s"`
	OutboxInterval  time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"400ms"`
	OutboxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"10"`
	ConsumerRetries uint64        `envconfig:"CONSUMER_MAX_RETRIES" default:"5"`
	VersionRetries  uint64        `envconfig:"VERSION_MAX_RETRIES" default:"5"`
	// PendingTimeout bounds how long an order may sit PENDING before the
	// watchdog cancels it. Left configurable on purpose.
	PendingTimeout   time.Duration `envconfig:"PENDING_TIMEOUT" default:"30s"`
	WatchdogInterval time.Duration `envconfig:"WATCHDOG_INTERVAL" default:"5s"`
}

// Inventory configures the inventory-service process.
type Inventory struct {
	ServiceName     string        `envconfig:"SERVICE_NAME" default:"inventory-service"`
	HTTPPort        string        `envconfig:"HTTP_PORT" default:"8082"`
	DatabaseURL     string        `envconfig:"DATABASE_URL" required:"true"`
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	KafkaBrokers    []string      `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	GroupID         string        `envconfig:"KAFKA_GROUP_ID" default:"inventory-ledger"`
	Topics          Topics
	CacheTTL        time.Duration `envconfig:"CACHE_TTL" default:"30s"`
	OutboxInterval  time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"400ms"`
	OutboxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"10"`
	ConsumerRetries uint64        `envconfig:"CONSUMER_MAX_RETRIES" default:"5"`
	VersionRetries  uint64        `envconfig:"VERSION_MAX_RETRIES" default:"5"`
	SeedStock       bool          `envconfig:"SEED_STOCK" default:"false"`
}

// Notification configures the notification-service process.
type Notification struct {
	ServiceName     string   `envconfig:"SERVICE_NAME" default:"notification-service"`
	HTTPPort        string   `envconfig:"HTTP_PORT" default:"8084"`
	DatabaseURL     string   `envconfig:"DATABASE_URL" required:"true"`
	KafkaBrokers    []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	GroupID         string   `envconfig:"KAFKA_GROUP_ID" default:"notification-dispatcher"`
	Topics          Topics
	ConsumerRetries uint64 `envconfig:"CONSUMER_MAX_RETRIES" default:"5"`
}

// Load populates cfg from the environment.
func Load(cfg any) error {
	return envconfig.Process("", cfg)
}
