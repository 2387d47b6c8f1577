package app

import (
	"database/sql"

	"github.com/joinflow/joinflow/internal/capacity"
	"github.com/joinflow/joinflow/internal/gateway"
	"github.com/joinflow/joinflow/internal/message_broker"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	// Optional: inject connections and collaborators instead of creating them from config
	db             *sql.DB
	redis          *redis.Client
	gateway        gateway.Gateway
	broker         message_broker.MessageBroker
	capacitySource capacity.Source
	clock          clock.WithTicker
}

// WithDB injects a custom database connection. Useful for testing.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects a custom Redis client. Useful for testing.
func WithRedis(redis *redis.Client) ContainerOption {
	return func(c *containerConfig) {
		c.redis = redis
	}
}

// WithGateway replaces the NATS gateway client.
func WithGateway(gw gateway.Gateway) ContainerOption {
	return func(c *containerConfig) {
		c.gateway = gw
	}
}

// WithMessageBroker replaces the RabbitMQ intake connection. The intake consumer is only
// built when the config has a rabbitmq section.
func WithMessageBroker(broker message_broker.MessageBroker) ContainerOption {
	return func(c *containerConfig) {
		c.broker = broker
	}
}

func WithCapacitySource(source capacity.Source) ContainerOption {
	return func(c *containerConfig) {
		c.capacitySource = source
	}
}

func WithClock(clk clock.WithTicker) ContainerOption {
	return func(c *containerConfig) {
		c.clock = clk
	}
}
