package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/joinflow/joinflow/internal/admission"
	"github.com/joinflow/joinflow/internal/approval"
	"github.com/joinflow/joinflow/internal/behavior"
	"github.com/joinflow/joinflow/internal/breaker"
	"github.com/joinflow/joinflow/internal/capacity"
	"github.com/joinflow/joinflow/internal/db"
	"github.com/joinflow/joinflow/internal/gateway"
	"github.com/joinflow/joinflow/internal/intake"
	"github.com/joinflow/joinflow/internal/lock"
	"github.com/joinflow/joinflow/internal/message_broker"
	"github.com/joinflow/joinflow/internal/scheduler"
	"github.com/joinflow/joinflow/internal/store"
	"github.com/joinflow/joinflow/internal/telemetry"
	"github.com/joinflow/joinflow/internal/worker"
	"github.com/joinflow/joinflow/types/config"
	"github.com/joinflow/joinflow/web"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// approvalPageSize is how many awaiting links the poller reads per page.
const approvalPageSize = 200

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.JoinflowConfig
	Logger logrus.FieldLogger
	Clock  clock.WithTicker

	// Connections (created once, shared by all components)
	DB    *sql.DB
	Redis *redis.Client
	NATS  *nats.Conn

	Links store.LinkStore
	Queue store.QueueStore
	Chips store.ChipStore

	LockManager   lock.DistributedLockManager
	Capacity      *capacity.Provider
	Selector      *admission.Selector
	Breaker       *breaker.Breaker
	Gateway       gateway.Gateway
	Scheduler     *scheduler.Scheduler
	Worker        *worker.Worker
	Poller        *approval.Poller
	MessageBroker message_broker.MessageBroker
	Intake        *intake.Consumer // nil without a rabbitmq section
	Registry      *prometheus.Registry
	Ops           *web.HttpRouteHandler // nil when no listen address is set

	ownsBroker bool
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle. Postgres migrations run here.
func NewContainer(ctx context.Context, cfg *config.JoinflowConfig, logger logrus.FieldLogger, opts ...ContainerOption) (*Container, error) {
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}

	c := &Container{Config: cfg, Logger: logger, Clock: opt.clock}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}

	if err := c.initConnections(ctx, opt); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.initComponents(ctx, opt); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) initConnections(ctx context.Context, opt *containerConfig) error {
	cfg := c.Config

	c.DB = opt.db
	if c.DB == nil && cfg.Storage.PostgresConfig.ConnectionUrl != "" {
		database, err := db.Open(ctx, cfg.Storage.PostgresConfig.ConnectionUrl)
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		c.DB = database
	}

	c.Redis = opt.redis
	if c.Redis == nil && cfg.Lock.Driver == config.RedisLock {
		c.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.Redis.Address,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
		})
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
	}

	c.Gateway = opt.gateway
	if c.Gateway == nil {
		if cfg.NATS.URL == "" {
			return errors.New("nats: URL is required for the join gateway")
		}
		conn, err := gateway.Connect(cfg.NATS, c.Logger)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		c.NATS = conn
		c.Gateway = gateway.NewNATSGateway(conn, cfg.NATS, c.Logger)
	}

	c.MessageBroker = opt.broker
	if c.MessageBroker == nil && cfg.RabbitMQConfig != nil {
		broker, err := message_broker.NewRabbitMQ(*cfg.RabbitMQConfig)
		if err != nil {
			return fmt.Errorf("init rabbitmq: %w", err)
		}
		c.MessageBroker = broker
		c.ownsBroker = true
	}
	return nil
}

func (c *Container) initComponents(ctx context.Context, opt *containerConfig) error {
	cfg := c.Config

	s, err := createStores(cfg.Storage.Driver, c.DB, c.Clock)
	if err != nil {
		return err
	}
	c.Links, c.Queue, c.Chips = s.links, s.queue, s.chips

	c.LockManager, err = createDistributedLockManager(cfg.Lock, c.DB, c.Redis)
	if err != nil {
		return err
	}

	if cfg.Storage.Driver == config.Postgres {
		if err := db.Init(ctx, c.DB, c.LockManager, c.Logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	source := opt.capacitySource
	if source == nil {
		if source, err = createCapacitySource(cfg.Capacity, c.DB); err != nil {
			return err
		}
	}
	c.Capacity = capacity.NewProvider(source, capacity.NewCache(cfg.Capacity.CacheTTL, c.Clock), c.Logger)

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := telemetry.MultiSink{telemetry.NewPrometheusSink(c.Registry), telemetry.NewLogSink(c.Logger)}

	c.Selector = admission.NewSelector(c.Chips, c.Capacity, c.Clock, cfg.Worker.ChipType, c.Logger)
	c.Breaker = breaker.New(c.Chips, c.Capacity, c.Clock, c.Logger)
	c.Scheduler = scheduler.New(c.Links, c.Queue, c.Selector, c.Capacity, c.LockManager, c.Clock, c.Logger)

	var sim behavior.Simulator = behavior.Nop{}
	if cfg.Behavior.MaxDelay > 0 {
		sim = behavior.NewRandomDelay(cfg.Behavior.MinDelay, cfg.Behavior.MaxDelay, c.Clock)
	}

	c.Worker = worker.New(worker.Dependencies{
		Links:     c.Links,
		Queue:     c.Queue,
		Selector:  c.Selector,
		Capacity:  c.Capacity,
		Breaker:   c.Breaker,
		Gateway:   c.Gateway,
		Behavior:  sim,
		Telemetry: sink,
		Locks:     c.LockManager,
		Clock:     c.Clock,
		Logger:    c.Logger,
	}, worker.Config{
		Instance: cfg.Instance,
		Count:    cfg.Worker.Count,
		ClaimTTL: cfg.Worker.ClaimTTL,
	})

	c.Poller = approval.NewPoller(c.Links, c.Chips, c.Gateway, c.LockManager, approvalPageSize, c.Logger)

	if c.MessageBroker != nil && cfg.RabbitMQConfig != nil {
		c.Intake = intake.NewConsumer(c.MessageBroker, c.Links, *cfg.RabbitMQConfig, cfg.Worker.MaxAttempts, c.Clock, c.Logger)
	}

	if cfg.Ops.Listen != "" {
		c.Ops = &web.HttpRouteHandler{
			Capacity:   c.Capacity,
			Slots:      c.Selector,
			Breaker:    c.Breaker,
			Entries:    c.Worker,
			Links:      c.Links,
			Queue:      c.Queue,
			Gatherer:   c.Registry,
			AdminToken: cfg.Ops.AdminToken,
			Logger:     c.Logger,
		}
	}
	return nil
}

// Close releases the connections the container holds. An injected broker is left to its owner.
func (c *Container) Close() error {
	var errs []error
	if c.ownsBroker && c.MessageBroker != nil {
		errs = append(errs, c.MessageBroker.Close())
	}
	if c.NATS != nil {
		c.NATS.Close()
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
