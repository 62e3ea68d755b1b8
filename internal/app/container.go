package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/call-dispatcher/internal/config"
	"github.com/acme/call-dispatcher/internal/infra/db"
	"github.com/acme/call-dispatcher/internal/infra/redis"
	"github.com/acme/call-dispatcher/internal/queue"
	"github.com/acme/call-dispatcher/internal/repository"
	pgrepo "github.com/acme/call-dispatcher/internal/repository/postgres"
	scyllarepo "github.com/acme/call-dispatcher/internal/repository/scylla"
	callsvc "github.com/acme/call-dispatcher/internal/service/call"
	campaignsvc "github.com/acme/call-dispatcher/internal/service/campaign"
	"github.com/acme/call-dispatcher/internal/service/concurrency"
	"github.com/acme/call-dispatcher/internal/telephony"
	telephonyMock "github.com/acme/call-dispatcher/internal/telephony/mock"
	"github.com/acme/call-dispatcher/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publishers   *publishers
		providers    *providers
		ledger       concurrency.Ledger
	}
}

type repositories struct {
	Campaign   repository.CampaignRepository
	Users      repository.UserSettingsRepository
	Queue      repository.QueueRepository
	Stats      repository.CampaignStatisticsRepository
	Deliveries repository.DeliveryRepository
	Attempts   repository.AttemptStore
}

type services struct {
	Campaign *campaignsvc.Service
	Call     *callsvc.Service
}

type publishers struct {
	Calls    *queue.CallPublisher
	Outcomes *queue.OutcomePublisher
	Wake     *queue.WakePublisher
}

type providers struct {
	Telephony telephony.Provider
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
	}

	if cfg.Ledger.Backend == "redis" {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		container.Redis = redisClient
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}
	container.Kafka = kafka

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		sqlDB := c.Postgres.DB()
		repos := &repositories{
			Campaign:   pgrepo.NewCampaignRepository(sqlDB),
			Users:      pgrepo.NewUserSettingsRepository(sqlDB),
			Queue:      pgrepo.NewQueueRepository(sqlDB, c.Logger.Named("queue")),
			Stats:      pgrepo.NewCampaignStatisticsRepository(sqlDB),
			Deliveries: pgrepo.NewDeliveryRepository(sqlDB),
			Attempts:   scyllarepo.NewAttemptStore(c.Scylla.Session()),
		}

		pubs := &publishers{
			Calls:    queue.NewCallPublisher(c.Kafka, c.Config.Kafka.CallTopic),
			Outcomes: queue.NewOutcomePublisher(c.Kafka, c.Config.Kafka.OutcomeTopic),
			Wake:     queue.NewWakePublisher(c.Kafka, c.Config.Kafka.WakeTopic),
		}

		services := &services{
			Campaign: campaignsvc.NewService(
				repos.Campaign,
				repos.Queue,
				repos.Stats,
				pubs.Wake,
				c.Logger.Named("campaigns"),
			),
			Call: callsvc.NewService(
				repos.Queue,
				repos.Attempts,
				repos.Users,
				pubs.Wake,
				pubs.Outcomes,
				c.Logger.Named("calls"),
			),
		}

		providers := &providers{
			Telephony: telephonyMock.NewProvider(c.Config.CallBridge),
		}

		var ledger concurrency.Ledger
		if c.Redis != nil {
			ledger = concurrency.NewRedisLedger(c.Redis.Inner(), c.Config.Ledger.KeyPrefix)
		} else {
			// only sound when a single dispatcher process owns the ledger
			ledger = concurrency.NewMemoryLedger()
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.services = services
		c.components.providers = providers
		c.components.ledger = ledger
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Publishers exposes Kafka producers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Ledger exposes the active-call ledger.
func (c *Container) Ledger() concurrency.Ledger {
	c.initComponents()
	return c.components.ledger
}

// HealthChecks returns a probe per backing store.
func (c *Container) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"postgres": c.Postgres.Ping,
		"scylla":   c.Scylla.Ping,
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Ping
	}
	return checks
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if err := p.Calls.Close(); err != nil {
			errs = append(errs, fmt.Errorf("call publisher close: %w", err))
		}
		if err := p.Outcomes.Close(); err != nil {
			errs = append(errs, fmt.Errorf("outcome publisher close: %w", err))
		}
		if err := p.Wake.Close(); err != nil {
			errs = append(errs, fmt.Errorf("wake publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx, c.Config.Kafka.Partitions, 1)
}
