package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/policy-outreach/internal/config"
	"github.com/acme/policy-outreach/internal/infra/db"
	"github.com/acme/policy-outreach/internal/infra/redis"
	"github.com/acme/policy-outreach/internal/queue"
	"github.com/acme/policy-outreach/internal/repository"
	pgrepo "github.com/acme/policy-outreach/internal/repository/postgres"
	scyllarepo "github.com/acme/policy-outreach/internal/repository/scylla"
	callsvc "github.com/acme/policy-outreach/internal/service/call"
	"github.com/acme/policy-outreach/internal/service/concurrency"
	dispatchsvc "github.com/acme/policy-outreach/internal/service/dispatch"
	eligibilitysvc "github.com/acme/policy-outreach/internal/service/eligibility"
	outcomesvc "github.com/acme/policy-outreach/internal/service/outcome"
	schedulesvc "github.com/acme/policy-outreach/internal/service/schedule"
	telephonySvc "github.com/acme/policy-outreach/internal/telephony"
	telephonyMock "github.com/acme/policy-outreach/internal/telephony/mock"
	"github.com/acme/policy-outreach/pkg/logger"
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
		queues       *queues
		providers    *providers
		limiters     *limiters
	}
}

type repositories struct {
	Candidates repository.CandidateRepository
	Calls      repository.CallRepository
	Scheduled  repository.ScheduledCallRepository
	Config     repository.SchedulerConfigRepository
	Attempts   repository.AttemptStore
	Outcomes   repository.OutcomeStore
}

type services struct {
	Eligibility *eligibilitysvc.Service
	Schedule    *schedulesvc.Service
	Dispatch    *dispatchsvc.Service
	Outcome     *outcomesvc.Service
	Call        *callsvc.Service
}

type queues struct {
	Events *queue.EventPublisher
	Tasks  *queue.TaskClient
}

type providers struct {
	Telephony telephonySvc.Provider
}

type limiters struct {
	Concurrency *concurrency.Limiter
	RunGuard    *concurrency.RunGuard
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

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Candidates: pgrepo.NewCandidateRepository(c.Postgres.DB()),
			Calls:      pgrepo.NewCallRepository(c.Postgres.DB()),
			Scheduled:  pgrepo.NewScheduledCallRepository(c.Postgres.DB()),
			Config:     pgrepo.NewSchedulerConfigRepository(c.Postgres.DB()),
			Attempts:   scyllarepo.NewAttemptStore(c.Scylla.Session()),
			Outcomes:   pgrepo.NewOutcomeStore(c.Postgres.DB()),
		}

		qs := &queues{
			Events: queue.NewEventPublisher(c.Kafka, c.Config.Kafka.EventTopic),
			Tasks:  queue.NewTaskClient(c.Config.Redis, c.Config.Asynq),
		}

		lims := &limiters{
			Concurrency: concurrency.NewLimiter(c.Redis.Inner(), c.Config.Dial.SlotTTL),
			RunGuard:    concurrency.NewRunGuard(c.Redis.Inner()),
		}

		provs := &providers{
			Telephony: telephonySvc.NewResilientProvider(
				telephonyMock.NewProvider(c.Config.Dial),
				c.Config.Dial,
				c.Logger,
			),
		}

		eligibility := eligibilitysvc.NewService(repos.Candidates, repos.Scheduled, c.Logger)

		svcs := &services{
			Eligibility: eligibility,
			Schedule: schedulesvc.NewService(
				repos.Scheduled,
				repos.Config,
				eligibility,
				qs.Tasks,
				lims.RunGuard,
				c.Logger,
			),
			Dispatch: dispatchsvc.NewService(
				repos.Scheduled,
				repos.Calls,
				repos.Attempts,
				repos.Config,
				provs.Telephony,
				lims.Concurrency,
				qs.Events,
				c.Logger,
			),
			Outcome: outcomesvc.NewService(repos.Outcomes, lims.Concurrency, qs.Events, c.Logger),
			Call:    callsvc.NewService(repos.Calls, repos.Attempts, provs.Telephony),
		}

		c.components.repositories = repos
		c.components.queues = qs
		c.components.services = svcs
		c.components.providers = provs
		c.components.limiters = lims
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

// Queues exposes the event publisher and task client.
func (c *Container) Queues() *queues {
	c.initComponents()
	return c.components.queues
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Limiters exposes limiter utilities.
func (c *Container) Limiters() *limiters {
	c.initComponents()
	return c.components.limiters
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if q := c.components.queues; q != nil {
		if q.Events != nil {
			if err := q.Events.Close(); err != nil {
				errs = append(errs, fmt.Errorf("event publisher close: %w", err))
			}
		}
		if q.Tasks != nil {
			if err := q.Tasks.Close(); err != nil {
				errs = append(errs, fmt.Errorf("task client close: %w", err))
			}
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
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

// EnsureTopics ensures the event feed topic exists.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.EventTopic}, 12, 1)
}
