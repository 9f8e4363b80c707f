package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/policy-outreach/internal/config"
	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/queue"
	"github.com/acme/policy-outreach/pkg/logger"
)

// ConfigSource yields the operator-edited scheduling policy.
type ConfigSource interface {
	Get(ctx context.Context) (*domain.SchedulerConfig, error)
}

// TaskEnqueuer hands work to the queue.
type TaskEnqueuer interface {
	EnqueueBatch(ctx context.Context, payload queue.BatchPayload) error
	EnqueueCleanup(ctx context.Context, payload queue.CleanupPayload) error
}

// Locker serializes the daily trigger across processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Scheduler fires the daily batch. It ticks at a fixed interval, and once
// the configured call time of day has passed it enqueues one batch task
// plus a retention cleanup. A per-day lease makes the trigger fire once no
// matter how many scheduler processes run.
type Scheduler struct {
	configs  ConfigSource
	tasks    TaskEnqueuer
	locker   Locker
	interval time.Duration
	lockKey  string
	lockTTL  time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// New constructs a scheduler.
func New(configs ConfigSource, tasks TaskEnqueuer, locker Locker, trig config.TriggerConfig, log *logger.Logger) *Scheduler {
	interval := trig.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	lockKey := trig.LockKey
	if lockKey == "" {
		lockKey = "outreach:trigger"
	}
	lockTTL := trig.LockTTL
	if lockTTL <= 0 {
		lockTTL = 24 * time.Hour
	}
	return &Scheduler{
		configs:  configs,
		tasks:    tasks,
		locker:   locker,
		interval: interval,
		lockKey:  lockKey,
		lockTTL:  lockTTL,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the trigger loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	tracer := otel.Tracer("outreach.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	cfg, err := s.configs.Get(sctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	now := s.now()
	if !cfg.Enabled {
		span.SetAttributes(attribute.Bool("scheduler.enabled", false))
		return nil
	}
	if !TimeReached(now, cfg.DailyCallTime) {
		return nil
	}

	key := s.lockKey + ":" + domain.DateOf(now).Format("2006-01-02")
	ok, err := s.locker.TryLock(sctx, key, s.lockTTL)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !ok {
		return nil
	}

	span.SetAttributes(attribute.Bool("scheduler.fired", true))
	s.log.Info("firing daily batch", zap.Time("now", now), zap.String("call_time", cfg.DailyCallTime))

	if err := s.tasks.EnqueueBatch(sctx, queue.BatchPayload{RequestedAt: now}); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.tasks.EnqueueCleanup(sctx, queue.CleanupPayload{OlderThanDays: 30}); err != nil {
		span.RecordError(err)
		s.log.Warn("failed to enqueue cleanup", zap.Error(err))
	}

	return nil
}

// TimeReached reports whether now is at or past the "HH:MM" time of day.
// A malformed value fails open at midnight so a config typo cannot silence
// the batch entirely.
func TimeReached(now time.Time, callTime string) bool {
	t, err := time.Parse("15:04", callTime)
	if err != nil {
		return true
	}
	minuteOfDay := now.Hour()*60 + now.Minute()
	return minuteOfDay >= t.Hour()*60+t.Minute()
}
