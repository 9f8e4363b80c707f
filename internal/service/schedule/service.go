package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/queue"
	"github.com/acme/policy-outreach/internal/repository"
	apperrors "github.com/acme/policy-outreach/pkg/errors"
	"github.com/acme/policy-outreach/pkg/logger"
)

// Selector yields today's eligible candidates.
type Selector interface {
	Select(ctx context.Context, cfg *domain.SchedulerConfig, now time.Time) ([]domain.Candidate, error)
}

// TaskEnqueuer queues dial work for the workers and returns the task
// handle the queue assigned.
type TaskEnqueuer interface {
	EnqueueDial(ctx context.Context, payload queue.DialPayload) (string, error)
}

// Locker serializes batch runs across processes. Unlock gives the lease
// back when a run fails partway, so a later attempt the same day is not
// locked out.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Service manages the scheduled-call lifecycle: the daily batch, manual
// scheduling, retries of failed entries, cancellation and cleanup.
type Service struct {
	scheduled  repository.ScheduledCallRepository
	configRepo repository.SchedulerConfigRepository
	selector   Selector
	tasks      TaskEnqueuer
	locker     Locker
	log        *logger.Logger
	now        func() time.Time
}

// NewService constructs a schedule service.
func NewService(
	scheduled repository.ScheduledCallRepository,
	configRepo repository.SchedulerConfigRepository,
	selector Selector,
	tasks TaskEnqueuer,
	locker Locker,
	log *logger.Logger,
) *Service {
	return &Service{
		scheduled:  scheduled,
		configRepo: configRepo,
		selector:   selector,
		tasks:      tasks,
		locker:     locker,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the current scheduler configuration.
func (s *Service) Config(ctx context.Context) (*domain.SchedulerConfig, error) {
	return s.configRepo.Get(ctx)
}

// UpdateConfig applies a partial configuration update.
func (s *Service) UpdateConfig(ctx context.Context, patch domain.SchedulerConfigPatch) (*domain.SchedulerConfig, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	return s.configRepo.Update(ctx, patch)
}

// Stats returns today's scheduled-call counters plus the next batch fire
// time.
func (s *Service) Stats(ctx context.Context) (*domain.SchedulerStats, error) {
	now := s.now()
	stats, err := s.scheduled.Stats(ctx, now)
	if err != nil {
		return nil, err
	}
	cfg, err := s.configRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("schedule: load config: %w", err)
	}
	stats.NextRunAt = cfg.NextRun(now)
	return stats, nil
}

// Get fetches one scheduled call.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.ScheduledCall, error) {
	return s.scheduled.Get(ctx, id)
}

// List returns scheduled calls matching the filter.
func (s *Service) List(ctx context.Context, filter repository.ScheduledCallFilter) ([]*domain.ScheduledCall, error) {
	return s.scheduled.List(ctx, filter)
}

// Eligible previews the candidates the next batch run would select,
// without scheduling anything.
func (s *Service) Eligible(ctx context.Context) ([]domain.Candidate, error) {
	cfg, err := s.configRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("schedule: load config: %w", err)
	}
	return s.selector.Select(ctx, cfg, s.now())
}

// Pending returns entries still waiting to be queued.
func (s *Service) Pending(ctx context.Context, limit int) ([]*domain.ScheduledCall, error) {
	return s.scheduled.List(ctx, repository.ScheduledCallFilter{
		Status: domain.ScheduledStatusPending,
		Limit:  limit,
	})
}

// ManualInput captures an operator-created scheduled call. SubscriptionID
// is optional: an operator may schedule outreach that is not tied to a
// particular subscription. ScheduledFor defaults to now; a future date
// leaves the entry pending for that day's batch instead of queueing it
// immediately. Reason defaults to manual.
type ManualInput struct {
	CustomerID     uuid.UUID
	SubscriptionID *uuid.UUID
	Phone          string
	ScheduledFor   *time.Time
	Reason         domain.ScheduleReason
	Priority       int
	Notes          string
}

// CreateManual schedules a call outside the daily batch.
func (s *Service) CreateManual(ctx context.Context, input ManualInput) (*domain.ScheduledCall, error) {
	if input.CustomerID == uuid.Nil {
		return nil, fmt.Errorf("%w: customer is required", apperrors.ErrValidation)
	}
	if input.SubscriptionID != nil && *input.SubscriptionID == uuid.Nil {
		return nil, fmt.Errorf("%w: subscription id must not be the zero uuid", apperrors.ErrValidation)
	}
	if input.Phone == "" {
		return nil, fmt.Errorf("%w: phone is required", apperrors.ErrValidation)
	}
	reason := input.Reason
	if reason == "" {
		reason = domain.ReasonManual
	}
	if !domain.ScheduleReasons[reason] {
		return nil, fmt.Errorf("%w: unknown reason %q", apperrors.ErrValidation, reason)
	}

	now := s.now()
	scheduledFor := now
	if input.ScheduledFor != nil {
		scheduledFor = *input.ScheduledFor
	}
	sc := &domain.ScheduledCall{
		ID:             uuid.New(),
		CustomerID:     input.CustomerID,
		SubscriptionID: input.SubscriptionID,
		Phone:          input.Phone,
		ScheduledFor:   scheduledFor,
		Status:         domain.ScheduledStatusPending,
		Reason:         reason,
		Priority:       input.Priority,
		Notes:          input.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.scheduled.Create(ctx, sc); err != nil {
		return nil, fmt.Errorf("schedule: create manual: %w", err)
	}

	if scheduledFor.After(now) {
		return sc, nil
	}
	if err := s.queueOne(ctx, sc); err != nil {
		return nil, err
	}
	sc.Status = domain.ScheduledStatusQueued
	return sc, nil
}

// Cancel cancels a pending or queued scheduled call. Entries already
// calling or finished refuse the transition.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.scheduled.Transition(ctx, id, domain.ScheduledStatusCancelled, repository.TransitionUpdate{})
}

// BatchResult summarizes one scheduling run.
type BatchResult struct {
	Ran      bool   `json:"ran"`
	Reason   string `json:"reason,omitempty"`
	Selected int    `json:"selected"`
	Queued   int    `json:"queued"`
	Requeued int    `json:"requeued"`
	Retried  int    `json:"retried"`
}

// RunBatch performs one scheduling run: pick eligible customers, create
// scheduled calls, queue them, requeue stale pending and queued entries
// and sweep failed entries whose retry window has passed. Automatic runs
// take a per-day lease so only one process fires the batch; a failed run
// gives the lease back. Manual runs skip the lease because per-customer
// dedupe already prevents double scheduling.
func (s *Service) RunBatch(ctx context.Context, manual bool) (*BatchResult, error) {
	cfg, err := s.configRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("schedule: load config: %w", err)
	}

	if !cfg.Enabled && !manual {
		return &BatchResult{Ran: false, Reason: "scheduler disabled"}, nil
	}

	now := s.now()
	var leaseKey string
	if !manual {
		leaseKey = "outreach:batch:" + domain.DateOf(now).Format("2006-01-02")
		ok, err := s.locker.TryLock(ctx, leaseKey, 24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("schedule: batch lease: %w", err)
		}
		if !ok {
			return &BatchResult{Ran: false, Reason: "batch already ran today"}, nil
		}
	}

	result, err := s.run(ctx, cfg, now)
	if err != nil {
		if leaseKey != "" {
			if uerr := s.locker.Unlock(ctx, leaseKey); uerr != nil {
				s.log.Error("failed to give back batch lease",
					zap.String("key", leaseKey),
					zap.Error(uerr))
			}
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) run(ctx context.Context, cfg *domain.SchedulerConfig, now time.Time) (*BatchResult, error) {
	result := &BatchResult{Ran: true}

	candidates, err := s.selector.Select(ctx, cfg, now)
	if err != nil {
		return nil, err
	}
	result.Selected = len(candidates)

	for _, cand := range candidates {
		priority := cfg.DaysBeforeExpiry - cand.DaysToExpiry
		if priority < 0 {
			priority = 0
		}
		subID := cand.Subscription.ID
		sc := &domain.ScheduledCall{
			ID:             uuid.New(),
			CustomerID:     cand.Customer.ID,
			SubscriptionID: &subID,
			Phone:          cand.Customer.Phone,
			ScheduledFor:   now,
			Status:         domain.ScheduledStatusPending,
			Reason:         domain.ReasonExpiringPolicy,
			Priority:       priority,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.scheduled.Create(ctx, sc); err != nil {
			return nil, fmt.Errorf("schedule: create scheduled call: %w", err)
		}
		if err := s.queueOne(ctx, sc); err != nil {
			s.log.Warn("failed to queue scheduled call, left pending",
				zap.String("scheduled_call_id", sc.ID.String()),
				zap.Error(err))
			continue
		}
		result.Queued++
	}

	requeued, err := s.requeueStalePending(ctx, now)
	if err != nil {
		return nil, err
	}
	stale, err := s.requeueStaleQueued(ctx, now)
	if err != nil {
		return nil, err
	}
	result.Requeued = requeued + stale

	retried, err := s.sweepRetries(ctx, cfg, now)
	if err != nil {
		return nil, err
	}
	result.Retried = retried

	s.log.Info("batch run finished",
		zap.Int("selected", result.Selected),
		zap.Int("queued", result.Queued),
		zap.Int("requeued", result.Requeued),
		zap.Int("retried", result.Retried))

	return result, nil
}

// Cleanup removes entries scheduled before the retention window and
// returns the number deleted.
func (s *Service) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	cutoff := domain.DateOf(s.now()).AddDate(0, 0, -olderThanDays)
	deleted, err := s.scheduled.DeleteScheduledBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.log.Info("cleanup finished",
		zap.Int64("deleted", deleted),
		zap.Int("older_than_days", olderThanDays))
	return deleted, nil
}

// queueOne enqueues the dial task and marks the entry queued. A failed
// enqueue leaves the entry pending for the next run to pick up.
func (s *Service) queueOne(ctx context.Context, sc *domain.ScheduledCall) error {
	payload := queue.DialPayload{
		ScheduledCallID: sc.ID.String(),
		CustomerID:      sc.CustomerID.String(),
		Phone:           sc.Phone,
	}
	if sc.SubscriptionID != nil {
		payload.SubscriptionID = sc.SubscriptionID.String()
	}
	handle, err := s.tasks.EnqueueDial(ctx, payload)
	if err != nil {
		return fmt.Errorf("schedule: enqueue dial: %w", err)
	}
	upd := repository.TransitionUpdate{}
	if handle != "" {
		upd.TaskHandle = &handle
	}
	if err := s.scheduled.Transition(ctx, sc.ID, domain.ScheduledStatusQueued, upd); err != nil {
		return fmt.Errorf("schedule: mark queued: %w", err)
	}
	return nil
}

func (s *Service) requeueStalePending(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.scheduled.List(ctx, repository.ScheduledCallFilter{
		Status: domain.ScheduledStatusPending,
		Limit:  500,
	})
	if err != nil {
		return 0, fmt.Errorf("schedule: list pending: %w", err)
	}

	count := 0
	for _, sc := range pending {
		if sc.ScheduledFor.After(now) {
			continue
		}
		if err := s.queueOne(ctx, sc); err != nil {
			s.log.Warn("failed to requeue pending entry",
				zap.String("scheduled_call_id", sc.ID.String()),
				zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// staleQueuedAfter is how long a queued entry may sit untouched before a
// batch run assumes its dispatch task is gone and enqueues a fresh one.
const staleQueuedAfter = time.Hour

// requeueStaleQueued re-enqueues queued entries whose dispatch task never
// settled them: the task was dropped, or the queue exhausted its own
// retries on a transient failure.
func (s *Service) requeueStaleQueued(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.scheduled.ListQueuedBefore(ctx, now.Add(-staleQueuedAfter), 500)
	if err != nil {
		return 0, fmt.Errorf("schedule: list stale queued: %w", err)
	}

	count := 0
	for _, sc := range stale {
		if err := s.queueOne(ctx, sc); err != nil {
			s.log.Warn("failed to requeue stale queued entry",
				zap.String("scheduled_call_id", sc.ID.String()),
				zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

func (s *Service) sweepRetries(ctx context.Context, cfg *domain.SchedulerConfig, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(cfg.RetryFailedAfterHours) * time.Hour)
	retryable, err := s.scheduled.ListRetryable(ctx, cutoff, cfg.MaxRetriesPerCustomer, 500)
	if err != nil {
		return 0, fmt.Errorf("schedule: list retryable: %w", err)
	}

	count := 0
	for _, sc := range retryable {
		if err := s.scheduled.ResetForRetry(ctx, sc.ID, now); err != nil {
			if apperrors.Is(err, apperrors.ErrInvalidState) || apperrors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return count, err
		}
		if err := s.queueOne(ctx, sc); err != nil {
			s.log.Warn("failed to queue retry",
				zap.String("scheduled_call_id", sc.ID.String()),
				zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

func validatePatch(patch domain.SchedulerConfigPatch) error {
	if patch.DailyCallTime != nil {
		if _, err := time.Parse("15:04", *patch.DailyCallTime); err != nil {
			return fmt.Errorf("%w: daily_call_time must be HH:MM", apperrors.ErrValidation)
		}
	}
	for name, v := range map[string]*int{
		"days_before_expiry":         patch.DaysBeforeExpiry,
		"max_calls_per_day":          patch.MaxCallsPerDay,
		"max_concurrent_calls":       patch.MaxConcurrentCalls,
		"retry_failed_after_hours":   patch.RetryFailedAfterHours,
		"max_retries_per_customer":   patch.MaxRetriesPerCustomer,
		"skip_if_called_within_days": patch.SkipIfCalledWithinDays,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s must not be negative", apperrors.ErrValidation, name)
		}
	}
	return nil
}
