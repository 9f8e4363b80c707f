package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/queue"
	"github.com/acme/policy-outreach/internal/repository"
	"github.com/acme/policy-outreach/internal/telephony"
	apperrors "github.com/acme/policy-outreach/pkg/errors"
	"github.com/acme/policy-outreach/pkg/logger"
)

// Limiter caps concurrent active calls across workers.
type Limiter interface {
	Acquire(ctx context.Context, limit int) (bool, error)
	Release(ctx context.Context) error
}

// EventPublisher emits call events to the feed.
type EventPublisher interface {
	Publish(ctx context.Context, event queue.CallEvent) error
}

// Service executes one dial for a queued scheduled call. A worker claims
// the entry by moving it to calling, creates the call record, dials
// through the resilient provider and records the result. The claim is a
// guarded status transition, so a redelivered task finds the entry already
// claimed and drops out without a second dial.
type Service struct {
	scheduled  repository.ScheduledCallRepository
	calls      repository.CallRepository
	attempts   repository.AttemptStore
	configRepo repository.SchedulerConfigRepository
	provider   telephony.Provider
	limiter    Limiter
	events     EventPublisher
	log        *logger.Logger
	now        func() time.Time
}

// NewService constructs a dispatch service.
func NewService(
	scheduled repository.ScheduledCallRepository,
	calls repository.CallRepository,
	attempts repository.AttemptStore,
	configRepo repository.SchedulerConfigRepository,
	provider telephony.Provider,
	limiter Limiter,
	events EventPublisher,
	log *logger.Logger,
) *Service {
	return &Service{
		scheduled:  scheduled,
		calls:      calls,
		attempts:   attempts,
		configRepo: configRepo,
		provider:   provider,
		limiter:    limiter,
		events:     events,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Execute places the call for one queued scheduled entry. A returned error
// means the task should be redelivered; nil means the entry reached a
// settled state, successful or not.
func (s *Service) Execute(ctx context.Context, payload queue.DialPayload) error {
	scheduledID, err := uuid.Parse(payload.ScheduledCallID)
	if err != nil {
		s.log.Error("dial task carries invalid scheduled call id",
			zap.String("scheduled_call_id", payload.ScheduledCallID))
		return nil
	}

	sc, err := s.scheduled.Get(ctx, scheduledID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if sc.Status != domain.ScheduledStatusQueued {
		s.log.Debug("dropping dial task for non-queued entry",
			zap.String("scheduled_call_id", scheduledID.String()),
			zap.String("status", string(sc.Status)))
		return nil
	}
	if sc.Phone == "" {
		if err := s.scheduled.Transition(ctx, scheduledID, domain.ScheduledStatusSkipped,
			repository.TransitionUpdate{}); err != nil {
			return fmt.Errorf("dispatch: mark skipped: %w", err)
		}
		s.log.Warn("skipping scheduled call without phone",
			zap.String("scheduled_call_id", scheduledID.String()))
		return nil
	}

	cfg, err := s.configRepo.Get(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: load config: %w", err)
	}

	ok, err := s.limiter.Acquire(ctx, cfg.MaxConcurrentCalls)
	if err != nil {
		return fmt.Errorf("dispatch: acquire slot: %w", err)
	}
	if !ok {
		return fmt.Errorf("dispatch: %w: concurrent call limit reached", apperrors.ErrUnavailable)
	}

	callID := uuid.New()
	if err := s.scheduled.Transition(ctx, scheduledID, domain.ScheduledStatusCalling,
		repository.TransitionUpdate{CallID: &callID}); err != nil {
		s.releaseSlot(ctx)
		if apperrors.Is(err, apperrors.ErrInvalidState) || apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}

	now := s.now()
	call := &domain.Call{
		ID:             callID,
		CustomerID:     sc.CustomerID,
		SubscriptionID: sc.SubscriptionID,
		Phone:          sc.Phone,
		RoomName:       "outreach_call:" + sc.Phone,
		Status:         domain.CallStatusInitiated,
		StartedAt:      now,
		CreatedAt:      now,
	}
	if err := s.calls.Create(ctx, call); err != nil {
		s.releaseSlot(ctx)
		return fmt.Errorf("dispatch: create call: %w", err)
	}

	result, dialErr := s.provider.Dial(ctx, telephony.DialRequest{
		RoomName: call.RoomName,
		Phone:    call.Phone,
	})

	if dialErr == nil {
		return s.onDialed(ctx, sc, call, result)
	}
	if apperrors.Is(dialErr, apperrors.ErrCircuitOpen) {
		return s.onCircuitOpen(ctx, sc, call, dialErr)
	}
	return s.onDialFailed(ctx, sc, call, dialErr)
}

// onDialed records a connected call and settles the scheduled entry. The
// slot stays held; it is released when the outcome is recorded.
func (s *Service) onDialed(ctx context.Context, sc *domain.ScheduledCall, call *domain.Call, result telephony.DialResult) error {
	if err := s.calls.UpdateStatus(ctx, call.ID, domain.CallStatusInProgress, nil); err != nil {
		return fmt.Errorf("dispatch: mark in progress: %w", err)
	}

	if err := s.scheduled.Transition(ctx, sc.ID, domain.ScheduledStatusCompleted,
		repository.TransitionUpdate{}); err != nil {
		s.log.Error("failed to complete scheduled call",
			zap.String("scheduled_call_id", sc.ID.String()),
			zap.Error(err))
	}

	s.appendAttempt(ctx, sc, call, true, "", result.Status)
	s.publish(ctx, queue.CallEvent{
		Type:            queue.EventCallDialed,
		CallID:          call.ID,
		CustomerID:      call.CustomerID,
		SubscriptionID:  call.SubscriptionID,
		ScheduledCallID: &sc.ID,
		Phone:           call.Phone,
		OccurredAt:      s.now(),
	})

	s.log.Info("call connected",
		zap.String("call_id", call.ID.String()),
		zap.String("scheduled_call_id", sc.ID.String()))
	return nil
}

// onCircuitOpen requeues the entry without consuming its retry budget. The
// dead call record keeps the audit trail; the redelivered task creates a
// fresh one.
func (s *Service) onCircuitOpen(ctx context.Context, sc *domain.ScheduledCall, call *domain.Call, dialErr error) error {
	s.releaseSlot(ctx)

	reason := dialErr.Error()
	if err := s.calls.MarkFailed(ctx, call.ID, domain.OutcomeFailed, reason); err != nil {
		s.log.Error("failed to mark call failed", zap.Error(err))
	}
	s.appendAttempt(ctx, sc, call, false, reason, "")

	if err := s.scheduled.Transition(ctx, sc.ID, domain.ScheduledStatusQueued,
		repository.TransitionUpdate{LastError: &reason}); err != nil {
		s.log.Error("failed to requeue after circuit open",
			zap.String("scheduled_call_id", sc.ID.String()),
			zap.Error(err))
	}

	return fmt.Errorf("dispatch: %w", dialErr)
}

// onDialFailed settles a dial that the provider definitively refused.
func (s *Service) onDialFailed(ctx context.Context, sc *domain.ScheduledCall, call *domain.Call, dialErr error) error {
	s.releaseSlot(ctx)

	reason := dialErr.Error()
	outcome := telephony.Outcome(dialErr)
	if outcome == domain.OutcomeFailed {
		s.log.Warn("unclassified provider error",
			zap.String("call_id", call.ID.String()),
			zap.String("error", reason))
	}
	if err := s.calls.MarkFailed(ctx, call.ID, outcome, reason); err != nil {
		return fmt.Errorf("dispatch: mark failed: %w", err)
	}

	s.appendAttempt(ctx, sc, call, false, reason, "")

	if err := s.scheduled.Transition(ctx, sc.ID, domain.ScheduledStatusFailed,
		repository.TransitionUpdate{LastError: &reason}); err != nil {
		s.log.Error("failed to mark scheduled call failed",
			zap.String("scheduled_call_id", sc.ID.String()),
			zap.Error(err))
	}

	s.publish(ctx, queue.CallEvent{
		Type:            queue.EventCallDialFailed,
		CallID:          call.ID,
		CustomerID:      call.CustomerID,
		SubscriptionID:  call.SubscriptionID,
		ScheduledCallID: &sc.ID,
		Phone:           call.Phone,
		Outcome:         string(outcome),
		Error:           reason,
		OccurredAt:      s.now(),
	})

	s.log.Info("call failed",
		zap.String("call_id", call.ID.String()),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason))
	return nil
}

func (s *Service) appendAttempt(ctx context.Context, sc *domain.ScheduledCall, call *domain.Call, success bool, errMsg, providerStatus string) {
	attempt := domain.DialAttempt{
		ScheduledCallID: sc.ID,
		AttemptedAt:     s.now(),
		CallID:          &call.ID,
		Phone:           call.Phone,
		Success:         success,
		Error:           errMsg,
		ProviderStatus:  providerStatus,
	}
	if err := s.attempts.Append(ctx, attempt); err != nil {
		s.log.Error("failed to append dial attempt",
			zap.String("scheduled_call_id", sc.ID.String()),
			zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, event queue.CallEvent) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Error("failed to publish call event",
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

func (s *Service) releaseSlot(ctx context.Context) {
	if err := s.limiter.Release(ctx); err != nil {
		s.log.Error("failed to release dial slot", zap.Error(err))
	}
}
