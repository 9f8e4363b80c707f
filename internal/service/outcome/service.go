package outcome

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

// Limiter frees the dial slot held since the call connected.
type Limiter interface {
	Release(ctx context.Context) error
}

// EventPublisher emits call events to the feed.
type EventPublisher interface {
	Publish(ctx context.Context, event queue.CallEvent) error
}

// Input is the outcome report the conversational collaborator sends back
// after a call ends. Outcome may be omitted when one of the agreement
// flags is set; the flags take precedence over it either way.
// SubscriptionID overrides the subscription linked to the call and is
// required for renewal or upgrade when the call carries none.
type Input struct {
	CallID                  uuid.UUID
	Outcome                 domain.CallOutcome
	Notes                   string
	Summary                 string
	Transcript              string
	InterestedProductID     *uuid.UUID
	SubscriptionID          *uuid.UUID
	RenewalAgreed           bool
	UpgradeAgreed           bool
	UpgradeTargetTemplateID *uuid.UUID
}

// Service records call outcomes. Completing the call and applying the
// renewal or upgrade side effects all happen in one database transaction;
// a replayed request with the same outcome is a no-op, a conflicting one
// is refused.
type Service struct {
	store   repository.OutcomeStore
	limiter Limiter
	events  EventPublisher
	log     *logger.Logger
	now     func() time.Time
}

// NewService constructs an outcome service.
func NewService(store repository.OutcomeStore, limiter Limiter, events EventPublisher, log *logger.Logger) *Service {
	return &Service{
		store:   store,
		limiter: limiter,
		events:  events,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record applies the outcome to a call and returns the updated record.
func (s *Service) Record(ctx context.Context, in Input) (*domain.Call, error) {
	outcome := in.Outcome
	switch {
	case in.UpgradeAgreed:
		outcome = domain.OutcomeUpgradeAgreed
	case in.RenewalAgreed:
		outcome = domain.OutcomeRenewalAgreed
	}
	if !domain.ConversationOutcomes[outcome] {
		return nil, fmt.Errorf("%w: unknown outcome %q", apperrors.ErrValidation, outcome)
	}
	if outcome == domain.OutcomeUpgradeAgreed && in.UpgradeTargetTemplateID == nil {
		return nil, fmt.Errorf("%w: upgrade requires a target template id", apperrors.ErrValidation)
	}

	var (
		result *domain.Call
		replay bool
		newSub *domain.PolicySubscription
	)

	err := s.store.InTx(ctx, func(tx repository.OutcomeTx) error {
		call, err := tx.GetCallForUpdate(ctx, in.CallID)
		if err != nil {
			return err
		}

		if call.Status == domain.CallStatusCompleted {
			if call.Outcome != nil && *call.Outcome == outcome {
				result = call
				replay = true
				return nil
			}
			return fmt.Errorf("%w: call already completed with outcome %v",
				apperrors.ErrInvalidState, call.Outcome)
		}
		if call.Status == domain.CallStatusFailed {
			return fmt.Errorf("%w: call already failed", apperrors.ErrInvalidState)
		}

		endedAt := s.now()
		duration := int(endedAt.Sub(call.StartedAt).Seconds())
		if duration < 0 {
			duration = 0
		}
		completion := domain.CallCompletion{
			Outcome:         outcome,
			EndedAt:         endedAt,
			DurationSeconds: duration,
			Notes:           in.Notes,
			Summary:         in.Summary,
			Transcript:      in.Transcript,
			ProductID:       in.InterestedProductID,
		}
		if err := tx.CompleteCall(ctx, call.ID, completion); err != nil {
			return err
		}
		call.Status = domain.CallStatusCompleted
		call.Outcome = &outcome
		call.EndedAt = &endedAt
		call.DurationSeconds = &duration
		call.Notes = in.Notes
		call.Summary = in.Summary
		call.Transcript = in.Transcript
		if in.InterestedProductID != nil {
			call.ProductID = in.InterestedProductID
		}

		subID := call.SubscriptionID
		if in.SubscriptionID != nil {
			subID = in.SubscriptionID
		}

		switch outcome {
		case domain.OutcomeRenewalAgreed, domain.OutcomeUpgradeAgreed:
			if subID == nil {
				return fmt.Errorf("%w: call has no subscription, pass subscription_id",
					apperrors.ErrValidation)
			}
		}

		switch outcome {
		case domain.OutcomeRenewalAgreed:
			sub, err := s.renew(ctx, tx, *subID)
			if err != nil {
				return err
			}
			newSub = sub
		case domain.OutcomeUpgradeAgreed:
			sub, err := s.upgrade(ctx, tx, *subID, *in.UpgradeTargetTemplateID)
			if err != nil {
				return err
			}
			newSub = sub
		}

		result = call
		return nil
	})
	if err != nil {
		return nil, err
	}

	if replay {
		return result, nil
	}

	if err := s.limiter.Release(ctx); err != nil {
		s.log.Error("failed to release dial slot", zap.Error(err))
	}

	if err := s.events.Publish(ctx, queue.CallEvent{
		Type:           queue.EventOutcomeRecorded,
		CallID:         result.ID,
		CustomerID:     result.CustomerID,
		SubscriptionID: result.SubscriptionID,
		Phone:          result.Phone,
		Outcome:        string(outcome),
		OccurredAt:     s.now(),
	}); err != nil {
		s.log.Error("failed to publish outcome event", zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("call_id", result.ID.String()),
		zap.String("outcome", string(outcome)),
	}
	if newSub != nil {
		fields = append(fields,
			zap.String("new_subscription_id", newSub.ID.String()),
			zap.Time("new_end_date", newSub.EndDate))
	}
	s.log.Info("outcome recorded", fields...)

	return result, nil
}

// renew extends the subscription in place for another term of its own
// template; the renewed subscription is returned.
func (s *Service) renew(ctx context.Context, tx repository.OutcomeTx, subID uuid.UUID) (*domain.PolicySubscription, error) {
	sub, err := s.activeSubscription(ctx, tx, subID)
	if err != nil {
		return nil, err
	}

	tpl, err := tx.GetTemplate(ctx, sub.TemplateID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: template %s", apperrors.ErrInvalidReference, sub.TemplateID)
		}
		return nil, err
	}

	start, end := RenewalPeriod(sub.EndDate, s.now(), tpl.DurationMonths)
	if err := tx.RenewSubscription(ctx, sub.ID, start, end); err != nil {
		return nil, err
	}

	sub.StartDate = start
	sub.EndDate = end
	sub.Status = domain.SubscriptionStatusActive
	sub.RenewalReminderSent = false
	return sub, nil
}

// upgrade closes the old subscription and opens a new one on the target
// template's default terms, starting today.
func (s *Service) upgrade(ctx context.Context, tx repository.OutcomeTx, subID, targetTemplateID uuid.UUID) (*domain.PolicySubscription, error) {
	sub, err := s.activeSubscription(ctx, tx, subID)
	if err != nil {
		return nil, err
	}

	tpl, err := tx.GetTemplate(ctx, targetTemplateID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: template %s", apperrors.ErrInvalidReference, targetTemplateID)
		}
		return nil, err
	}
	if !tpl.Active {
		return nil, fmt.Errorf("%w: template %s is inactive", apperrors.ErrInvalidState, tpl.ID)
	}

	if err := tx.MarkSubscriptionUpgraded(ctx, sub.ID); err != nil {
		return nil, err
	}

	now := s.now()
	start := domain.DateOf(now)
	next := &domain.PolicySubscription{
		ID:         uuid.New(),
		CustomerID: sub.CustomerID,
		TemplateID: tpl.ID,
		StartDate:  start,
		EndDate:    start.AddDate(0, 0, tpl.DurationMonths*30),
		Premium:    tpl.BasePremium,
		SumAssured: tpl.BaseSumAssured,
		Status:     domain.SubscriptionStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.CreateSubscription(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) activeSubscription(ctx context.Context, tx repository.OutcomeTx, id uuid.UUID) (*domain.PolicySubscription, error) {
	sub, err := tx.GetSubscription(ctx, id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: subscription %s", apperrors.ErrInvalidReference, id)
		}
		return nil, err
	}
	if sub.Status != domain.SubscriptionStatusActive {
		return nil, fmt.Errorf("%w: subscription %s is %s, not active",
			apperrors.ErrInvalidState, sub.ID, sub.Status)
	}
	return sub, nil
}

// RenewalPeriod computes the renewed coverage dates. Coverage continues
// from the old end date when the policy is renewed early; a lapsed policy
// restarts from today.
func RenewalPeriod(oldEnd, today time.Time, durationMonths int) (start, end time.Time) {
	start = domain.DateOf(oldEnd)
	if t := domain.DateOf(today); t.After(start) {
		start = t
	}
	end = start.AddDate(0, 0, durationMonths*30)
	return start, end
}
