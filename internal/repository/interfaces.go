package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/policy-outreach/internal/domain"
	apperrors "github.com/acme/policy-outreach/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrInvalidState indicates a guarded status transition was refused.
	ErrInvalidState = apperrors.ErrInvalidState
)

// CandidateRepository selects customers whose subscriptions are nearing
// expiry. Results are ordered by subscription end date ascending and carry
// one row per customer.
type CandidateRepository interface {
	ListExpiring(ctx context.Context, today time.Time, withinDays int) ([]domain.Candidate, error)
}

// CallRepository persists call records.
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Call, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CallStatus, failureReason *string) error
	MarkFailed(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome, failureReason string) error
	List(ctx context.Context, filter CallFilter) ([]*domain.Call, error)
	ListActive(ctx context.Context) ([]*domain.Call, error)
}

// CallFilter narrows call listings. Zero values mean no constraint.
type CallFilter struct {
	CustomerID *uuid.UUID
	Status     domain.CallStatus
	Limit      int
	AfterID    *uuid.UUID
}

// ScheduledCallRepository manages the scheduled-call work log.
type ScheduledCallRepository interface {
	Create(ctx context.Context, sc *domain.ScheduledCall) error
	Get(ctx context.Context, id uuid.UUID) (*domain.ScheduledCall, error)
	List(ctx context.Context, filter ScheduledCallFilter) ([]*domain.ScheduledCall, error)

	// Transition moves a scheduled call to a new status, enforcing the
	// lifecycle graph in storage. It returns ErrInvalidState when the
	// current status does not permit the move.
	Transition(ctx context.Context, id uuid.UUID, to domain.ScheduledCallStatus, upd TransitionUpdate) error

	// HasOpenForCustomer reports whether a pending, queued or completed
	// entry already exists for the customer on the given calendar day.
	HasOpenForCustomer(ctx context.Context, customerID uuid.UUID, day time.Time) (bool, error)

	// ListRetryable returns failed entries whose retry budget is not
	// exhausted and whose last update is older than the cutoff.
	ListRetryable(ctx context.Context, cutoff time.Time, maxRetries int, limit int) ([]*domain.ScheduledCall, error)

	// ListQueuedBefore returns queued entries whose last update is older
	// than the cutoff, meaning their dispatch task never ran to an end.
	ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.ScheduledCall, error)

	// ResetForRetry moves a failed entry back to pending and increments
	// its retry counter.
	ResetForRetry(ctx context.Context, id uuid.UUID, scheduledFor time.Time) error

	Stats(ctx context.Context, day time.Time) (*domain.SchedulerStats, error)

	// DeleteScheduledBefore removes entries whose scheduled date falls
	// before the cutoff and returns the number deleted.
	DeleteScheduledBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ScheduledCallFilter narrows scheduled-call listings.
type ScheduledCallFilter struct {
	Status     domain.ScheduledCallStatus
	Day        *time.Time
	CustomerID *uuid.UUID
	Limit      int
}

// TransitionUpdate carries optional fields written alongside a status
// transition.
type TransitionUpdate struct {
	CallID     *uuid.UUID
	TaskHandle *string
	LastError  *string
}

// SchedulerConfigRepository stores the single operator-editable scheduler
// configuration row, creating it from defaults on first read.
type SchedulerConfigRepository interface {
	Get(ctx context.Context) (*domain.SchedulerConfig, error)
	Update(ctx context.Context, patch domain.SchedulerConfigPatch) (*domain.SchedulerConfig, error)
}

// AttemptStore keeps the append-only dial attempt log.
type AttemptStore interface {
	Append(ctx context.Context, attempt domain.DialAttempt) error
	ListByScheduledCall(ctx context.Context, scheduledCallID uuid.UUID, limit int, pagingState []byte) ([]domain.DialAttempt, []byte, error)
}

// OutcomeStore runs outcome processing in a single database transaction.
// The callback receives a transactional view; any error rolls the whole
// unit back.
type OutcomeStore interface {
	InTx(ctx context.Context, fn func(tx OutcomeTx) error) error
}

// OutcomeTx is the transactional surface the outcome processor operates on.
// GetCallForUpdate locks the call row for the duration of the transaction.
type OutcomeTx interface {
	GetCallForUpdate(ctx context.Context, id uuid.UUID) (*domain.Call, error)
	CompleteCall(ctx context.Context, id uuid.UUID, completion domain.CallCompletion) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*domain.PolicySubscription, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*domain.PolicyTemplate, error)

	// RenewSubscription extends a subscription in place, resets its status
	// to active and clears the renewal reminder flag.
	RenewSubscription(ctx context.Context, id uuid.UUID, start, end time.Time) error

	// MarkSubscriptionUpgraded moves a subscription to the terminal
	// upgraded status without touching its dates or premium.
	MarkSubscriptionUpgraded(ctx context.Context, id uuid.UUID) error

	CreateSubscription(ctx context.Context, sub *domain.PolicySubscription) error
}
