package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScheduledCallStatus enumerates lifecycle states of a scheduled call.
type ScheduledCallStatus string

const (
	ScheduledStatusPending   ScheduledCallStatus = "pending"
	ScheduledStatusQueued    ScheduledCallStatus = "queued"
	ScheduledStatusCalling   ScheduledCallStatus = "calling"
	ScheduledStatusCompleted ScheduledCallStatus = "completed"
	ScheduledStatusFailed    ScheduledCallStatus = "failed"
	ScheduledStatusCancelled ScheduledCallStatus = "cancelled"
	ScheduledStatusSkipped   ScheduledCallStatus = "skipped"
)

// ScheduleReason records why a scheduled call entry was created.
type ScheduleReason string

const (
	ReasonExpiringPolicy  ScheduleReason = "expiring_policy"
	ReasonFollowUp        ScheduleReason = "follow_up"
	ReasonManual          ScheduleReason = "manual"
	ReasonRenewalReminder ScheduleReason = "renewal_reminder"
)

// ScheduleReasons is the closed set of accepted reasons.
var ScheduleReasons = map[ScheduleReason]bool{
	ReasonExpiringPolicy:  true,
	ReasonFollowUp:        true,
	ReasonManual:          true,
	ReasonRenewalReminder: true,
}

// transitionSources maps each status to the statuses it may be entered from.
// An empty list means the status is initial-only. Calling is the in-flight
// claim a dispatch job holds while it talks to the provider; calling back to
// queued covers the circuit-open requeue. Queued to queued re-enqueues an
// entry whose task was lost, stamping a fresh task handle.
var transitionSources = map[ScheduledCallStatus][]ScheduledCallStatus{
	ScheduledStatusPending:   {},
	ScheduledStatusQueued:    {ScheduledStatusPending, ScheduledStatusQueued, ScheduledStatusCalling},
	ScheduledStatusCalling:   {ScheduledStatusQueued},
	ScheduledStatusCompleted: {ScheduledStatusCalling},
	ScheduledStatusFailed:    {ScheduledStatusQueued, ScheduledStatusCalling},
	ScheduledStatusCancelled: {ScheduledStatusPending, ScheduledStatusQueued},
	ScheduledStatusSkipped:   {ScheduledStatusPending, ScheduledStatusQueued},
}

// TransitionSources returns the statuses from which to may legally be
// entered. The returned slice must not be mutated.
func TransitionSources(to ScheduledCallStatus) []ScheduledCallStatus {
	return transitionSources[to]
}

// CanTransition reports whether a scheduled call may move from one status
// to another.
func CanTransition(from, to ScheduledCallStatus) bool {
	for _, s := range transitionSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a scheduled call status admits no further
// transitions.
func (s ScheduledCallStatus) IsTerminal() bool {
	switch s {
	case ScheduledStatusCompleted, ScheduledStatusFailed, ScheduledStatusCancelled, ScheduledStatusSkipped:
		return true
	}
	return false
}

// ScheduledCall is a unit of planned outreach work for one customer.
// SubscriptionID links the expiring subscription when one drove the entry;
// manual entries may omit it. Priority orders entries within a day, higher
// first. TaskHandle is the queue task id of the enqueued dispatch job.
// ExecutedAt is stamped when the entry reaches completed or failed.
type ScheduledCall struct {
	ID             uuid.UUID
	CustomerID     uuid.UUID
	SubscriptionID *uuid.UUID
	Phone          string
	CustomerName   string
	ScheduledFor   time.Time
	Status         ScheduledCallStatus
	Reason         ScheduleReason
	Priority       int
	Notes          string
	RetryCount     int
	LastError      *string
	CallID         *uuid.UUID
	TaskHandle     *string
	ExecutedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Candidate is an eligible customer paired with the subscription that made
// them eligible, as produced by the selection query. CallCount and
// LastCallAt summarize prior outreach to the customer.
type Candidate struct {
	Customer     Customer
	Subscription PolicySubscription
	TemplateName string
	DaysToExpiry int
	CallCount    int
	LastCallAt   *time.Time
}
