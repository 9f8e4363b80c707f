package queue

import (
	"time"

	"github.com/google/uuid"
)

// CallEventType labels entries on the call event feed.
type CallEventType string

const (
	EventCallDialed      CallEventType = "call.dialed"
	EventCallDialFailed  CallEventType = "call.dial_failed"
	EventOutcomeRecorded CallEventType = "call.outcome_recorded"
)

// CallEvent is the record published for every significant call transition.
// Downstream consumers (CRM sync, analytics) read this feed; nothing in
// this system depends on it.
type CallEvent struct {
	Type            CallEventType `json:"type"`
	CallID          uuid.UUID     `json:"call_id"`
	CustomerID      uuid.UUID     `json:"customer_id"`
	SubscriptionID  *uuid.UUID    `json:"subscription_id,omitempty"`
	ScheduledCallID *uuid.UUID    `json:"scheduled_call_id,omitempty"`
	Phone           string        `json:"phone"`
	Outcome         string        `json:"outcome,omitempty"`
	Error           string        `json:"error,omitempty"`
	OccurredAt      time.Time     `json:"occurred_at"`
}
