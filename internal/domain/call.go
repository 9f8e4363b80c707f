package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle states of a call record.
type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// CallOutcome classifies how a call ended. Dial outcomes are assigned by
// the failure classifier; conversation outcomes arrive through the
// collaborator callback.
type CallOutcome string

const (
	// dial outcomes
	OutcomeBusy        CallOutcome = "busy"
	OutcomeNoAnswer    CallOutcome = "no_answer"
	OutcomeRejected    CallOutcome = "rejected"
	OutcomeUnavailable CallOutcome = "unavailable"
	OutcomeConfigError CallOutcome = "config_error"
	OutcomeFailed      CallOutcome = "failed"

	// conversation outcomes
	OutcomeInterested     CallOutcome = "interested"
	OutcomeNotInterested  CallOutcome = "not_interested"
	OutcomeCallback       CallOutcome = "callback"
	OutcomeUpsellAccepted CallOutcome = "upsell_accepted"
	OutcomeRenewalAgreed  CallOutcome = "renewal_agreed"
	OutcomeUpgradeAgreed  CallOutcome = "upgrade_agreed"
	OutcomeTransferred    CallOutcome = "transferred"
)

// ConversationOutcomes are the outcomes the collaborator callback may
// report against a call. Renewal and upgrade side effects fire only for
// OutcomeRenewalAgreed and OutcomeUpgradeAgreed.
var ConversationOutcomes = map[CallOutcome]bool{
	OutcomeInterested:     true,
	OutcomeNotInterested:  true,
	OutcomeCallback:       true,
	OutcomeUpsellAccepted: true,
	OutcomeRenewalAgreed:  true,
	OutcomeUpgradeAgreed:  true,
	OutcomeTransferred:    true,
	OutcomeNoAnswer:       true,
	OutcomeBusy:           true,
	OutcomeFailed:         true,
}

// Call is a single outbound dial against a customer. SubscriptionID links
// the subscription being discussed when the scheduled call carried one.
// Notes, Summary and Transcript arrive verbatim from the conversational
// collaborator; DurationSeconds is populated once the call completes.
type Call struct {
	ID              uuid.UUID
	CustomerID      uuid.UUID
	SubscriptionID  *uuid.UUID
	Phone           string
	RoomName        string
	Status          CallStatus
	Outcome         *CallOutcome
	FailureReason   *string
	Notes           string
	Summary         string
	Transcript      string
	ProductID       *uuid.UUID
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int
	CreatedAt       time.Time
}

// CallCompletion carries everything written to a call when it completes.
type CallCompletion struct {
	Outcome         CallOutcome
	EndedAt         time.Time
	DurationSeconds int
	Notes           string
	Summary         string
	Transcript      string
	ProductID       *uuid.UUID
}

// DialAttempt is one provider interaction for a scheduled call, kept as an
// append-only audit trail.
type DialAttempt struct {
	ScheduledCallID uuid.UUID
	AttemptedAt     time.Time
	CallID          *uuid.UUID
	Phone           string
	Success         bool
	Error           string
	ProviderStatus  string
}
