package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus enumerates lifecycle states of a policy subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	// SubscriptionStatusUpgraded is terminal: an upgrade never mutates the
	// old subscription's dates or premium, it creates a new subscription.
	SubscriptionStatusUpgraded SubscriptionStatus = "upgraded"
)

// Customer holds identity and contact info. Owned by the record-management
// surface; referenced here by id and phone.
type Customer struct {
	ID        uuid.UUID
	Name      string
	Phone     string
	Email     string
	CreatedAt time.Time
}

// Product is a catalog entry grouping policy templates.
type Product struct {
	ID          uuid.UUID
	Code        string
	Name        string
	Type        string
	Description string
	Active      bool
}

// PolicyTemplate defines the default terms a subscription is created from.
type PolicyTemplate struct {
	ID             uuid.UUID
	ProductID      uuid.UUID
	Name           string
	DurationMonths int
	BasePremium    int64
	BaseSumAssured int64
	Active         bool
}

// PolicySubscription binds a customer to a policy template for a period.
type PolicySubscription struct {
	ID                  uuid.UUID
	CustomerID          uuid.UUID
	TemplateID          uuid.UUID
	StartDate           time.Time
	EndDate             time.Time
	Premium             int64
	SumAssured          int64
	Status              SubscriptionStatus
	RenewalReminderSent bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DaysToExpiry derives the remaining days until end_date. Always computed,
// never persisted.
func (s *PolicySubscription) DaysToExpiry(today time.Time) int {
	return int(DateOf(s.EndDate).Sub(DateOf(today)).Hours() / 24)
}

// DateOf truncates a timestamp to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
