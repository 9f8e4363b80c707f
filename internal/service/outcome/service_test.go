package outcome

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/queue"
	"github.com/acme/policy-outreach/internal/repository"
	apperrors "github.com/acme/policy-outreach/pkg/errors"
	"github.com/acme/policy-outreach/pkg/logger"
)

type fakeTx struct {
	call      *domain.Call
	sub       *domain.PolicySubscription
	tpls      map[uuid.UUID]*domain.PolicyTemplate
	completed *domain.CallCompletion
	renewed   bool
	upgraded  bool
	created   *domain.PolicySubscription
}

func (f *fakeTx) GetCallForUpdate(_ context.Context, id uuid.UUID) (*domain.Call, error) {
	if f.call == nil || f.call.ID != id {
		return nil, repository.ErrNotFound
	}
	c := *f.call
	return &c, nil
}

func (f *fakeTx) CompleteCall(_ context.Context, _ uuid.UUID, completion domain.CallCompletion) error {
	f.completed = &completion
	f.call.Status = domain.CallStatusCompleted
	f.call.Outcome = &completion.Outcome
	f.call.EndedAt = &completion.EndedAt
	return nil
}

func (f *fakeTx) GetSubscription(_ context.Context, id uuid.UUID) (*domain.PolicySubscription, error) {
	if f.sub == nil || f.sub.ID != id {
		return nil, repository.ErrNotFound
	}
	s := *f.sub
	return &s, nil
}

func (f *fakeTx) GetTemplate(_ context.Context, id uuid.UUID) (*domain.PolicyTemplate, error) {
	tpl, ok := f.tpls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	t := *tpl
	return &t, nil
}

func (f *fakeTx) RenewSubscription(_ context.Context, _ uuid.UUID, start, end time.Time) error {
	f.renewed = true
	f.sub.StartDate = start
	f.sub.EndDate = end
	f.sub.Status = domain.SubscriptionStatusActive
	f.sub.RenewalReminderSent = false
	return nil
}

func (f *fakeTx) MarkSubscriptionUpgraded(_ context.Context, _ uuid.UUID) error {
	f.upgraded = true
	f.sub.Status = domain.SubscriptionStatusUpgraded
	return nil
}

func (f *fakeTx) CreateSubscription(_ context.Context, sub *domain.PolicySubscription) error {
	f.created = sub
	return nil
}

type fakeStore struct {
	tx *fakeTx
}

func (f *fakeStore) InTx(_ context.Context, fn func(tx repository.OutcomeTx) error) error {
	return fn(f.tx)
}

type fakeLimiter struct {
	released int
}

func (f *fakeLimiter) Release(_ context.Context) error {
	f.released++
	return nil
}

type fakePublisher struct {
	events []queue.CallEvent
}

func (f *fakePublisher) Publish(_ context.Context, event queue.CallEvent) error {
	f.events = append(f.events, event)
	return nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newFixture(t *testing.T) (*Service, *fakeTx, *fakeLimiter, *fakePublisher) {
	t.Helper()

	sub := &domain.PolicySubscription{
		ID:         uuid.New(),
		CustomerID: uuid.New(),
		TemplateID: uuid.New(),
		StartDate:  date(2025, time.September, 1),
		EndDate:    date(2026, time.September, 5),
		Premium:    12000,
		SumAssured: 500000,
		Status:     domain.SubscriptionStatusActive,
	}
	tx := &fakeTx{
		call: &domain.Call{
			ID:             uuid.New(),
			CustomerID:     sub.CustomerID,
			SubscriptionID: &sub.ID,
			Phone:          "+15550001111",
			Status:         domain.CallStatusInProgress,
			StartedAt:      date(2026, time.August, 31).Add(-5 * time.Minute),
		},
		sub: sub,
		tpls: map[uuid.UUID]*domain.PolicyTemplate{
			sub.TemplateID: {ID: sub.TemplateID, DurationMonths: 12, BasePremium: 12000, BaseSumAssured: 500000, Active: true},
		},
	}
	limiter := &fakeLimiter{}
	events := &fakePublisher{}
	svc := NewService(&fakeStore{tx: tx}, limiter, events, &logger.Logger{Logger: zap.NewNop()})
	svc.now = func() time.Time { return date(2026, time.August, 31) }
	return svc, tx, limiter, events
}

func TestRecordUnknownOutcome(t *testing.T) {
	svc, _, _, _ := newFixture(t)

	_, err := svc.Record(context.Background(), Input{CallID: uuid.New(), Outcome: "weird"})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRecordMissingOutcomeAndFlags(t *testing.T) {
	svc, tx, _, _ := newFixture(t)

	_, err := svc.Record(context.Background(), Input{CallID: tx.call.ID})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRecordCompletesCall(t *testing.T) {
	svc, tx, limiter, events := newFixture(t)
	productID := uuid.New()

	call, err := svc.Record(context.Background(), Input{
		CallID:              tx.call.ID,
		Outcome:             domain.OutcomeNotInterested,
		Notes:               "asked to stop calling",
		Summary:             "customer will not renew",
		Transcript:          "agent: ... customer: ...",
		InterestedProductID: &productID,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.Status != domain.CallStatusCompleted {
		t.Errorf("expected completed call, got %s", call.Status)
	}
	if tx.completed == nil {
		t.Fatalf("call was not completed in storage")
	}
	if tx.completed.Notes != "asked to stop calling" || tx.completed.Summary == "" || tx.completed.Transcript == "" {
		t.Errorf("conversation artifacts not persisted: %+v", tx.completed)
	}
	if tx.completed.ProductID == nil || *tx.completed.ProductID != productID {
		t.Errorf("product of interest not persisted")
	}
	if tx.completed.DurationSeconds != 300 {
		t.Errorf("duration = %d, want 300", tx.completed.DurationSeconds)
	}
	if tx.renewed || tx.upgraded || tx.created != nil {
		t.Errorf("not_interested must not touch subscriptions")
	}
	if limiter.released != 1 {
		t.Errorf("expected 1 slot release, got %d", limiter.released)
	}
	if len(events.events) != 1 || events.events[0].Type != queue.EventOutcomeRecorded {
		t.Errorf("expected one outcome_recorded event, got %v", events.events)
	}
}

func TestRecordRenewalExtendsInPlace(t *testing.T) {
	svc, tx, _, _ := newFixture(t)
	tx.sub.RenewalReminderSent = true

	call, err := svc.Record(context.Background(), Input{
		CallID:        tx.call.ID,
		RenewalAgreed: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.Outcome == nil || *call.Outcome != domain.OutcomeRenewalAgreed {
		t.Errorf("outcome = %v, want renewal_agreed", call.Outcome)
	}
	if !tx.renewed {
		t.Fatalf("subscription was not renewed")
	}
	if tx.created != nil {
		t.Errorf("renewal must extend in place, not create a subscription")
	}
	// Renewal on 2026-08-31 of a policy ending 2026-09-05 keeps coverage
	// continuous from the old end date.
	if !tx.sub.StartDate.Equal(date(2026, time.September, 5)) {
		t.Errorf("renewed start = %v, want 2026-09-05", tx.sub.StartDate)
	}
	if !tx.sub.EndDate.Equal(date(2026, time.September, 5).AddDate(0, 0, 360)) {
		t.Errorf("renewed end = %v", tx.sub.EndDate)
	}
	if tx.sub.RenewalReminderSent {
		t.Errorf("renewal must clear the reminder flag")
	}
}

func TestRecordRenewalLapsedPolicy(t *testing.T) {
	svc, tx, _, _ := newFixture(t)
	tx.sub.EndDate = date(2026, time.August, 10)

	_, err := svc.Record(context.Background(), Input{CallID: tx.call.ID, RenewalAgreed: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.sub.StartDate.Equal(date(2026, time.August, 31)) {
		t.Errorf("lapsed renewal start = %v, want today", tx.sub.StartDate)
	}
}

func TestRecordRenewalInactiveSubscription(t *testing.T) {
	svc, tx, _, _ := newFixture(t)
	tx.sub.Status = domain.SubscriptionStatusCancelled

	_, err := svc.Record(context.Background(), Input{CallID: tx.call.ID, RenewalAgreed: true})
	if !apperrors.Is(err, apperrors.ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestRecordRenewalMissingSubscription(t *testing.T) {
	svc, tx, _, _ := newFixture(t)
	tx.sub = nil

	_, err := svc.Record(context.Background(), Input{CallID: tx.call.ID, RenewalAgreed: true})
	if !apperrors.Is(err, apperrors.ErrInvalidReference) {
		t.Fatalf("expected invalid reference error, got %v", err)
	}
}

func TestRecordRenewalCallWithoutSubscription(t *testing.T) {
	svc, tx, _, _ := newFixture(t)
	tx.call.SubscriptionID = nil

	_, err := svc.Record(context.Background(), Input{CallID: tx.call.ID, RenewalAgreed: true})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if tx.renewed {
		t.Errorf("nothing must be renewed without a subscription")
	}
}

func TestRecordRenewalExplicitSubscription(t *testing.T) {
	svc, tx, _, _ := newFixture(t)
	tx.call.SubscriptionID = nil

	_, err := svc.Record(context.Background(), Input{
		CallID:         tx.call.ID,
		RenewalAgreed:  true,
		SubscriptionID: &tx.sub.ID,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.renewed {
		t.Errorf("the subscription named in the request must be renewed")
	}
}

func TestRecordUpgradeCreatesNewSubscription(t *testing.T) {
	svc, tx, _, _ := newFixture(t)
	target := &domain.PolicyTemplate{
		ID:             uuid.New(),
		DurationMonths: 24,
		BasePremium:    30000,
		BaseSumAssured: 2000000,
		Active:         true,
	}
	tx.tpls[target.ID] = target

	call, err := svc.Record(context.Background(), Input{
		CallID:                  tx.call.ID,
		UpgradeAgreed:           true,
		UpgradeTargetTemplateID: &target.ID,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.Outcome == nil || *call.Outcome != domain.OutcomeUpgradeAgreed {
		t.Errorf("outcome = %v, want upgrade_agreed", call.Outcome)
	}
	if !tx.upgraded {
		t.Fatalf("old subscription was not marked upgraded")
	}
	if tx.created == nil {
		t.Fatalf("no new subscription created")
	}
	if tx.created.TemplateID != target.ID {
		t.Errorf("new subscription template = %s, want target", tx.created.TemplateID)
	}
	if !tx.created.StartDate.Equal(date(2026, time.August, 31)) {
		t.Errorf("upgrade start = %v, want today", tx.created.StartDate)
	}
	if !tx.created.EndDate.Equal(date(2026, time.August, 31).AddDate(0, 0, 720)) {
		t.Errorf("upgrade end = %v", tx.created.EndDate)
	}
	if tx.created.Premium != target.BasePremium || tx.created.SumAssured != target.BaseSumAssured {
		t.Errorf("upgrade must take the target template's default terms")
	}
}

func TestRecordUpgradeWithoutTarget(t *testing.T) {
	svc, tx, _, _ := newFixture(t)

	_, err := svc.Record(context.Background(), Input{CallID: tx.call.ID, UpgradeAgreed: true})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRecordUpgradeInactiveTemplate(t *testing.T) {
	svc, tx, _, _ := newFixture(t)
	target := &domain.PolicyTemplate{ID: uuid.New(), DurationMonths: 12, Active: false}
	tx.tpls[target.ID] = target

	_, err := svc.Record(context.Background(), Input{
		CallID:                  tx.call.ID,
		UpgradeAgreed:           true,
		UpgradeTargetTemplateID: &target.ID,
	})
	if !apperrors.Is(err, apperrors.ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	if tx.upgraded {
		t.Errorf("old subscription must stay untouched when the target is inactive")
	}
}

func TestRecordReplaySameOutcome(t *testing.T) {
	svc, tx, limiter, events := newFixture(t)
	outcome := domain.OutcomeNotInterested
	ended := date(2026, time.August, 30)
	tx.call.Status = domain.CallStatusCompleted
	tx.call.Outcome = &outcome
	tx.call.EndedAt = &ended

	call, err := svc.Record(context.Background(), Input{CallID: tx.call.ID, Outcome: domain.OutcomeNotInterested})
	if err != nil {
		t.Fatalf("replay must be a no-op, got %v", err)
	}
	if !call.EndedAt.Equal(ended) {
		t.Errorf("replay must not rewrite ended_at")
	}
	if limiter.released != 0 {
		t.Errorf("replay must not release the slot")
	}
	if len(events.events) != 0 {
		t.Errorf("replay must not publish events")
	}
}

func TestRecordConflictingOutcome(t *testing.T) {
	svc, tx, _, _ := newFixture(t)
	outcome := domain.OutcomeNotInterested
	tx.call.Status = domain.CallStatusCompleted
	tx.call.Outcome = &outcome

	_, err := svc.Record(context.Background(), Input{CallID: tx.call.ID, RenewalAgreed: true})
	if !apperrors.Is(err, apperrors.ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestRecordFailedCall(t *testing.T) {
	svc, tx, _, _ := newFixture(t)
	tx.call.Status = domain.CallStatusFailed

	_, err := svc.Record(context.Background(), Input{CallID: tx.call.ID, Outcome: domain.OutcomeNotInterested})
	if !apperrors.Is(err, apperrors.ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestRenewalPeriod(t *testing.T) {
	cases := []struct {
		name      string
		oldEnd    time.Time
		today     time.Time
		months    int
		wantStart time.Time
	}{
		{
			name:      "early renewal continues from old end",
			oldEnd:    date(2026, time.September, 10),
			today:     date(2026, time.August, 31),
			months:    12,
			wantStart: date(2026, time.September, 10),
		},
		{
			name:      "lapsed policy restarts today",
			oldEnd:    date(2026, time.July, 1),
			today:     date(2026, time.August, 31),
			months:    6,
			wantStart: date(2026, time.August, 31),
		},
		{
			name:      "renewal on the end date",
			oldEnd:    date(2026, time.August, 31),
			today:     date(2026, time.August, 31),
			months:    12,
			wantStart: date(2026, time.August, 31),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end := RenewalPeriod(tc.oldEnd, tc.today, tc.months)
			if !start.Equal(tc.wantStart) {
				t.Errorf("start = %v, want %v", start, tc.wantStart)
			}
			if want := tc.wantStart.AddDate(0, 0, tc.months*30); !end.Equal(want) {
				t.Errorf("end = %v, want %v", end, want)
			}
		})
	}
}
