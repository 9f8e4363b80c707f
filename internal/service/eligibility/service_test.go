package eligibility

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/repository"
	"github.com/acme/policy-outreach/pkg/logger"
)

type fakeCandidates struct {
	candidates []domain.Candidate
}

func (f *fakeCandidates) ListExpiring(_ context.Context, _ time.Time, _ int) ([]domain.Candidate, error) {
	return f.candidates, nil
}

type fakeScheduled struct {
	repository.ScheduledCallRepository
	open map[uuid.UUID]bool
}

func (f *fakeScheduled) HasOpenForCustomer(_ context.Context, customerID uuid.UUID, _ time.Time) (bool, error) {
	return f.open[customerID], nil
}

func candidate(phone string, daysToExpiry int) domain.Candidate {
	return domain.Candidate{
		Customer:     domain.Customer{ID: uuid.New(), Phone: phone},
		Subscription: domain.PolicySubscription{ID: uuid.New()},
		DaysToExpiry: daysToExpiry,
	}
}

func calledAt(cand domain.Candidate, at time.Time) domain.Candidate {
	cand.CallCount = 1
	cand.LastCallAt = &at
	return cand
}

func TestSelect(t *testing.T) {
	now := time.Date(2026, time.August, 31, 10, 0, 0, 0, time.UTC)
	cfg := domain.DefaultSchedulerConfig()

	withPhone := candidate("+15550001111", 5)
	noPhone := candidate("", 7)
	calledRecently := calledAt(candidate("+15550002222", 10), now.AddDate(0, 0, -2))
	calledLongAgo := calledAt(candidate("+15550003333", 12), now.AddDate(0, 0, -30))
	alreadyScheduled := candidate("+15550004444", 15)

	candidates := &fakeCandidates{candidates: []domain.Candidate{
		withPhone, noPhone, calledRecently, calledLongAgo, alreadyScheduled,
	}}
	scheduled := &fakeScheduled{open: map[uuid.UUID]bool{
		alreadyScheduled.Customer.ID: true,
	}}

	svc := NewService(candidates, scheduled, &logger.Logger{Logger: zap.NewNop()})

	selected, err := svc.Select(context.Background(), &cfg, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("selected %d candidates, want 2", len(selected))
	}
	if selected[0].Customer.ID != withPhone.Customer.ID {
		t.Errorf("first selected = %s, want the most urgent candidate", selected[0].Customer.ID)
	}
	if selected[1].Customer.ID != calledLongAgo.Customer.ID {
		t.Errorf("second selected = %s, want the stale-contact candidate", selected[1].Customer.ID)
	}
}

func TestSelectDailyCap(t *testing.T) {
	now := time.Date(2026, time.August, 31, 10, 0, 0, 0, time.UTC)
	cfg := domain.DefaultSchedulerConfig()
	cfg.MaxCallsPerDay = 2

	first := candidate("+15550001111", 3)
	second := candidate("+15550002222", 5)
	third := candidate("+15550003333", 9)

	svc := NewService(
		&fakeCandidates{candidates: []domain.Candidate{first, second, third}},
		&fakeScheduled{},
		&logger.Logger{Logger: zap.NewNop()},
	)

	selected, err := svc.Select(context.Background(), &cfg, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("selected %d candidates, want 2", len(selected))
	}
	// The cap keeps expiry order, dropping the least urgent candidate.
	if selected[0].Customer.ID != first.Customer.ID || selected[1].Customer.ID != second.Customer.ID {
		t.Errorf("cap must keep the earliest-expiring candidates")
	}
}

func TestSelectRecencyComparesDates(t *testing.T) {
	// 10:00 on the 31st with a 7-day window: a call on the 24th counts as
	// recent regardless of its hour, while the 23rd is out of the window.
	now := time.Date(2026, time.August, 31, 10, 0, 0, 0, time.UTC)
	cfg := domain.DefaultSchedulerConfig()
	cfg.SkipIfCalledWithinDays = 7

	onCutoffDay := calledAt(candidate("+15550001111", 5),
		time.Date(2026, time.August, 24, 9, 0, 0, 0, time.UTC))
	beforeCutoffDay := calledAt(candidate("+15550002222", 6),
		time.Date(2026, time.August, 23, 23, 0, 0, 0, time.UTC))

	svc := NewService(
		&fakeCandidates{candidates: []domain.Candidate{onCutoffDay, beforeCutoffDay}},
		&fakeScheduled{},
		&logger.Logger{Logger: zap.NewNop()},
	)

	selected, err := svc.Select(context.Background(), &cfg, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(selected) != 1 {
		t.Fatalf("selected %d candidates, want 1", len(selected))
	}
	if selected[0].Customer.ID != beforeCutoffDay.Customer.ID {
		t.Errorf("a call on the cutoff day must still count as recent")
	}
}

func TestSelectDedupesCustomers(t *testing.T) {
	now := time.Date(2026, time.August, 31, 10, 0, 0, 0, time.UTC)
	cfg := domain.DefaultSchedulerConfig()

	first := candidate("+15550001111", 5)
	duplicate := first
	duplicate.Subscription = domain.PolicySubscription{ID: uuid.New()}
	duplicate.DaysToExpiry = 12
	other := candidate("+15550002222", 9)

	svc := NewService(
		&fakeCandidates{candidates: []domain.Candidate{first, duplicate, other}},
		&fakeScheduled{},
		&logger.Logger{Logger: zap.NewNop()},
	)

	selected, err := svc.Select(context.Background(), &cfg, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("selected %d candidates, want 2", len(selected))
	}
	for _, cand := range selected {
		if cand.Customer.ID == first.Customer.ID && cand.Subscription.ID != first.Subscription.ID {
			t.Errorf("duplicate customer row must be dropped, kept subscription %s", cand.Subscription.ID)
		}
	}
}

func TestSelectSkipWindowDisabled(t *testing.T) {
	now := time.Date(2026, time.August, 31, 10, 0, 0, 0, time.UTC)
	cfg := domain.DefaultSchedulerConfig()
	cfg.SkipIfCalledWithinDays = 0

	cand := calledAt(candidate("+15550001111", 5), now.AddDate(0, 0, -1))

	svc := NewService(
		&fakeCandidates{candidates: []domain.Candidate{cand}},
		&fakeScheduled{},
		&logger.Logger{Logger: zap.NewNop()},
	)

	selected, err := svc.Select(context.Background(), &cfg, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(selected) != 1 {
		t.Fatalf("a zero skip window must not filter recent contacts, got %d", len(selected))
	}
}
