package schedule

import (
	"context"
	"errors"
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

type fakeScheduledRepo struct {
	entries   map[uuid.UUID]*domain.ScheduledCall
	retryable []*domain.ScheduledCall
	now       time.Time
}

func newFakeScheduledRepo() *fakeScheduledRepo {
	return &fakeScheduledRepo{entries: make(map[uuid.UUID]*domain.ScheduledCall)}
}

func (f *fakeScheduledRepo) Create(_ context.Context, sc *domain.ScheduledCall) error {
	cp := *sc
	f.entries[sc.ID] = &cp
	return nil
}

func (f *fakeScheduledRepo) Get(_ context.Context, id uuid.UUID) (*domain.ScheduledCall, error) {
	sc, ok := f.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *sc
	return &cp, nil
}

func (f *fakeScheduledRepo) List(_ context.Context, filter repository.ScheduledCallFilter) ([]*domain.ScheduledCall, error) {
	var out []*domain.ScheduledCall
	for _, sc := range f.entries {
		if filter.Status != "" && sc.Status != filter.Status {
			continue
		}
		cp := *sc
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeScheduledRepo) Transition(_ context.Context, id uuid.UUID, to domain.ScheduledCallStatus, upd repository.TransitionUpdate) error {
	sc, ok := f.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !domain.CanTransition(sc.Status, to) {
		return repository.ErrInvalidState
	}
	sc.Status = to
	sc.UpdatedAt = f.now
	if upd.CallID != nil {
		sc.CallID = upd.CallID
	}
	if upd.TaskHandle != nil {
		sc.TaskHandle = upd.TaskHandle
	}
	if upd.LastError != nil {
		sc.LastError = upd.LastError
	}
	return nil
}

func (f *fakeScheduledRepo) HasOpenForCustomer(_ context.Context, _ uuid.UUID, _ time.Time) (bool, error) {
	return false, nil
}

func (f *fakeScheduledRepo) ListRetryable(_ context.Context, _ time.Time, _ int, _ int) ([]*domain.ScheduledCall, error) {
	return f.retryable, nil
}

func (f *fakeScheduledRepo) ListQueuedBefore(_ context.Context, cutoff time.Time, _ int) ([]*domain.ScheduledCall, error) {
	var out []*domain.ScheduledCall
	for _, sc := range f.entries {
		if sc.Status == domain.ScheduledStatusQueued && !sc.UpdatedAt.After(cutoff) {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (f *fakeScheduledRepo) ResetForRetry(_ context.Context, id uuid.UUID, scheduledFor time.Time) error {
	sc, ok := f.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	if sc.Status != domain.ScheduledStatusFailed {
		return repository.ErrInvalidState
	}
	sc.Status = domain.ScheduledStatusPending
	sc.Reason = domain.ReasonFollowUp
	sc.RetryCount++
	sc.ScheduledFor = scheduledFor
	return nil
}

func (f *fakeScheduledRepo) Stats(_ context.Context, _ time.Time) (*domain.SchedulerStats, error) {
	return &domain.SchedulerStats{}, nil
}

func (f *fakeScheduledRepo) DeleteScheduledBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, sc := range f.entries {
		if sc.ScheduledFor.Before(cutoff) {
			delete(f.entries, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeScheduledRepo) byStatus(status domain.ScheduledCallStatus) []*domain.ScheduledCall {
	var out []*domain.ScheduledCall
	for _, sc := range f.entries {
		if sc.Status == status {
			out = append(out, sc)
		}
	}
	return out
}

type fakeConfigRepo struct {
	cfg domain.SchedulerConfig
}

func (f *fakeConfigRepo) Get(_ context.Context) (*domain.SchedulerConfig, error) {
	cp := f.cfg
	return &cp, nil
}

func (f *fakeConfigRepo) Update(_ context.Context, patch domain.SchedulerConfigPatch) (*domain.SchedulerConfig, error) {
	if patch.Enabled != nil {
		f.cfg.Enabled = *patch.Enabled
	}
	if patch.DailyCallTime != nil {
		f.cfg.DailyCallTime = *patch.DailyCallTime
	}
	if patch.MaxCallsPerDay != nil {
		f.cfg.MaxCallsPerDay = *patch.MaxCallsPerDay
	}
	cp := f.cfg
	return &cp, nil
}

type fakeSelector struct {
	candidates []domain.Candidate
	err        error
}

func (f *fakeSelector) Select(_ context.Context, _ *domain.SchedulerConfig, _ time.Time) ([]domain.Candidate, error) {
	return f.candidates, f.err
}

type fakeEnqueuer struct {
	payloads []queue.DialPayload
	err      error
}

func (f *fakeEnqueuer) EnqueueDial(_ context.Context, payload queue.DialPayload) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.payloads = append(f.payloads, payload)
	return uuid.New().String(), nil
}

type fakeLocker struct {
	held     map[string]bool
	unlocked []string
}

func (f *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeLocker) Unlock(_ context.Context, key string) error {
	delete(f.held, key)
	f.unlocked = append(f.unlocked, key)
	return nil
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	return &id
}

func candidate(phone string) domain.Candidate {
	return domain.Candidate{
		Customer:     domain.Customer{ID: uuid.New(), Name: "A Customer", Phone: phone},
		Subscription: domain.PolicySubscription{ID: uuid.New()},
		DaysToExpiry: 14,
	}
}

type fixture struct {
	svc      *Service
	repo     *fakeScheduledRepo
	configs  *fakeConfigRepo
	selector *fakeSelector
	tasks    *fakeEnqueuer
	locker   *fakeLocker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newFakeScheduledRepo(),
		configs:  &fakeConfigRepo{cfg: domain.DefaultSchedulerConfig()},
		selector: &fakeSelector{},
		tasks:    &fakeEnqueuer{},
		locker:   &fakeLocker{},
	}
	f.svc = NewService(f.repo, f.configs, f.selector, f.tasks, f.locker, &logger.Logger{Logger: zap.NewNop()})
	f.svc.now = func() time.Time {
		return time.Date(2026, time.August, 31, 10, 0, 0, 0, time.UTC)
	}
	f.repo.now = f.svc.now()
	return f
}

func TestRunBatchQueuesCandidates(t *testing.T) {
	f := newFixture(t)
	f.selector.candidates = []domain.Candidate{candidate("+15550001111"), candidate("+15550002222")}

	result, err := f.svc.RunBatch(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Ran {
		t.Fatalf("expected batch to run: %s", result.Reason)
	}
	if result.Selected != 2 || result.Queued != 2 {
		t.Errorf("selected/queued = %d/%d, want 2/2", result.Selected, result.Queued)
	}
	if len(f.tasks.payloads) != 2 {
		t.Errorf("expected 2 dial tasks, got %d", len(f.tasks.payloads))
	}
	queued := f.repo.byStatus(domain.ScheduledStatusQueued)
	if len(queued) != 2 {
		t.Errorf("expected 2 queued entries, got %d", len(queued))
	}
	for _, sc := range queued {
		if sc.TaskHandle == nil || *sc.TaskHandle == "" {
			t.Errorf("queued entry %s has no task handle", sc.ID)
		}
		if sc.Reason != domain.ReasonExpiringPolicy {
			t.Errorf("reason = %s, want expiring_policy", sc.Reason)
		}
	}
}

func TestRunBatchAssignsPriority(t *testing.T) {
	f := newFixture(t)
	urgent := candidate("+15550001111")
	urgent.DaysToExpiry = 3
	relaxed := candidate("+15550002222")
	relaxed.DaysToExpiry = 28

	f.selector.candidates = []domain.Candidate{urgent, relaxed}
	if _, err := f.svc.RunBatch(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byCustomer := make(map[uuid.UUID]int)
	for _, sc := range f.repo.byStatus(domain.ScheduledStatusQueued) {
		byCustomer[sc.CustomerID] = sc.Priority
	}
	if byCustomer[urgent.Customer.ID] <= byCustomer[relaxed.Customer.ID] {
		t.Errorf("sooner expiry must get higher priority: %v", byCustomer)
	}
	if got := byCustomer[urgent.Customer.ID]; got != 27 {
		t.Errorf("urgent priority = %d, want 27", got)
	}
}

func TestRunBatchDisabled(t *testing.T) {
	f := newFixture(t)
	f.configs.cfg.Enabled = false
	f.selector.candidates = []domain.Candidate{candidate("+15550001111")}

	result, err := f.svc.RunBatch(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Ran {
		t.Fatalf("disabled scheduler must not run automatic batches")
	}
	if len(f.tasks.payloads) != 0 {
		t.Errorf("no tasks expected, got %d", len(f.tasks.payloads))
	}
}

func TestRunBatchManualBypassesDisabled(t *testing.T) {
	f := newFixture(t)
	f.configs.cfg.Enabled = false
	f.selector.candidates = []domain.Candidate{candidate("+15550001111")}

	result, err := f.svc.RunBatch(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Ran || result.Queued != 1 {
		t.Errorf("manual run must execute, got ran=%v queued=%d", result.Ran, result.Queued)
	}
}

func TestRunBatchOncePerDay(t *testing.T) {
	f := newFixture(t)
	f.selector.candidates = []domain.Candidate{candidate("+15550001111")}

	if _, err := f.svc.RunBatch(context.Background(), false); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := f.svc.RunBatch(context.Background(), false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Ran {
		t.Fatalf("second automatic run on the same day must be skipped")
	}
}

func TestRunBatchFailureGivesBackLease(t *testing.T) {
	f := newFixture(t)
	f.selector.err = errors.New("database down")

	if _, err := f.svc.RunBatch(context.Background(), false); err == nil {
		t.Fatalf("selection failure must surface")
	}
	if len(f.locker.unlocked) != 1 {
		t.Fatalf("failed run must give back the day's lease, unlocked %v", f.locker.unlocked)
	}

	f.selector.err = nil
	f.selector.candidates = []domain.Candidate{candidate("+15550001111")}
	result, err := f.svc.RunBatch(context.Background(), false)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if !result.Ran || result.Queued != 1 {
		t.Errorf("retry must run, got ran=%v queued=%d", result.Ran, result.Queued)
	}
}

func TestRunBatchEnqueueFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.selector.candidates = []domain.Candidate{candidate("+15550001111")}
	f.tasks.err = errors.New("redis down")

	result, err := f.svc.RunBatch(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Queued != 0 {
		t.Errorf("queued = %d, want 0", result.Queued)
	}
	if got := len(f.repo.byStatus(domain.ScheduledStatusPending)); got != 1 {
		t.Errorf("expected the entry to stay pending, got %d pending", got)
	}
}

func TestRunBatchRequeuesStalePending(t *testing.T) {
	f := newFixture(t)
	stale := &domain.ScheduledCall{
		ID:           uuid.New(),
		CustomerID:   uuid.New(),
		Phone:        "+15550009999",
		ScheduledFor: time.Date(2026, time.August, 30, 10, 0, 0, 0, time.UTC),
		Status:       domain.ScheduledStatusPending,
		Reason:       domain.ReasonExpiringPolicy,
	}
	f.repo.entries[stale.ID] = stale

	result, err := f.svc.RunBatch(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Requeued != 1 {
		t.Errorf("requeued = %d, want 1", result.Requeued)
	}
	if stale.Status != domain.ScheduledStatusQueued {
		t.Errorf("stale entry status = %s, want queued", stale.Status)
	}
}

func TestRunBatchRequeuesStaleQueued(t *testing.T) {
	f := newFixture(t)
	handle := "task-gone"
	stuck := &domain.ScheduledCall{
		ID:           uuid.New(),
		CustomerID:   uuid.New(),
		Phone:        "+15550008888",
		ScheduledFor: time.Date(2026, time.August, 31, 8, 0, 0, 0, time.UTC),
		Status:       domain.ScheduledStatusQueued,
		Reason:       domain.ReasonExpiringPolicy,
		TaskHandle:   &handle,
		UpdatedAt:    time.Date(2026, time.August, 31, 8, 0, 0, 0, time.UTC),
	}
	fresh := &domain.ScheduledCall{
		ID:         uuid.New(),
		CustomerID: uuid.New(),
		Phone:      "+15550007777",
		Status:     domain.ScheduledStatusQueued,
		Reason:     domain.ReasonExpiringPolicy,
		UpdatedAt:  time.Date(2026, time.August, 31, 9, 45, 0, 0, time.UTC),
	}
	f.repo.entries[stuck.ID] = stuck
	f.repo.entries[fresh.ID] = fresh

	result, err := f.svc.RunBatch(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Requeued != 1 {
		t.Errorf("requeued = %d, want only the stuck entry", result.Requeued)
	}
	if stuck.Status != domain.ScheduledStatusQueued {
		t.Errorf("stuck entry status = %s, want queued", stuck.Status)
	}
	if stuck.TaskHandle == nil || *stuck.TaskHandle == handle {
		t.Errorf("stuck entry must get a fresh task handle")
	}
	if len(f.tasks.payloads) != 1 {
		t.Errorf("expected 1 dial task for the stuck entry, got %d", len(f.tasks.payloads))
	}
}

func TestRunBatchSweepsRetries(t *testing.T) {
	f := newFixture(t)
	failed := &domain.ScheduledCall{
		ID:         uuid.New(),
		CustomerID: uuid.New(),
		Phone:      "+15550003333",
		Status:     domain.ScheduledStatusFailed,
		RetryCount: 1,
	}
	f.repo.entries[failed.ID] = failed
	f.repo.retryable = []*domain.ScheduledCall{failed}

	result, err := f.svc.RunBatch(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Retried != 1 {
		t.Errorf("retried = %d, want 1", result.Retried)
	}
	if failed.Status != domain.ScheduledStatusQueued {
		t.Errorf("retried entry status = %s, want queued", failed.Status)
	}
	if failed.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", failed.RetryCount)
	}
}

func TestCreateManual(t *testing.T) {
	f := newFixture(t)

	sc, err := f.svc.CreateManual(context.Background(), ManualInput{
		CustomerID:     uuid.New(),
		SubscriptionID: uuidPtr(uuid.New()),
		Phone:          "+15550004444",
		Notes:          "asked for an afternoon call",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Status != domain.ScheduledStatusQueued {
		t.Errorf("status = %s, want queued", sc.Status)
	}
	if sc.Reason != domain.ReasonManual {
		t.Errorf("reason = %s, want manual", sc.Reason)
	}
	if len(f.tasks.payloads) != 1 {
		t.Errorf("expected 1 dial task, got %d", len(f.tasks.payloads))
	}
	stored := f.repo.entries[sc.ID]
	if stored.Notes != "asked for an afternoon call" {
		t.Errorf("notes = %q, want the operator note persisted", stored.Notes)
	}
}

func TestCreateManualWithoutSubscription(t *testing.T) {
	f := newFixture(t)

	sc, err := f.svc.CreateManual(context.Background(), ManualInput{
		CustomerID: uuid.New(),
		Phone:      "+15550006666",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.SubscriptionID != nil {
		t.Errorf("subscription id = %v, want none", sc.SubscriptionID)
	}
	if sc.Status != domain.ScheduledStatusQueued {
		t.Errorf("status = %s, want queued", sc.Status)
	}
	if len(f.tasks.payloads) != 1 {
		t.Fatalf("expected 1 dial task, got %d", len(f.tasks.payloads))
	}
	if f.tasks.payloads[0].SubscriptionID != "" {
		t.Errorf("dial payload must carry no subscription id, got %q", f.tasks.payloads[0].SubscriptionID)
	}
}

func TestCreateManualFutureDateStaysPending(t *testing.T) {
	f := newFixture(t)
	future := time.Date(2026, time.September, 3, 0, 0, 0, 0, time.UTC)

	sc, err := f.svc.CreateManual(context.Background(), ManualInput{
		CustomerID:     uuid.New(),
		SubscriptionID: uuidPtr(uuid.New()),
		Phone:          "+15550005555",
		ScheduledFor:   &future,
		Priority:       5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Status != domain.ScheduledStatusPending {
		t.Errorf("status = %s, want pending", sc.Status)
	}
	if sc.Priority != 5 {
		t.Errorf("priority = %d, want 5", sc.Priority)
	}
	if len(f.tasks.payloads) != 0 {
		t.Errorf("future entry must not be queued yet, got %d tasks", len(f.tasks.payloads))
	}
}

func TestCreateManualValidation(t *testing.T) {
	f := newFixture(t)

	cases := []ManualInput{
		{SubscriptionID: uuidPtr(uuid.New()), Phone: "+15550001111"},
		{CustomerID: uuid.New(), SubscriptionID: uuidPtr(uuid.Nil), Phone: "+15550001111"},
		{CustomerID: uuid.New()},
		{CustomerID: uuid.New(), Phone: "+15550001111", Reason: "because"},
	}
	for i, input := range cases {
		if _, err := f.svc.CreateManual(context.Background(), input); !apperrors.Is(err, apperrors.ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	sc := &domain.ScheduledCall{ID: uuid.New(), Status: domain.ScheduledStatusPending}
	f.repo.entries[sc.ID] = sc

	if err := f.svc.Cancel(context.Background(), sc.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Status != domain.ScheduledStatusCancelled {
		t.Errorf("status = %s, want cancelled", sc.Status)
	}

	calling := &domain.ScheduledCall{ID: uuid.New(), Status: domain.ScheduledStatusCalling}
	f.repo.entries[calling.ID] = calling
	if err := f.svc.Cancel(context.Background(), calling.ID); !apperrors.Is(err, apperrors.ErrInvalidState) {
		t.Errorf("cancelling a live call must be refused, got %v", err)
	}
}

func TestCleanupDeletesByScheduledDate(t *testing.T) {
	f := newFixture(t)
	old := &domain.ScheduledCall{
		ID:           uuid.New(),
		ScheduledFor: time.Date(2026, time.July, 1, 10, 0, 0, 0, time.UTC),
		Status:       domain.ScheduledStatusCompleted,
	}
	recent := &domain.ScheduledCall{
		ID:           uuid.New(),
		ScheduledFor: time.Date(2026, time.August, 20, 10, 0, 0, 0, time.UTC),
		Status:       domain.ScheduledStatusCompleted,
	}
	f.repo.entries[old.ID] = old
	f.repo.entries[recent.ID] = recent

	deleted, err := f.svc.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, ok := f.repo.entries[recent.ID]; !ok {
		t.Errorf("entry inside the retention window must survive")
	}
}

func TestStatsNextRun(t *testing.T) {
	f := newFixture(t)

	stats, err := f.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Fixture clock sits exactly on the 10:00 fire time, so the next run
	// is tomorrow.
	want := time.Date(2026, time.September, 1, 10, 0, 0, 0, time.UTC)
	if stats.NextRunAt == nil || !stats.NextRunAt.Equal(want) {
		t.Errorf("next run = %v, want %v", stats.NextRunAt, want)
	}

	f.configs.cfg.Enabled = false
	stats, err = f.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.NextRunAt != nil {
		t.Errorf("disabled scheduler must report no next run")
	}
}

func TestUpdateConfigValidation(t *testing.T) {
	f := newFixture(t)

	bad := "25:99"
	if _, err := f.svc.UpdateConfig(context.Background(), domain.SchedulerConfigPatch{DailyCallTime: &bad}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error for bad time, got %v", err)
	}

	negative := -1
	if _, err := f.svc.UpdateConfig(context.Background(), domain.SchedulerConfigPatch{MaxCallsPerDay: &negative}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error for negative limit, got %v", err)
	}

	good := "09:30"
	cfg, err := f.svc.UpdateConfig(context.Background(), domain.SchedulerConfigPatch{DailyCallTime: &good})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DailyCallTime != "09:30" {
		t.Errorf("daily call time = %s, want 09:30", cfg.DailyCallTime)
	}
}
