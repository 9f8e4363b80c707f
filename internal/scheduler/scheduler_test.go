package scheduler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/acme/policy-outreach/internal/config"
	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/queue"
	"github.com/acme/policy-outreach/pkg/logger"
)

type fakeConfigs struct {
	cfg domain.SchedulerConfig
}

func (f *fakeConfigs) Get(_ context.Context) (*domain.SchedulerConfig, error) {
	cp := f.cfg
	return &cp, nil
}

type fakeTasks struct {
	batches  []queue.BatchPayload
	cleanups []queue.CleanupPayload
}

func (f *fakeTasks) EnqueueBatch(_ context.Context, payload queue.BatchPayload) error {
	f.batches = append(f.batches, payload)
	return nil
}

func (f *fakeTasks) EnqueueCleanup(_ context.Context, payload queue.CleanupPayload) error {
	f.cleanups = append(f.cleanups, payload)
	return nil
}

type fakeLocker struct {
	held map[string]bool
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

func newScheduler(cfg domain.SchedulerConfig, at time.Time) (*Scheduler, *fakeTasks, *fakeLocker) {
	tasks := &fakeTasks{}
	locker := &fakeLocker{}
	s := New(&fakeConfigs{cfg: cfg}, tasks, locker,
		config.TriggerConfig{TickInterval: time.Minute}, &logger.Logger{Logger: zap.NewNop()})
	s.now = func() time.Time { return at }
	return s, tasks, locker
}

func TestTickFiresOncePerDay(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	at := time.Date(2026, time.August, 31, 10, 5, 0, 0, time.UTC)
	s, tasks, _ := newScheduler(cfg, at)

	for i := 0; i < 3; i++ {
		if err := s.tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if len(tasks.batches) != 1 {
		t.Errorf("batches enqueued = %d, want 1", len(tasks.batches))
	}
	if len(tasks.cleanups) != 1 {
		t.Errorf("cleanups enqueued = %d, want 1", len(tasks.cleanups))
	}
}

func TestTickBeforeCallTime(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	at := time.Date(2026, time.August, 31, 9, 59, 0, 0, time.UTC)
	s, tasks, _ := newScheduler(cfg, at)

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks.batches) != 0 {
		t.Errorf("batch must not fire before the call time")
	}
}

func TestTickDisabled(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	cfg.Enabled = false
	at := time.Date(2026, time.August, 31, 12, 0, 0, 0, time.UTC)
	s, tasks, _ := newScheduler(cfg, at)

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks.batches) != 0 {
		t.Errorf("disabled scheduler must not fire")
	}
}

func TestTickNextDayFiresAgain(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	at := time.Date(2026, time.August, 31, 10, 5, 0, 0, time.UTC)
	s, tasks, _ := newScheduler(cfg, at)

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("day one: %v", err)
	}
	s.now = func() time.Time {
		return time.Date(2026, time.September, 1, 10, 5, 0, 0, time.UTC)
	}
	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("day two: %v", err)
	}
	if len(tasks.batches) != 2 {
		t.Errorf("batches enqueued = %d, want 2", len(tasks.batches))
	}
}

func TestTimeReached(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2026, time.August, 31, h, m, 0, 0, time.UTC)
	}

	cases := []struct {
		name     string
		now      time.Time
		callTime string
		want     bool
	}{
		{"before", at(9, 59), "10:00", false},
		{"exact", at(10, 0), "10:00", true},
		{"after", at(14, 30), "10:00", true},
		{"midnight call time", at(0, 0), "00:00", true},
		{"late call time not reached", at(22, 59), "23:00", false},
		{"malformed fails open", at(0, 1), "25:99", true},
		{"empty fails open", at(0, 1), "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TimeReached(tc.now, tc.callTime); got != tc.want {
				t.Errorf("TimeReached(%v, %q) = %v, want %v", tc.now, tc.callTime, got, tc.want)
			}
		})
	}
}
