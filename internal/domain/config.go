package domain

import "time"

// SchedulerConfig is the operator-tunable policy for the daily outreach
// batch. A single row exists; updates take effect on the next run.
type SchedulerConfig struct {
	Enabled                bool
	DailyCallTime          string // "HH:MM", 24h local time
	DaysBeforeExpiry       int
	MaxCallsPerDay         int
	MaxConcurrentCalls     int
	RetryFailedAfterHours  int
	MaxRetriesPerCustomer  int
	SkipIfCalledWithinDays int
	UpdatedAt              time.Time
}

// DefaultSchedulerConfig returns the configuration seeded on first use.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:                true,
		DailyCallTime:          "10:00",
		DaysBeforeExpiry:       30,
		MaxCallsPerDay:         50,
		MaxConcurrentCalls:     5,
		RetryFailedAfterHours:  24,
		MaxRetriesPerCustomer:  3,
		SkipIfCalledWithinDays: 7,
	}
}

// SchedulerConfigPatch carries a partial update. Nil fields keep their
// current value.
type SchedulerConfigPatch struct {
	Enabled                *bool
	DailyCallTime          *string
	DaysBeforeExpiry       *int
	MaxCallsPerDay         *int
	MaxConcurrentCalls     *int
	RetryFailedAfterHours  *int
	MaxRetriesPerCustomer  *int
	SkipIfCalledWithinDays *int
}

// SchedulerStats summarizes scheduled-call counts for the operator API.
// NextRunAt is nil while the scheduler is disabled.
type SchedulerStats struct {
	Pending        int
	Queued         int
	Calling        int
	CompletedToday int
	FailedToday    int
	TotalToday     int
	NextRunAt      *time.Time
}

// NextRun returns the next daily batch fire time after now, or nil when
// the scheduler is disabled or the configured time does not parse.
func (c *SchedulerConfig) NextRun(now time.Time) *time.Time {
	if !c.Enabled {
		return nil
	}
	at, err := time.Parse("15:04", c.DailyCallTime)
	if err != nil {
		return nil
	}
	next := DateOf(now).Add(time.Duration(at.Hour())*time.Hour + time.Duration(at.Minute())*time.Minute)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return &next
}
