package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/policy-outreach/internal/domain"
)

// configRowID is the key of the single scheduler configuration row.
const configRowID = "default"

// SchedulerConfigRepository implements repository.SchedulerConfigRepository
// using PostgreSQL. A single row holds the configuration; it is seeded from
// defaults on first read.
type SchedulerConfigRepository struct {
	db *sqlx.DB
}

// NewSchedulerConfigRepository constructs a new repository.
func NewSchedulerConfigRepository(db *sqlx.DB) *SchedulerConfigRepository {
	return &SchedulerConfigRepository{db: db}
}

// Get returns the current configuration, inserting defaults if the row does
// not exist yet.
func (r *SchedulerConfigRepository) Get(ctx context.Context) (*domain.SchedulerConfig, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}

	q := `SELECT enabled, daily_call_time, days_before_expiry, max_calls_per_day,
	       max_concurrent_calls, retry_failed_after_hours, max_retries_per_customer,
	       skip_if_called_within_days, updated_at
	  FROM scheduler_config WHERE id = $1`

	var record configRecord
	if err := r.db.QueryRowxContext(ctx, q, configRowID).StructScan(&record); err != nil {
		return nil, fmt.Errorf("config repo: get: %w", err)
	}

	cfg := record.toDomain()
	return &cfg, nil
}

// Update applies a partial update and returns the resulting configuration.
// Nil patch fields keep their stored value.
func (r *SchedulerConfigRepository) Update(ctx context.Context, patch domain.SchedulerConfigPatch) (*domain.SchedulerConfig, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}

	q := `UPDATE scheduler_config SET
		enabled                    = COALESCE($1, enabled),
		daily_call_time            = COALESCE($2, daily_call_time),
		days_before_expiry         = COALESCE($3, days_before_expiry),
		max_calls_per_day          = COALESCE($4, max_calls_per_day),
		max_concurrent_calls       = COALESCE($5, max_concurrent_calls),
		retry_failed_after_hours   = COALESCE($6, retry_failed_after_hours),
		max_retries_per_customer   = COALESCE($7, max_retries_per_customer),
		skip_if_called_within_days = COALESCE($8, skip_if_called_within_days),
		updated_at                 = $9
	 WHERE id = $10`

	_, err := r.db.ExecContext(ctx, q,
		patch.Enabled, patch.DailyCallTime, patch.DaysBeforeExpiry,
		patch.MaxCallsPerDay, patch.MaxConcurrentCalls, patch.RetryFailedAfterHours,
		patch.MaxRetriesPerCustomer, patch.SkipIfCalledWithinDays,
		time.Now().UTC(), configRowID)
	if err != nil {
		return nil, fmt.Errorf("config repo: update: %w", err)
	}

	return r.Get(ctx)
}

func (r *SchedulerConfigRepository) ensure(ctx context.Context) error {
	defaults := domain.DefaultSchedulerConfig()
	q := `INSERT INTO scheduler_config (
		id, enabled, daily_call_time, days_before_expiry, max_calls_per_day,
		max_concurrent_calls, retry_failed_after_hours, max_retries_per_customer,
		skip_if_called_within_days, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, q,
		configRowID, defaults.Enabled, defaults.DailyCallTime, defaults.DaysBeforeExpiry,
		defaults.MaxCallsPerDay, defaults.MaxConcurrentCalls, defaults.RetryFailedAfterHours,
		defaults.MaxRetriesPerCustomer, defaults.SkipIfCalledWithinDays, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("config repo: ensure: %w", err)
	}
	return nil
}

type configRecord struct {
	Enabled                bool      `db:"enabled"`
	DailyCallTime          string    `db:"daily_call_time"`
	DaysBeforeExpiry       int       `db:"days_before_expiry"`
	MaxCallsPerDay         int       `db:"max_calls_per_day"`
	MaxConcurrentCalls     int       `db:"max_concurrent_calls"`
	RetryFailedAfterHours  int       `db:"retry_failed_after_hours"`
	MaxRetriesPerCustomer  int       `db:"max_retries_per_customer"`
	SkipIfCalledWithinDays int       `db:"skip_if_called_within_days"`
	UpdatedAt              time.Time `db:"updated_at"`
}

func (r configRecord) toDomain() domain.SchedulerConfig {
	return domain.SchedulerConfig{
		Enabled:                r.Enabled,
		DailyCallTime:          r.DailyCallTime,
		DaysBeforeExpiry:       r.DaysBeforeExpiry,
		MaxCallsPerDay:         r.MaxCallsPerDay,
		MaxConcurrentCalls:     r.MaxConcurrentCalls,
		RetryFailedAfterHours:  r.RetryFailedAfterHours,
		MaxRetriesPerCustomer:  r.MaxRetriesPerCustomer,
		SkipIfCalledWithinDays: r.SkipIfCalledWithinDays,
		UpdatedAt:              r.UpdatedAt,
	}
}
