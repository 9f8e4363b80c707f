package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/repository"
	apperrors "github.com/acme/policy-outreach/pkg/errors"
)

// ScheduledCallRepository implements repository.ScheduledCallRepository
// using PostgreSQL.
type ScheduledCallRepository struct {
	db *sqlx.DB
}

// NewScheduledCallRepository constructs a new repository.
func NewScheduledCallRepository(db *sqlx.DB) *ScheduledCallRepository {
	return &ScheduledCallRepository{db: db}
}

// Create inserts a new scheduled call.
func (r *ScheduledCallRepository) Create(ctx context.Context, sc *domain.ScheduledCall) error {
	q := `INSERT INTO scheduled_calls (
		id, customer_id, subscription_id, phone, scheduled_for, status,
		reason, priority, notes, retry_count, last_error, call_id, task_handle,
		executed_at, created_at, updated_at
	) VALUES (
		:id, :customer_id, :subscription_id, :phone, :scheduled_for, :status,
		:reason, :priority, :notes, :retry_count, :last_error, :call_id, :task_handle,
		:executed_at, :created_at, :updated_at
	)`

	params := map[string]any{
		"id":              sc.ID,
		"customer_id":     sc.CustomerID,
		"subscription_id": sc.SubscriptionID,
		"phone":           sc.Phone,
		"scheduled_for":   sc.ScheduledFor,
		"status":          sc.Status,
		"reason":          sc.Reason,
		"priority":        sc.Priority,
		"notes":           sc.Notes,
		"retry_count":     sc.RetryCount,
		"last_error":      sc.LastError,
		"call_id":         sc.CallID,
		"task_handle":     sc.TaskHandle,
		"executed_at":     sc.ExecutedAt,
		"created_at":      sc.CreatedAt,
		"updated_at":      sc.UpdatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: %s", apperrors.ErrInvalidReference, pgErr.ConstraintName)
		}
		return fmt.Errorf("scheduled call repo: insert: %w", err)
	}

	return nil
}

// Reads join the customer's display name next to the raw row.
const scheduledCallColumns = `sc.id, sc.customer_id, sc.subscription_id, sc.phone,
	cu.name AS customer_name, sc.scheduled_for, sc.status, sc.reason, sc.priority,
	sc.notes, sc.retry_count, sc.last_error, sc.call_id, sc.task_handle,
	sc.executed_at, sc.created_at, sc.updated_at`

const scheduledCallFrom = ` FROM scheduled_calls sc JOIN customers cu ON cu.id = sc.customer_id`

// Get fetches a scheduled call by id.
func (r *ScheduledCallRepository) Get(ctx context.Context, id uuid.UUID) (*domain.ScheduledCall, error) {
	row := r.db.QueryRowxContext(ctx,
		`SELECT `+scheduledCallColumns+scheduledCallFrom+` WHERE sc.id = $1`, id)
	var record scheduledCallRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scheduled call repo: get: %w", err)
	}

	sc := record.toDomain()
	return &sc, nil
}

// List returns scheduled calls matching the filter, most recent scheduling
// date first, higher priority first within a date.
func (r *ScheduledCallRepository) List(ctx context.Context, filter repository.ScheduledCallFilter) ([]*domain.ScheduledCall, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	conds := []string{}
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("sc.status = $%d", len(args)))
	}
	if filter.Day != nil {
		day := domain.DateOf(*filter.Day)
		args = append(args, day)
		conds = append(conds, fmt.Sprintf("sc.scheduled_for >= $%d", len(args)))
		args = append(args, day.AddDate(0, 0, 1))
		conds = append(conds, fmt.Sprintf("sc.scheduled_for < $%d", len(args)))
	}
	if filter.CustomerID != nil {
		args = append(args, *filter.CustomerID)
		conds = append(conds, fmt.Sprintf("sc.customer_id = $%d", len(args)))
	}

	q := `SELECT ` + scheduledCallColumns + scheduledCallFrom
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY sc.scheduled_for DESC, sc.priority DESC, sc.created_at DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduled call repo: list: %w", err)
	}
	defer rows.Close()

	var results []*domain.ScheduledCall
	for rows.Next() {
		var record scheduledCallRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("scheduled call repo: scan: %w", err)
		}
		sc := record.toDomain()
		results = append(results, &sc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduled call repo: rows err: %w", err)
	}

	return results, nil
}

// Transition moves a scheduled call to a new status. The UPDATE is guarded
// by the set of statuses the move is allowed from, so a concurrent writer
// cannot race past the lifecycle graph. Zero rows updated means either the
// row is missing or its current status refuses the move.
func (r *ScheduledCallRepository) Transition(ctx context.Context, id uuid.UUID, to domain.ScheduledCallStatus, upd repository.TransitionUpdate) error {
	sources := domain.TransitionSources(to)
	if len(sources) == 0 {
		return repository.ErrInvalidState
	}
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	now := time.Now().UTC()
	var executedAt *time.Time
	if to == domain.ScheduledStatusCompleted || to == domain.ScheduledStatusFailed {
		executedAt = &now
	}

	q := `UPDATE scheduled_calls SET
		status = $1,
		call_id = COALESCE($2, call_id),
		task_handle = COALESCE($3, task_handle),
		last_error = COALESCE($4, last_error),
		executed_at = COALESCE($5, executed_at),
		updated_at = $6
	 WHERE id = $7 AND status = ANY($8)`

	res, err := r.db.ExecContext(ctx, q, to, upd.CallID, upd.TaskHandle, upd.LastError, executedAt, now, id, from)
	if err != nil {
		return fmt.Errorf("scheduled call repo: transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("scheduled call repo: rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return repository.ErrInvalidState
	}
	return nil
}

// HasOpenForCustomer reports whether the customer already has a pending,
// queued or completed entry on the given calendar day.
func (r *ScheduledCallRepository) HasOpenForCustomer(ctx context.Context, customerID uuid.UUID, day time.Time) (bool, error) {
	start := domain.DateOf(day)
	q := `SELECT EXISTS (
		SELECT 1 FROM scheduled_calls
		 WHERE customer_id = $1
		   AND scheduled_for >= $2 AND scheduled_for < $3
		   AND status IN ('pending', 'queued', 'calling', 'completed')
	)`

	var exists bool
	if err := r.db.QueryRowxContext(ctx, q, customerID, start, start.AddDate(0, 0, 1)).Scan(&exists); err != nil {
		return false, fmt.Errorf("scheduled call repo: has open for customer: %w", err)
	}
	return exists, nil
}

// ListRetryable returns failed entries with retry budget left whose last
// update is older than the cutoff.
func (r *ScheduledCallRepository) ListRetryable(ctx context.Context, cutoff time.Time, maxRetries int, limit int) ([]*domain.ScheduledCall, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT ` + scheduledCallColumns + scheduledCallFrom + `
	 WHERE sc.status = 'failed'
	   AND sc.retry_count < $1
	   AND sc.updated_at <= $2
	 ORDER BY sc.updated_at ASC LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, q, maxRetries, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("scheduled call repo: list retryable: %w", err)
	}
	defer rows.Close()

	var results []*domain.ScheduledCall
	for rows.Next() {
		var record scheduledCallRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("scheduled call repo: scan: %w", err)
		}
		sc := record.toDomain()
		results = append(results, &sc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduled call repo: rows err: %w", err)
	}

	return results, nil
}

// ListQueuedBefore returns queued entries not touched since the cutoff.
// These are entries whose dispatch task was lost or exhausted the queue's
// own retries without settling the entry.
func (r *ScheduledCallRepository) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.ScheduledCall, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT ` + scheduledCallColumns + scheduledCallFrom + `
	 WHERE sc.status = 'queued'
	   AND sc.updated_at <= $1
	 ORDER BY sc.updated_at ASC LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("scheduled call repo: list queued before: %w", err)
	}
	defer rows.Close()

	var results []*domain.ScheduledCall
	for rows.Next() {
		var record scheduledCallRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("scheduled call repo: scan: %w", err)
		}
		sc := record.toDomain()
		results = append(results, &sc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduled call repo: rows err: %w", err)
	}

	return results, nil
}

// ResetForRetry moves a failed entry back to pending and bumps its retry
// counter.
func (r *ScheduledCallRepository) ResetForRetry(ctx context.Context, id uuid.UUID, scheduledFor time.Time) error {
	q := `UPDATE scheduled_calls SET
		status = 'pending',
		reason = 'follow_up',
		retry_count = retry_count + 1,
		scheduled_for = $1,
		updated_at = $2
	 WHERE id = $3 AND status = 'failed'`

	res, err := r.db.ExecContext(ctx, q, scheduledFor, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("scheduled call repo: reset for retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("scheduled call repo: rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return repository.ErrInvalidState
	}
	return nil
}

// Stats returns scheduled-call counts for the given calendar day.
func (r *ScheduledCallRepository) Stats(ctx context.Context, day time.Time) (*domain.SchedulerStats, error) {
	start := domain.DateOf(day)
	q := `SELECT
		COUNT(*) FILTER (WHERE status = 'pending')                                AS pending,
		COUNT(*) FILTER (WHERE status = 'queued')                                 AS queued,
		COUNT(*) FILTER (WHERE status = 'calling')                                AS calling,
		COUNT(*) FILTER (WHERE status = 'completed' AND updated_at >= $1)         AS completed_today,
		COUNT(*) FILTER (WHERE status = 'failed' AND updated_at >= $1)            AS failed_today,
		COUNT(*) FILTER (WHERE scheduled_for >= $1 AND scheduled_for < $2)        AS total_today
	 FROM scheduled_calls`

	var record statsRecord
	if err := r.db.QueryRowxContext(ctx, q, start, start.AddDate(0, 0, 1)).StructScan(&record); err != nil {
		return nil, fmt.Errorf("scheduled call repo: stats: %w", err)
	}

	return &domain.SchedulerStats{
		Pending:        record.Pending,
		Queued:         record.Queued,
		Calling:        record.Calling,
		CompletedToday: record.CompletedToday,
		FailedToday:    record.FailedToday,
		TotalToday:     record.TotalToday,
	}, nil
}

// DeleteScheduledBefore removes entries scheduled before the cutoff date.
func (r *ScheduledCallRepository) DeleteScheduledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	q := `DELETE FROM scheduled_calls WHERE scheduled_for < $1`

	res, err := r.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scheduled call repo: delete scheduled before: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("scheduled call repo: rows affected: %w", err)
	}
	return n, nil
}

type scheduledCallRecord struct {
	ID             uuid.UUID      `db:"id"`
	CustomerID     uuid.UUID      `db:"customer_id"`
	SubscriptionID uuid.NullUUID  `db:"subscription_id"`
	Phone          string         `db:"phone"`
	CustomerName   string         `db:"customer_name"`
	ScheduledFor   time.Time      `db:"scheduled_for"`
	Status         string         `db:"status"`
	Reason         string         `db:"reason"`
	Priority       int            `db:"priority"`
	Notes          string         `db:"notes"`
	RetryCount     int            `db:"retry_count"`
	LastError      sql.NullString `db:"last_error"`
	CallID         uuid.NullUUID  `db:"call_id"`
	TaskHandle     sql.NullString `db:"task_handle"`
	ExecutedAt     sql.NullTime   `db:"executed_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r scheduledCallRecord) toDomain() domain.ScheduledCall {
	sc := domain.ScheduledCall{
		ID:           r.ID,
		CustomerID:   r.CustomerID,
		Phone:        r.Phone,
		CustomerName: r.CustomerName,
		ScheduledFor: r.ScheduledFor,
		Status:       domain.ScheduledCallStatus(r.Status),
		Reason:       domain.ScheduleReason(r.Reason),
		Priority:     r.Priority,
		Notes:        r.Notes,
		RetryCount:   r.RetryCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.SubscriptionID.Valid {
		subID := r.SubscriptionID.UUID
		sc.SubscriptionID = &subID
	}
	if r.LastError.Valid {
		lastErr := r.LastError.String
		sc.LastError = &lastErr
	}
	if r.CallID.Valid {
		callID := r.CallID.UUID
		sc.CallID = &callID
	}
	if r.TaskHandle.Valid {
		handle := r.TaskHandle.String
		sc.TaskHandle = &handle
	}
	if r.ExecutedAt.Valid {
		executed := r.ExecutedAt.Time
		sc.ExecutedAt = &executed
	}
	return sc
}

type statsRecord struct {
	Pending        int `db:"pending"`
	Queued         int `db:"queued"`
	Calling        int `db:"calling"`
	CompletedToday int `db:"completed_today"`
	FailedToday    int `db:"failed_today"`
	TotalToday     int `db:"total_today"`
}
