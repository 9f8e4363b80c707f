package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/repository"
)

// CallRepository implements repository.CallRepository using PostgreSQL.
type CallRepository struct {
	db *sqlx.DB
}

// NewCallRepository constructs a new repository.
func NewCallRepository(db *sqlx.DB) *CallRepository {
	return &CallRepository{db: db}
}

// Create inserts a new call record.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	q := `INSERT INTO calls (
		id, customer_id, subscription_id, phone, room_name, status,
		outcome, failure_reason, notes, summary, transcript, product_id,
		started_at, ended_at, duration_seconds, created_at
	) VALUES (
		:id, :customer_id, :subscription_id, :phone, :room_name, :status,
		:outcome, :failure_reason, :notes, :summary, :transcript, :product_id,
		:started_at, :ended_at, :duration_seconds, :created_at
	)`

	params := map[string]any{
		"id":               call.ID,
		"customer_id":      call.CustomerID,
		"subscription_id":  call.SubscriptionID,
		"phone":            call.Phone,
		"room_name":        call.RoomName,
		"status":           call.Status,
		"outcome":          call.Outcome,
		"failure_reason":   call.FailureReason,
		"notes":            call.Notes,
		"summary":          call.Summary,
		"transcript":       call.Transcript,
		"product_id":       call.ProductID,
		"started_at":       call.StartedAt,
		"ended_at":         call.EndedAt,
		"duration_seconds": call.DurationSeconds,
		"created_at":       call.CreatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("call repo: insert: %w", err)
	}

	return nil
}

const callColumns = `id, customer_id, subscription_id, phone, room_name, status,
	outcome, failure_reason, notes, summary, transcript, product_id,
	started_at, ended_at, duration_seconds, created_at`

// Get fetches a call by id.
func (r *CallRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
	var record callRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call repo: get: %w", err)
	}

	call := record.toDomain()
	return &call, nil
}

// UpdateStatus updates a call's status and optional failure reason.
func (r *CallRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CallStatus, failureReason *string) error {
	q := `UPDATE calls SET status = $1, failure_reason = COALESCE($2, failure_reason)`
	args := []any{status, failureReason}
	if status == domain.CallStatusCompleted || status == domain.CallStatusFailed {
		q += `, ended_at = $3 WHERE id = $4`
		args = append(args, time.Now().UTC(), id)
	} else {
		q += ` WHERE id = $3`
		args = append(args, id)
	}

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("call repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkFailed marks a call failed with its classified outcome.
func (r *CallRepository) MarkFailed(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome, failureReason string) error {
	now := time.Now().UTC()
	q := `UPDATE calls SET
		status = 'failed',
		outcome = $1,
		failure_reason = $2,
		ended_at = $3,
		duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($3 - started_at))::int)
	 WHERE id = $4`

	res, err := r.db.ExecContext(ctx, q, outcome, failureReason, now, id)
	if err != nil {
		return fmt.Errorf("call repo: mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// List returns calls matching the filter, most recent first.
func (r *CallRepository) List(ctx context.Context, filter repository.CallFilter) ([]*domain.Call, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	conds := []string{}
	args := []any{}
	if filter.CustomerID != nil {
		args = append(args, *filter.CustomerID)
		conds = append(conds, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.AfterID != nil {
		args = append(args, *filter.AfterID)
		conds = append(conds, fmt.Sprintf("id > $%d", len(args)))
	}

	q := `SELECT ` + callColumns + ` FROM calls`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))

	return r.queryCalls(ctx, q, args...)
}

// ListActive returns calls that have not yet reached a terminal status.
func (r *CallRepository) ListActive(ctx context.Context) ([]*domain.Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls
	 WHERE status IN ('initiated', 'in_progress')
	 ORDER BY started_at ASC`
	return r.queryCalls(ctx, q)
}

func (r *CallRepository) queryCalls(ctx context.Context, q string, args ...any) ([]*domain.Call, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("call repo: query: %w", err)
	}
	defer rows.Close()

	var results []*domain.Call
	for rows.Next() {
		var record callRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("call repo: scan: %w", err)
		}
		call := record.toDomain()
		results = append(results, &call)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call repo: rows err: %w", err)
	}

	return results, nil
}

type callRecord struct {
	ID              uuid.UUID      `db:"id"`
	CustomerID      uuid.UUID      `db:"customer_id"`
	SubscriptionID  uuid.NullUUID  `db:"subscription_id"`
	Phone           string         `db:"phone"`
	RoomName        string         `db:"room_name"`
	Status          string         `db:"status"`
	Outcome         sql.NullString `db:"outcome"`
	FailureReason   sql.NullString `db:"failure_reason"`
	Notes           sql.NullString `db:"notes"`
	Summary         sql.NullString `db:"summary"`
	Transcript      sql.NullString `db:"transcript"`
	ProductID       uuid.NullUUID  `db:"product_id"`
	StartedAt       time.Time      `db:"started_at"`
	EndedAt         sql.NullTime   `db:"ended_at"`
	DurationSeconds sql.NullInt64  `db:"duration_seconds"`
	CreatedAt       time.Time      `db:"created_at"`
}

func (r callRecord) toDomain() domain.Call {
	call := domain.Call{
		ID:         r.ID,
		CustomerID: r.CustomerID,
		Phone:      r.Phone,
		RoomName:   r.RoomName,
		Status:     domain.CallStatus(r.Status),
		Notes:      r.Notes.String,
		Summary:    r.Summary.String,
		Transcript: r.Transcript.String,
		StartedAt:  r.StartedAt,
		CreatedAt:  r.CreatedAt,
	}
	if r.SubscriptionID.Valid {
		subID := r.SubscriptionID.UUID
		call.SubscriptionID = &subID
	}
	if r.Outcome.Valid {
		outcome := domain.CallOutcome(r.Outcome.String)
		call.Outcome = &outcome
	}
	if r.FailureReason.Valid {
		reason := r.FailureReason.String
		call.FailureReason = &reason
	}
	if r.ProductID.Valid {
		productID := r.ProductID.UUID
		call.ProductID = &productID
	}
	if r.EndedAt.Valid {
		at := r.EndedAt.Time
		call.EndedAt = &at
	}
	if r.DurationSeconds.Valid {
		dur := int(r.DurationSeconds.Int64)
		call.DurationSeconds = &dur
	}
	return call
}
