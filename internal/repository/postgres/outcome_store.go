package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/repository"
)

// OutcomeStore implements repository.OutcomeStore using PostgreSQL. All
// reads and writes issued through the callback share one transaction, so a
// renewal either persists completely or not at all.
type OutcomeStore struct {
	db *sqlx.DB
}

// NewOutcomeStore constructs a new store.
func NewOutcomeStore(db *sqlx.DB) *OutcomeStore {
	return &OutcomeStore{db: db}
}

// InTx runs fn inside a transaction.
func (s *OutcomeStore) InTx(ctx context.Context, fn func(tx repository.OutcomeTx) error) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return fn(&outcomeTx{tx: tx})
	})
}

type outcomeTx struct {
	tx *sqlx.Tx
}

// GetCallForUpdate fetches a call and locks its row until commit.
func (t *outcomeTx) GetCallForUpdate(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1 FOR UPDATE`

	row := t.tx.QueryRowxContext(ctx, q, id)
	var record callRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("outcome store: get call: %w", err)
	}

	call := record.toDomain()
	return &call, nil
}

// CompleteCall marks a call completed with its outcome and the
// conversation artifacts reported by the collaborator.
func (t *outcomeTx) CompleteCall(ctx context.Context, id uuid.UUID, completion domain.CallCompletion) error {
	q := `UPDATE calls SET
		status = 'completed',
		outcome = $1,
		ended_at = $2,
		duration_seconds = $3,
		notes = $4,
		summary = $5,
		transcript = $6,
		product_id = COALESCE($7, product_id)
	 WHERE id = $8`

	res, err := t.tx.ExecContext(ctx, q,
		completion.Outcome, completion.EndedAt, completion.DurationSeconds,
		completion.Notes, completion.Summary, completion.Transcript,
		completion.ProductID, id)
	if err != nil {
		return fmt.Errorf("outcome store: complete call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outcome store: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetSubscription fetches a policy subscription by id.
func (t *outcomeTx) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.PolicySubscription, error) {
	q := `SELECT id, customer_id, template_id, start_date, end_date, premium,
	       sum_assured, status, renewal_reminder_sent, created_at, updated_at
	  FROM policy_subscriptions WHERE id = $1`

	row := t.tx.QueryRowxContext(ctx, q, id)
	var record subscriptionRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("outcome store: get subscription: %w", err)
	}

	sub := record.toDomain()
	return &sub, nil
}

// GetTemplate fetches a policy template by id.
func (t *outcomeTx) GetTemplate(ctx context.Context, id uuid.UUID) (*domain.PolicyTemplate, error) {
	q := `SELECT id, product_id, name, duration_months, base_premium, base_sum_assured, active
	  FROM policy_templates WHERE id = $1`

	row := t.tx.QueryRowxContext(ctx, q, id)
	var record templateRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("outcome store: get template: %w", err)
	}

	tpl := record.toDomain()
	return &tpl, nil
}

// RenewSubscription extends a subscription in place and makes it active
// again, clearing the reminder flag so the next expiry window re-arms it.
func (t *outcomeTx) RenewSubscription(ctx context.Context, id uuid.UUID, start, end time.Time) error {
	q := `UPDATE policy_subscriptions SET
		start_date = $1,
		end_date = $2,
		status = 'active',
		renewal_reminder_sent = FALSE,
		updated_at = $3
	 WHERE id = $4`

	res, err := t.tx.ExecContext(ctx, q, start, end, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("outcome store: renew subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outcome store: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkSubscriptionUpgraded moves a subscription to the terminal upgraded
// status. Dates and premium stay untouched for audit.
func (t *outcomeTx) MarkSubscriptionUpgraded(ctx context.Context, id uuid.UUID) error {
	q := `UPDATE policy_subscriptions SET status = 'upgraded', updated_at = $1 WHERE id = $2`

	res, err := t.tx.ExecContext(ctx, q, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("outcome store: mark subscription upgraded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outcome store: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateSubscription inserts a new policy subscription.
func (t *outcomeTx) CreateSubscription(ctx context.Context, sub *domain.PolicySubscription) error {
	q := `INSERT INTO policy_subscriptions (
		id, customer_id, template_id, start_date, end_date, premium,
		sum_assured, status, renewal_reminder_sent, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := t.tx.ExecContext(ctx, q,
		sub.ID, sub.CustomerID, sub.TemplateID, sub.StartDate, sub.EndDate,
		sub.Premium, sub.SumAssured, sub.Status, sub.RenewalReminderSent,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("outcome store: create subscription: %w", err)
	}
	return nil
}

type subscriptionRecord struct {
	ID                  uuid.UUID `db:"id"`
	CustomerID          uuid.UUID `db:"customer_id"`
	TemplateID          uuid.UUID `db:"template_id"`
	StartDate           time.Time `db:"start_date"`
	EndDate             time.Time `db:"end_date"`
	Premium             int64     `db:"premium"`
	SumAssured          int64     `db:"sum_assured"`
	Status              string    `db:"status"`
	RenewalReminderSent bool      `db:"renewal_reminder_sent"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

func (r subscriptionRecord) toDomain() domain.PolicySubscription {
	return domain.PolicySubscription{
		ID:                  r.ID,
		CustomerID:          r.CustomerID,
		TemplateID:          r.TemplateID,
		StartDate:           r.StartDate,
		EndDate:             r.EndDate,
		Premium:             r.Premium,
		SumAssured:          r.SumAssured,
		Status:              domain.SubscriptionStatus(r.Status),
		RenewalReminderSent: r.RenewalReminderSent,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

type templateRecord struct {
	ID             uuid.UUID `db:"id"`
	ProductID      uuid.UUID `db:"product_id"`
	Name           string    `db:"name"`
	DurationMonths int       `db:"duration_months"`
	BasePremium    int64     `db:"base_premium"`
	BaseSumAssured int64     `db:"base_sum_assured"`
	Active         bool      `db:"active"`
}

func (r templateRecord) toDomain() domain.PolicyTemplate {
	return domain.PolicyTemplate{
		ID:             r.ID,
		ProductID:      r.ProductID,
		Name:           r.Name,
		DurationMonths: r.DurationMonths,
		BasePremium:    r.BasePremium,
		BaseSumAssured: r.BaseSumAssured,
		Active:         r.Active,
	}
}
