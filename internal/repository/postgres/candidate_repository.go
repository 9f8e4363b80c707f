package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/policy-outreach/internal/domain"
)

// CandidateRepository implements repository.CandidateRepository using
// PostgreSQL.
type CandidateRepository struct {
	db *sqlx.DB
}

// NewCandidateRepository constructs a new repository.
func NewCandidateRepository(db *sqlx.DB) *CandidateRepository {
	return &CandidateRepository{db: db}
}

// ListExpiring returns one row per customer holding an active subscription
// that expires within the window. When a customer has several expiring
// subscriptions the soonest-ending one is chosen. Results are ordered by
// end date ascending so the most urgent customers come first.
func (r *CandidateRepository) ListExpiring(ctx context.Context, today time.Time, withinDays int) ([]domain.Candidate, error) {
	from := domain.DateOf(today)
	until := from.AddDate(0, 0, withinDays)

	q := `SELECT * FROM (
		SELECT DISTINCT ON (c.id)
		       c.id AS customer_id, c.name, c.phone, c.email,
		       s.id AS subscription_id, s.template_id, s.start_date, s.end_date,
		       s.premium, s.sum_assured, s.status,
		       t.name AS template_name,
		       (SELECT COUNT(*) FROM calls WHERE customer_id = c.id)            AS call_count,
		       (SELECT MAX(started_at) FROM calls WHERE customer_id = c.id)    AS last_call_at
		  FROM customers c
		  JOIN policy_subscriptions s ON s.customer_id = c.id
		  JOIN policy_templates t ON t.id = s.template_id
		 WHERE s.status = 'active'
		   AND s.end_date >= $1
		   AND s.end_date <= $2
		 ORDER BY c.id, s.end_date ASC
	) picks ORDER BY end_date ASC`

	rows, err := r.db.QueryxContext(ctx, q, from, until)
	if err != nil {
		return nil, fmt.Errorf("candidate repo: list expiring: %w", err)
	}
	defer rows.Close()

	var results []domain.Candidate
	for rows.Next() {
		var record candidateRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("candidate repo: scan: %w", err)
		}
		results = append(results, record.toDomain(from))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candidate repo: rows err: %w", err)
	}

	return results, nil
}

type candidateRecord struct {
	CustomerID     uuid.UUID    `db:"customer_id"`
	Name           string       `db:"name"`
	Phone          string       `db:"phone"`
	Email          string       `db:"email"`
	SubscriptionID uuid.UUID    `db:"subscription_id"`
	TemplateID     uuid.UUID    `db:"template_id"`
	StartDate      time.Time    `db:"start_date"`
	EndDate        time.Time    `db:"end_date"`
	Premium        int64        `db:"premium"`
	SumAssured     int64        `db:"sum_assured"`
	Status         string       `db:"status"`
	TemplateName   string       `db:"template_name"`
	CallCount      int          `db:"call_count"`
	LastCallAt     sql.NullTime `db:"last_call_at"`
}

func (r candidateRecord) toDomain(today time.Time) domain.Candidate {
	sub := domain.PolicySubscription{
		ID:         r.SubscriptionID,
		CustomerID: r.CustomerID,
		TemplateID: r.TemplateID,
		StartDate:  r.StartDate,
		EndDate:    r.EndDate,
		Premium:    r.Premium,
		SumAssured: r.SumAssured,
		Status:     domain.SubscriptionStatus(r.Status),
	}

	cand := domain.Candidate{
		Customer: domain.Customer{
			ID:    r.CustomerID,
			Name:  r.Name,
			Phone: r.Phone,
			Email: r.Email,
		},
		Subscription: sub,
		TemplateName: r.TemplateName,
		DaysToExpiry: sub.DaysToExpiry(today),
		CallCount:    r.CallCount,
	}
	if r.LastCallAt.Valid {
		at := r.LastCallAt.Time
		cand.LastCallAt = &at
	}
	return cand
}
