package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/policy-outreach/internal/domain"
)

// AttemptStore keeps the append-only dial attempt log in Scylla. Attempts
// are partitioned by scheduled call and clustered by attempt time
// descending, so the newest attempt reads first.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// Append inserts one dial attempt.
func (s *AttemptStore) Append(ctx context.Context, attempt domain.DialAttempt) error {
	var callID *string
	if attempt.CallID != nil {
		str := attempt.CallID.String()
		callID = &str
	}

	if err := s.session.Query(`INSERT INTO dial_attempts (scheduled_call_id, attempted_at, call_id, phone, success, error, provider_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.ScheduledCallID.String(), attempt.AttemptedAt, callID,
		attempt.Phone, attempt.Success, attempt.Error, attempt.ProviderStatus,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert: %w", err)
	}
	return nil
}

// ListByScheduledCall lists attempts for a scheduled call with pagination,
// newest first. The returned paging state resumes the listing on the next
// request.
func (s *AttemptStore) ListByScheduledCall(ctx context.Context, scheduledCallID uuid.UUID, limit int, pagingState []byte) ([]domain.DialAttempt, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT attempted_at, call_id, phone, success, error, provider_status
		FROM dial_attempts WHERE scheduled_call_id = ?`, scheduledCallID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	attempts := make([]domain.DialAttempt, 0, limit)

	var (
		attemptedAt    time.Time
		callIDStr      *string
		phone          string
		success        bool
		errMsg         string
		providerStatus string
	)

	for iter.Scan(&attemptedAt, &callIDStr, &phone, &success, &errMsg, &providerStatus) {
		attempt := domain.DialAttempt{
			ScheduledCallID: scheduledCallID,
			AttemptedAt:     attemptedAt,
			Phone:           phone,
			Success:         success,
			Error:           errMsg,
			ProviderStatus:  providerStatus,
		}
		if callIDStr != nil {
			if callID, err := uuid.Parse(*callIDStr); err == nil {
				attempt.CallID = &callID
			}
		}
		attempts = append(attempts, attempt)
		callIDStr = nil
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("attempt store: iter close: %w", err)
	}

	return attempts, iter.PageState(), nil
}
