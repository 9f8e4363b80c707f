package call

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/repository"
	"github.com/acme/policy-outreach/internal/service/common"
	"github.com/acme/policy-outreach/internal/telephony"
	apperrors "github.com/acme/policy-outreach/pkg/errors"
)

// Service answers read queries about calls and their dial attempts.
type Service struct {
	calls    repository.CallRepository
	attempts repository.AttemptStore
	provider telephony.Provider
}

// NewService builds the call query service.
func NewService(calls repository.CallRepository, attempts repository.AttemptStore, provider telephony.Provider) *Service {
	return &Service{calls: calls, attempts: attempts, provider: provider}
}

// Get retrieves a call by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	return s.calls.Get(ctx, id)
}

// List returns calls matching the filter.
func (s *Service) List(ctx context.Context, filter repository.CallFilter) ([]*domain.Call, error) {
	return s.calls.List(ctx, filter)
}

// Active returns calls still in flight.
func (s *Service) Active(ctx context.Context) ([]*domain.Call, error) {
	return s.calls.ListActive(ctx)
}

// Sessions lists the live rooms the telephony provider reports. This is the
// provider's view; the durable record of in-flight calls comes from Active.
func (s *Service) Sessions(ctx context.Context) ([]telephony.Session, error) {
	return s.provider.ActiveSessions(ctx)
}

// AttemptsPage is one page of the dial attempt log.
type AttemptsPage struct {
	Attempts  []domain.DialAttempt
	NextToken string
}

// ListAttempts returns the dial attempts for a scheduled call, newest
// first, with an opaque continuation token.
func (s *Service) ListAttempts(ctx context.Context, scheduledCallID uuid.UUID, limit int, token string) (*AttemptsPage, error) {
	state, err := DecodePagingState(token)
	if err != nil {
		return nil, fmt.Errorf("%w: bad page token", apperrors.ErrValidation)
	}

	attempts, next, err := s.attempts.ListByScheduledCall(ctx, scheduledCallID, limit, state)
	if err != nil {
		return nil, err
	}

	return &AttemptsPage{
		Attempts:  attempts,
		NextToken: EncodePagingState(next),
	}, nil
}

// EncodePagingState converts the paging state to base64 for API responses.
func EncodePagingState(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return common.EncodeBase64(state)
}

// DecodePagingState decodes a base64 token to paging state bytes.
func DecodePagingState(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	return common.DecodeBase64(token)
}
