package eligibility

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/repository"
	"github.com/acme/policy-outreach/pkg/logger"
)

// Service selects the customers who should receive an outreach call today.
// It pulls the expiring-subscription candidates and filters out anyone
// called recently or already covered by today's schedule, keeps each
// customer at most once per pass, then applies the daily cap. Candidates stay ordered by expiry date, so when the cap cuts
// the list the most urgent customers survive.
type Service struct {
	candidates repository.CandidateRepository
	scheduled  repository.ScheduledCallRepository
	log        *logger.Logger
}

// NewService constructs an eligibility service.
func NewService(
	candidates repository.CandidateRepository,
	scheduled repository.ScheduledCallRepository,
	log *logger.Logger,
) *Service {
	return &Service{candidates: candidates, scheduled: scheduled, log: log}
}

// Select returns today's eligible candidates under the given configuration.
func (s *Service) Select(ctx context.Context, cfg *domain.SchedulerConfig, now time.Time) ([]domain.Candidate, error) {
	all, err := s.candidates.ListExpiring(ctx, now, cfg.DaysBeforeExpiry)
	if err != nil {
		return nil, fmt.Errorf("eligibility: list expiring: %w", err)
	}

	// Recency compares calendar dates, not timestamps: a call at any hour
	// of the cutoff day still counts as recent.
	skipSince := domain.DateOf(now).AddDate(0, 0, -cfg.SkipIfCalledWithinDays)
	selected := make([]domain.Candidate, 0, len(all))
	seen := make(map[uuid.UUID]bool, len(all))

	for _, cand := range all {
		if cfg.MaxCallsPerDay > 0 && len(selected) >= cfg.MaxCallsPerDay {
			break
		}

		if seen[cand.Customer.ID] {
			continue
		}

		if cand.Customer.Phone == "" {
			s.log.Debug("skipping candidate without phone",
				zap.String("customer_id", cand.Customer.ID.String()))
			continue
		}

		if cfg.SkipIfCalledWithinDays > 0 && cand.LastCallAt != nil &&
			!domain.DateOf(*cand.LastCallAt).Before(skipSince) {
			continue
		}

		open, err := s.scheduled.HasOpenForCustomer(ctx, cand.Customer.ID, now)
		if err != nil {
			return nil, fmt.Errorf("eligibility: check schedule: %w", err)
		}
		if open {
			continue
		}

		seen[cand.Customer.ID] = true
		selected = append(selected, cand)
	}

	s.log.Info("eligibility selection finished",
		zap.Int("candidates", len(all)),
		zap.Int("selected", len(selected)))

	return selected, nil
}
