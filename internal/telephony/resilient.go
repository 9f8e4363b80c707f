package telephony

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/acme/policy-outreach/internal/config"
	"github.com/acme/policy-outreach/internal/domain"
	apperrors "github.com/acme/policy-outreach/pkg/errors"
	"github.com/acme/policy-outreach/pkg/logger"
)

// ResilientProvider wraps a Provider with bounded retries and a circuit
// breaker. Failures with a definite outcome (busy, declined, bad caller
// config) are neither retried nor counted against the breaker; only
// unexplained transport failures are.
type ResilientProvider struct {
	inner    Provider
	breaker  *gobreaker.CircuitBreaker[DialResult]
	attempts uint
	base     time.Duration
	max      time.Duration
	log      *logger.Logger
}

// NewResilientProvider constructs the wrapper around inner.
func NewResilientProvider(inner Provider, cfg config.DialConfig, log *logger.Logger) *ResilientProvider {
	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 3
	}
	base := cfg.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := cfg.RetryMaxDelay
	if max <= 0 {
		max = 15 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "telephony",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit state changed",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || FinalFailure(err)
		},
	}

	return &ResilientProvider{
		inner:    inner,
		breaker:  gobreaker.NewCircuitBreaker[DialResult](settings),
		attempts: attempts,
		base:     base,
		max:      max,
		log:      log,
	}
}

// Dial places a call through the breaker. It returns ErrCircuitOpen when
// the breaker refuses the request, so callers can requeue instead of
// burning a retry.
func (p *ResilientProvider) Dial(ctx context.Context, req DialRequest) (DialResult, error) {
	result, err := p.breaker.Execute(func() (DialResult, error) {
		var res DialResult
		retryErr := retry.Do(
			func() error {
				var dialErr error
				res, dialErr = p.inner.Dial(ctx, req)
				if dialErr != nil && FinalFailure(dialErr) {
					return retry.Unrecoverable(dialErr)
				}
				return dialErr
			},
			retry.Context(ctx),
			retry.Attempts(p.attempts),
			retry.DelayType(retry.BackOffDelay),
			retry.Delay(p.base),
			retry.MaxDelay(p.max),
			retry.LastErrorOnly(true),
		)
		return res, retryErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return DialResult{}, apperrors.ErrCircuitOpen
		}
		return DialResult{}, err
	}
	return result, nil
}

// ActiveSessions queries the inner provider directly. Session listing is a
// cheap read and does not go through the dial breaker.
func (p *ResilientProvider) ActiveSessions(ctx context.Context) ([]Session, error) {
	return p.inner.ActiveSessions(ctx)
}

// Outcome re-exports classification for callers holding a dial error.
func Outcome(err error) domain.CallOutcome {
	if err == nil {
		return domain.OutcomeFailed
	}
	return ClassifyFailure(err.Error())
}
