package mock

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/policy-outreach/internal/config"
	"github.com/acme/policy-outreach/internal/telephony"
)

// failureModes are the provider errors the simulator produces, weighted
// roughly like real outbound traffic.
var failureModes = []string{
	"sip 486 user busy",
	"sip 408 request timeout",
	"call declined by callee",
	"sip 480 temporarily unavailable",
	"connection reset by peer",
}

// Provider simulates outbound call behaviour.
type Provider struct {
	answerRate float64
	latency    time.Duration

	mu       sync.Mutex
	rng      *rand.Rand
	sessions map[string]time.Time
}

// NewProvider constructs a mock provider with deterministic randomness.
func NewProvider(cfg config.DialConfig) *Provider {
	latency := cfg.RequestTimeout
	if latency <= 0 || latency > 3*time.Second {
		latency = 2 * time.Second
	}
	return &Provider{
		answerRate: 0.8,
		latency:    latency,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sessions:   make(map[string]time.Time),
	}
}

// Dial simulates placing a call. An accepted dial opens a simulated room
// that stays visible to ActiveSessions for a few minutes.
func (p *Provider) Dial(ctx context.Context, req telephony.DialRequest) (telephony.DialResult, error) {
	p.mu.Lock()
	delay := time.Duration(p.rng.Int63n(int64(p.latency)))
	answered := p.rng.Float64() <= p.answerRate
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return telephony.DialResult{}, ctx.Err()
	case <-time.After(delay):
	}

	if answered {
		token := uuid.NewString()
		p.mu.Lock()
		p.sessions[token] = time.Now().Add(time.Duration(1+p.rng.Intn(4)) * time.Minute)
		p.mu.Unlock()
		return telephony.DialResult{
			ProviderCallID: token,
			Status:         "answered",
		}, nil
	}

	p.mu.Lock()
	mode := failureModes[p.rng.Intn(len(failureModes))]
	p.mu.Unlock()
	return telephony.DialResult{}, errors.New(mode)
}

// ActiveSessions lists simulated rooms that have not yet wound down.
func (p *Provider) ActiveSessions(ctx context.Context) ([]telephony.Session, error) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	sessions := make([]telephony.Session, 0, len(p.sessions))
	for token, until := range p.sessions {
		if now.After(until) {
			delete(p.sessions, token)
			continue
		}
		sessions = append(sessions, telephony.Session{Token: token, ParticipantCount: 2})
	}
	return sessions, nil
}
