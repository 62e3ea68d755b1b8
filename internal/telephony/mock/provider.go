package mock

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/call-dispatcher/internal/config"
	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/queue"
	"github.com/acme/call-dispatcher/internal/telephony"
)

// ErrNoTrunk is returned when the simulated bridge refuses to start a call.
var ErrNoTrunk = errors.New("mock telephony: no trunk available")

// weighted outcome distribution, in percent
var outcomes = []struct {
	outcome domain.CallOutcome
	weight  int
}{
	{domain.CallOutcomeCompleted, 60},
	{domain.CallOutcomeBusy, 15},
	{domain.CallOutcomeNoAnswer, 15},
	{domain.CallOutcomeFailed, 10},
}

// Provider simulates outbound call behaviour.
type Provider struct {
	failureRate float64
	maxDuration time.Duration
	costPerMin  float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a mock provider seeded from the clock.
func NewProvider(cfg config.CallBridgeConfig) *Provider {
	return NewSeededProvider(cfg, time.Now().UnixNano())
}

// NewSeededProvider constructs a mock provider with deterministic randomness.
func NewSeededProvider(cfg config.CallBridgeConfig, seed int64) *Provider {
	maxDuration := 5 * time.Second
	if cfg.RequestTimeout > 0 && cfg.RequestTimeout < maxDuration {
		maxDuration = cfg.RequestTimeout / 2
	}
	return &Provider{
		failureRate: cfg.InitiationFailureRate,
		maxDuration: maxDuration,
		costPerMin:  0.02,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// PlaceCall simulates dialling and waits for the simulated call to end.
func (p *Provider) PlaceCall(ctx context.Context, _ queue.CallRequest) (telephony.Result, error) {
	if err := ctx.Err(); err != nil {
		return telephony.Result{}, err
	}

	p.mu.Lock()
	refuse := p.rng.Float64() < p.failureRate
	duration := time.Duration(1 + p.rng.Int63n(int64(p.maxDuration)))
	roll := p.rng.Intn(100)
	p.mu.Unlock()

	if refuse {
		return telephony.Result{}, ErrNoTrunk
	}

	select {
	case <-ctx.Done():
		return telephony.Result{}, ctx.Err()
	case <-time.After(duration):
	}

	outcome := domain.CallOutcomeFailed
	for _, o := range outcomes {
		if roll < o.weight {
			outcome = o.outcome
			break
		}
		roll -= o.weight
	}

	result := telephony.Result{Outcome: outcome, Duration: duration}
	if outcome == domain.CallOutcomeCompleted {
		result.Cost = duration.Minutes() * p.costPerMin
	} else {
		result.Duration = 0
		result.Reason = "simulated " + string(outcome)
	}
	return result, nil
}
