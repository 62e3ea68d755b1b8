package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/acme/call-dispatcher/pkg/errors"
)

// RetryStrategy tags the variant held by a RetryPolicy.
type RetryStrategy string

const (
	RetryStrategyNone   RetryStrategy = "none"
	RetryStrategySimple RetryStrategy = "simple"
	RetryStrategyCustom RetryStrategy = "custom"
)

// MaxCustomAttempts is the highest attempt number a custom schedule may name.
const MaxCustomAttempts = 5

// SimpleRetry retries up to MaxRetries times, Interval apart.
type SimpleRetry struct {
	MaxRetries int
	Interval   time.Duration
}

// RetryStep is one explicit entry of a custom schedule.
type RetryStep struct {
	Attempt int
	Delay   time.Duration
}

// CustomRetry is a sparse schedule keyed by attempt number. Missing attempts do not retry.
type CustomRetry struct {
	Steps []RetryStep
}

// DelayFor returns the delay configured for attempt.
func (c CustomRetry) DelayFor(attempt int) (time.Duration, bool) {
	for _, s := range c.Steps {
		if s.Attempt == attempt {
			return s.Delay, true
		}
	}
	return 0, false
}

// RetryPolicy is a tagged variant: either Simple or Custom. The zero value never retries.
// Values are built with NewSimpleRetry / NewCustomRetry so that they are always valid.
type RetryPolicy struct {
	strategy RetryStrategy
	simple   SimpleRetry
	custom   CustomRetry
}

// NoRetry returns a policy that never retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{strategy: RetryStrategyNone}
}

// NewSimpleRetry validates and builds a Simple policy.
func NewSimpleRetry(maxRetries int, interval time.Duration) (RetryPolicy, error) {
	if maxRetries < 0 {
		return RetryPolicy{}, fmt.Errorf("%w: max retries must not be negative", apperrors.ErrValidation)
	}
	if maxRetries > 0 && interval <= 0 {
		return RetryPolicy{}, fmt.Errorf("%w: retry interval must be positive", apperrors.ErrValidation)
	}
	return RetryPolicy{
		strategy: RetryStrategySimple,
		simple:   SimpleRetry{MaxRetries: maxRetries, Interval: interval},
	}, nil
}

// NewCustomRetry validates and builds a Custom policy. Steps are stored ordered by attempt.
func NewCustomRetry(steps []RetryStep) (RetryPolicy, error) {
	seen := make(map[int]bool, len(steps))
	ordered := make([]RetryStep, 0, len(steps))
	for _, s := range steps {
		if s.Attempt < 1 || s.Attempt > MaxCustomAttempts {
			return RetryPolicy{}, fmt.Errorf("%w: retry attempt %d outside 1..%d", apperrors.ErrValidation, s.Attempt, MaxCustomAttempts)
		}
		if seen[s.Attempt] {
			return RetryPolicy{}, fmt.Errorf("%w: retry attempt %d listed twice", apperrors.ErrValidation, s.Attempt)
		}
		if s.Delay <= 0 {
			return RetryPolicy{}, fmt.Errorf("%w: retry delay for attempt %d must be positive", apperrors.ErrValidation, s.Attempt)
		}
		seen[s.Attempt] = true
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Attempt < ordered[j].Attempt })
	return RetryPolicy{strategy: RetryStrategyCustom, custom: CustomRetry{Steps: ordered}}, nil
}

// Strategy reports the active variant.
func (p RetryPolicy) Strategy() RetryStrategy {
	if p.strategy == "" {
		return RetryStrategyNone
	}
	return p.strategy
}

// Simple returns the Simple variant when active.
func (p RetryPolicy) Simple() (SimpleRetry, bool) {
	return p.simple, p.strategy == RetryStrategySimple
}

// Custom returns the Custom variant when active.
func (p RetryPolicy) Custom() (CustomRetry, bool) {
	return p.custom, p.strategy == RetryStrategyCustom
}

type retryPolicyJSON struct {
	Strategy        RetryStrategy   `json:"strategy"`
	MaxRetries      int             `json:"max_retries,omitempty"`
	IntervalMinutes int             `json:"interval_minutes,omitempty"`
	Schedule        []retryStepJSON `json:"schedule,omitempty"`
}

type retryStepJSON struct {
	Attempt      int `json:"attempt"`
	DelayMinutes int `json:"delay_minutes"`
}

// MarshalJSON encodes the policy with an explicit strategy tag.
func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	out := retryPolicyJSON{Strategy: p.Strategy()}
	switch p.Strategy() {
	case RetryStrategySimple:
		out.MaxRetries = p.simple.MaxRetries
		out.IntervalMinutes = int(p.simple.Interval / time.Minute)
	case RetryStrategyCustom:
		for _, s := range p.custom.Steps {
			out.Schedule = append(out.Schedule, retryStepJSON{Attempt: s.Attempt, DelayMinutes: int(s.Delay / time.Minute)})
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes and re-validates a stored policy. A malformed schedule is a
// configuration error, not a silent "no retry".
func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	var in retryPolicyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: decode retry policy: %v", apperrors.ErrConfiguration, err)
	}
	var (
		policy RetryPolicy
		err    error
	)
	switch in.Strategy {
	case "", RetryStrategyNone:
		policy = NoRetry()
	case RetryStrategySimple:
		policy, err = NewSimpleRetry(in.MaxRetries, time.Duration(in.IntervalMinutes)*time.Minute)
	case RetryStrategyCustom:
		steps := make([]RetryStep, 0, len(in.Schedule))
		for _, s := range in.Schedule {
			steps = append(steps, RetryStep{Attempt: s.Attempt, Delay: time.Duration(s.DelayMinutes) * time.Minute})
		}
		policy, err = NewCustomRetry(steps)
	default:
		err = fmt.Errorf("unknown retry strategy %q", in.Strategy)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConfiguration, err)
	}
	*p = policy
	return nil
}
