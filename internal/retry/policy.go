// Package retry evaluates campaign retry policies after busy or unanswered calls.
package retry

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-dispatcher/internal/domain"
)

// Action is what should happen to a contact after an attempt.
type Action int

const (
	// Stop means the chain ends with the current item.
	Stop Action = iota
	// Retry means a new queue item should be enqueued after Decision.Delay.
	Retry
)

// Decision is the result of evaluating a policy.
type Decision struct {
	Action  Action
	Attempt int
	Delay   time.Duration
	Reason  string
}

// ShouldRetry reports whether a new item must be created.
func (d Decision) ShouldRetry() bool {
	return d.Action == Retry
}

// Next decides whether attempt number attempt (1 for the first retry) may run.
//
//   - only busy and no-answer are retryable
//   - simple: retry while attempt <= max retries, spaced by the interval
//   - custom: retry only when attempt is listed; gaps stop the chain
func Next(outcome domain.CallOutcome, attempt int, policy domain.RetryPolicy) Decision {
	if !outcome.Retryable() {
		return Decision{Action: Stop, Attempt: attempt, Reason: "outcome " + string(outcome) + " is not retryable"}
	}
	if attempt < 1 {
		return Decision{Action: Stop, Attempt: attempt, Reason: "invalid attempt number"}
	}

	switch policy.Strategy() {
	case domain.RetryStrategySimple:
		simple, _ := policy.Simple()
		if attempt > simple.MaxRetries {
			return Decision{Action: Stop, Attempt: attempt, Reason: "retries exhausted"}
		}
		return Decision{Action: Retry, Attempt: attempt, Delay: simple.Interval}
	case domain.RetryStrategyCustom:
		custom, _ := policy.Custom()
		delay, ok := custom.DelayFor(attempt)
		if !ok {
			return Decision{Action: Stop, Attempt: attempt, Reason: "no retry scheduled for this attempt"}
		}
		return Decision{Action: Retry, Attempt: attempt, Delay: delay}
	default:
		return Decision{Action: Stop, Attempt: attempt, Reason: "retries disabled"}
	}
}

// NextItem builds the queued item for a Retry decision. prev is not modified.
func NextItem(prev *domain.QueueItem, decision Decision, now time.Time) *domain.QueueItem {
	root := prev.RootID()
	item := &domain.QueueItem{
		ID:              uuid.New(),
		UserID:          prev.UserID,
		ContactID:       prev.ContactID,
		AgentID:         prev.AgentID,
		PhoneNumber:     prev.PhoneNumber,
		CallType:        prev.CallType,
		Status:          domain.QueueStatusQueued,
		Priority:        prev.Priority,
		Position:        prev.Position,
		ScheduledFor:    now.Add(decision.Delay),
		RetryCount:      decision.Attempt,
		OriginalQueueID: &root,
		UserData:        prev.UserData,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if prev.CampaignID != nil {
		id := *prev.CampaignID
		item.CampaignID = &id
	}
	return item
}
