package queue

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeKind distinguishes call outcomes from initiation failures on the outcome topic.
type OutcomeKind string

const (
	OutcomeKindOutcome           OutcomeKind = "outcome"
	OutcomeKindInitiationFailure OutcomeKind = "initiation_failed"
)

// CallRequest instructs a call worker to dial a claimed queue item.
type CallRequest struct {
	QueueItemID uuid.UUID      `json:"queue_item_id"`
	UserID      uuid.UUID      `json:"user_id"`
	CampaignID  *uuid.UUID     `json:"campaign_id,omitempty"`
	AgentID     uuid.UUID      `json:"agent_id"`
	PhoneNumber string         `json:"phone_number"`
	Attempt     int            `json:"attempt"`
	UserData    map[string]any `json:"user_data,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

// OutcomeMessage reports what happened to a dispatched queue item.
type OutcomeMessage struct {
	Kind        OutcomeKind `json:"kind"`
	QueueItemID uuid.UUID   `json:"queue_item_id"`
	Outcome     string      `json:"outcome,omitempty"`
	DurationMs  int64       `json:"duration_ms"`
	Cost        float64     `json:"cost"`
	// Token deduplicates redelivered notifications for the same item.
	Token      string    `json:"token"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Wake reasons.
const (
	WakeReasonCampaignStarted = "campaign_started"
	WakeReasonCampaignResumed = "campaign_resumed"
	WakeReasonContactsAdded   = "contacts_added"
	WakeReasonDirectCall      = "direct_call"
	WakeReasonManual          = "manual"
)

// WakeMessage asks the dispatcher to run a tick now.
type WakeMessage struct {
	Reason      string     `json:"reason"`
	CampaignID  *uuid.UUID `json:"campaign_id,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
}
