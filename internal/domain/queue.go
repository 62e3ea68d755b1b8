package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus enumerates queue item states.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
	QueueStatusSkipped    QueueStatus = "skipped"
)

// IsTerminal reports whether the item can never transition again.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case QueueStatusCompleted, QueueStatusFailed, QueueStatusCancelled, QueueStatusSkipped:
		return true
	default:
		return false
	}
}

// CallType tags how a queue item was created.
type CallType string

const (
	CallTypeDirect   CallType = "direct"
	CallTypeCampaign CallType = "campaign"
)

// CallOutcome is reported by the call-initiation collaborator once a call ends.
type CallOutcome string

const (
	CallOutcomeCompleted CallOutcome = "completed"
	CallOutcomeFailed    CallOutcome = "failed"
	CallOutcomeBusy      CallOutcome = "busy"
	CallOutcomeNoAnswer  CallOutcome = "no-answer"
	CallOutcomeCancelled CallOutcome = "cancelled"
)

// Valid reports whether the outcome is known.
func (o CallOutcome) Valid() bool {
	switch o {
	case CallOutcomeCompleted, CallOutcomeFailed, CallOutcomeBusy, CallOutcomeNoAnswer, CallOutcomeCancelled:
		return true
	default:
		return false
	}
}

// Retryable reports whether the outcome may trigger a retry.
func (o CallOutcome) Retryable() bool {
	return o == CallOutcomeBusy || o == CallOutcomeNoAnswer
}

// QueueItem is one scheduled or attempted outbound call.
type QueueItem struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	CampaignID      *uuid.UUID
	ContactID       uuid.UUID
	AgentID         uuid.UUID
	PhoneNumber     string
	CallType        CallType
	Status          QueueStatus
	Priority        int
	Position        int64
	ScheduledFor    time.Time
	RetryCount      int
	InfraRetryCount int
	// OriginalQueueID points at the root of a retry chain; nil on the root itself.
	OriginalQueueID *uuid.UUID
	LastOutcome     *CallOutcome
	FailureReason   string
	UserData        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// RootID returns the id of the first item in this item's retry chain.
func (q *QueueItem) RootID() uuid.UUID {
	if q.OriginalQueueID != nil {
		return *q.OriginalQueueID
	}
	return q.ID
}

// BelongsTo reports whether the item is part of campaign id.
func (q *QueueItem) BelongsTo(campaignID uuid.UUID) bool {
	return q.CampaignID != nil && *q.CampaignID == campaignID
}

// Malformed returns a reason when the item cannot be dialled at all.
func (q *QueueItem) Malformed() string {
	switch {
	case q.PhoneNumber == "":
		return "missing phone number"
	case q.ContactID == uuid.Nil:
		return "missing contact"
	default:
		return ""
	}
}

// CallAttempt is the audit record of one finished attempt.
type CallAttempt struct {
	QueueItemID uuid.UUID
	RootID      uuid.UUID
	CampaignID  *uuid.UUID
	UserID      uuid.UUID
	Attempt     int
	Outcome     CallOutcome
	Duration    time.Duration
	Cost        float64
	Reason      string
	OccurredAt  time.Time
}
