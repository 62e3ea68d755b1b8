package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// Campaign models a batch of outbound calls sharing a calling window, agent and retry policy.
type Campaign struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	AgentID     uuid.UUID
	Name        string
	Description string
	Window      CallingWindow
	// TimeZone applies when TimeZoneOverride is set; otherwise the owning user's zone is used.
	TimeZone         string
	TimeZoneOverride bool
	RetryPolicy      RetryPolicy
	Status           CampaignStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// ResolveTimeZone picks the zone used by the calling window gate.
func (c *Campaign) ResolveTimeZone(userTimeZone string) string {
	if c.TimeZoneOverride || userTimeZone == "" {
		return c.TimeZone
	}
	return userTimeZone
}

// CampaignStats aggregates campaign counters.
// CompletedCalls always equals SuccessfulCalls + FailedCalls.
type CampaignStats struct {
	TotalCalls       int64 `db:"total_calls"`
	CompletedCalls   int64 `db:"completed_calls"`
	SuccessfulCalls  int64 `db:"successful_calls"`
	FailedCalls      int64 `db:"failed_calls"`
	SkippedCalls     int64 `db:"skipped_calls"`
	RetriesScheduled int64 `db:"retries_scheduled"`
}

// UserSettings holds per-user dispatch configuration.
type UserSettings struct {
	UserID          uuid.UUID
	ConcurrentLimit int
	TimeZone        string
	UpdatedAt       time.Time
}
