package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/repository"
)

const campaignColumns = `id, user_id, agent_id, name, description, window_start_min, window_end_min,
	time_zone, time_zone_override, retry_policy, status, created_at, updated_at, started_at, completed_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	policy, err := json.Marshal(campaign.RetryPolicy)
	if err != nil {
		return fmt.Errorf("campaign repo: marshal retry policy: %w", err)
	}

	q := `INSERT INTO campaigns (` + campaignColumns + `) VALUES (
		:id, :user_id, :agent_id, :name, :description, :window_start_min, :window_end_min,
		:time_zone, :time_zone_override, :retry_policy, :status, :created_at, :updated_at, :started_at, :completed_at
	)`

	params := map[string]any{
		"id":                 campaign.ID,
		"user_id":            campaign.UserID,
		"agent_id":           campaign.AgentID,
		"name":               campaign.Name,
		"description":        campaign.Description,
		"window_start_min":   campaign.Window.Start.Minutes(),
		"window_end_min":     campaign.Window.End.Minutes(),
		"time_zone":          campaign.TimeZone,
		"time_zone_override": campaign.TimeZoneOverride,
		"retry_policy":       policy,
		"status":             campaign.Status,
		"created_at":         campaign.CreatedAt,
		"updated_at":         campaign.UpdatedAt,
		"started_at":         campaign.StartedAt,
		"completed_at":       campaign.CompletedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}
	return record.toDomain()
}

// ListByStatus returns campaigns filtered by status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

// TransitionStatus performs a compare-and-set on the campaign status.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus, at time.Time) (bool, error) {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}

	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		status = $1,
		updated_at = $2,
		started_at = CASE WHEN $1 = 'active' AND started_at IS NULL THEN $2 ELSE started_at END,
		completed_at = CASE WHEN $1 IN ('completed', 'cancelled') THEN $2 ELSE completed_at END
	WHERE id = $3 AND status = ANY($4)`, string(to), at, id, allowed)
	if err != nil {
		return false, fmt.Errorf("campaign repo: transition status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	return n == 1, nil
}

type campaignRecord struct {
	ID               uuid.UUID      `db:"id"`
	UserID           uuid.UUID      `db:"user_id"`
	AgentID          uuid.UUID      `db:"agent_id"`
	Name             string         `db:"name"`
	Description      sql.NullString `db:"description"`
	WindowStartMin   int            `db:"window_start_min"`
	WindowEndMin     int            `db:"window_end_min"`
	TimeZone         string         `db:"time_zone"`
	TimeZoneOverride bool           `db:"time_zone_override"`
	RetryPolicy      []byte         `db:"retry_policy"`
	Status           string         `db:"status"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	StartedAt        sql.NullTime   `db:"started_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
}

func (r campaignRecord) toDomain() (*domain.Campaign, error) {
	campaign := &domain.Campaign{
		ID:          r.ID,
		UserID:      r.UserID,
		AgentID:     r.AgentID,
		Name:        r.Name,
		Description: r.Description.String,
		Window: domain.CallingWindow{
			Start: domain.TimeOfDayFromMinutes(r.WindowStartMin),
			End:   domain.TimeOfDayFromMinutes(r.WindowEndMin),
		},
		TimeZone:         r.TimeZone,
		TimeZoneOverride: r.TimeZoneOverride,
		Status:           domain.CampaignStatus(r.Status),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if len(r.RetryPolicy) > 0 {
		if err := json.Unmarshal(r.RetryPolicy, &campaign.RetryPolicy); err != nil {
			return nil, fmt.Errorf("campaign repo: campaign %s: %w", r.ID, err)
		}
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		campaign.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		campaign.CompletedAt = &t
	}
	return campaign, nil
}
