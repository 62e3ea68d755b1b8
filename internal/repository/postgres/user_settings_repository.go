package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/repository"
)

// UserSettingsRepository persists per-user dispatch settings.
type UserSettingsRepository struct {
	db *sqlx.DB
}

// NewUserSettingsRepository creates a new repository.
func NewUserSettingsRepository(db *sqlx.DB) *UserSettingsRepository {
	return &UserSettingsRepository{db: db}
}

// Get returns the settings of one user.
func (r *UserSettingsRepository) Get(ctx context.Context, userID uuid.UUID) (*domain.UserSettings, error) {
	var rec userSettingsRecord
	err := r.db.GetContext(ctx, &rec, `SELECT user_id, concurrent_limit, time_zone, updated_at FROM user_settings WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("user settings: get: %w", err)
	}
	return rec.toDomain(), nil
}

// Upsert inserts or replaces the settings of one user.
func (r *UserSettingsRepository) Upsert(ctx context.Context, settings *domain.UserSettings) error {
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO user_settings (user_id, concurrent_limit, time_zone, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			concurrent_limit = EXCLUDED.concurrent_limit,
			time_zone = EXCLUDED.time_zone,
			updated_at = EXCLUDED.updated_at`,
		settings.UserID, settings.ConcurrentLimit, settings.TimeZone, settings.UpdatedAt)
	if err != nil {
		return fmt.Errorf("user settings: upsert: %w", err)
	}
	return nil
}

// ListByIDs loads settings for many users. Users without a row are absent from the map.
func (r *UserSettingsRepository) ListByIDs(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*domain.UserSettings, error) {
	out := make(map[uuid.UUID]*domain.UserSettings, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT user_id, concurrent_limit, time_zone, updated_at FROM user_settings WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("user settings: list: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec userSettingsRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("user settings: scan: %w", err)
		}
		out[rec.UserID] = rec.toDomain()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user settings: rows err: %w", err)
	}
	return out, nil
}

type userSettingsRecord struct {
	UserID          uuid.UUID `db:"user_id"`
	ConcurrentLimit int       `db:"concurrent_limit"`
	TimeZone        string    `db:"time_zone"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r userSettingsRecord) toDomain() *domain.UserSettings {
	return &domain.UserSettings{
		UserID:          r.UserID,
		ConcurrentLimit: r.ConcurrentLimit,
		TimeZone:        r.TimeZone,
		UpdatedAt:       r.UpdatedAt,
	}
}
