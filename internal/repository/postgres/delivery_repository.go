package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// DeliveryRepository records outcome delivery tokens.
type DeliveryRepository struct {
	db *sqlx.DB
}

// NewDeliveryRepository builds the repository.
func NewDeliveryRepository(db *sqlx.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// Record inserts the token and reports whether it was new.
func (r *DeliveryRepository) Record(ctx context.Context, queueItemID uuid.UUID, token string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO outcome_deliveries (queue_item_id, token, received_at)
		VALUES ($1, $2, $3) ON CONFLICT (queue_item_id, token) DO NOTHING`, queueItemID, token, at)
	if err != nil {
		return false, fmt.Errorf("outcome deliveries: record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("outcome deliveries: rows affected: %w", err)
	}
	return n == 1, nil
}

// Forget removes the token.
func (r *DeliveryRepository) Forget(ctx context.Context, queueItemID uuid.UUID, token string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM outcome_deliveries WHERE queue_item_id = $1 AND token = $2`, queueItemID, token); err != nil {
		return fmt.Errorf("outcome deliveries: forget: %w", err)
	}
	return nil
}
