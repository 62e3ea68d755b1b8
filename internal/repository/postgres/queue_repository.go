package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/repository"
)

const (
	uniqueViolation = "23505"
	enqueueChunk    = 500
)

const queueColumns = `id, user_id, campaign_id, contact_id, agent_id, phone_number, call_type, status, priority, position,
	scheduled_for, retry_count, infra_retry_count, original_queue_id, last_outcome, failure_reason, user_data,
	created_at, updated_at, started_at, completed_at`

// eligibleClause expects $1 = now, $2 = open campaign ids, $3 = include direct calls.
const eligibleClause = `status = 'queued' AND scheduled_for <= $1
	AND (campaign_id = ANY($2) OR ($3 AND campaign_id IS NULL))`

// QueueRepository persists queue items.
type QueueRepository struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewQueueRepository constructs the repository. Rows with unreadable user_data
// are logged on log and returned without it.
func NewQueueRepository(db *sqlx.DB, log *zap.Logger) *QueueRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &QueueRepository{db: db, log: log}
}

// Enqueue inserts a batch of items.
func (r *QueueRepository) Enqueue(ctx context.Context, items []*domain.QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	query := `INSERT INTO queue_items (` + queueColumns + `) VALUES (
		:id, :user_id, :campaign_id, :contact_id, :agent_id, :phone_number, :call_type, :status, :priority, :position,
		:scheduled_for, :retry_count, :infra_retry_count, :original_queue_id, :last_outcome, :failure_reason, :user_data,
		:created_at, :updated_at, :started_at, :completed_at
	) ON CONFLICT (id) DO NOTHING`

	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload, err := json.Marshal(item.UserData)
		if err != nil {
			return fmt.Errorf("queue items: marshal user data: %w", err)
		}
		if item.UserData == nil {
			payload = []byte("{}")
		}
		var outcome *string
		if item.LastOutcome != nil {
			s := string(*item.LastOutcome)
			outcome = &s
		}
		rows = append(rows, map[string]any{
			"id":                item.ID,
			"user_id":           item.UserID,
			"campaign_id":       item.CampaignID,
			"contact_id":        item.ContactID,
			"agent_id":          item.AgentID,
			"phone_number":      item.PhoneNumber,
			"call_type":         string(item.CallType),
			"status":            string(item.Status),
			"priority":          item.Priority,
			"position":          item.Position,
			"scheduled_for":     item.ScheduledFor,
			"retry_count":       item.RetryCount,
			"infra_retry_count": item.InfraRetryCount,
			"original_queue_id": item.OriginalQueueID,
			"last_outcome":      outcome,
			"failure_reason":    item.FailureReason,
			"user_data":         payload,
			"created_at":        item.CreatedAt,
			"updated_at":        item.UpdatedAt,
			"started_at":        item.StartedAt,
			"completed_at":      item.CompletedAt,
		})
	}

	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		for start := 0; start < len(rows); start += enqueueChunk {
			end := start + enqueueChunk
			if end > len(rows) {
				end = len(rows)
			}
			if _, err := tx.NamedExecContext(ctx, query, rows[start:end]); err != nil {
				return fmt.Errorf("queue items: bulk insert: %w", err)
			}
		}
		return nil
	})
}

// Get fetches one item.
func (r *QueueRepository) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	var rec queueRecord
	if err := r.db.GetContext(ctx, &rec, `SELECT `+queueColumns+` FROM queue_items WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("queue items: get: %w", err)
	}
	return r.decode(rec), nil
}

// EligibleDepth counts dispatchable items per user.
func (r *QueueRepository) EligibleDepth(ctx context.Context, filter repository.EligibilityFilter) (map[uuid.UUID]int, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT user_id, COUNT(*) AS depth FROM queue_items
		WHERE `+eligibleClause+` GROUP BY user_id`, filterArgs(filter)...)
	if err != nil {
		return nil, fmt.Errorf("queue items: eligible depth: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var row struct {
			UserID uuid.UUID `db:"user_id"`
			Depth  int       `db:"depth"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("queue items: scan depth: %w", err)
		}
		out[row.UserID] = row.Depth
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue items: rows err: %w", err)
	}
	return out, nil
}

// NextEligible selects the user's next items in dispatch order.
func (r *QueueRepository) NextEligible(ctx context.Context, userID uuid.UUID, filter repository.EligibilityFilter, limit int) ([]*domain.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	args := append(filterArgs(filter), userID, limit)
	return r.selectItems(ctx, `SELECT `+queueColumns+` FROM queue_items
		WHERE `+eligibleClause+` AND user_id = $4
		ORDER BY priority DESC, position ASC, scheduled_for ASC
		LIMIT $5`, args...)
}

// EarliestScheduled returns the next future wake time among queued items.
func (r *QueueRepository) EarliestScheduled(ctx context.Context, filter repository.EligibilityFilter) (*time.Time, error) {
	var next sql.NullTime
	err := r.db.GetContext(ctx, &next, `SELECT MIN(scheduled_for) FROM queue_items
		WHERE status = 'queued' AND (campaign_id = ANY($1) OR ($2 AND campaign_id IS NULL))`,
		filter.CampaignIDs, filter.IncludeDirect)
	if err != nil {
		return nil, fmt.Errorf("queue items: earliest scheduled: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	t := next.Time
	return &t, nil
}

// Claim transitions queued -> processing in one statement.
func (r *QueueRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_items q SET status = 'processing', started_at = $2, updated_at = $2
		WHERE q.id = $1 AND q.status = 'queued'
		AND NOT EXISTS (
			SELECT 1 FROM queue_items p WHERE p.contact_id = q.contact_id AND p.status = 'processing'
		)
		AND (q.campaign_id IS NULL OR EXISTS (
			SELECT 1 FROM campaigns c WHERE c.id = q.campaign_id AND c.status = 'active'
		))`, id, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("queue items: claim: %w", err)
	}
	return affectedOne(res)
}

// Requeue returns a processing item to the queue after an initiation failure.
func (r *QueueRepository) Requeue(ctx context.Context, id uuid.UUID, scheduledFor time.Time, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_items SET
		status = 'queued',
		scheduled_for = $2,
		failure_reason = $3,
		infra_retry_count = infra_retry_count + 1,
		started_at = NULL,
		updated_at = NOW()
	WHERE id = $1 AND status = 'processing'`, id, scheduledFor, reason)
	if err != nil {
		return false, fmt.Errorf("queue items: requeue: %w", err)
	}
	return affectedOne(res)
}

// Finish closes a processing item.
func (r *QueueRepository) Finish(ctx context.Context, id uuid.UUID, status domain.QueueStatus, outcome *domain.CallOutcome, reason string, now time.Time) (bool, error) {
	var lastOutcome *string
	if outcome != nil {
		s := string(*outcome)
		lastOutcome = &s
	}
	res, err := r.db.ExecContext(ctx, `UPDATE queue_items SET
		status = $2,
		last_outcome = COALESCE($3, last_outcome),
		failure_reason = $4,
		completed_at = $5,
		updated_at = $5
	WHERE id = $1 AND status = 'processing'`, id, string(status), lastOutcome, reason, now)
	if err != nil {
		return false, fmt.Errorf("queue items: finish: %w", err)
	}
	return affectedOne(res)
}

// Skip closes a queued item that cannot be dialled.
func (r *QueueRepository) Skip(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_items SET status = 'skipped', failure_reason = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'queued'`, id, reason, now)
	if err != nil {
		return false, fmt.Errorf("queue items: skip: %w", err)
	}
	return affectedOne(res)
}

// CancelQueued cancels all queued items of the campaign.
func (r *QueueRepository) CancelQueued(ctx context.Context, campaignID uuid.UUID, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_items SET status = 'cancelled', failure_reason = 'campaign cancelled', completed_at = $2, updated_at = $2
		WHERE campaign_id = $1 AND status = 'queued'`, campaignID, now)
	if err != nil {
		return 0, fmt.Errorf("queue items: cancel queued: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue items: rows affected: %w", err)
	}
	return int(n), nil
}

// CountOpen counts queued and processing items of the campaign.
func (r *QueueRepository) CountOpen(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM queue_items WHERE campaign_id = $1 AND status IN ('queued', 'processing')`, campaignID); err != nil {
		return 0, fmt.Errorf("queue items: count open: %w", err)
	}
	return n, nil
}

// CountProcessingByUser returns the authoritative active-call counts.
func (r *QueueRepository) CountProcessingByUser(ctx context.Context) (map[uuid.UUID]int, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT user_id, COUNT(*) AS active FROM queue_items WHERE status = 'processing' GROUP BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("queue items: count processing: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var row struct {
			UserID uuid.UUID `db:"user_id"`
			Active int       `db:"active"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("queue items: scan processing: %w", err)
		}
		out[row.UserID] = row.Active
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue items: rows err: %w", err)
	}
	return out, nil
}

// ListStaleProcessing lists processing items started before the cutoff.
func (r *QueueRepository) ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.selectItems(ctx, `SELECT `+queueColumns+` FROM queue_items
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at ASC LIMIT $2`, startedBefore, limit)
}

// ListByCampaign pages through the campaign's items.
func (r *QueueRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, after repository.ItemCursor, limit int) ([]*domain.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.selectItems(ctx, `SELECT `+queueColumns+` FROM queue_items
		WHERE campaign_id = $1 AND (position, id) > ($2, $3)
		ORDER BY position ASC, id ASC LIMIT $4`, campaignID, after.Position, after.ID, limit)
}

// NextPosition reserves n positions for the user and returns the first one.
func (r *QueueRepository) NextPosition(ctx context.Context, userID uuid.UUID, n int) (int64, error) {
	if n <= 0 {
		n = 1
	}
	var next int64
	err := r.db.GetContext(ctx, &next, `INSERT INTO queue_positions (user_id, next) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET next = queue_positions.next + EXCLUDED.next
		RETURNING next`, userID, n)
	if err != nil {
		return 0, fmt.Errorf("queue items: next position: %w", err)
	}
	return next - int64(n) + 1, nil
}

func (r *QueueRepository) selectItems(ctx context.Context, query string, args ...any) ([]*domain.QueueItem, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue items: select: %w", err)
	}
	defer rows.Close()

	var results []*domain.QueueItem
	for rows.Next() {
		var rec queueRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("queue items: scan: %w", err)
		}
		results = append(results, r.decode(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue items: rows err: %w", err)
	}
	return results, nil
}

func filterArgs(filter repository.EligibilityFilter) []any {
	ids := filter.CampaignIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return []any{filter.Now, ids, filter.IncludeDirect}
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue items: rows affected: %w", err)
	}
	return n == 1, nil
}

type queueRecord struct {
	ID              uuid.UUID      `db:"id"`
	UserID          uuid.UUID      `db:"user_id"`
	CampaignID      uuid.NullUUID  `db:"campaign_id"`
	ContactID       uuid.UUID      `db:"contact_id"`
	AgentID         uuid.UUID      `db:"agent_id"`
	PhoneNumber     string         `db:"phone_number"`
	CallType        string         `db:"call_type"`
	Status          string         `db:"status"`
	Priority        int            `db:"priority"`
	Position        int64          `db:"position"`
	ScheduledFor    time.Time      `db:"scheduled_for"`
	RetryCount      int            `db:"retry_count"`
	InfraRetryCount int            `db:"infra_retry_count"`
	OriginalQueueID uuid.NullUUID  `db:"original_queue_id"`
	LastOutcome     sql.NullString `db:"last_outcome"`
	FailureReason   string         `db:"failure_reason"`
	UserData        []byte         `db:"user_data"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
}

func (r *QueueRepository) decode(rec queueRecord) *domain.QueueItem {
	item, err := rec.toDomain()
	if err != nil {
		r.log.Warn("queue item has unreadable user_data, dispatching without it",
			zap.String("queue_item_id", rec.ID.String()),
			zap.Error(err),
		)
	}
	return item
}

// toDomain always returns the item. A non-nil error reports user_data that
// could not be decoded and was dropped.
func (r queueRecord) toDomain() (*domain.QueueItem, error) {
	var userData map[string]any
	var decodeErr error
	if len(r.UserData) > 0 {
		if err := json.Unmarshal(r.UserData, &userData); err != nil {
			userData = nil
			decodeErr = fmt.Errorf("decode user_data: %w", err)
		}
	}

	item := &domain.QueueItem{
		ID:              r.ID,
		UserID:          r.UserID,
		ContactID:       r.ContactID,
		AgentID:         r.AgentID,
		PhoneNumber:     r.PhoneNumber,
		CallType:        domain.CallType(r.CallType),
		Status:          domain.QueueStatus(r.Status),
		Priority:        r.Priority,
		Position:        r.Position,
		ScheduledFor:    r.ScheduledFor,
		RetryCount:      r.RetryCount,
		InfraRetryCount: r.InfraRetryCount,
		FailureReason:   r.FailureReason,
		UserData:        userData,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.CampaignID.Valid {
		id := r.CampaignID.UUID
		item.CampaignID = &id
	}
	if r.OriginalQueueID.Valid {
		id := r.OriginalQueueID.UUID
		item.OriginalQueueID = &id
	}
	if r.LastOutcome.Valid {
		o := domain.CallOutcome(r.LastOutcome.String)
		item.LastOutcome = &o
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		item.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		item.CompletedAt = &t
	}
	return item, decodeErr
}
