package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
	apperrors "github.com/jwalitptl/access-api/pkg/errors"
)

const outboxColumns = `id, event_type, payload, status, error_message, created_at, processed_at,
	updated_at, retry_count, retry_at`

type outboxRepository struct {
	BaseRepository
}

func NewOutboxRepository(base BaseRepository) repository.OutboxRepository {
	return &outboxRepository{base}
}

// insertOutboxEvent writes event through ext, which is the audit append transaction
// when the event accompanies an audit entry.
func insertOutboxEvent(ctx context.Context, ext sqlx.ExtContext, event *model.OutboxEvent) error {
	if event == nil || event.Payload == nil {
		return fmt.Errorf("outbox event and payload are required")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = model.OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}

	_, err := sqlx.NamedExecContext(ctx, ext, `
		INSERT INTO outbox_events (id, event_type, payload, status, created_at, updated_at)
		VALUES (:id, :event_type, :payload, :status, :created_at, :updated_at)`, event)
	if err != nil {
		return fmt.Errorf("failed to write %s outbox event: %w", event.EventType, err)
	}
	return nil
}

func (r *outboxRepository) Create(ctx context.Context, event *model.OutboxEvent) error {
	return insertOutboxEvent(ctx, r.GetDB(), event)
}

// ClaimPending pushes retry_at of due events out to leaseUntil. SKIP LOCKED keeps two
// relays from claiming the same event.
func (r *outboxRepository) ClaimPending(ctx context.Context, limit int, leaseUntil time.Time) ([]*model.OutboxEvent, error) {
	query := `
		WITH due AS (
			SELECT id FROM outbox_events
			WHERE status = $1 AND (retry_at IS NULL OR retry_at <= NOW())
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET retry_at = $3, updated_at = NOW()
		FROM due
		WHERE o.id = due.id
		RETURNING ` + prefixed("o", outboxColumns)

	events := []*model.OutboxEvent{}
	if err := r.GetDB().SelectContext(ctx, &events, query, model.OutboxStatusPending, limit, leaseUntil); err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	return events, nil
}

// UpdateStatus records a relay attempt. A non-nil errorMessage counts as a failed attempt.
func (r *outboxRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errorMessage *string, retryAt *time.Time) error {
	failed := errorMessage != nil
	var processedAt *time.Time
	if status == model.OutboxStatusProcessed {
		now := time.Now().UTC()
		processedAt = &now
	}
	res, err := r.GetDB().ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $2,
			error_message = $3,
			retry_at = $4,
			retry_count = retry_count + CASE WHEN $5 THEN 1 ELSE 0 END,
			processed_at = COALESCE($6, processed_at),
			updated_at = NOW()
		WHERE id = $1`,
		id, status, errorMessage, retryAt, failed, processedAt)
	if err != nil {
		return fmt.Errorf("failed to update outbox event %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("outbox event", nil)
	}
	return nil
}

func (r *outboxRepository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.GetDB().ExecContext(ctx,
		`DELETE FROM outbox_events WHERE status = $1 AND processed_at < $2`,
		model.OutboxStatusProcessed, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed outbox events: %w", err)
	}
	return res.RowsAffected()
}
