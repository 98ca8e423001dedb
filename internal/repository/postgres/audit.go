package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
)

const auditColumns = `id, kind, actor_id, resource_type, resource_id, action, result, site_context,
	reason, review_required, references_id, details, request_id, ip_address, user_agent,
	timestamp, prev_hash, hash`

type auditRepository struct {
	BaseRepository
}

func NewAuditRepository(base BaseRepository) repository.AuditRepository {
	return &auditRepository{base}
}

// Append holds a transaction-scoped advisory lock on the resource so that chain
// links and per-resource timestamp order are assigned by one writer at a time.
func (r *auditRepository) Append(ctx context.Context, entry *model.AuditLogEntry, events ...*model.OutboxEvent) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.ResourceID); err != nil {
			return fmt.Errorf("failed to lock audit chain: %w", err)
		}

		var last struct {
			Hash      string       `db:"hash"`
			Timestamp sql.NullTime `db:"timestamp"`
		}
		err := tx.GetContext(ctx, &last, `
			SELECT hash, timestamp FROM audit_log_entries
			WHERE resource_id = $1
			ORDER BY seq DESC
			LIMIT 1`, entry.ResourceID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read audit chain head: %w", err)
		}

		entry.Normalize()
		if last.Timestamp.Valid && entry.Timestamp.Before(last.Timestamp.Time) {
			entry.Timestamp = last.Timestamp.Time.UTC()
		}
		if err := entry.Seal(last.Hash); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_log_entries (`+auditColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			entry.ID,
			entry.Kind,
			entry.ActorID,
			entry.ResourceType,
			entry.ResourceID,
			entry.Action,
			entry.Result,
			entry.SiteContext,
			entry.Reason,
			entry.ReviewRequired,
			entry.References,
			entry.Details,
			entry.RequestID,
			entry.IPAddress,
			entry.UserAgent,
			entry.Timestamp,
			entry.PrevHash,
			entry.Hash,
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit entry: %w", err)
		}

		for _, event := range events {
			if err := insertOutboxEvent(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *auditRepository) Get(ctx context.Context, id uuid.UUID) (*model.AuditLogEntry, error) {
	var entry model.AuditLogEntry
	err := r.GetDB().GetContext(ctx, &entry, `SELECT `+auditColumns+` FROM audit_log_entries WHERE id = $1`, id)
	if err != nil {
		return nil, notFound("audit entry", err)
	}
	return &entry, nil
}

func (r *auditRepository) Query(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, int64, error) {
	var conditions []string
	var args []interface{}

	add := func(cond string, v interface{}) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.PatientID != "" {
		add("resource_id = $%d", filter.PatientID)
		add("resource_type = $%d", model.AuditResourcePatient)
	}
	if filter.SiteID != "" {
		add("site_context = $%d", filter.SiteID)
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.Result != "" {
		add("result = $%d", filter.Result)
	}
	if filter.Kind != "" {
		add("kind = $%d", filter.Kind)
	}
	if !filter.From.IsZero() {
		add("timestamp >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("timestamp <= $%d", filter.To)
	}

	baseQuery := ` FROM audit_log_entries WHERE 1=1`
	for _, condition := range conditions {
		baseQuery += " AND " + condition
	}

	var total int64
	if err := r.GetDB().GetContext(ctx, &total, "SELECT COUNT(*)"+baseQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	page := filter.Pagination.Normalize()
	queryArgs := append(append([]interface{}{}, args...), page.PageSize, page.Offset())
	query := "SELECT " + auditColumns + baseQuery +
		fmt.Sprintf(" ORDER BY timestamp DESC, seq DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	entries := []model.AuditLogEntry{}
	if err := r.GetDB().SelectContext(ctx, &entries, query, queryArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, total, nil
}

func (r *auditRepository) ListByResource(ctx context.Context, resourceID string) ([]model.AuditLogEntry, error) {
	entries := []model.AuditLogEntry{}
	query := strings.Join([]string{
		`SELECT ` + auditColumns,
		`FROM audit_log_entries WHERE resource_id = $1`,
		`ORDER BY seq ASC`,
	}, " ")
	if err := r.GetDB().SelectContext(ctx, &entries, query, resourceID); err != nil {
		return nil, fmt.Errorf("failed to list audit chain: %w", err)
	}
	return entries, nil
}
