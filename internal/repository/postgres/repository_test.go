package postgres

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/access-api/internal/model"
	apperrors "github.com/jwalitptl/access-api/pkg/errors"
)

func newMockBase(t *testing.T) (BaseRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBaseRepository(sqlx.NewDb(db, "postgres")), mock
}

var siteRowColumns = []string{
	"id", "name", "data_classification_default", "emergency_access_enabled",
	"preauthorized_roles", "created_at", "updated_at",
}

func TestSiteRepository_Get(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewSiteRepository(base)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + siteColumns + ` FROM network_sites WHERE id = $1`)).
		WithArgs("site-a").
		WillReturnRows(sqlmock.NewRows(siteRowColumns).
			AddRow("site-a", "North Campus", "restricted", true, "{physician,nurse}", now, now))

	site, err := repo.Get(context.Background(), "site-a")
	require.NoError(t, err)
	assert.Equal(t, "North Campus", site.Name)
	assert.True(t, site.EmergencyAccessEnabled)
	assert.Equal(t, model.RoleList{"physician", "nurse"}, site.PreauthorizedRoles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSiteRepository_GetNotFound(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewSiteRepository(base)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM network_sites WHERE id = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(siteRowColumns))

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSiteRepository_Upsert(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewSiteRepository(base)
	now := time.Now().UTC()
	site := &model.NetworkSite{
		ID:                        "site-b",
		Name:                      "South Clinic",
		DataClassificationDefault: model.ClassificationStandard,
		PreauthorizedRoles:        model.RoleList{"physician"},
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO network_sites`)).
		WithArgs("site-b", "South Clinic", "standard", false, "{\"physician\"}", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Upsert(context.Background(), site))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemporaryAccessRepository_UpdateStatusConflict(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewTemporaryAccessRepository(base)
	grantedAt := time.Now().UTC()
	grant := &model.TemporaryAccess{
		ID:        uuid.New(),
		Status:    model.TemporaryAccessStatusActive,
		GrantedAt: &grantedAt,
	}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE temporary_access_grants`)).
		WithArgs(model.TemporaryAccessStatusActive, grantedAt, nil, nil, grant.ID, model.TemporaryAccessStatusPendingApproval).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), grant, model.TemporaryAccessStatusPendingApproval)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemporaryAccessRepository_CreateExclusive(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewTemporaryAccessRepository(base)
	now := time.Now().UTC()
	grant := &model.TemporaryAccess{
		ID:            uuid.New(),
		UserID:        "rn-b",
		Type:          model.TemporaryAccessSite,
		TargetID:      "site-a",
		Reason:        model.ReasonCoverage,
		Justification: "night cover",
		AccessLevel:   model.AccessLevelReadOnly,
		DurationHours: 8,
		Status:        model.TemporaryAccessStatusPendingApproval,
		RequestedAt:   now,
	}
	grantRows := []string{
		"id", "user_id", "type", "target_id", "reason", "justification", "access_level", "duration_hours",
		"status", "break_glass", "approval_workflow_id", "decided_by", "requested_at", "granted_at",
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext('temporary_access_grants'), hashtext($1))`)).
		WithArgs("rn-b").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM temporary_access_grants WHERE user_id = $1`)).
		WithArgs("rn-b").
		WillReturnRows(sqlmock.NewRows(grantRows).AddRow(
			uuid.New().String(), "rn-b", "site", "site-a", "coverage", "earlier", "read_only", 8,
			"pending_approval", false, nil, nil, now.Add(-time.Minute), nil))
	mock.ExpectRollback()

	var seen int
	err := repo.CreateExclusive(context.Background(), grant, func(existing []model.TemporaryAccess) error {
		seen = len(existing)
		return apperrors.Conflict("already pending", nil)
	})
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	assert.Equal(t, 1, seen)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM temporary_access_grants WHERE user_id = $1`)).
		WillReturnRows(sqlmock.NewRows(grantRows))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO temporary_access_grants`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CreateExclusive(context.Background(), grant, func([]model.TemporaryAccess) error { return nil }))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func newAuditEntry(resourceID string, at time.Time) *model.AuditLogEntry {
	return &model.AuditLogEntry{
		ID:           uuid.New(),
		Kind:         model.AuditKindDecision,
		ActorID:      "user-1",
		ResourceType: model.AuditResourcePatient,
		ResourceID:   resourceID,
		Action:       "view",
		Result:       model.AuditResultAllowed,
		SiteContext:  "site-a",
		Timestamp:    at,
	}
}

func TestAuditRepository_AppendFirstLink(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewAuditRepository(base)
	entry := newAuditEntry("patient-1", time.Now())
	event, err := model.NewOutboxEvent(model.EventAuditAppended, map[string]string{"id": entry.ID.String()}, time.Now())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("patient-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT hash, timestamp FROM audit_log_entries`)).
		WithArgs("patient-1").
		WillReturnRows(sqlmock.NewRows([]string{"hash", "timestamp"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_log_entries`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO outbox_events`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Append(context.Background(), entry, event))
	assert.Empty(t, entry.PrevHash)
	assert.NotEmpty(t, entry.Hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_AppendChainsToHead(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewAuditRepository(base)
	headAt := time.Now().UTC().Add(time.Minute).Truncate(time.Microsecond)
	entry := newAuditEntry("patient-2", time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT hash, timestamp FROM audit_log_entries`)).
		WithArgs("patient-2").
		WillReturnRows(sqlmock.NewRows([]string{"hash", "timestamp"}).AddRow("abc123", headAt))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_log_entries`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Append(context.Background(), entry))
	assert.Equal(t, "abc123", entry.PrevHash)
	assert.True(t, entry.Timestamp.Equal(headAt), "timestamp must not precede the chain head")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_AppendRollsBackOnInsertFailure(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewAuditRepository(base)
	entry := newAuditEntry("patient-3", time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT hash, timestamp FROM audit_log_entries`)).
		WillReturnRows(sqlmock.NewRows([]string{"hash", "timestamp"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_log_entries`)).
		WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	err := repo.Append(context.Background(), entry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert audit entry")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBaseRepository_Ping(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	base := NewBaseRepository(sqlx.NewDb(db, "postgres"))

	mock.ExpectPing().WillReturnError(fmt.Errorf("connection refused"))
	assert.Error(t, base.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_ClaimPending(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewOutboxRepository(base)
	now := time.Now().UTC()
	lease := now.Add(30 * time.Second)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE SKIP LOCKED`)).
		WithArgs(model.OutboxStatusPending, 10, lease).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_type", "payload", "status", "error_message", "created_at",
			"processed_at", "updated_at", "retry_count", "retry_at",
		}).AddRow(id.String(), model.EventBreakGlassReview, []byte(`{"audit_id":"x"}`), "PENDING", nil, now, nil, now, 0, lease))

	events, err := repo.ClaimPending(context.Background(), 10, lease)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
	assert.Equal(t, model.EventBreakGlassReview, events[0].EventType)
	assert.JSONEq(t, `{"audit_id":"x"}`, string(events[0].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_UpdateStatusMissing(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewOutboxRepository(base)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE outbox_events`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), id, model.OutboxStatusProcessed, nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrefixed(t *testing.T) {
	assert.Equal(t, "o.id, o.status", prefixed("o", "id,\n\tstatus"))
}
