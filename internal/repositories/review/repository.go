// Package review persists the two-structure review state: a single mutable
// current draft per RFP plus an append-only audit log, and the terminal
// approval record.
package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"go.uber.org/zap"

	"github.com/rfp-ignite/reviewd/internal/database"
	"github.com/rfp-ignite/reviewd/internal/tracing"
	"github.com/rfp-ignite/reviewd/pkg/apperror"
	"github.com/rfp-ignite/reviewd/pkg/models"
)

// Repository handles review draft, audit log, and approval persistence.
type Repository struct {
	db     database.DB
	logger *zap.Logger
}

// NewRepository creates a review repository.
func NewRepository(db database.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

type draftRow struct {
	RFPID           string          `db:"rfp_id"`
	SavedAt         time.Time       `db:"saved_at"`
	SavedBy         string          `db:"saved_by"`
	Notes           sql.NullString  `db:"notes"`
	Overrides       json.RawMessage `db:"overrides"`
	GlobalOverrides json.RawMessage `db:"global_overrides"`
}

// GetDraft returns the current draft for an RFP, or nil when none exists.
func (r *Repository) GetDraft(ctx context.Context, rfpID string) (*models.ReviewDraft, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Repository.GetDraft")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("rfp_id", "saved_at", "saved_by", "notes", "overrides", "global_overrides")
	sb.From("review_drafts")
	sb.Where(sb.Equal("rfp_id", rfpID))

	query, args := sb.Build()
	var row draftRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("failed to get review draft", zap.String("rfp_id", rfpID), zap.Error(err))
		return nil, apperror.Internal(err, "failed to load review draft")
	}

	return rowToDraft(&row)
}

// SaveDraft overwrites the current draft and appends the audit entry in one
// transaction. Either both land or neither does.
func (r *Repository) SaveDraft(ctx context.Context, draft *models.ReviewDraft, entry *models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "review.Repository.SaveDraft")
	defer span.End()

	overrides, err := json.Marshal(draft.Request.Overrides)
	if err != nil {
		return apperror.Internal(err, "failed to encode overrides")
	}
	globals, err := json.Marshal(draft.Request.GlobalOverrides)
	if err != nil {
		return apperror.Internal(err, "failed to encode global overrides")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Internal(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO review_drafts (rfp_id, saved_at, saved_by, notes, overrides, global_overrides, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $2)
		ON CONFLICT (rfp_id) DO UPDATE SET
			saved_at = EXCLUDED.saved_at,
			saved_by = EXCLUDED.saved_by,
			notes = EXCLUDED.notes,
			overrides = EXCLUDED.overrides,
			global_overrides = EXCLUDED.global_overrides,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, draft.RFPID, draft.SavedAt, draft.SavedBy, draft.Request.Notes, overrides, globals); err != nil {
		r.logger.Error("failed to upsert review draft", zap.String("rfp_id", draft.RFPID), zap.Error(err))
		return apperror.Internal(err, "failed to save review draft")
	}

	if err := insertAuditEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperror.Internal(err, "failed to commit draft save")
	}
	return nil
}

// GetApproval returns the approval record for an RFP, or nil when the RFP
// has not been approved.
func (r *Repository) GetApproval(ctx context.Context, rfpID string) (*models.ApprovedReview, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Repository.GetApproval")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("rfp_id", "approved_at", "approved_by", "request_fingerprint", "export_ref", "final_response")
	sb.From("approved_reviews")
	sb.Where(sb.Equal("rfp_id", rfpID))

	query, args := sb.Build()
	var approval models.ApprovedReview
	if err := r.db.GetContext(ctx, &approval, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("failed to get approval", zap.String("rfp_id", rfpID), zap.Error(err))
		return nil, apperror.Internal(err, "failed to load approval")
	}
	return &approval, nil
}

// CreateApproval inserts the terminal approval record and its audit entry
// atomically. Returns false without writing anything when an approval
// already exists for the RFP (single-writer guarantee).
func (r *Repository) CreateApproval(ctx context.Context, approval *models.ApprovedReview, entry *models.AuditEntry) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Repository.CreateApproval")
	defer span.End()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, apperror.Internal(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO approved_reviews (rfp_id, approved_at, approved_by, request_fingerprint, export_ref, final_response)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (rfp_id) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, query,
		approval.RFPID, approval.ApprovedAt, approval.ApprovedBy,
		approval.RequestFingerprint, approval.ExportRef, approval.FinalResponse)
	if err != nil {
		r.logger.Error("failed to insert approval", zap.String("rfp_id", approval.RFPID), zap.Error(err))
		return false, apperror.Internal(err, "failed to record approval")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return false, nil
	}

	if err := insertAuditEntry(ctx, tx, entry); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, apperror.Internal(err, "failed to commit approval")
	}
	return true, nil
}

// ListAudit returns the audit trail for an RFP, oldest first. The log is
// append-only; this is the only read path exposed to callers.
func (r *Repository) ListAudit(ctx context.Context, rfpID string) ([]models.AuditEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Repository.ListAudit")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "rfp_id", "action", "actor", "notes", "details", "created_at")
	sb.From("review_audit_log")
	sb.Where(sb.Equal("rfp_id", rfpID))
	sb.OrderBy("created_at ASC", "id ASC")

	query, args := sb.Build()
	var entries []models.AuditEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.Error("failed to list audit log", zap.String("rfp_id", rfpID), zap.Error(err))
		return nil, apperror.Internal(err, "failed to load audit trail")
	}
	return entries, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAuditEntry(ctx context.Context, tx execer, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO review_audit_log (id, rfp_id, action, actor, notes, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, query,
		entry.ID, entry.RFPID, entry.Action, entry.Actor, entry.Notes, entry.Details, entry.CreatedAt); err != nil {
		return apperror.Internal(err, "failed to append audit entry")
	}
	return nil
}

func rowToDraft(row *draftRow) (*models.ReviewDraft, error) {
	var overrides []models.LineOverride
	if err := json.Unmarshal(row.Overrides, &overrides); err != nil {
		return nil, apperror.Internal(err, "failed to decode overrides")
	}
	var globals models.GlobalOverrides
	if err := json.Unmarshal(row.GlobalOverrides, &globals); err != nil {
		return nil, apperror.Internal(err, "failed to decode global overrides")
	}

	draft := &models.ReviewDraft{
		RFPID:   row.RFPID,
		SavedAt: row.SavedAt,
		SavedBy: row.SavedBy,
		Request: models.ReviewSaveRequest{
			RFPID:           row.RFPID,
			Overrides:       overrides,
			GlobalOverrides: globals,
			Reviewer:        row.SavedBy,
		},
	}
	if row.Notes.Valid {
		draft.Request.Notes = &row.Notes.String
	}
	return draft, nil
}
