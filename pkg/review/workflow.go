// Package review orchestrates the draft/approval lifecycle of an RFP
// review: NEW -> DRAFTED -> APPROVED (terminal). Draft saves are
// last-write-wins over a single current record; every save and the terminal
// approval are appended to an audit log that is never rewritten.
package review

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rfp-ignite/reviewd/internal/tracing"
	"github.com/rfp-ignite/reviewd/pkg/apperror"
	"github.com/rfp-ignite/reviewd/pkg/fingerprint"
	"github.com/rfp-ignite/reviewd/pkg/models"
	"github.com/rfp-ignite/reviewd/pkg/pricing"
)

// Store is the persistence surface the workflow drives. GetDraft and
// GetApproval return nil when no record exists. SaveDraft and
// CreateApproval must be atomic with their audit entries; CreateApproval
// returns false without side effects when an approval already exists.
type Store interface {
	GetDraft(ctx context.Context, rfpID string) (*models.ReviewDraft, error)
	SaveDraft(ctx context.Context, draft *models.ReviewDraft, entry *models.AuditEntry) error
	GetApproval(ctx context.Context, rfpID string) (*models.ApprovedReview, error)
	CreateApproval(ctx context.Context, approval *models.ApprovedReview, entry *models.AuditEntry) (bool, error)
	ListAudit(ctx context.Context, rfpID string) ([]models.AuditEntry, error)
}

// Recalculator computes pricing for an override set.
type Recalculator interface {
	Recalculate(ctx context.Context, in pricing.Input) (*models.PricingResult, error)
}

// ExportTrigger generates the approval artifact. Ref returns the reference
// a bundle will be served under, stable before Generate runs, so it can be
// recorded on the approval ahead of the write.
type ExportTrigger interface {
	Ref(rfpID string) string
	Generate(ctx context.Context, rfpID string, final *models.FinalResponse, audit []models.AuditEntry) (string, error)
}

// Notifier announces lifecycle changes. Best-effort; implementations must
// not fail the calling operation.
type Notifier interface {
	EmitDraftSaved(ctx context.Context, draft *models.ReviewDraft)
	EmitApproved(ctx context.Context, approval *models.ApprovedReview)
}

// Workflow is the review state machine.
type Workflow struct {
	store    Store
	engine   Recalculator
	exporter ExportTrigger
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWorkflow creates a review workflow. notifier may be nil.
func NewWorkflow(store Store, engine Recalculator, exporter ExportTrigger, notifier Notifier, logger *zap.Logger) *Workflow {
	return &Workflow{
		store:    store,
		engine:   engine,
		exporter: exporter,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[string]*sync.Mutex),
	}
}

// State reports the lifecycle state for an RFP.
func (w *Workflow) State(ctx context.Context, rfpID string) (models.ReviewState, error) {
	approval, err := w.store.GetApproval(ctx, rfpID)
	if err != nil {
		return "", err
	}
	if approval != nil {
		return models.ReviewStateApproved, nil
	}
	draft, err := w.store.GetDraft(ctx, rfpID)
	if err != nil {
		return "", err
	}
	if draft != nil {
		return models.ReviewStateDrafted, nil
	}
	return models.ReviewStateNew, nil
}

// SaveDraft records the reviewer's current override set. The current draft
// is overwritten (last-write-wins) and a draft_saved entry is appended to
// the audit log. Repeated saves are safe; each grows the audit log by one.
func (w *Workflow) SaveDraft(ctx context.Context, req *models.ReviewSaveRequest) (*models.ReviewDraft, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Workflow.SaveDraft")
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	unlock := w.lock(req.RFPID)
	defer unlock()

	approval, err := w.store.GetApproval(ctx, req.RFPID)
	if err != nil {
		return nil, err
	}
	if approval != nil {
		return nil, apperror.Conflict("already approved")
	}

	draft := &models.ReviewDraft{
		RFPID:   req.RFPID,
		SavedAt: w.now(),
		SavedBy: req.Reviewer,
		Request: *req,
	}
	entry := &models.AuditEntry{
		RFPID:     req.RFPID,
		Action:    models.AuditActionDraftSaved,
		Actor:     req.Reviewer,
		Notes:     req.Notes,
		CreatedAt: draft.SavedAt,
	}

	if err := w.store.SaveDraft(ctx, draft, entry); err != nil {
		return nil, err
	}

	w.logger.Info("review draft saved",
		zap.String("rfp_id", req.RFPID),
		zap.String("reviewer", req.Reviewer),
		zap.Int("overrides", len(req.Overrides)),
	)
	if w.notifier != nil {
		w.notifier.EmitDraftSaved(ctx, draft)
	}
	return draft, nil
}

// ApprovalInput carries the approve request together with the pipeline
// snapshot the final pricing is computed from. The supplied overrides take
// precedence over any previously saved draft (last-submitted-wins).
type ApprovalInput struct {
	Request  *models.ReviewSaveRequest
	Pipeline *models.PipelineResult
}

// ApprovalResult is the outcome of an approval.
type ApprovalResult struct {
	Approval   *models.ApprovedReview
	AuditTrail []models.AuditEntry
	// Replayed is true when this call matched an earlier approval's request
	// fingerprint and the original export reference was returned.
	Replayed bool
}

// Approve finalizes the review: recalculates pricing from the submitted
// overrides, transitions to APPROVED with the terminal audit entry, and
// generates the export bundle. Approving an already-approved RFP fails
// with a conflict, unless the request is the same approval being retried.
// A retry is answered with the original export reference and no second
// artifact is produced.
func (w *Workflow) Approve(ctx context.Context, in ApprovalInput) (*ApprovalResult, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Workflow.Approve")
	defer span.End()

	req := in.Request
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if in.Pipeline == nil {
		return nil, apperror.Validation("pipeline result is required for approval")
	}

	fp, err := requestFingerprint(req)
	if err != nil {
		return nil, apperror.Internal(err, "failed to fingerprint approval request")
	}

	unlock := w.lock(req.RFPID)
	defer unlock()

	existing, err := w.store.GetApproval(ctx, req.RFPID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return w.replayOrConflict(ctx, existing, fp)
	}

	result, err := w.engine.Recalculate(ctx, pricing.Input{
		RFPID:           req.RFPID,
		Recommendations: in.Pipeline.TechnicalRecommendations.Recommendations,
		ScopeOfSupply:   in.Pipeline.ScopeOfSupply,
		Overrides:       req.Overrides,
		GlobalOverrides: req.GlobalOverrides,
	})
	if err != nil {
		return nil, err
	}

	approvedAt := w.now()
	final := &models.FinalResponse{
		Success:                  true,
		RFPID:                    req.RFPID,
		Buyer:                    in.Pipeline.Buyer,
		Title:                    in.Pipeline.Title,
		SubmissionDueDate:        in.Pipeline.SubmissionDueDate,
		Currency:                 in.Pipeline.Currency,
		TechnicalRecommendations: in.Pipeline.TechnicalRecommendations,
		Pricing:                  *result,
		ApprovedBy:               req.Reviewer,
		ApprovedAt:               approvedAt.Format(time.RFC3339),
		OverridesApplied: models.OverridesApplied{
			LineOverrides:   req.Overrides,
			GlobalOverrides: req.GlobalOverrides,
		},
	}
	finalJSON, err := json.Marshal(final)
	if err != nil {
		return nil, apperror.Internal(err, "failed to encode final response")
	}

	entry := &models.AuditEntry{
		RFPID:     req.RFPID,
		Action:    models.AuditActionApproved,
		Actor:     req.Reviewer,
		Notes:     req.Notes,
		CreatedAt: approvedAt,
	}

	approval := &models.ApprovedReview{
		RFPID:              req.RFPID,
		ApprovedAt:         approvedAt,
		ApprovedBy:         req.Reviewer,
		RequestFingerprint: fp,
		ExportRef:          w.exporter.Ref(req.RFPID),
		FinalResponse:      finalJSON,
	}

	// Commit before generating the bundle. The insert decides the winner
	// across processes; a loser must never touch the winner's artifact.
	inserted, err := w.store.CreateApproval(ctx, approval, entry)
	if err != nil {
		return nil, err
	}
	if !inserted {
		winner, err := w.store.GetApproval(ctx, req.RFPID)
		if err != nil {
			return nil, err
		}
		if winner == nil {
			return nil, apperror.Internal(nil, "approval vanished after conflict")
		}
		return w.replayOrConflict(ctx, winner, fp)
	}

	trail, err := w.store.ListAudit(ctx, req.RFPID)
	if err != nil {
		return nil, err
	}
	if _, err := w.exporter.Generate(ctx, req.RFPID, final, trail); err != nil {
		// The approval is already committed; the export route reports the
		// missing bundle until it is regenerated.
		w.logger.Error("export bundle generation failed",
			zap.String("rfp_id", req.RFPID),
			zap.Error(err),
		)
		return nil, apperror.Internal(err, "failed to generate export bundle")
	}

	w.logger.Info("review approved",
		zap.String("rfp_id", req.RFPID),
		zap.String("reviewer", req.Reviewer),
		zap.String("export_ref", approval.ExportRef),
	)
	if w.notifier != nil {
		w.notifier.EmitApproved(ctx, approval)
	}

	w.releaseLock(req.RFPID)
	return &ApprovalResult{Approval: approval, AuditTrail: trail}, nil
}

// AuditTrail exposes the append-only log read-only.
func (w *Workflow) AuditTrail(ctx context.Context, rfpID string) ([]models.AuditEntry, error) {
	return w.store.ListAudit(ctx, rfpID)
}

// CurrentDraft returns the current draft for an RFP, nil when none exists.
func (w *Workflow) CurrentDraft(ctx context.Context, rfpID string) (*models.ReviewDraft, error) {
	return w.store.GetDraft(ctx, rfpID)
}

// Approval returns the approval record for an RFP, nil when not approved.
func (w *Workflow) Approval(ctx context.Context, rfpID string) (*models.ApprovedReview, error) {
	return w.store.GetApproval(ctx, rfpID)
}

func (w *Workflow) replayOrConflict(ctx context.Context, existing *models.ApprovedReview, fp string) (*ApprovalResult, error) {
	if existing.RequestFingerprint != fp {
		return nil, apperror.Conflict("already approved")
	}

	w.logger.Info("approval retry replayed",
		zap.String("rfp_id", existing.RFPID),
		zap.String("export_ref", existing.ExportRef),
	)
	trail, err := w.store.ListAudit(ctx, existing.RFPID)
	if err != nil {
		return nil, err
	}
	w.releaseLock(existing.RFPID)
	return &ApprovalResult{Approval: existing, AuditTrail: trail, Replayed: true}, nil
}

// lock serializes state transitions per rfp_id.
func (w *Workflow) lock(rfpID string) func() {
	w.mu.Lock()
	m, ok := w.locks[rfpID]
	if !ok {
		m = &sync.Mutex{}
		w.locks[rfpID] = m
	}
	w.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// releaseLock drops an rfp_id's mutex from the map once the review is
// APPROVED. The state is terminal, and later transitions are refused by the
// stored approval and the conditional insert, so the entry is never needed
// again and the map does not grow with every RFP ever approved.
func (w *Workflow) releaseLock(rfpID string) {
	w.mu.Lock()
	delete(w.locks, rfpID)
	w.mu.Unlock()
}

func validateRequest(req *models.ReviewSaveRequest) error {
	if req == nil {
		return apperror.Validation("request body is required")
	}
	if req.Reviewer == "" {
		return apperror.Validation("reviewer is required")
	}
	if req.RFPID == "" {
		return apperror.Validation("rfp_id is required")
	}
	if _, err := models.NewOverrideSet(req.Overrides); err != nil {
		return err
	}
	g := &req.GlobalOverrides
	if g.MarginFraction != nil && (*g.MarginFraction < 0 || *g.MarginFraction > 1) {
		return apperror.Validation("margin_fraction must be a fraction in [0,1]")
	}
	if g.TaxFraction != nil && (*g.TaxFraction < 0 || *g.TaxFraction > 1) {
		return apperror.Validation("tax_fraction must be a fraction in [0,1]")
	}
	return nil
}

func requestFingerprint(req *models.ReviewSaveRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return fingerprint.FromJSON(data)
}
