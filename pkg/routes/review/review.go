// Package review exposes the review API: draft fetch/save, pricing
// recalculation, approval, audit trail, and the export bundle download.
package review

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rfp-ignite/reviewd/pkg/apperror"
	"github.com/rfp-ignite/reviewd/pkg/models"
	"github.com/rfp-ignite/reviewd/pkg/pricing"
	reviewflow "github.com/rfp-ignite/reviewd/pkg/review"
)

// PipelineSource fetches the upstream pipeline result for an RFP.
type PipelineSource interface {
	FetchResult(ctx context.Context, rfpID string) (*models.PipelineResult, error)
}

// ExportLocator resolves the on-disk export bundle for an approved RFP.
type ExportLocator interface {
	Path(rfpID string) string
}

// Handler serves the review routes.
type Handler struct {
	workflow *reviewflow.Workflow
	engine   reviewflow.Recalculator
	pipeline PipelineSource
	exports  ExportLocator
	logger   *zap.Logger
}

// NewHandler creates the review route handler.
func NewHandler(
	workflow *reviewflow.Workflow,
	engine reviewflow.Recalculator,
	pipeline PipelineSource,
	exports ExportLocator,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		workflow: workflow,
		engine:   engine,
		pipeline: pipeline,
		exports:  exports,
		logger:   logger,
	}
}

// Register registers the review routes on the API group.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/rfp/:rfp_id/draft", h.GetDraft)
	g.POST("/rfp/:rfp_id/review/save", h.SaveDraft)
	g.POST("/pricing/recalculate", h.Recalculate)
	g.POST("/rfp/:rfp_id/review/approve", h.Approve)
	g.GET("/rfp/:rfp_id/audit", h.AuditTrail)
	g.GET("/rfp/:rfp_id/export", h.Export)
}

// GetDraft returns the latest pipeline result alongside any saved draft.
func (h *Handler) GetDraft(c echo.Context) error {
	ctx := c.Request().Context()
	rfpID := c.Param("rfp_id")

	result, err := h.pipeline.FetchResult(ctx, rfpID)
	if err != nil {
		return err
	}

	draft, err := h.workflow.CurrentDraft(ctx, rfpID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.DraftFetchResponse{
		Pipeline:      result,
		ScopeOfSupply: result.ScopeOfSupply,
		PricingInput:  result.PricingInput,
		Draft:         draft,
	})
}

// SaveDraft stores the reviewer's current override set as the draft.
func (h *Handler) SaveDraft(c echo.Context) error {
	ctx := c.Request().Context()
	rfpID := c.Param("rfp_id")

	req := new(models.ReviewSaveRequest)
	if err := c.Bind(req); err != nil {
		return apperror.Validation("invalid request body: %v", err)
	}
	if err := c.Validate(req); err != nil {
		return apperror.Validation("%v", err)
	}
	if req.RFPID != rfpID {
		return apperror.Validation("rfp_id mismatch: path %s vs body %s", rfpID, req.RFPID)
	}

	draft, err := h.workflow.SaveDraft(ctx, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.SaveDraftResponse{Success: true, Draft: draft})
}

// Recalculate previews pricing for an override set without persisting
// anything.
func (h *Handler) Recalculate(c echo.Context) error {
	ctx := c.Request().Context()

	req := new(models.RecalculateRequest)
	if err := c.Bind(req); err != nil {
		return apperror.Validation("invalid request body: %v", err)
	}
	if err := c.Validate(req); err != nil {
		return apperror.Validation("%v", err)
	}

	result, err := h.engine.Recalculate(ctx, pricing.Input{
		RFPID:           req.PricingInput.RFPID,
		Recommendations: req.TechnicalOutput.Recommendations,
		ScopeOfSupply:   req.ScopeOfSupply,
		Overrides:       req.Overrides,
		GlobalOverrides: req.GlobalOverrides,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// Approve finalizes the review and triggers export generation.
func (h *Handler) Approve(c echo.Context) error {
	ctx := c.Request().Context()
	rfpID := c.Param("rfp_id")

	req := new(models.ReviewSaveRequest)
	if err := c.Bind(req); err != nil {
		return apperror.Validation("invalid request body: %v", err)
	}
	if err := c.Validate(req); err != nil {
		return apperror.Validation("%v", err)
	}
	if req.RFPID != rfpID {
		return apperror.Validation("rfp_id mismatch: path %s vs body %s", rfpID, req.RFPID)
	}

	pipelineResult, err := h.pipeline.FetchResult(ctx, rfpID)
	if err != nil {
		return err
	}

	result, err := h.workflow.Approve(ctx, reviewflow.ApprovalInput{
		Request:  req,
		Pipeline: pipelineResult,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.ApproveResponse{
		Success:       true,
		FinalResponse: result.Approval.FinalResponse,
		ExportURL:     result.Approval.ExportRef,
		AuditTrail:    result.AuditTrail,
		Replayed:      result.Replayed,
	})
}

// AuditTrail returns the append-only audit log for an RFP.
func (h *Handler) AuditTrail(c echo.Context) error {
	ctx := c.Request().Context()
	rfpID := c.Param("rfp_id")

	trail, err := h.workflow.AuditTrail(ctx, rfpID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"rfp_id":      rfpID,
		"audit_trail": trail,
	})
}

// Export serves the ZIP bundle generated on approval.
func (h *Handler) Export(c echo.Context) error {
	ctx := c.Request().Context()
	rfpID := c.Param("rfp_id")

	approval, err := h.workflow.Approval(ctx, rfpID)
	if err != nil {
		return err
	}
	if approval == nil {
		return apperror.NotFound("no export for RFP %s; approve the review first", rfpID)
	}

	path := h.exports.Path(rfpID)
	if _, err := os.Stat(path); err != nil {
		h.logger.Error("export bundle missing for approved RFP",
			zap.String("rfp_id", rfpID),
			zap.String("path", path),
		)
		return apperror.NotFound("export bundle not found for RFP %s", rfpID)
	}
	return c.Attachment(path, fmt.Sprintf("%s_export.zip", rfpID))
}
