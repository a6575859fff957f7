// Package events emits review lifecycle events. Emission is best-effort:
// a broker failure is logged and never fails the save or approval that
// triggered it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/rfp-ignite/reviewd/internal/tracing"
	"github.com/rfp-ignite/reviewd/pkg/kafka"
	"github.com/rfp-ignite/reviewd/pkg/models"
)

// Publisher is the transport the emitter writes to.
type Publisher interface {
	PublishReviewEvent(ctx context.Context, event *kafka.ReviewEvent) error
}

// Emitter publishes review lifecycle events.
type Emitter struct {
	producer Publisher
	logger   *zap.Logger
}

// NewEmitter creates an event emitter. A nil producer disables emission.
func NewEmitter(producer Publisher, logger *zap.Logger) *Emitter {
	return &Emitter{producer: producer, logger: logger}
}

// EmitDraftSaved announces that a reviewer saved a draft.
func (e *Emitter) EmitDraftSaved(ctx context.Context, draft *models.ReviewDraft) {
	if e.producer == nil {
		return
	}
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitDraftSaved")
	defer span.End()

	payload, _ := json.Marshal(map[string]any{
		"saved_at":       draft.SavedAt,
		"override_count": len(draft.Request.Overrides),
	})
	event := &kafka.ReviewEvent{
		EventType: "review.draft_saved",
		RFPID:     draft.RFPID,
		Actor:     draft.SavedBy,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := e.producer.PublishReviewEvent(ctx, event); err != nil {
		e.logger.Warn("failed to emit review.draft_saved",
			zap.String("rfp_id", draft.RFPID),
			zap.Error(err),
		)
	}
}

// EmitApproved announces the terminal approval of an RFP review.
func (e *Emitter) EmitApproved(ctx context.Context, approval *models.ApprovedReview) {
	if e.producer == nil {
		return
	}
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitApproved")
	defer span.End()

	payload, _ := json.Marshal(map[string]any{
		"approved_at": approval.ApprovedAt,
	})
	event := &kafka.ReviewEvent{
		EventType: "review.approved",
		RFPID:     approval.RFPID,
		Actor:     approval.ApprovedBy,
		ExportRef: approval.ExportRef,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := e.producer.PublishReviewEvent(ctx, event); err != nil {
		e.logger.Warn("failed to emit review.approved",
			zap.String("rfp_id", approval.RFPID),
			zap.Error(err),
		)
	}
}
