package models

import "encoding/json"

// PipelineResult is the producer-owned output of the upstream RFP pipeline.
// Treated as opaque input here; this service never computes matches.
type PipelineResult struct {
	Success                  bool            `json:"success"`
	RFPID                    string          `json:"rfp_id"`
	Buyer                    string          `json:"buyer"`
	Title                    string          `json:"title"`
	SubmissionDueDate        string          `json:"submission_due_date"`
	Currency                 string          `json:"currency"`
	TechnicalRecommendations TechnicalOutput `json:"technical_recommendations"`
	Pricing                  *PricingResult  `json:"pricing,omitempty"`
	ScopeOfSupply            []ScopeLine     `json:"scope_of_supply,omitempty"`
	PricingInput             *PricingInput   `json:"pricing_input,omitempty"`
	Message                  string          `json:"message,omitempty"`
}

// DraftFetchResponse is returned by GET /api/rfp/:rfp_id/draft.
type DraftFetchResponse struct {
	Pipeline      *PipelineResult `json:"pipeline"`
	ScopeOfSupply []ScopeLine     `json:"scope_of_supply"`
	PricingInput  *PricingInput   `json:"pricing_input"`
	Draft         *ReviewDraft    `json:"draft"`
}

// RecalculateRequest is the request body for POST /api/pricing/recalculate.
type RecalculateRequest struct {
	TechnicalOutput TechnicalOutput `json:"technical_output"`
	ScopeOfSupply   []ScopeLine     `json:"scope_of_supply"`
	Overrides       []LineOverride  `json:"overrides" validate:"dive"`
	GlobalOverrides GlobalOverrides `json:"global_overrides"`
	PricingInput    PricingInput    `json:"pricing_input"`
}

// SaveDraftResponse is returned by POST /api/rfp/:rfp_id/review/save.
type SaveDraftResponse struct {
	Success bool         `json:"success"`
	Draft   *ReviewDraft `json:"draft"`
}

// OverridesApplied records the override payload an approval was built from.
type OverridesApplied struct {
	LineOverrides   []LineOverride  `json:"line_overrides"`
	GlobalOverrides GlobalOverrides `json:"global_overrides"`
}

// FinalResponse is the approved response bundle persisted with an approval
// and included in the export artifact.
type FinalResponse struct {
	Success                  bool             `json:"success"`
	RFPID                    string           `json:"rfp_id"`
	Buyer                    string           `json:"buyer"`
	Title                    string           `json:"title"`
	SubmissionDueDate        string           `json:"submission_due_date"`
	Currency                 string           `json:"currency"`
	TechnicalRecommendations TechnicalOutput  `json:"technical_recommendations"`
	Pricing                  PricingResult    `json:"pricing"`
	ApprovedBy               string           `json:"approved_by"`
	ApprovedAt               string           `json:"approved_at"`
	OverridesApplied         OverridesApplied `json:"overrides_applied"`
}

// ApproveResponse is returned by POST /api/rfp/:rfp_id/review/approve.
// Replayed marks a retried approval answered with the original export
// reference.
type ApproveResponse struct {
	Success       bool            `json:"success"`
	FinalResponse json.RawMessage `json:"final_response"`
	ExportURL     string          `json:"export_url"`
	AuditTrail    []AuditEntry    `json:"audit_trail"`
	Replayed      bool            `json:"replayed,omitempty"`
}
