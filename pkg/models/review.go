package models

import (
	"encoding/json"
	"time"

	"github.com/rfp-ignite/reviewd/pkg/apperror"
)

// ReviewState is the lifecycle state of an RFP review
type ReviewState string

const (
	ReviewStateNew      ReviewState = "new"      // no draft exists
	ReviewStateDrafted  ReviewState = "drafted"  // at least one save recorded
	ReviewStateApproved ReviewState = "approved" // terminal
)

// Audit actions recorded in the append-only log
const (
	AuditActionDraftSaved = "draft_saved"
	AuditActionApproved   = "approved"
)

// LineOverride is a reviewer correction for a single line item.
// An empty approved_sku is the "pending manual entry" sentinel and is
// treated the same as no SKU override.
type LineOverride struct {
	LineID          string   `json:"line_id" validate:"required"`
	ApprovedSKU     *string  `json:"approved_sku,omitempty"`
	ManualUnitPrice *float64 `json:"manual_unit_price,omitempty" validate:"omitempty,gte=0"`
	OverrideReason  *string  `json:"override_reason,omitempty"`
}

// HasSKU reports whether the override carries a usable SKU value.
func (o *LineOverride) HasSKU() bool {
	return o.ApprovedSKU != nil && *o.ApprovedSKU != ""
}

// GlobalOverrides are pricing parameters applied uniformly across all lines.
// Margin and tax are fractions, not percentages (0.1 = 10%).
type GlobalOverrides struct {
	MarginFraction *float64 `json:"margin_fraction,omitempty" validate:"omitempty,gte=0,lte=1"`
	TaxFraction    *float64 `json:"tax_fraction,omitempty" validate:"omitempty,gte=0,lte=1"`
	TestExclusions []string `json:"test_exclusions,omitempty"`
}

// ExclusionSet returns the test exclusions as a lookup set.
func (g *GlobalOverrides) ExclusionSet() map[string]struct{} {
	if len(g.TestExclusions) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(g.TestExclusions))
	for _, code := range g.TestExclusions {
		set[code] = struct{}{}
	}
	return set
}

// OverrideSet is a keyed collection of line overrides with at most one
// entry per line_id. Duplicates are rejected at insertion rather than
// silently overwritten.
type OverrideSet struct {
	byLine map[string]*LineOverride
}

// NewOverrideSet builds an OverrideSet from a list of overrides.
func NewOverrideSet(overrides []LineOverride) (*OverrideSet, error) {
	set := &OverrideSet{byLine: make(map[string]*LineOverride, len(overrides))}
	for i := range overrides {
		o := &overrides[i]
		if o.LineID == "" {
			return nil, apperror.Validation("override is missing line_id")
		}
		if _, exists := set.byLine[o.LineID]; exists {
			return nil, apperror.Validation("duplicate override for line %s", o.LineID)
		}
		set.byLine[o.LineID] = o
	}
	return set, nil
}

// Get returns the override for a line, if any.
func (s *OverrideSet) Get(lineID string) (*LineOverride, bool) {
	o, ok := s.byLine[lineID]
	return o, ok
}

// Len returns the number of overrides in the set.
func (s *OverrideSet) Len() int {
	return len(s.byLine)
}

// LineIDs returns the overridden line ids (unordered).
func (s *OverrideSet) LineIDs() []string {
	ids := make([]string, 0, len(s.byLine))
	for id := range s.byLine {
		ids = append(ids, id)
	}
	return ids
}

// ReviewSaveRequest is the request body for saving or approving a review.
type ReviewSaveRequest struct {
	RFPID           string          `json:"rfp_id" validate:"required"`
	Overrides       []LineOverride  `json:"overrides" validate:"dive"`
	GlobalOverrides GlobalOverrides `json:"global_overrides"`
	Reviewer        string          `json:"reviewer" validate:"required,min=1"`
	Notes           *string         `json:"notes,omitempty"`
}

// ReviewDraft is the single mutable "current" draft for an RFP. It is
// overwritten on every save; history lives in the audit log.
type ReviewDraft struct {
	RFPID   string            `json:"rfp_id" db:"rfp_id"`
	SavedAt time.Time         `json:"saved_at" db:"saved_at"`
	SavedBy string            `json:"saved_by" db:"saved_by"`
	Request ReviewSaveRequest `json:"request"`
}

// AuditEntry is one immutable record in the append-only audit trail.
type AuditEntry struct {
	ID        string          `json:"id" db:"id"`
	RFPID     string          `json:"rfp_id" db:"rfp_id"`
	Action    string          `json:"action" db:"action"`
	Actor     string          `json:"actor" db:"actor"`
	Notes     *string         `json:"notes,omitempty" db:"notes"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt time.Time       `json:"timestamp" db:"created_at"`
}

// ApprovedReview is the terminal approval record for an RFP. Its presence
// makes the RFP terminal for further approvals.
type ApprovedReview struct {
	RFPID              string          `json:"rfp_id" db:"rfp_id"`
	ApprovedAt         time.Time       `json:"approved_at" db:"approved_at"`
	ApprovedBy         string          `json:"approved_by" db:"approved_by"`
	RequestFingerprint string          `json:"-" db:"request_fingerprint"`
	ExportRef          string          `json:"export_ref" db:"export_ref"`
	FinalResponse      json.RawMessage `json:"final_response" db:"final_response"`
}
