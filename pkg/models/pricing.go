package models

// TestFrequency describes how often a test charge is applied.
type TestFrequency string

const (
	TestFrequencyPerLine     TestFrequency = "per_line"     // applied on every matching line
	TestFrequencyPerCategory TestFrequency = "per_category" // applied once per category present
	TestFrequencyPerRFP      TestFrequency = "per_rfp"      // applied once for the whole RFP
)

// TopMatch is one catalog candidate for a line, scored 0..100.
type TopMatch struct {
	SKU   string  `json:"sku"`
	OEM   string  `json:"oem,omitempty"`
	Score float64 `json:"score"`
}

// TechnicalRecommendation is the upstream AI suggestion for a single line.
// Immutable within a review session.
type TechnicalRecommendation struct {
	LineID      string     `json:"line_id"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	BestSKU     string     `json:"best_sku"`
	TopMatches  []TopMatch `json:"top_matches"` // sorted best-first
}

// TechnicalOutput is the full upstream recommendation set for an RFP.
type TechnicalOutput struct {
	RFPID           string                    `json:"rfp_id"`
	Recommendations []TechnicalRecommendation `json:"recommendations"`
}

// ScopeLine is one scope-of-supply entry (quantity and unit for a line).
type ScopeLine struct {
	LineID      string  `json:"line_id"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit,omitempty"`
}

// PricingInput carries the pricing context produced upstream.
type PricingInput struct {
	RFPID               string   `json:"rfp_id"`
	Currency            string   `json:"currency,omitempty"`
	TestingRequirements []string `json:"testing_requirements,omitempty"`
}

// TestCharge is a single test/service cost attached to a line.
type TestCharge struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Cost        float64 `json:"cost"`
}

// GlobalTestCharge is a test applied once per RFP or once per category.
type GlobalTestCharge struct {
	TestCharge
	AppliedFor string `json:"applied_for"` // "per_rfp" or "per_category:<category>"
}

// PricingLineItem is a fully priced line after override reconciliation.
type PricingLineItem struct {
	LineID        string       `json:"line_id"`
	Description   string       `json:"description"`
	Category      string       `json:"category"`
	BestSKU       string       `json:"best_sku"`
	IsManualSKU   bool         `json:"is_manual_sku,omitempty"`
	Quantity      float64      `json:"quantity"`
	Unit          string       `json:"unit"`
	UnitPrice     float64      `json:"unit_price"`
	MaterialTotal float64      `json:"material_total"`
	Tests         []TestCharge `json:"tests"`
	TestsTotal    float64      `json:"tests_total"`
	GrandTotal    float64      `json:"grand_total"`
}

// PricingTotals are the aggregate sums. MaterialTotal and TestsTotal are
// pre-margin/tax; OverallTotal is the adjusted figure (margin first, then
// tax, applied to the aggregate).
type PricingTotals struct {
	MaterialTotal float64 `json:"material_total"`
	TestsTotal    float64 `json:"tests_total"`
	OverallTotal  float64 `json:"overall_total"`
}

// PricingResult is the output of a recalculation. Warnings are advisory
// and never fatal.
type PricingResult struct {
	RFPID       string             `json:"rfp_id"`
	LineItems   []PricingLineItem  `json:"line_items"`
	GlobalTests []GlobalTestCharge `json:"global_tests,omitempty"`
	Totals      PricingTotals      `json:"totals"`
	Warnings    []string           `json:"warnings,omitempty"`
}
