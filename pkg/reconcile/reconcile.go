// Package reconcile resolves the effective SKU and price provenance for a
// line given the upstream recommendation and an optional reviewer override.
// Resolution is pure and total: unknown SKUs are flagged, never rejected.
// Unknown-SKU detection belongs to the pricing recalculation.
package reconcile

import (
	"github.com/rfp-ignite/reviewd/pkg/models"
)

// Resolution is the effective SKU/price decision for one line.
type Resolution struct {
	// SKU is the effective catalog code for the line.
	SKU string
	// IsManual is true when the reviewer supplied a SKU that matches
	// neither best_sku nor any top match; its price must come from an
	// external lookup rather than a known match score.
	IsManual bool
	// ManualUnitPrice, when set, is authoritative regardless of SKU
	// provenance.
	ManualUnitPrice *float64
}

// Resolve computes the effective SKU for a recommendation and override.
// A nil override, or one whose approved_sku is empty (the "pending manual
// entry" sentinel), keeps the upstream best_sku.
func Resolve(rec *models.TechnicalRecommendation, override *models.LineOverride) Resolution {
	res := Resolution{SKU: rec.BestSKU}
	if override == nil {
		return res
	}

	res.ManualUnitPrice = override.ManualUnitPrice

	if !override.HasSKU() {
		return res
	}

	sku := *override.ApprovedSKU
	res.SKU = sku
	res.IsManual = !isKnownMatch(rec, sku)
	return res
}

// isKnownMatch reports whether sku is the recommendation's best match or
// one of its scored top matches (a reviewer-confirmed catalog match).
func isKnownMatch(rec *models.TechnicalRecommendation, sku string) bool {
	if sku == rec.BestSKU {
		return true
	}
	for _, m := range rec.TopMatches {
		if m.SKU == sku {
			return true
		}
	}
	return false
}
