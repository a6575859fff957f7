// Package pricing implements the recalculation engine that combines
// reconciled lines, global overrides, and external price/test data into
// line items, totals, and advisory warnings.
package pricing

import (
	"context"
	"fmt"

	"github.com/rfp-ignite/reviewd/internal/tracing"
	"github.com/rfp-ignite/reviewd/pkg/apperror"
	"github.com/rfp-ignite/reviewd/pkg/models"
	"github.com/rfp-ignite/reviewd/pkg/reconcile"
)

// PriceSource is the external price/test lookup. Implementations must be
// deterministic for identical inputs; lookup failures map to
// upstream-unavailable and are never retried here.
type PriceSource interface {
	// UnitPrice returns the catalog unit price for a SKU and whether the
	// SKU is known.
	UnitPrice(ctx context.Context, sku string) (float64, bool, error)
	// TestsFor returns the per-line test charges applicable to a category,
	// in a stable order.
	TestsFor(ctx context.Context, category string) ([]models.TestCharge, error)
	// GlobalTests returns the once-per-RFP and once-per-category charges
	// for the given categories (first-appearance order preserved).
	GlobalTests(ctx context.Context, categories []string) ([]models.GlobalTestCharge, error)
	// CostFloor returns the configured minimum acceptable unit price, if
	// the pricing context provides one.
	CostFloor() (float64, bool)
}

// Input is everything a recalculation needs. The engine holds no state
// between calls; identical inputs always yield identical outputs.
type Input struct {
	RFPID           string
	Recommendations []models.TechnicalRecommendation
	ScopeOfSupply   []models.ScopeLine
	Overrides       []models.LineOverride
	GlobalOverrides models.GlobalOverrides
}

// Engine recalculates pricing over a recommendation set with overrides.
type Engine struct {
	source PriceSource
}

// NewEngine creates a recalculation engine over a price source.
func NewEngine(source PriceSource) *Engine {
	return &Engine{source: source}
}

// Recalculate prices every recommendation in input order, applies line and
// global overrides, and aggregates totals with margin applied before tax on
// the aggregate (not per line, to avoid rounding drift).
//
// Fails with a validation error when an override references a line_id
// absent from the recommendation set; reviewer mistakes are rejected, not
// silently dropped.
func (e *Engine) Recalculate(ctx context.Context, in Input) (*models.PricingResult, error) {
	ctx, span := tracing.StartSpan(ctx, "pricing.Engine.Recalculate")
	defer span.End()

	if err := validateFractions(&in.GlobalOverrides); err != nil {
		return nil, err
	}

	set, err := models.NewOverrideSet(in.Overrides)
	if err != nil {
		return nil, err
	}
	if err := rejectUnknownLines(set, in.Recommendations); err != nil {
		return nil, err
	}

	scopeByLine := make(map[string]*models.ScopeLine, len(in.ScopeOfSupply))
	for i := range in.ScopeOfSupply {
		scopeByLine[in.ScopeOfSupply[i].LineID] = &in.ScopeOfSupply[i]
	}

	excluded := in.GlobalOverrides.ExclusionSet()
	floor, hasFloor := e.source.CostFloor()

	result := &models.PricingResult{
		RFPID:     in.RFPID,
		LineItems: make([]models.PricingLineItem, 0, len(in.Recommendations)),
	}

	var materialSum, testsSum float64
	categories := make([]string, 0, 4)
	seenCategories := make(map[string]struct{})

	for i := range in.Recommendations {
		rec := &in.Recommendations[i]
		override, _ := set.Get(rec.LineID)
		res := reconcile.Resolve(rec, override)

		item := models.PricingLineItem{
			LineID:      rec.LineID,
			Description: rec.Description,
			Category:    rec.Category,
			BestSKU:     res.SKU,
			IsManualSKU: res.IsManual,
		}

		if scope, ok := scopeByLine[rec.LineID]; ok {
			item.Quantity = scope.Quantity
			item.Unit = scope.Unit
			if item.Category == "" {
				item.Category = scope.Category
			}
		}

		unitPrice, warnings, err := e.resolveUnitPrice(ctx, rec.LineID, res, floor, hasFloor)
		if err != nil {
			return nil, err
		}
		result.Warnings = append(result.Warnings, warnings...)

		item.UnitPrice = unitPrice
		item.MaterialTotal = item.Quantity * unitPrice

		tests, err := e.source.TestsFor(ctx, item.Category)
		if err != nil {
			return nil, apperror.Upstream(err, "price source unreachable")
		}
		item.Tests = make([]models.TestCharge, 0, len(tests))
		for _, t := range tests {
			if _, drop := excluded[t.Code]; drop {
				continue
			}
			item.Tests = append(item.Tests, t)
			item.TestsTotal += t.Cost
		}
		item.GrandTotal = item.MaterialTotal + item.TestsTotal

		materialSum += item.MaterialTotal
		testsSum += item.TestsTotal

		if item.Category != "" {
			if _, seen := seenCategories[item.Category]; !seen {
				seenCategories[item.Category] = struct{}{}
				categories = append(categories, item.Category)
			}
		}

		result.LineItems = append(result.LineItems, item)
	}

	globalTests, err := e.source.GlobalTests(ctx, categories)
	if err != nil {
		return nil, apperror.Upstream(err, "price source unreachable")
	}
	for _, t := range globalTests {
		if _, drop := excluded[t.Code]; drop {
			continue
		}
		result.GlobalTests = append(result.GlobalTests, t)
		testsSum += t.Cost
	}

	// Margin first, then tax, on the aggregate. Reported material/tests
	// totals stay pre-adjustment; only overall_total carries margin/tax.
	overall := (materialSum + testsSum) * (1 + fractionOrZero(in.GlobalOverrides.MarginFraction)) * (1 + fractionOrZero(in.GlobalOverrides.TaxFraction))

	result.Totals = models.PricingTotals{
		MaterialTotal: materialSum,
		TestsTotal:    testsSum,
		OverallTotal:  overall,
	}
	return result, nil
}

// resolveUnitPrice applies the price precedence rules: a manual unit price
// is authoritative; otherwise the catalog price for the effective SKU; a
// manual SKU unknown to the source falls back to 0 with a warning. A lookup
// failure is not an unknown SKU; it fails the whole recalculation as
// upstream-unavailable.
func (e *Engine) resolveUnitPrice(ctx context.Context, lineID string, res reconcile.Resolution, floor float64, hasFloor bool) (float64, []string, error) {
	var warnings []string

	catalogPrice, known, err := e.source.UnitPrice(ctx, res.SKU)
	if err != nil {
		return 0, nil, apperror.Upstream(err, "price source unreachable")
	}

	if res.IsManual && !known {
		if res.ManualUnitPrice == nil {
			warnings = append(warnings,
				fmt.Sprintf("line %s: SKU %s not found in price source and no manual unit price given; defaulting to 0", lineID, res.SKU))
			return 0, warnings, nil
		}
		warnings = append(warnings,
			fmt.Sprintf("line %s: SKU %s not found in price source; using manual unit price", lineID, res.SKU))
	}

	if res.ManualUnitPrice != nil {
		price := *res.ManualUnitPrice
		if hasFloor && price < floor {
			warnings = append(warnings,
				fmt.Sprintf("line %s: manual unit price %.2f is below cost floor %.2f", lineID, price, floor))
		}
		return price, warnings, nil
	}

	if !known {
		return 0, warnings, nil
	}
	return catalogPrice, warnings, nil
}

func rejectUnknownLines(set *models.OverrideSet, recs []models.TechnicalRecommendation) error {
	known := make(map[string]struct{}, len(recs))
	for i := range recs {
		known[recs[i].LineID] = struct{}{}
	}
	for _, id := range set.LineIDs() {
		if _, ok := known[id]; !ok {
			return apperror.Validation("override references unknown line_id %s", id)
		}
	}
	return nil
}

func validateFractions(g *models.GlobalOverrides) error {
	if g.MarginFraction != nil && (*g.MarginFraction < 0 || *g.MarginFraction > 1) {
		return apperror.Validation("margin_fraction must be a fraction in [0,1], got %v", *g.MarginFraction)
	}
	if g.TaxFraction != nil && (*g.TaxFraction < 0 || *g.TaxFraction > 1) {
		return apperror.Validation("tax_fraction must be a fraction in [0,1], got %v", *g.TaxFraction)
	}
	return nil
}

func fractionOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
