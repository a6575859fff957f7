package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/rfp-ignite/reviewd/pkg/models"
)

// PriceBook is a file-backed PriceSource loaded from the product and test
// price tables. All lookups are in-memory after load.
type PriceBook struct {
	products   map[string]float64
	tests      map[string]bookTest
	byCategory map[string][]string // category -> sorted test codes
	floor      float64
	hasFloor   bool
}

type bookTest struct {
	Code        string               `json:"code"`
	Description string               `json:"description"`
	Cost        float64              `json:"cost"`
	Frequency   models.TestFrequency `json:"frequency"`
	Categories  []string             `json:"categories,omitempty"` // empty = all categories
}

type productPricesFile struct {
	Products []struct {
		SKU       string  `json:"sku"`
		UnitPrice float64 `json:"unit_price"`
	} `json:"products"`
}

type testPricesFile struct {
	Tests []bookTest `json:"tests"`
}

// PriceBookOption configures a PriceBook.
type PriceBookOption func(*PriceBook)

// WithCostFloor sets the minimum acceptable unit price; manual prices below
// it produce recalculation warnings.
func WithCostFloor(floor float64) PriceBookOption {
	return func(b *PriceBook) {
		b.floor = floor
		b.hasFloor = true
	}
}

// LoadPriceBook reads product_prices.json and test_prices.json.
func LoadPriceBook(productPricesPath, testPricesPath string, opts ...PriceBookOption) (*PriceBook, error) {
	book := &PriceBook{
		products:   make(map[string]float64),
		tests:      make(map[string]bookTest),
		byCategory: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(book)
	}

	var products productPricesFile
	if err := readJSONFile(productPricesPath, &products); err != nil {
		return nil, fmt.Errorf("load product prices: %w", err)
	}
	for _, p := range products.Products {
		book.products[p.SKU] = p.UnitPrice
	}

	var tests testPricesFile
	if err := readJSONFile(testPricesPath, &tests); err != nil {
		return nil, fmt.Errorf("load test prices: %w", err)
	}
	for _, t := range tests.Tests {
		if t.Frequency == "" {
			t.Frequency = models.TestFrequencyPerLine
		}
		book.tests[t.Code] = t
		for _, cat := range t.Categories {
			book.byCategory[cat] = append(book.byCategory[cat], t.Code)
		}
	}
	for cat := range book.byCategory {
		sort.Strings(book.byCategory[cat])
	}

	return book, nil
}

// UnitPrice implements PriceSource.
func (b *PriceBook) UnitPrice(_ context.Context, sku string) (float64, bool, error) {
	price, ok := b.products[sku]
	return price, ok, nil
}

// TestsFor implements PriceSource: per-line test charges for a category.
func (b *PriceBook) TestsFor(_ context.Context, category string) ([]models.TestCharge, error) {
	var charges []models.TestCharge
	for _, code := range b.byCategory[category] {
		t := b.tests[code]
		if t.Frequency != models.TestFrequencyPerLine {
			continue
		}
		charges = append(charges, models.TestCharge{
			Code:        t.Code,
			Description: t.Description,
			Cost:        t.Cost,
		})
	}
	return charges, nil
}

// GlobalTests implements PriceSource: once-per-RFP charges whose categories
// intersect the RFP, then once-per-category charges in category order.
func (b *PriceBook) GlobalTests(_ context.Context, categories []string) ([]models.GlobalTestCharge, error) {
	present := make(map[string]struct{}, len(categories))
	for _, cat := range categories {
		present[cat] = struct{}{}
	}

	codes := make([]string, 0, len(b.tests))
	for code := range b.tests {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var charges []models.GlobalTestCharge
	for _, code := range codes {
		t := b.tests[code]
		if t.Frequency != models.TestFrequencyPerRFP {
			continue
		}
		if !appliesToAny(t, present) {
			continue
		}
		charges = append(charges, models.GlobalTestCharge{
			TestCharge: models.TestCharge{Code: t.Code, Description: t.Description, Cost: t.Cost},
			AppliedFor: string(models.TestFrequencyPerRFP),
		})
	}

	for _, cat := range categories {
		for _, code := range b.byCategory[cat] {
			t := b.tests[code]
			if t.Frequency != models.TestFrequencyPerCategory {
				continue
			}
			charges = append(charges, models.GlobalTestCharge{
				TestCharge: models.TestCharge{Code: t.Code, Description: t.Description, Cost: t.Cost},
				AppliedFor: fmt.Sprintf("per_category:%s", cat),
			})
		}
	}

	return charges, nil
}

// CostFloor implements PriceSource.
func (b *PriceBook) CostFloor() (float64, bool) {
	return b.floor, b.hasFloor
}

func appliesToAny(t bookTest, present map[string]struct{}) bool {
	if len(t.Categories) == 0 {
		return true
	}
	for _, cat := range t.Categories {
		if _, ok := present[cat]; ok {
			return true
		}
	}
	return false
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
