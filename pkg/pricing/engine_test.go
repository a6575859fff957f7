package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfp-ignite/reviewd/pkg/apperror"
	"github.com/rfp-ignite/reviewd/pkg/models"
)

type fakeSource struct {
	prices    map[string]float64
	tests     map[string][]models.TestCharge
	global    []models.GlobalTestCharge
	floor     float64
	hasFloor  bool
	priceErr  error
	testsErr  error
	globalErr error
}

func (f *fakeSource) UnitPrice(_ context.Context, sku string) (float64, bool, error) {
	if f.priceErr != nil {
		return 0, false, f.priceErr
	}
	price, ok := f.prices[sku]
	return price, ok, nil
}

func (f *fakeSource) TestsFor(_ context.Context, category string) ([]models.TestCharge, error) {
	if f.testsErr != nil {
		return nil, f.testsErr
	}
	return f.tests[category], nil
}

func (f *fakeSource) GlobalTests(_ context.Context, _ []string) ([]models.GlobalTestCharge, error) {
	if f.globalErr != nil {
		return nil, f.globalErr
	}
	return f.global, nil
}

func (f *fakeSource) CostFloor() (float64, bool) {
	return f.floor, f.hasFloor
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

func baseInput() Input {
	return Input{
		RFPID: "RFP-1",
		Recommendations: []models.TechnicalRecommendation{
			{LineID: "L1", Description: "11kV cable", Category: "cables", BestSKU: "CAB-100"},
		},
		ScopeOfSupply: []models.ScopeLine{
			{LineID: "L1", Quantity: 10, Unit: "m"},
		},
	}
}

func TestRecalculate_MarginThenTaxOnAggregate(t *testing.T) {
	engine := NewEngine(&fakeSource{prices: map[string]float64{"CAB-100": 100}})

	in := baseInput()
	in.GlobalOverrides = models.GlobalOverrides{
		MarginFraction: floatPtr(0.10),
		TaxFraction:    floatPtr(0.18),
	}

	result, err := engine.Recalculate(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, result.LineItems, 1)
	assert.Equal(t, 1000.0, result.LineItems[0].MaterialTotal)
	assert.Equal(t, 1000.0, result.Totals.MaterialTotal)
	// 1000 * 1.10 * 1.18, margin before tax on the aggregate
	assert.InDelta(t, 1298.0, result.Totals.OverallTotal, 0.01)
	assert.Empty(t, result.Warnings)
}

func TestRecalculate_Idempotent(t *testing.T) {
	engine := NewEngine(&fakeSource{
		prices: map[string]float64{"CAB-100": 100},
		tests: map[string][]models.TestCharge{
			"cables": {{Code: "T1", Cost: 10}, {Code: "T2", Cost: 20}},
		},
	})

	in := baseInput()
	in.GlobalOverrides = models.GlobalOverrides{MarginFraction: floatPtr(0.05)}

	first, err := engine.Recalculate(context.Background(), in)
	require.NoError(t, err)
	second, err := engine.Recalculate(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRecalculate_ManualPriceAuthoritative(t *testing.T) {
	engine := NewEngine(&fakeSource{prices: map[string]float64{"CAB-100": 100}})

	in := baseInput()
	in.Overrides = []models.LineOverride{
		{LineID: "L1", ManualUnitPrice: floatPtr(80)},
	}

	result, err := engine.Recalculate(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, result.LineItems, 1)
	assert.Equal(t, 80.0, result.LineItems[0].UnitPrice)
	assert.Equal(t, 800.0, result.LineItems[0].MaterialTotal)
}

func TestRecalculate_ManualSKUWithManualPrice(t *testing.T) {
	engine := NewEngine(&fakeSource{prices: map[string]float64{"CAB-100": 100}})

	in := baseInput()
	in.Overrides = []models.LineOverride{
		{LineID: "L1", ApprovedSKU: strPtr("CUSTOM-1"), ManualUnitPrice: floatPtr(55)},
	}

	result, err := engine.Recalculate(context.Background(), in)
	require.NoError(t, err)

	item := result.LineItems[0]
	assert.Equal(t, "CUSTOM-1", item.BestSKU)
	assert.True(t, item.IsManualSKU)
	assert.Equal(t, 55.0, item.UnitPrice)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "using manual unit price")
}

func TestRecalculate_ManualSKUWithoutPriceDefaultsToZero(t *testing.T) {
	engine := NewEngine(&fakeSource{prices: map[string]float64{"CAB-100": 100}})

	in := baseInput()
	in.Overrides = []models.LineOverride{
		{LineID: "L1", ApprovedSKU: strPtr("CUSTOM-1")},
	}

	result, err := engine.Recalculate(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 0.0, result.LineItems[0].UnitPrice)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "defaulting to 0")
}

func TestRecalculate_BelowCostFloorWarns(t *testing.T) {
	engine := NewEngine(&fakeSource{
		prices:   map[string]float64{"CAB-100": 100},
		floor:    50,
		hasFloor: true,
	})

	in := baseInput()
	in.Overrides = []models.LineOverride{
		{LineID: "L1", ManualUnitPrice: floatPtr(40)},
	}

	result, err := engine.Recalculate(context.Background(), in)
	require.NoError(t, err)

	// Warning is advisory; the manual price still settles the line.
	assert.Equal(t, 40.0, result.LineItems[0].UnitPrice)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "below cost floor")
}

func TestRecalculate_UnknownLineIDRejected(t *testing.T) {
	engine := NewEngine(&fakeSource{prices: map[string]float64{"CAB-100": 100}})

	in := baseInput()
	in.Overrides = []models.LineOverride{
		{LineID: "NOPE", ApprovedSKU: strPtr("CAB-100")},
	}

	_, err := engine.Recalculate(context.Background(), in)
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	assert.Contains(t, err.Error(), "NOPE")
}

func TestRecalculate_DuplicateOverrideRejected(t *testing.T) {
	engine := NewEngine(&fakeSource{prices: map[string]float64{"CAB-100": 100}})

	in := baseInput()
	in.Overrides = []models.LineOverride{
		{LineID: "L1", ManualUnitPrice: floatPtr(10)},
		{LineID: "L1", ManualUnitPrice: floatPtr(20)},
	}

	_, err := engine.Recalculate(context.Background(), in)
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestRecalculate_FractionOutOfRangeRejected(t *testing.T) {
	engine := NewEngine(&fakeSource{})

	in := baseInput()
	in.GlobalOverrides = models.GlobalOverrides{MarginFraction: floatPtr(1.5)}

	_, err := engine.Recalculate(context.Background(), in)
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestRecalculate_TestExclusions(t *testing.T) {
	engine := NewEngine(&fakeSource{
		prices: map[string]float64{"CAB-100": 100},
		tests: map[string][]models.TestCharge{
			"cables": {{Code: "T1", Cost: 10}, {Code: "T2", Cost: 20}},
		},
	})

	t.Run("no exclusions keeps every test", func(t *testing.T) {
		result, err := engine.Recalculate(context.Background(), baseInput())
		require.NoError(t, err)
		assert.Equal(t, 30.0, result.LineItems[0].TestsTotal)
		assert.Equal(t, 1030.0, result.LineItems[0].GrandTotal)
	})

	t.Run("excluded test is dropped from line and totals", func(t *testing.T) {
		in := baseInput()
		in.GlobalOverrides = models.GlobalOverrides{TestExclusions: []string{"T2"}}

		result, err := engine.Recalculate(context.Background(), in)
		require.NoError(t, err)
		require.Len(t, result.LineItems[0].Tests, 1)
		assert.Equal(t, "T1", result.LineItems[0].Tests[0].Code)
		assert.Equal(t, 10.0, result.LineItems[0].TestsTotal)
		assert.Equal(t, 10.0, result.Totals.TestsTotal)
	})
}

func TestRecalculate_GlobalTests(t *testing.T) {
	engine := NewEngine(&fakeSource{
		prices: map[string]float64{"CAB-100": 100},
		global: []models.GlobalTestCharge{
			{TestCharge: models.TestCharge{Code: "G1", Cost: 500}, AppliedFor: "per_rfp"},
			{TestCharge: models.TestCharge{Code: "G2", Cost: 200}, AppliedFor: "per_category:cables"},
		},
	})

	result, err := engine.Recalculate(context.Background(), baseInput())
	require.NoError(t, err)

	require.Len(t, result.GlobalTests, 2)
	assert.Equal(t, 700.0, result.Totals.TestsTotal)
	assert.Equal(t, 1700.0, result.Totals.OverallTotal)
}

func TestRecalculate_ExcludedGlobalTestDropped(t *testing.T) {
	engine := NewEngine(&fakeSource{
		prices: map[string]float64{"CAB-100": 100},
		global: []models.GlobalTestCharge{
			{TestCharge: models.TestCharge{Code: "G1", Cost: 500}, AppliedFor: "per_rfp"},
		},
	})

	in := baseInput()
	in.GlobalOverrides = models.GlobalOverrides{TestExclusions: []string{"G1"}}

	result, err := engine.Recalculate(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, result.GlobalTests)
	assert.Equal(t, 0.0, result.Totals.TestsTotal)
}

func TestRecalculate_OrderPreserved(t *testing.T) {
	engine := NewEngine(&fakeSource{prices: map[string]float64{"A": 1, "B": 2, "C": 3}})

	in := Input{
		RFPID: "RFP-1",
		Recommendations: []models.TechnicalRecommendation{
			{LineID: "L3", BestSKU: "C"},
			{LineID: "L1", BestSKU: "A"},
			{LineID: "L2", BestSKU: "B"},
		},
	}

	result, err := engine.Recalculate(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, result.LineItems, 3)
	assert.Equal(t, "L3", result.LineItems[0].LineID)
	assert.Equal(t, "L1", result.LineItems[1].LineID)
	assert.Equal(t, "L2", result.LineItems[2].LineID)
}

func TestRecalculate_PriceSourceUnreachable(t *testing.T) {
	engine := NewEngine(&fakeSource{priceErr: errors.New("connection refused")})

	result, err := engine.Recalculate(context.Background(), baseInput())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, apperror.IsKind(err, apperror.KindUpstreamUnavailable))
}

func TestRecalculate_PriceSourceUnreachableWithManualPrice(t *testing.T) {
	// A manual unit price does not mask a broken source; the line still
	// depends on the lookup to classify the SKU.
	engine := NewEngine(&fakeSource{priceErr: errors.New("connection refused")})

	in := baseInput()
	in.Overrides = []models.LineOverride{
		{LineID: "L1", ManualUnitPrice: floatPtr(80)},
	}

	_, err := engine.Recalculate(context.Background(), in)
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindUpstreamUnavailable))
}

func TestRecalculate_UpstreamFailure(t *testing.T) {
	engine := NewEngine(&fakeSource{
		prices:   map[string]float64{"CAB-100": 100},
		testsErr: errors.New("connection refused"),
	})

	_, err := engine.Recalculate(context.Background(), baseInput())
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindUpstreamUnavailable))
}
