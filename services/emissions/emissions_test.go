package emissions

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/ecoreceipt/services/apperr"
	"github.com/cppla/ecoreceipt/services/normalizer"
)

type fakeGenerator struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func sumOf(s *Summary) float64 {
	var total float64
	for _, it := range s.Items {
		total += it.EmissionsKg
	}
	return total
}

func TestTableCalculatorKnownItems(t *testing.T) {
	items := []normalizer.Item{
		{Name: "GROUND BEEF", Quantity: 1, UnitPrice: 7, TotalPrice: 7, Category: normalizer.CategoryMeat},
		{Name: "BANANAS", Quantity: 0.545, UnitPrice: 1.2, TotalPrice: 0.65, Category: normalizer.CategoryProduce, Unit: normalizer.UnitKg},
		{Name: "Milk", Quantity: 2, UnitPrice: 1.99, TotalPrice: 3.98, Category: normalizer.CategoryDairyEggs},
		{Name: "Cheddar 200g", Quantity: 1, UnitPrice: 4, TotalPrice: 4, Category: normalizer.CategoryDairyEggs},
	}
	s, err := NewTableCalculator().Calculate(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, s.Items, 4)

	assert.InDelta(t, 6.75, s.Items[0].EmissionsKg, 1e-9)
	assert.InDelta(t, 0.327, s.Items[1].EmissionsKg, 1e-9)
	assert.InDelta(t, 0.545, s.Items[1].EstimatedWeightKg, 1e-9)
	assert.InDelta(t, 6.4, s.Items[2].EmissionsKg, 1e-9)
	assert.InDelta(t, 2.7, s.Items[3].EmissionsKg, 1e-9)
	for _, it := range s.Items {
		assert.Equal(t, SourceTable, it.Source)
	}

	assert.Equal(t, StrategyTable, s.Strategy)
	assert.Equal(t, sumOf(s), s.TotalEmissionsKg)
	assert.InDelta(t, s.TotalEmissionsKg/4, s.CarbonIntensity, 1e-12)
	assert.NotEmpty(t, s.Summary)
}

func TestTableCalculatorFallbacks(t *testing.T) {
	items := []normalizer.Item{
		{Name: "Widget thing", Quantity: 1, UnitPrice: 5, TotalPrice: 5, Category: normalizer.CategoryOther},
		{Name: "Mystery cut", Quantity: 1, UnitPrice: 9, TotalPrice: 9, Category: normalizer.CategoryMeat},
		{Name: "Beef 5 kg", Quantity: 1, UnitPrice: 40, TotalPrice: 40, Category: normalizer.CategoryMeat},
	}
	s, err := NewTableCalculator().Calculate(context.Background(), items)
	require.NoError(t, err)

	unknown := s.Items[0]
	assert.Equal(t, SourceDefault, unknown.Source)
	assert.Equal(t, defaultConfidence, unknown.Confidence)
	assert.InDelta(t, 1.0, unknown.EmissionsKg, 1e-9)

	byCategory := s.Items[1]
	assert.Equal(t, SourceCategory, byCategory.Source)
	assert.InDelta(t, 25.0*0.25, byCategory.EmissionsKg, 1e-9)

	capped := s.Items[2]
	assert.Equal(t, maxItemEmissionsKg, capped.EmissionsKg)
	assert.Equal(t, defaultConfidence, capped.Confidence)

	assert.Equal(t, sumOf(s), s.TotalEmissionsKg)
}

func TestTableCalculatorEmptyList(t *testing.T) {
	s, err := NewTableCalculator().Calculate(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, s.TotalEmissionsKg)
	assert.Zero(t, s.CarbonIntensity)
}

func TestLookupPrefersLongerPhrases(t *testing.T) {
	row := lookup("Creamy Peanut Butter")
	require.NotNil(t, row)
	assert.Equal(t, "nuts", row.name)

	row = lookup("salted butter")
	require.NotNil(t, row)
	assert.Equal(t, "butter", row.name)

	assert.Nil(t, lookup("paper towels"))
}

func TestGeminiEstimatorIgnoresModelTotal(t *testing.T) {
	gen := &fakeGenerator{reply: "```json\n" + `{
		"items": [
			{"itemName": "Oat drink", "quantity": "1 l", "emissionsKg": 0.9, "category": "Beverages", "justification": "plant milk"},
			{"itemName": "Gadget", "quantity": "1", "emissionsKg": -3, "category": "Other", "justification": "?"}
		],
		"totalEmissionsKg": 99,
		"summary": "Mostly low impact."
	}` + "\n```"}
	est := &GeminiEstimator{gen: gen}

	s, err := est.Calculate(context.Background(), []normalizer.Item{
		{Name: "Oat drink", Quantity: 1, Category: normalizer.CategoryOther},
		{Name: "Gadget", Quantity: 1, Category: normalizer.CategoryOther},
	})
	require.NoError(t, err)
	require.Len(t, gen.prompts, 1)

	assert.Equal(t, StrategyLLM, s.Strategy)
	assert.Equal(t, "Mostly low impact.", s.Summary)
	assert.Equal(t, normalizer.CategoryBeverages, s.Items[0].Category)
	assert.Zero(t, s.Items[1].EmissionsKg)
	assert.InDelta(t, 0.9, s.TotalEmissionsKg, 1e-9)
	assert.Equal(t, sumOf(s), s.TotalEmissionsKg)
}

func TestGeminiEstimatorMissingItemIsUnavailable(t *testing.T) {
	est := &GeminiEstimator{gen: &fakeGenerator{reply: `{"items":[],"totalEmissionsKg":0,"summary":""}`}}
	_, err := est.Calculate(context.Background(), []normalizer.Item{{Name: "Tea", Quantity: 1}})
	var ce *apperr.CollaboratorUnavailableError
	require.True(t, errors.As(err, &ce), "got %v", err)
}

func TestGeminiEstimatorTransportError(t *testing.T) {
	est := &GeminiEstimator{gen: &fakeGenerator{err: errors.New("dial tcp: timeout")}}
	_, err := est.Calculate(context.Background(), []normalizer.Item{{Name: "Tea", Quantity: 1}})
	var ce *apperr.CollaboratorUnavailableError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 503, apperr.HTTPStatus(err))
}

func TestHybridDelegatesOnlyUnmatchedItems(t *testing.T) {
	gen := &fakeGenerator{reply: `{"items":[{"itemName":"Mystery Snack Box","quantity":"1","emissionsKg":1.25,"category":"Packaged Goods","justification":"mixed snacks"}],"totalEmissionsKg":1.25,"summary":"ok"}`}
	h := NewHybridCalculator(&GeminiEstimator{gen: gen}, nil)

	s, err := h.Calculate(context.Background(), []normalizer.Item{
		{Name: "GROUND BEEF", Quantity: 1, Category: normalizer.CategoryMeat},
		{Name: "Mystery Snack Box", Quantity: 1, Category: normalizer.CategoryOther},
	})
	require.NoError(t, err)
	require.Len(t, gen.prompts, 1)
	assert.True(t, strings.Contains(gen.prompts[0], "Mystery Snack Box"))
	assert.False(t, strings.Contains(gen.prompts[0], "GROUND BEEF"))

	assert.Equal(t, SourceTable, s.Items[0].Source)
	assert.Equal(t, SourceLLM, s.Items[1].Source)
	assert.Equal(t, normalizer.CategoryPackagedGoods, s.Items[1].Category)
	assert.InDelta(t, 8.0, s.TotalEmissionsKg, 1e-9)
	assert.Equal(t, StrategyHybrid, s.Strategy)
}

func TestHybridKeepsTableFiguresWhenEstimatorFails(t *testing.T) {
	h := NewHybridCalculator(&GeminiEstimator{gen: &fakeGenerator{err: errors.New("quota exceeded")}}, nil)
	s, err := h.Calculate(context.Background(), []normalizer.Item{
		{Name: "Widget thing", Quantity: 1, UnitPrice: 5, Category: normalizer.CategoryOther},
	})
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, s.Items[0].Source)
	assert.InDelta(t, 1.0, s.TotalEmissionsKg, 1e-9)
}

func TestNewFallsBackToTableWithoutKey(t *testing.T) {
	c, err := New(context.Background(), Options{Strategy: StrategyHybrid})
	require.NoError(t, err)
	assert.IsType(t, &TableCalculator{}, c)

	_, err = New(context.Background(), Options{Strategy: "magic"})
	assert.Error(t, err)
}
