package emissions

import (
	"context"

	"github.com/cppla/ecoreceipt/services/normalizer"
)

// TableCalculator estimates emissions from the reference factor table. It never
// blocks and never fails.
type TableCalculator struct{}

// NewTableCalculator returns the deterministic table strategy.
func NewTableCalculator() *TableCalculator { return &TableCalculator{} }

func (t *TableCalculator) Calculate(ctx context.Context, items []normalizer.Item) (*Summary, error) {
	per := make([]ItemEmission, len(items))
	for i, item := range items {
		per[i], _ = estimate(item)
	}
	return newSummary(StrategyTable, per, ""), nil
}

// estimate returns the table estimate for item and whether the item's name
// matched a table row.
func estimate(item normalizer.Item) (ItemEmission, bool) {
	row := lookup(item.Name)
	out := ItemEmission{Name: item.Name, Category: item.Category, Quantity: item.Quantity}

	var rate float64
	switch {
	case row != nil:
		rate = row.kgPerKg
		out.Source, out.Confidence = SourceTable, keywordConfidence
		out.Justification = row.name
		if item.Category == "" || item.Category == normalizer.CategoryOther {
			out.Category = row.category
		}
	default:
		if avg, ok := categoryFactors[item.Category]; ok {
			row = &avg
			rate = avg.kgPerKg
			out.Source, out.Confidence = SourceCategory, categoryConfidence
			out.Justification = avg.name
		} else {
			rate = defaultKgPerKg
			out.Source, out.Confidence = SourceDefault, defaultConfidence
		}
	}

	out.FactorKgPerKg = rate
	if item.Unit == normalizer.UnitKg {
		out.EstimatedWeightKg = item.Quantity
		out.EmissionsKg = rate * item.Quantity
	} else {
		out.EstimatedWeightKg = estimateWeightKg(item, row)
		out.EmissionsKg = rate * out.EstimatedWeightKg * item.Quantity
	}
	return out, out.Source == SourceTable
}
