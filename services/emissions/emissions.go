// Package emissions estimates the carbon footprint of normalized receipt items.
//
// Every strategy returns the same Summary shape, so callers never know whether a
// figure came from the reference table or from the external estimator.
package emissions

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/cppla/ecoreceipt/services/normalizer"
)

// Strategy names accepted by New.
const (
	StrategyTable  = "table"
	StrategyLLM    = "llm"
	StrategyHybrid = "hybrid"
)

// Item sources recorded on each estimate.
const (
	SourceTable    = "table"
	SourceCategory = "category"
	SourceDefault  = "default"
	SourceLLM      = "llm"
)

// ItemEmission is the estimate for one normalized item.
type ItemEmission struct {
	Name              string  `json:"name"`
	Category          string  `json:"category"`
	Quantity          float64 `json:"quantity"`
	EmissionsKg       float64 `json:"emissions_kg"`
	FactorKgPerKg     float64 `json:"factor_kg_per_kg"`
	EstimatedWeightKg float64 `json:"estimated_weight_kg"`
	Confidence        float64 `json:"confidence"`
	Source            string  `json:"source"`
	Justification     string  `json:"justification,omitempty"`
}

// Summary is the per-receipt result. TotalEmissionsKg is always the sum of the
// per-item values in Items order.
type Summary struct {
	Items            []ItemEmission `json:"items"`
	TotalEmissionsKg float64        `json:"total_emissions_kg"`
	CarbonIntensity  float64        `json:"carbon_intensity"`
	Strategy         string         `json:"strategy"`
	Summary          string         `json:"summary"`
}

// Calculator computes emissions for a list of items. Items[i] of the result
// corresponds to items[i] of the input.
type Calculator interface {
	Calculate(ctx context.Context, items []normalizer.Item) (*Summary, error)
}

// newSummary sanitizes per-item values and derives the aggregate figures from them.
func newSummary(strategy string, per []ItemEmission, text string) *Summary {
	s := &Summary{Items: per, Strategy: strategy}
	for i := range per {
		per[i].EmissionsKg, per[i].Confidence = clampEmissions(per[i].EmissionsKg, per[i].Confidence)
		s.TotalEmissionsKg += per[i].EmissionsKg
	}
	if len(per) > 0 {
		s.CarbonIntensity = s.TotalEmissionsKg / float64(len(per))
	}
	s.Summary = strings.TrimSpace(text)
	if s.Summary == "" {
		s.Summary = describe(s)
	}
	return s
}

// clampEmissions keeps a value within [0, maxItemEmissionsKg]; capped values
// lose confidence.
func clampEmissions(kg, confidence float64) (float64, float64) {
	switch {
	case math.IsNaN(kg) || kg < 0:
		return 0, math.Min(confidence, defaultConfidence)
	case kg > maxItemEmissionsKg:
		return maxItemEmissionsKg, math.Min(confidence, defaultConfidence)
	}
	return math.Round(kg*10000) / 10000, confidence
}

func describe(s *Summary) string {
	if len(s.Items) == 0 {
		return "No items to estimate."
	}
	top := s.Items[0]
	for _, it := range s.Items[1:] {
		if it.EmissionsKg > top.EmissionsKg {
			top = it
		}
	}
	return fmt.Sprintf("%d items produce about %.2f kg CO2e; the largest contributor is %s (%.2f kg).",
		len(s.Items), s.TotalEmissionsKg, top.Name, top.EmissionsKg)
}

var weightInName = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(kg|kilo|g|gram|lb|pound|oz|ounce)s?\b`)

var unitToKg = map[string]float64{
	"kg": 1, "kilo": 1,
	"g": 0.001, "gram": 0.001,
	"lb": 0.453592, "pound": 0.453592,
	"oz": 0.0283495, "ounce": 0.0283495,
}

// estimateWeightKg guesses the weight of one unit of item: from a weight in its
// name, else the typical weight of the matched row, else from its price.
func estimateWeightKg(item normalizer.Item, row *factor) float64 {
	if m := weightInName.FindStringSubmatch(item.Name); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			return v * unitToKg[strings.ToLower(m[2])]
		}
	}
	if row != nil && row.typicalWeightKg > 0 {
		return row.typicalWeightKg
	}
	return math.Max(minEstimatedWeightKg, item.UnitPrice/assumedPricePerKg)
}
