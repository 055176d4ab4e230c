package emissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/cppla/ecoreceipt/services/apperr"
	"github.com/cppla/ecoreceipt/services/normalizer"
)

const estimatorName = "emissions estimator"

// generator produces a JSON document for prompt.
type generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// estimateDoc is the document the estimator is constrained to.
type estimateDoc struct {
	Items []struct {
		ItemName      string   `json:"itemName"`
		Quantity      string   `json:"quantity"`
		EmissionsKg   *float64 `json:"emissionsKg"`
		Category      string   `json:"category"`
		Justification string   `json:"justification"`
	} `json:"items"`
	TotalEmissionsKg float64 `json:"totalEmissionsKg"`
	Summary          string  `json:"summary"`
}

// GeminiEstimator delegates estimation to a Gemini model constrained by a
// response schema.
type GeminiEstimator struct {
	client *genai.Client
	gen    generator
}

type geminiGenerator struct {
	model *genai.GenerativeModel
}

func (g *geminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("empty response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String(), nil
}

// NewGeminiEstimator creates the estimator. Close releases the client.
func NewGeminiEstimator(ctx context.Context, apiKey, modelName string) (*GeminiEstimator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = responseSchema()
	return &GeminiEstimator{client: client, gen: &geminiGenerator{model: model}}, nil
}

func (g *GeminiEstimator) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func responseSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"items": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"itemName":      {Type: genai.TypeString},
						"quantity":      {Type: genai.TypeString, Description: "quantity descriptor, e.g. \"2 x 500 g\""},
						"emissionsKg":   {Type: genai.TypeNumber, Description: "kg CO2e for the whole line"},
						"category":      {Type: genai.TypeString, Format: "enum", Enum: normalizer.Categories},
						"justification": {Type: genai.TypeString},
					},
					Required: []string{"itemName", "quantity", "emissionsKg", "category", "justification"},
				},
			},
			"totalEmissionsKg": {Type: genai.TypeNumber},
			"summary":          {Type: genai.TypeString, Description: "one sentence"},
		},
		Required: []string{"items", "totalEmissionsKg", "summary"},
	}
}

func buildPrompt(items []normalizer.Item) string {
	var sb strings.Builder
	sb.WriteString("Estimate the carbon footprint in kg CO2e of each grocery line below. ")
	sb.WriteString("Return one entry per line, in the same order, using the given name as itemName.\n")
	for i, it := range items {
		fmt.Fprintf(&sb, "%d. %s (quantity %g", i+1, it.Name, it.Quantity)
		if it.Unit != "" {
			fmt.Fprintf(&sb, " %s", it.Unit)
		}
		fmt.Fprintf(&sb, ", price %.2f)\n", it.TotalPrice)
	}
	return sb.String()
}

func (g *GeminiEstimator) Calculate(ctx context.Context, items []normalizer.Item) (*Summary, error) {
	per, text, err := g.estimate(ctx, items)
	if err != nil {
		return nil, err
	}
	return newSummary(StrategyLLM, per, text), nil
}

// estimate asks the model for items and maps the answer back onto them. The
// model's own total is ignored.
func (g *GeminiEstimator) estimate(ctx context.Context, items []normalizer.Item) ([]ItemEmission, string, error) {
	if len(items) == 0 {
		return nil, "", nil
	}
	raw, err := g.gen.Generate(ctx, buildPrompt(items))
	if err != nil {
		return nil, "", apperr.Unavailable(estimatorName, err)
	}
	var doc estimateDoc
	if err := json.Unmarshal([]byte(stripFences(raw)), &doc); err != nil {
		return nil, "", apperr.Unavailable(estimatorName, fmt.Errorf("decode response: %w", err))
	}

	byName := make(map[string]int, len(doc.Items))
	for i, d := range doc.Items {
		key := strings.ToLower(strings.TrimSpace(d.ItemName))
		if _, dup := byName[key]; !dup {
			byName[key] = i
		}
	}
	allowed := make(map[string]bool, len(normalizer.Categories))
	for _, c := range normalizer.Categories {
		allowed[c] = true
	}

	per := make([]ItemEmission, len(items))
	used := make([]bool, len(doc.Items))
	for i, it := range items {
		j, ok := byName[strings.ToLower(it.Name)]
		if !ok || used[j] {
			j, ok = i, i < len(doc.Items) && !used[i]
		}
		if !ok || doc.Items[j].EmissionsKg == nil {
			return nil, "", apperr.Unavailable(estimatorName, fmt.Errorf("no estimate for item %q", it.Name))
		}
		used[j] = true
		d := doc.Items[j]
		est := ItemEmission{
			Name:          it.Name,
			Category:      it.Category,
			Quantity:      it.Quantity,
			EmissionsKg:   *d.EmissionsKg,
			Confidence:    categoryConfidence,
			Source:        SourceLLM,
			Justification: strings.TrimSpace(d.Justification),
		}
		if (it.Category == "" || it.Category == normalizer.CategoryOther) && allowed[d.Category] {
			est.Category = d.Category
		}
		per[i] = est
	}
	return per, doc.Summary, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
