// Package normalizer turns raw OCR/LLM collaborator output into the canonical
// receipt item list the rest of the pipeline works with.
package normalizer

import (
	"errors"
	"fmt"
	"html"
	"math"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/cppla/ecoreceipt/services/apperr"
)

// Canonical item categories, shared with the emissions estimator schema.
const (
	CategoryMeat          = "Meat"
	CategoryDairyEggs     = "Dairy & Eggs"
	CategoryProduce       = "Produce"
	CategoryBakery        = "Bakery"
	CategoryPackagedGoods = "Packaged Goods"
	CategoryBeverages     = "Beverages"
	CategoryOther         = "Other"
)

// Categories lists the canonical categories in schema order.
var Categories = []string{
	CategoryMeat,
	CategoryDairyEggs,
	CategoryProduce,
	CategoryBakery,
	CategoryPackagedGoods,
	CategoryBeverages,
	CategoryOther,
}

// Item flags. Flagged items are kept; flags only annotate them.
const (
	FlagPriceMismatch = "price_mismatch"
	FlagLowConfidence = "low_confidence"
)

const (
	// UnknownMerchant is used when neither the collaborator nor the text names a merchant.
	UnknownMerchant = "Unknown Merchant"
	// UnitKg marks an item whose quantity is measured in kilograms.
	UnitKg = "kg"

	priceTolerance = 0.02
)

// RawItem is an already-structured line item as returned by a collaborator.
// Pointer fields distinguish "absent" from zero.
type RawItem struct {
	Name       string   `json:"name"`
	Quantity   *float64 `json:"quantity"`
	UnitPrice  *float64 `json:"unit_price"`
	TotalPrice *float64 `json:"total_price"`
	Category   string   `json:"category"`
	Brand      string   `json:"brand"`
	Barcode    string   `json:"barcode"`
	Confidence *float64 `json:"confidence"`
	// Unit is "kg" when Quantity is a weight rather than a count.
	Unit string `json:"unit"`
}

// Input is the raw collaborator output handed to the normalizer.
type Input struct {
	Text       string
	Confidence float64
	Items      []RawItem
	Merchant   string
	Total      *float64
	Date       string
}

// Schema is the target the normalizer produces items for.
type Schema struct {
	// Categories is the allowed category enumeration. Defaults to Categories.
	Categories []string
	// MaxDropRate is the tolerated share of unparseable item fragments (0..1).
	// Zero tolerates no drops; values outside [0,1] fall back to the default.
	MaxDropRate float64
	// MinConfidence flags items below it.
	MinConfidence float64
	// Location interprets receipt dates that carry no zone. Defaults to time.Local.
	Location *time.Location
}

// DefaultSchema returns the schema used by the receipt pipeline.
func DefaultSchema() Schema {
	return Schema{Categories: Categories, MaxDropRate: 0.8, MinConfidence: 0.5}
}

// Item is a canonical receipt line.
type Item struct {
	Name       string   `json:"name"`
	Quantity   float64  `json:"quantity"`
	UnitPrice  float64  `json:"unit_price"`
	TotalPrice float64  `json:"total_price"`
	Category   string   `json:"category"`
	Brand      string   `json:"brand"`
	Barcode    string   `json:"barcode"`
	Confidence float64  `json:"confidence"`
	Unit       string   `json:"unit,omitempty"`
	Flags      []string `json:"flags,omitempty"`
}

// Result is the normalized receipt.
type Result struct {
	Items    []Item
	Merchant string
	Total    float64
	Tax      float64
	Date     time.Time
	// Dropped counts fragments that looked like items but could not be parsed.
	Dropped int
}

// DropRate is the share of item candidates that were dropped.
func (r *Result) DropRate() float64 {
	seen := len(r.Items) + r.Dropped
	if seen == 0 {
		return 0
	}
	return float64(r.Dropped) / float64(seen)
}

// Normalizer converts collaborator output into canonical items.
type Normalizer struct {
	schema   Schema
	allowed  map[string]string
	sanitize *bluemonday.Policy
	now      func() time.Time
}

// New creates a Normalizer for schema.
func New(schema Schema) *Normalizer {
	if len(schema.Categories) == 0 {
		schema.Categories = Categories
	}
	if !(schema.MaxDropRate >= 0 && schema.MaxDropRate <= 1) {
		schema.MaxDropRate = DefaultSchema().MaxDropRate
	}
	if schema.Location == nil {
		schema.Location = time.Local
	}
	allowed := make(map[string]string, len(schema.Categories))
	for _, c := range schema.Categories {
		allowed[strings.ToLower(c)] = c
	}
	return &Normalizer{
		schema:   schema,
		allowed:  allowed,
		sanitize: bluemonday.StrictPolicy(),
		now:      time.Now,
	}
}

// Normalize validates and canonicalizes in. Structured items take precedence over
// free text; free text is only parsed when the collaborator returned no items.
func (n *Normalizer) Normalize(in Input) (*Result, error) {
	res := &Result{}

	if len(in.Items) > 0 {
		for i, raw := range in.Items {
			item, ok, err := n.fromRaw(raw, in.Confidence)
			if err != nil {
				var ve *apperr.ValidationError
				if errors.As(err, &ve) {
					ve.Field = fmt.Sprintf("items[%d].%s", i, ve.Field)
				}
				return nil, err
			}
			if !ok {
				res.Dropped++
				continue
			}
			res.Items = append(res.Items, item)
		}
	} else {
		parsed, dropped := parseLines(in.Text)
		res.Dropped = dropped
		for _, p := range parsed {
			item, ok, err := n.fromRaw(p, in.Confidence)
			var ve *apperr.ValidationError
			if errors.As(err, &ve) {
				// OCR noise, not a malformed request
				res.Dropped++
				continue
			}
			if err != nil {
				return nil, err
			}
			if !ok {
				res.Dropped++
				continue
			}
			res.Items = append(res.Items, item)
		}
	}

	if len(res.Items) == 0 {
		return nil, &apperr.EmptyReceiptError{Dropped: res.Dropped}
	}
	if rate := res.DropRate(); rate > n.schema.MaxDropRate {
		return nil, apperr.Validation("text", "too many unreadable lines (%d of %d)", res.Dropped, res.Dropped+len(res.Items))
	}

	res.Merchant = n.clean(in.Merchant)
	if res.Merchant == "" {
		res.Merchant = extractMerchant(in.Text)
	}

	switch {
	case in.Total != nil:
		if *in.Total < 0 || math.IsNaN(*in.Total) {
			return nil, apperr.Validation("total", "must be >= 0")
		}
		res.Total = *in.Total
	default:
		if t, ok := extractAmount(totalPattern, in.Text); ok {
			res.Total = t
		} else {
			res.Total = sumTotals(res.Items)
		}
	}
	if tax, ok := extractAmount(taxPattern, in.Text); ok {
		res.Tax = tax
	}

	res.Date = parseDate(in.Date, n.schema.Location)
	if res.Date.IsZero() {
		res.Date = extractDate(in.Text, n.schema.Location)
	}
	if res.Date.IsZero() || res.Date.After(n.now().Add(24*time.Hour)) {
		res.Date = n.now()
	}

	return res, nil
}

// fromRaw validates one raw item. ok=false means the fragment is ill-formed and
// should be dropped; a non-nil error rejects the whole receipt.
func (n *Normalizer) fromRaw(raw RawItem, docConfidence float64) (Item, bool, error) {
	name := n.clean(raw.Name)
	if len([]rune(name)) < 2 {
		return Item{}, false, nil
	}

	qty := 1.0
	if raw.Quantity != nil {
		qty = *raw.Quantity
	}
	if !(qty > 0) || math.IsInf(qty, 0) {
		return Item{}, false, apperr.Validation("quantity", "must be > 0 (item %q)", name)
	}

	var unit, total float64
	switch {
	case raw.UnitPrice != nil && raw.TotalPrice != nil:
		unit, total = *raw.UnitPrice, *raw.TotalPrice
	case raw.UnitPrice != nil:
		unit = *raw.UnitPrice
		total = round2(unit * qty)
	case raw.TotalPrice != nil:
		total = *raw.TotalPrice
		unit = round2(total / qty)
	}
	if !(unit >= 0) {
		return Item{}, false, apperr.Validation("unitPrice", "must be >= 0 (item %q)", name)
	}
	if !(total >= 0) {
		return Item{}, false, apperr.Validation("totalPrice", "must be >= 0 (item %q)", name)
	}

	conf := 1.0
	if docConfidence > 0 && docConfidence <= 1 {
		conf = docConfidence
	}
	if raw.Confidence != nil {
		conf = *raw.Confidence
	}
	if !(conf >= 0 && conf <= 1) {
		return Item{}, false, apperr.Validation("confidence", "must be within [0,1] (item %q)", name)
	}

	item := Item{
		Name:       name,
		Quantity:   qty,
		UnitPrice:  unit,
		TotalPrice: total,
		Category:   n.category(raw.Category, name),
		Brand:      n.clean(raw.Brand),
		Barcode:    strings.TrimSpace(raw.Barcode),
		Confidence: conf,
	}
	if strings.EqualFold(strings.TrimSpace(raw.Unit), UnitKg) {
		item.Unit = UnitKg
	}
	if raw.UnitPrice != nil && raw.TotalPrice != nil && math.Abs(unit*qty-total) > priceTolerance {
		item.Flags = append(item.Flags, FlagPriceMismatch)
	}
	if conf < n.schema.MinConfidence {
		item.Flags = append(item.Flags, FlagLowConfidence)
	}
	return item, true, nil
}

// category resolves the canonical category: an allowed value as given, a known
// alias, a keyword match on the name, else Other.
func (n *Normalizer) category(raw, name string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if c, ok := n.allowed[key]; ok {
		return c
	}
	if c, ok := categoryAliases[key]; ok {
		if allowed, ok := n.allowed[strings.ToLower(c)]; ok {
			return allowed
		}
	}
	if c := Categorize(name); c != CategoryOther {
		if allowed, ok := n.allowed[strings.ToLower(c)]; ok {
			return allowed
		}
	}
	if c, ok := n.allowed[strings.ToLower(CategoryOther)]; ok {
		return c
	}
	return ""
}

func (n *Normalizer) clean(s string) string {
	s = html.UnescapeString(n.sanitize.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

func sumTotals(items []Item) float64 {
	var sum float64
	for _, it := range items {
		sum += it.TotalPrice
	}
	return round2(sum)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
