package normalizer

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ITEM 0.545 kg @ $2.99/kg $1.63
	weightedPattern = regexp.MustCompile(`(?i)(\d+\.\d{1,3})\s*kg\s*@\s*\$?(\d+\.\d{2})\s*/\s*kg\s+(-?)\$?(-?\d+\.\d{2})(-?)\s*[A-Z]?\s*$`)
	// ITEM 2 @ $1.50 $3.00
	multiPattern = regexp.MustCompile(`(\d{1,3})\s*@\s*\$?(\d+\.\d{2})\s+(-?)\$?(-?\d+\.\d{2})(-?)\s*[A-Z]?\s*$`)
	// ITEM $3.99 [flag]
	pricePattern = regexp.MustCompile(`(-?)\$?(-?\d+\.\d{2})(-?)\s*[A-Z]?\s*$`)
	// any money-looking token; lines without one are header/footer noise, not item candidates
	moneyToken = regexp.MustCompile(`\d+\.\d{2}`)

	totalPattern = regexp.MustCompile(`(?im)^\s*(?:grand\s+)?total\b[^\d\n]*?\$?(\d+\.\d{2})`)
	taxPattern   = regexp.MustCompile(`(?im)^\s*(?:sales\s+)?(?:tax|hst|gst|pst|vat)\b[^\d\n]*?\$?(\d+\.\d{2})`)
	storePattern = regexp.MustCompile(`(?i)\bSTORE\s*#?\s*(\d+)`)
	datePattern  = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`)

	skuPattern        = regexp.MustCompile(`\d{6,}`)
	codePattern       = regexp.MustCompile(`\b[A-Z]{1,3}\s*\d+\b`)
	packWeightPattern = regexp.MustCompile(`\b\d{1,4}\s?G\b`)
	trailingCode      = regexp.MustCompile(`\s+[A-Z]$`)
	nonFoodPattern    = regexp.MustCompile(`(?i)^(?:[A-Z0-9]{8,}|\d{8,})$|\b(?:account|terminal|approval|appr|balance|auth|ref)\b`)
)

// skipPattern marks lines that are receipt furniture rather than purchases.
var skipPattern = regexp.MustCompile(`(?i)\b(?:sub-?total|total|tax|hst|gst|pst|vat|change|cash|card|payment|receipt|survey|rules|visa|mastercard|amex|debit|credit|charge|complete|gift|contest|regulations|details|phone|address|thank|tender|savings|saved|discount|coupon|promo|rebate|markdown|balance)\b|\b(?:st|op|te|tr)#|\btel:`)

var knownMerchants = []struct {
	key  string
	name string
}{
	{"walmart", "Walmart"},
	{"target", "Target"},
	{"kroger", "Kroger"},
	{"safeway", "Safeway"},
	{"costco", "Costco"},
	{"whole foods", "Whole Foods"},
	{"trader joe", "Trader Joe's"},
	{"aldi", "Aldi"},
	{"lidl", "Lidl"},
	{"tesco", "Tesco"},
	{"sainsbury", "Sainsbury's"},
	{"loblaws", "Loblaws"},
	{"no frills", "No Frills"},
}

// parseLines extracts item candidates from free OCR text. dropped counts lines
// carrying a price that could not be turned into an item. Negative lines are
// discounts or refunds and are skipped without counting as drops.
func parseLines(text string) (items []RawItem, dropped int) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 3 || shouldSkip(line) {
			continue
		}
		if !moneyToken.MatchString(line) {
			continue
		}
		item, ok, negative := parseLine(line)
		if negative {
			continue
		}
		if !ok {
			dropped++
			continue
		}
		items = append(items, item)
	}
	return items, dropped
}

func shouldSkip(line string) bool {
	return skipPattern.MatchString(line)
}

// parseLine matches the line against the item layouts. negative reports a line
// whose amount carries a minus sign.
func parseLine(line string) (item RawItem, ok, negative bool) {
	if m := weightedPattern.FindStringSubmatchIndex(line); m != nil {
		if signed(line, m, 3) {
			return RawItem{}, false, true
		}
		weight := atof(line[m[2]:m[3]])
		perKg := atof(line[m[4]:m[5]])
		total := atof(line[m[8]:m[9]])
		item, ok := namedItem(line[:m[0]], weight, perKg, total)
		item.Unit = UnitKg
		return item, ok, false
	}
	if m := multiPattern.FindStringSubmatchIndex(line); m != nil {
		if signed(line, m, 3) {
			return RawItem{}, false, true
		}
		qty := atof(line[m[2]:m[3]])
		unit := atof(line[m[4]:m[5]])
		total := atof(line[m[8]:m[9]])
		item, ok := namedItem(line[:m[0]], qty, unit, total)
		return item, ok, false
	}
	if m := pricePattern.FindStringSubmatchIndex(line); m != nil {
		if signed(line, m, 1) {
			return RawItem{}, false, true
		}
		price := atof(line[m[4]:m[5]])
		item, ok := namedItem(line[:m[0]], 1, price, price)
		return item, ok, false
	}
	return RawItem{}, false, false
}

// signed reports whether the amount groups starting at group first (leading sign,
// amount, trailing sign) carry a minus.
func signed(line string, m []int, first int) bool {
	lead := line[m[2*first]:m[2*first+1]]
	amount := line[m[2*first+2]:m[2*first+3]]
	trail := line[m[2*first+4]:m[2*first+5]]
	return lead != "" || trail != "" || strings.HasPrefix(amount, "-")
}

func namedItem(rawName string, qty, unit, total float64) (RawItem, bool) {
	name := cleanItemName(rawName)
	if len(name) <= 2 || nonFoodPattern.MatchString(name) {
		return RawItem{}, false
	}
	return RawItem{
		Name:       name,
		Quantity:   &qty,
		UnitPrice:  &unit,
		TotalPrice: &total,
	}, true
}

// cleanItemName strips SKUs, register codes and pack weights from an OCR item name.
func cleanItemName(s string) string {
	s = skuPattern.ReplaceAllString(s, "")
	s = codePattern.ReplaceAllString(s, "")
	s = packWeightPattern.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	s = trailingCode.ReplaceAllString(s, "")
	return strings.Trim(s, " -*#:")
}

func extractMerchant(text string) string {
	lower := strings.ToLower(text)
	for _, m := range knownMerchants {
		if strings.Contains(lower, m.key) {
			return m.name
		}
	}
	if m := storePattern.FindStringSubmatch(text); m != nil {
		return "Store #" + m[1]
	}
	return UnknownMerchant
}

func extractAmount(re *regexp.Regexp, text string) (float64, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
}

func parseDate(s string, loc *time.Location) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t
		}
	}
	return time.Time{}
}

func extractDate(text string, loc *time.Location) time.Time {
	for _, m := range datePattern.FindAllString(text, -1) {
		if t := parseDate(m, loc); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func atof(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
