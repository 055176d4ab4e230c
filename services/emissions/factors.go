package emissions

import (
	"sort"
	"strings"
	"sync"

	"github.com/cppla/ecoreceipt/services/normalizer"
)

// factor is one row of the reference table: kg CO2e per kg of food and the
// weight a typical retail unit of it has.
type factor struct {
	name            string
	category        string
	kgPerKg         float64
	typicalWeightKg float64
	keywords        []string
}

var factorTable = []factor{
	// meat & seafood
	{"beef", normalizer.CategoryMeat, 27.0, 0.25, []string{"beef", "steak", "burger", "ground beef", "roast beef", "brisket", "ribeye", "sirloin", "tenderloin", "veal"}},
	{"lamb", normalizer.CategoryMeat, 13.3, 0.25, []string{"lamb", "mutton", "lamb chop", "goat"}},
	{"pork", normalizer.CategoryMeat, 12.1, 0.25, []string{"pork", "bacon", "ham", "sausage", "hot dog", "pork chop", "prosciutto", "pancetta"}},
	{"chicken", normalizer.CategoryMeat, 6.9, 0.5, []string{"chicken", "poultry", "breast", "thigh", "wing", "drumstick", "whole chicken"}},
	{"turkey", normalizer.CategoryMeat, 10.9, 0.5, []string{"turkey"}},
	{"duck", normalizer.CategoryMeat, 5.8, 0.5, []string{"duck", "duck breast"}},
	{"fish", normalizer.CategoryMeat, 6.1, 0.15, []string{"fish", "cod", "salmon", "tuna", "tilapia"}},
	{"shellfish", normalizer.CategoryMeat, 12.0, 0.25, []string{"shrimp", "prawn", "crab", "lobster"}},
	{"molluscs", normalizer.CategoryMeat, 0.5, 0.25, []string{"oyster", "mussel", "clam"}},

	// dairy & eggs
	{"milk", normalizer.CategoryDairyEggs, 3.2, 1.0, []string{"milk", "skim milk", "whole milk"}},
	{"cheese", normalizer.CategoryDairyEggs, 13.5, 0.25, []string{"cheese", "cheddar", "mozzarella", "parmesan", "swiss", "brie", "gouda", "feta"}},
	{"yogurt", normalizer.CategoryDairyEggs, 2.2, 0.5, []string{"yogurt", "yoghurt", "greek yogurt"}},
	{"butter", normalizer.CategoryDairyEggs, 12.1, 0.25, []string{"butter"}},
	{"margarine", normalizer.CategoryDairyEggs, 3.7, 0.25, []string{"margarine", "spread"}},
	{"cream", normalizer.CategoryDairyEggs, 2.9, 0.25, []string{"cream", "heavy cream", "whipping cream", "half and half"}},
	{"ice cream", normalizer.CategoryDairyEggs, 3.0, 0.5, []string{"ice cream", "gelato"}},
	{"eggs", normalizer.CategoryDairyEggs, 4.8, 0.06, []string{"egg", "egg white", "dozen eggs"}},

	// bakery & grains
	{"bread", normalizer.CategoryBakery, 1.1, 0.5, []string{"bread", "white bread", "whole wheat", "sourdough", "bagel", "croissant", "bun", "baguette", "muffin", "roll"}},
	{"cake", normalizer.CategoryBakery, 1.4, 0.5, []string{"cake", "donut", "pastry", "pie"}},
	{"rice", normalizer.CategoryPackagedGoods, 2.7, 0.5, []string{"rice", "brown rice", "basmati", "jasmine"}},
	{"pasta", normalizer.CategoryPackagedGoods, 1.8, 0.5, []string{"pasta", "spaghetti", "macaroni", "penne", "linguine", "fettuccine", "noodle"}},
	{"oats", normalizer.CategoryPackagedGoods, 1.0, 0.5, []string{"oat", "oatmeal", "granola"}},
	{"cereal", normalizer.CategoryPackagedGoods, 1.2, 0.5, []string{"cereal", "corn flakes", "cheerios"}},
	{"corn", normalizer.CategoryPackagedGoods, 0.9, 0.5, []string{"corn", "popcorn", "cornmeal", "tortilla"}},
	{"wheat", normalizer.CategoryPackagedGoods, 0.9, 0.5, []string{"wheat", "flour"}},

	// produce
	{"apple", normalizer.CategoryProduce, 0.4, 0.18, []string{"apple", "gala", "fuji", "granny smith"}},
	{"banana", normalizer.CategoryProduce, 0.6, 0.12, []string{"banana"}},
	{"citrus", normalizer.CategoryProduce, 0.5, 0.15, []string{"orange", "mandarin", "clementine", "tangerine", "lemon", "lime", "grapefruit"}},
	{"grapes", normalizer.CategoryProduce, 0.6, 0.1, []string{"grape", "raisin"}},
	{"berries", normalizer.CategoryProduce, 0.4, 0.25, []string{"strawberry", "strawberries", "blueberry", "blueberries", "raspberry", "raspberries", "berries"}},
	{"fruit", normalizer.CategoryProduce, 0.4, 0.2, []string{"peach", "pear", "plum", "cherry", "cherries", "kiwi", "mango", "papaya", "pineapple", "avocado", "watermelon", "melon", "cantaloupe"}},
	{"tomato", normalizer.CategoryProduce, 0.4, 0.12, []string{"tomato", "tomatoes", "cherry tomato", "roma tomato"}},
	{"potato", normalizer.CategoryProduce, 0.2, 0.17, []string{"potato", "potatoes", "russet", "sweet potato", "yam"}},
	{"carrot", normalizer.CategoryProduce, 0.3, 0.08, []string{"carrot", "baby carrot"}},
	{"leafy greens", normalizer.CategoryProduce, 0.2, 0.1, []string{"lettuce", "spinach", "kale", "greens", "arugula", "romaine"}},
	{"onion", normalizer.CategoryProduce, 0.5, 0.1, []string{"onion", "red onion", "shallot"}},
	{"cucumber", normalizer.CategoryProduce, 0.3, 0.15, []string{"cucumber", "pickle"}},
	{"squash", normalizer.CategoryProduce, 0.4, 0.15, []string{"zucchini", "squash", "pumpkin", "eggplant"}},
	{"vegetables", normalizer.CategoryProduce, 0.4, 0.15, []string{"broccoli", "cauliflower", "cabbage", "pepper", "mushroom", "garlic", "ginger", "celery", "asparagus"}},
	{"beans", normalizer.CategoryProduce, 0.8, 0.4, []string{"bean", "black beans", "kidney beans", "pinto beans", "pea", "chickpea"}},
	{"lentils", normalizer.CategoryProduce, 0.9, 0.4, []string{"lentil", "red lentils"}},
	{"tofu", normalizer.CategoryProduce, 2.0, 0.4, []string{"tofu", "tempeh", "soybean"}},
	{"nuts", normalizer.CategoryPackagedGoods, 2.3, 0.2, []string{"almond", "walnut", "cashew", "peanut", "pistachio", "pecan", "hazelnut", "peanut butter"}},

	// packaged
	{"sugar", normalizer.CategoryPackagedGoods, 1.7, 0.5, []string{"sugar", "brown sugar"}},
	{"salt", normalizer.CategoryPackagedGoods, 0.1, 0.5, []string{"salt", "sea salt"}},
	{"oil", normalizer.CategoryPackagedGoods, 3.3, 0.5, []string{"oil", "olive oil", "vegetable oil", "canola oil"}},
	{"yeast", normalizer.CategoryPackagedGoods, 1.2, 0.05, []string{"yeast"}},
	{"chocolate", normalizer.CategoryPackagedGoods, 18.7, 0.1, []string{"chocolate", "cocoa"}},
	{"snacks", normalizer.CategoryPackagedGoods, 1.4, 0.2, []string{"chips", "crackers", "cookie", "pretzel"}},
	{"condiments", normalizer.CategoryPackagedGoods, 1.4, 0.3, []string{"ketchup", "mustard", "jam", "honey", "vinegar", "syrup", "sauce"}},

	// beverages
	{"coffee", normalizer.CategoryBeverages, 28.5, 0.3, []string{"coffee", "espresso"}},
	{"tea", normalizer.CategoryBeverages, 12.4, 0.1, []string{"tea"}},
	{"juice", normalizer.CategoryBeverages, 0.4, 1.0, []string{"juice", "lemonade"}},
	{"soda", normalizer.CategoryBeverages, 0.4, 1.0, []string{"soda", "cola", "pop"}},
	{"beer", normalizer.CategoryBeverages, 0.6, 0.35, []string{"beer", "lager", "ale"}},
	{"wine", normalizer.CategoryBeverages, 1.4, 0.75, []string{"wine"}},
	{"water", normalizer.CategoryBeverages, 0.0, 1.0, []string{"water", "sparkling water"}},
}

// categoryFactors are averages used when an item's name matches nothing but its
// category is known.
var categoryFactors = map[string]factor{
	normalizer.CategoryMeat:          {name: "average meat", kgPerKg: 25.0, typicalWeightKg: 0.25},
	normalizer.CategoryDairyEggs:     {name: "average dairy", kgPerKg: 3.0, typicalWeightKg: 0.5},
	normalizer.CategoryProduce:       {name: "average produce", kgPerKg: 0.4, typicalWeightKg: 0.15},
	normalizer.CategoryBakery:        {name: "average bakery", kgPerKg: 1.4, typicalWeightKg: 0.5},
	normalizer.CategoryPackagedGoods: {name: "average packaged food", kgPerKg: 2.0, typicalWeightKg: 0.5},
	normalizer.CategoryBeverages:     {name: "average beverage", kgPerKg: 1.0, typicalWeightKg: 1.0},
}

const (
	defaultKgPerKg       = 2.0
	defaultConfidence    = 0.3
	categoryConfidence   = 0.6
	keywordConfidence    = 0.9
	maxItemEmissionsKg   = 50.0
	minEstimatedWeightKg = 0.1
	assumedPricePerKg    = 10.0
)

type keywordEntry struct {
	words []string
	row   *factor
}

// keywordIndex is built once per process; the table is read-only afterwards.
var keywordIndex = sync.OnceValue(func() []keywordEntry {
	var idx []keywordEntry
	for i := range factorTable {
		row := &factorTable[i]
		for _, kw := range row.keywords {
			idx = append(idx, keywordEntry{words: strings.Fields(kw), row: row})
		}
	}
	// longer phrases first so "peanut butter" wins over "butter"
	sort.SliceStable(idx, func(i, j int) bool { return len(idx[i].words) > len(idx[j].words) })
	return idx
})

// lookup finds the table row for name, nil when no keyword matches.
func lookup(name string) *factor {
	words := nameWords(name)
	for _, e := range keywordIndex() {
		if containsPhrase(words, e.words) {
			return e.row
		}
	}
	return nil
}

func nameWords(name string) []string {
	return strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
}

// containsPhrase reports whether phrase appears in words as consecutive words,
// allowing a plural "s"/"es" on each word.
func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		ok := true
		for j, p := range phrase {
			w := words[i+j]
			if w != p && w != p+"s" && w != p+"es" {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
