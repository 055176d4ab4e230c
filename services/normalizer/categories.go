package normalizer

import "strings"

// categoryKeywords drives keyword categorisation. Order matters: the first
// category with a matching keyword wins, so specific terms precede generic ones.
var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{CategoryMeat, []string{"beef", "steak", "burger", "lamb", "mutton", "pork", "bacon", "ham", "sausage", "chicken", "turkey", "drumstick", "wing", "duck", "fish", "salmon", "tuna", "cod", "shrimp", "prawn", "meat"}},
	{CategoryDairyEggs, []string{"milk", "cheese", "cheddar", "mozzarella", "yogurt", "yoghurt", "butter", "margarine", "cream", "egg"}},
	{CategoryBeverages, []string{"juice", "soda", "cola", "water", "coffee", "tea", "beer", "wine", "drink", "kombucha"}},
	{CategoryBakery, []string{"bread", "bagel", "croissant", "bun", "muffin", "baguette", "sourdough", "cake", "donut", "roll"}},
	{CategoryProduce, []string{"apple", "banana", "orange", "grape", "berry", "berries", "watermelon", "melon", "eggplant", "mango", "pineapple", "lemon", "lime", "carrot", "lettuce", "tomato", "onion", "potato", "broccoli", "spinach", "kale", "cucumber", "squash", "zucchini", "pepper", "avocado", "mushroom", "garlic", "celery", "bean", "lentil", "produce"}},
	{CategoryPackagedGoods, []string{"pasta", "spaghetti", "rice", "flour", "cereal", "oat", "sugar", "chocolate", "candy", "cookie", "chip", "snack", "sauce", "soup", "can", "jar", "oil", "yeast", "salt", "frozen", "noodle", "cracker"}},
}

// categoryAliases maps collaborator category spellings onto canonical categories.
var categoryAliases = map[string]string{
	"meat":           CategoryMeat,
	"seafood":        CategoryMeat,
	"poultry":        CategoryMeat,
	"dairy":          CategoryDairyEggs,
	"eggs":           CategoryDairyEggs,
	"dairy and eggs": CategoryDairyEggs,
	"vegetables":     CategoryProduce,
	"fruits":         CategoryProduce,
	"fruit":          CategoryProduce,
	"vegetable":      CategoryProduce,
	"bakery":         CategoryBakery,
	"grains":         CategoryPackagedGoods,
	"processed":      CategoryPackagedGoods,
	"sweets":         CategoryPackagedGoods,
	"oils":           CategoryPackagedGoods,
	"packaged":       CategoryPackagedGoods,
	"beverages":      CategoryBeverages,
	"beverage":       CategoryBeverages,
	"drinks":         CategoryBeverages,
	"unknown":        CategoryOther,
	"other":          CategoryOther,
}

// Categorize guesses the canonical category of an item from its name.
func Categorize(name string) string {
	lower := strings.ToLower(name)
	for _, ck := range categoryKeywords {
		for _, kw := range ck.keywords {
			if containsWord(lower, kw) {
				return ck.category
			}
		}
	}
	return CategoryOther
}

// containsWord reports whether s has a word equal to kw or its plural, so "eggs"
// matches "egg" but "eggplant" does not.
func containsWord(s, kw string) bool {
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if w == kw || w == kw+"s" || w == kw+"es" {
			return true
		}
	}
	return false
}
