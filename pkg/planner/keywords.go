package planner

// Keyword tables are ordered slices, not sets: Plan must be byte-for-byte
// deterministic, and reasoning strings report hits in table order.

var productKeywords = []string{
	"tumbler", "bottle", "mug", "cup", "cold cup", "drinkware", "straw",
	"lid", "capacity", "ml", "oz", "price", "cost", "color", "material",
	"design", "product", "item", "merchandise", "gift", "coffee", "drink",
	"recommend", "suggest", "show", "list", "display", "popular",
	"cheap", "cheapest", "affordable", "budget", "expensive",
}

var outletKeywords = []string{
	"outlet", "store", "shop", "branch", "location", "near", "nearest",
	"address", "open", "hours", "map", "directions", "mall", "visit",
	"city", "state", "postal", "area", "where",
}

var calculationTriggers = []string{
	"multiplied by", "divided by", "to the power of", "what is",
	"calculate", "compute", "plus", "minus", "times", "modulo", "equals",
	"sum of", "how much is",
}

var pronounTokens = []string{"it", "that", "those", "them", "there"}

var countIntentWords = []string{"how many", "count", "number of"}

// defaultCities covers the retail footprint; overridable via Config.
var defaultCities = []string{
	"kuala lumpur", "selangor", "penang", "johor", "melaka", "ipoh",
	"shah alam", "petaling jaya", "subang jaya", "subang", "klang",
	"ampang", "cheras", "kepong", "bangsar", "damansara", "putrajaya",
	"cyberjaya", "kl", "pj",
}
