package coding

import (
	"regexp"

	"github.com/corralhq/corral/pkg/contracts"
)

// categoryRule pairs a compiled pattern with its category. Rules are
// evaluated in declaration order; first match wins.
type categoryRule struct {
	pattern  *regexp.Regexp
	category contracts.LineCategory
}

var categoryRules = []categoryRule{
	{regexp.MustCompile(`(?i)\b(feed|ration|grain|corn|silage|hay|roughage)\b`), contracts.CategoryFeed},
	{regexp.MustCompile(`(?i)\byardage\b`), contracts.CategoryYardage},
	{regexp.MustCompile(`(?i)\b(vet|veterinary|medic\w*|vaccin\w*|implant\w*|treatment|doctor)\b|\bmed\b`), contracts.CategoryVet},
	{regexp.MustCompile(`(?i)\b(freight|trucking|hauling|transport)\b`), contracts.CategoryFreight},
	{regexp.MustCompile(`(?i)\bdeath\s*loss\b|\bdead\b`), contracts.CategoryDeathLoss},
	{regexp.MustCompile(`(?i)\b(interest|finance\s*charge)\b`), contracts.CategoryInterest},
	{regexp.MustCompile(`(?i)\bprocessing\b|\bprocess\s*fee\b`), contracts.CategoryProcessing},
	{regexp.MustCompile(`(?i)\bcheck\s*-?\s*off\b|\bcheckoff\b|\bbeef\s+council\b`), contracts.CategoryCheckoff},
	{regexp.MustCompile(`(?i)\bbrand(ing)?\s*(fee|inspection)?\b`), contracts.CategoryBrand},
	{regexp.MustCompile(`(?i)\binsurance\b|\bpremium\b`), contracts.CategoryInsurance},
	{regexp.MustCompile(`(?i)\b(misc|miscellaneous|supplies|other)\b`), contracts.CategoryMisc},
}

// Categorize maps a line description to its category. Unmatched
// descriptions are UNCATEGORIZED.
func Categorize(description string) contracts.LineCategory {
	for _, r := range categoryRules {
		if r.pattern.MatchString(description) {
			return r.category
		}
	}
	return contracts.CategoryUncategorized
}
