package logsync

import (
	"strings"

	"idgov/internal/domain"
)

var categoryKeywords = []struct {
	keyword  string
	category domain.Category
}{
	{"security", domain.CategorySecurity},
	{"policy", domain.CategoryPolicy},
	{"servicehealth", domain.CategoryServiceHealth},
}

var operationKeywords = []struct {
	keywords []string
	category domain.Category
}{
	{[]string{"create", "delete", "update"}, domain.CategoryResourceManagement},
	{[]string{"list", "get"}, domain.CategoryAdministrative},
}

// Categorize classifies one raw record. An explicit category field wins over
// the operation name; anything unrecognized, including malformed JSON, is
// Uncategorized.
func Categorize(raw []byte) domain.Category {
	rec := domain.LogRecord{Raw: raw}

	if cat := strings.ToLower(rec.LocalizedField("category")); cat != "" {
		for _, k := range categoryKeywords {
			if strings.Contains(cat, k.keyword) {
				return k.category
			}
		}
	}

	if op := strings.ToLower(rec.LocalizedField("operationName")); op != "" {
		for _, k := range operationKeywords {
			for _, kw := range k.keywords {
				if strings.Contains(op, kw) {
					return k.category
				}
			}
		}
	}

	return domain.CategoryUncategorized
}

// Tally counts records per category.
type Tally map[domain.Category]int

// Total returns the number of records counted.
func (t Tally) Total() int {
	n := 0
	for _, c := range t {
		n += c
	}
	return n
}
