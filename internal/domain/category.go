package domain

import "strings"

// Category is one entry of the fixed category vocabulary. Highlights are keyed
// by (user, category), so only values from Categories are ever stored.
type Category string

const (
	CategoryEconomics      Category = "Economics"
	CategorySemiconductors Category = "Semiconductors"
	CategoryInvesting      Category = "Investing"
	CategoryFinance        Category = "Finance"
	CategorySports         Category = "Sports"
	CategoryAI             Category = "AI"
	CategoryTechnology     Category = "Technology"
	CategoryHealth         Category = "Health"
	CategoryEducation      Category = "Education"
	CategoryArt            Category = "Art"
	CategoryPolitics       Category = "Politics"
	CategoryEnvironment    Category = "Environment"
	CategoryPsychology     Category = "Psychology"
	CategoryHistory        Category = "History"
	CategoryCareer         Category = "Career"
	CategoryOther          Category = "Other"
)

// Categories lists the vocabulary in prompt order.
var Categories = []Category{
	CategoryEconomics,
	CategorySemiconductors,
	CategoryInvesting,
	CategoryFinance,
	CategorySports,
	CategoryAI,
	CategoryTechnology,
	CategoryHealth,
	CategoryEducation,
	CategoryArt,
	CategoryPolitics,
	CategoryEnvironment,
	CategoryPsychology,
	CategoryHistory,
	CategoryCareer,
	CategoryOther,
}

var categoryIndex = func() map[string]Category {
	m := make(map[string]Category, len(Categories))
	for _, c := range Categories {
		m[strings.ToLower(string(c))] = c
	}
	return m
}()

// ParseCategory matches s against the vocabulary, ignoring case and
// surrounding whitespace.
func ParseCategory(s string) (Category, bool) {
	c, ok := categoryIndex[strings.ToLower(strings.TrimSpace(s))]
	return c, ok
}

// NormalizeCategory returns the matching category, or CategoryOther.
func NormalizeCategory(s string) Category {
	if c, ok := ParseCategory(s); ok {
		return c
	}
	return CategoryOther
}

// CategoryNames returns the vocabulary as plain strings.
func CategoryNames() []string {
	names := make([]string, len(Categories))
	for i, c := range Categories {
		names[i] = string(c)
	}
	return names
}
