package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in   string
		want Category
		ok   bool
	}{
		{"Economics", CategoryEconomics, true},
		{"  health ", CategoryHealth, true},
		{"ai", CategoryAI, true},
		{"OTHER", CategoryOther, true},
		{"Cooking", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseCategory(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeCategory(t *testing.T) {
	assert.Equal(t, CategoryFinance, NormalizeCategory("finance"))
	assert.Equal(t, CategoryOther, NormalizeCategory("Economics & Health"))
	assert.Equal(t, CategoryOther, NormalizeCategory(""))
}

func TestCategoryNames(t *testing.T) {
	names := CategoryNames()
	assert.Len(t, names, len(Categories))
	assert.Equal(t, "Other", names[len(names)-1])
}

func TestItemFoldText(t *testing.T) {
	summary := "short"
	empty := ""

	item := Item{Content: "raw body", Summary: &summary}
	assert.Equal(t, "short", item.FoldText())

	item.Summary = &empty
	assert.Equal(t, "raw body", item.FoldText())

	item.Summary = nil
	assert.Equal(t, "raw body", item.FoldText())
}
