package domain

import "time"

// Item represents a captured web page
type Item struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	URL        string     `json:"url"`
	Title      string     `json:"title"`
	Content    string     `json:"content"`
	Summary    *string    `json:"summary,omitempty"`
	Category   *Category  `json:"category,omitempty"`
	MergedInto *string    `json:"merged_into,omitempty"`
	MergedAt   *time.Time `json:"merged_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Enriched reports whether summary and category are attached.
func (i *Item) Enriched() bool {
	return i.Summary != nil && i.Category != nil
}

// FoldText is the text an item contributes to its highlight: the summary,
// or the raw content when the summary is empty.
func (i *Item) FoldText() string {
	if i.Summary != nil && *i.Summary != "" {
		return *i.Summary
	}
	return i.Content
}

// Highlight is the running aggregate note for one user and category
type Highlight struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Category  Category  `json:"category"`
	Title     *string   `json:"title,omitempty"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Source is a captured page that fed a highlight
type Source struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Enrichment is the summarizer output for one item. OK is false when no
// enrichment could be produced; Category is then CategoryOther.
type Enrichment struct {
	Summary  string   `json:"summary"`
	Category Category `json:"category"`
	OK       bool     `json:"ok"`
}
