package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pbaille/glean/internal/domain"
	"github.com/pbaille/glean/internal/metrics"
)

const summarizeSystem = "You are a content analysis assistant who writes concise summaries and picks categories."

// Summarizer produces a summary and category for captured pages
type Summarizer struct {
	client        *Client
	maxTokens     int
	maxInputChars int
	logger        *slog.Logger
}

// NewSummarizer creates a Summarizer on top of client.
func NewSummarizer(client *Client, maxTokens, maxInputChars int, logger *slog.Logger) *Summarizer {
	return &Summarizer{
		client:        client,
		maxTokens:     maxTokens,
		maxInputChars: maxInputChars,
		logger:        logger,
	}
}

// Summarize never fails: when no enrichment can be produced it returns
// OK=false with an empty summary and CategoryOther. A category outside the
// vocabulary is normalized to CategoryOther.
func (s *Summarizer) Summarize(ctx context.Context, content, title, url string) domain.Enrichment {
	failed := domain.Enrichment{Category: domain.CategoryOther}

	prompt := buildSummaryPrompt(truncate(content, s.maxInputChars), title, url)
	resp, err := s.client.Complete(ctx, "summarize", summarizeSystem, prompt, s.maxTokens)
	if err != nil {
		s.logger.WarnContext(ctx, "summarize failed", "url", url, "error", err)
		metrics.RecordEnrichment(false)
		return failed
	}

	summary, rawCategory := parseSummary(resp)
	if summary == "" {
		s.logger.WarnContext(ctx, "summarize returned no summary", "url", url)
		metrics.RecordEnrichment(false)
		return failed
	}

	category, ok := domain.ParseCategory(rawCategory)
	if !ok {
		s.logger.InfoContext(ctx, "unknown category normalized", "category", rawCategory, "url", url)
		category = domain.CategoryOther
	}

	metrics.RecordEnrichment(true)
	return domain.Enrichment{Summary: summary, Category: category, OK: true}
}

func buildSummaryPrompt(content, title, url string) string {
	if title == "" {
		title = "(untitled)"
	}
	if url == "" {
		url = "(no url)"
	}

	var sb strings.Builder
	sb.WriteString("Write a concise summary (at most 200 words) of the following content and pick the single best category.\n\n")
	fmt.Fprintf(&sb, "Title: %s\n", title)
	fmt.Fprintf(&sb, "URL: %s\n", url)
	sb.WriteString("Content:\n")
	sb.WriteString(content)
	sb.WriteString("\n\n")
	sb.WriteString(`Return a JSON object with two fields:
{"summary": "...", "category": "..."}

The category must be exactly one of: `)
	sb.WriteString(strings.Join(domain.CategoryNames(), ", "))
	sb.WriteString(".\n\nReturn ONLY the JSON, no other text.")
	return sb.String()
}

type summaryResponse struct {
	Summary  string `json:"summary"`
	Category string `json:"category"`
}

var (
	summaryField  = regexp.MustCompile(`(?i)"?summary"?\s*:\s*"?([^"\n]+)`)
	categoryField = regexp.MustCompile(`(?i)"?category"?\s*:\s*"?([^"\n,}]+)`)
)

// parseSummary decodes the JSON reply, falling back to pulling the two
// fields out of free text when the reply is not valid JSON.
func parseSummary(resp string) (summary, category string) {
	resp = stripFences(resp)

	var parsed summaryResponse
	if err := json.Unmarshal([]byte(resp), &parsed); err == nil {
		return strings.TrimSpace(parsed.Summary), strings.TrimSpace(parsed.Category)
	}

	if m := summaryField.FindStringSubmatch(resp); m != nil {
		summary = strings.TrimSpace(m[1])
	}
	if m := categoryField.FindStringSubmatch(resp); m != nil {
		category = strings.TrimSpace(m[1])
	}
	return summary, category
}

// stripFences removes markdown code blocks around a reply
func stripFences(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
