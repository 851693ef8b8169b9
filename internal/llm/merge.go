package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/pbaille/glean/internal/domain"
)

const mergeSystem = "You are an editor who merges related notes into one coherent, well-organized note."

// Merger folds new text into an existing highlight body
type Merger struct {
	client    *Client
	maxTokens int
}

// NewMerger creates a Merger on top of client.
func NewMerger(client *Client, maxTokens int) *Merger {
	return &Merger{client: client, maxTokens: maxTokens}
}

// Merge asks the model for the union of existing and newText. Errors
// (including a missing credential) are returned to the caller, which owns
// the fallback.
func (m *Merger) Merge(ctx context.Context, existing, newText string, category domain.Category) (string, error) {
	resp, err := m.client.Complete(ctx, "merge", mergeSystem, buildMergePrompt(existing, newText, category), m.maxTokens)
	if err != nil {
		return "", fmt.Errorf("merge: %w", err)
	}
	return strings.TrimSpace(resp), nil
}

func buildMergePrompt(existing, newText string, category domain.Category) string {
	var sb strings.Builder

	sb.WriteString(`Merge the new content into the existing highlight note so the result reads as one coherent note.
- Remove information that repeats what the note already says and integrate related details.
- Add new viewpoints or facts to the paragraph they belong to.
- When the new content describes an event, state the year and month it happened.
- Name the country or city when referring to institutions such as "the central bank" or "the government".
- Prefer numbered lists (1. 2. 3. ...) and separate paragraphs with a blank line.
- Keep the note under 800 words.

`)
	fmt.Fprintf(&sb, "Category: %s\n\n", category)
	sb.WriteString("Existing note:\n")
	sb.WriteString(existing)
	sb.WriteString("\n\nNew content:\n")
	sb.WriteString(newText)
	sb.WriteString("\n\nReturn only the full merged note, with no extra commentary or formatting.")
	return sb.String()
}
