package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pbaille/glean/internal/domain"
)

const highlightColumns = "id, user_id, category, title, content, version, created_at, updated_at"

// NewHighlight is the input for CreateHighlight.
type NewHighlight struct {
	UserID   string
	Category domain.Category
	Title    *string
	Content  string

	// SeedItemID is the item whose text is the initial content. It is marked
	// merged in the same transaction.
	SeedItemID string

	At time.Time
}

// Fold is the input for UpdateHighlightBody.
type Fold struct {
	HighlightID     string
	ExpectedVersion int64
	Content         string

	// ItemID is the item folded in by this update.
	ItemID string

	At time.Time
}

// GetHighlight looks up the user's highlight for a category
func (s *Store) GetHighlight(ctx context.Context, userID string, category domain.Category) (*domain.Highlight, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+highlightColumns+" FROM highlights WHERE user_id = ? AND category = ?",
		userID, string(category),
	)
	h, err := scanHighlight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get highlight: %w", err)
	}
	return h, nil
}

// GetHighlightByID retrieves one of the user's highlights by ID
func (s *Store) GetHighlightByID(ctx context.Context, userID, id string) (*domain.Highlight, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+highlightColumns+" FROM highlights WHERE id = ? AND user_id = ?",
		id, userID,
	)
	h, err := scanHighlight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get highlight: %w", err)
	}
	return h, nil
}

// CreateHighlight inserts the first highlight for (user, category) and marks
// the seed item merged into it. It returns ErrHighlightExists when the pair
// is taken, and ErrItemMerged when the seed was already folded elsewhere.
func (s *Store) CreateHighlight(ctx context.Context, in NewHighlight) (*domain.Highlight, error) {
	at := in.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	h := &domain.Highlight{
		ID:        uuid.New().String(),
		UserID:    in.UserID,
		Category:  in.Category,
		Title:     in.Title,
		Content:   in.Content,
		Version:   1,
		CreatedAt: at,
		UpdatedAt: at,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO highlights (id, user_id, category, title, content, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID, h.UserID, string(h.Category), nullString(h.Title), h.Content, h.Version,
			toUnix(at), toUnix(at),
		)
		if isUniqueViolation(err) {
			return ErrHighlightExists
		}
		if err != nil {
			return fmt.Errorf("insert highlight: %w", err)
		}
		return markMerged(ctx, tx, in.SeedItemID, h.ID, at)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// UpdateHighlightBody replaces the highlight content if its version still
// equals ExpectedVersion, and marks the folded item merged. It returns the
// new version.
func (s *Store) UpdateHighlightBody(ctx context.Context, f Fold) (int64, error) {
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE highlights SET content = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?",
			f.Content, toUnix(at), f.HighlightID, f.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update highlight: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update highlight: %w", err)
		}
		if n == 0 {
			return ErrVersionConflict
		}
		return markMerged(ctx, tx, f.ItemID, f.HighlightID, at)
	})
	if err != nil {
		return 0, err
	}
	return f.ExpectedVersion + 1, nil
}

func markMerged(ctx context.Context, tx *sql.Tx, itemID, highlightID string, at time.Time) error {
	if itemID == "" {
		return nil
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE items SET merged_into = ?, merged_at = ? WHERE id = ? AND merged_into IS NULL",
		highlightID, toUnix(at), itemID,
	)
	if err != nil {
		return fmt.Errorf("mark merged: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark merged: %w", err)
	}
	if n == 0 {
		return ErrItemMerged
	}
	return nil
}

// ListHighlights returns the user's highlights, most recently updated first
func (s *Store) ListHighlights(ctx context.Context, userID string, limit, offset int) ([]domain.Highlight, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+highlightColumns+" FROM highlights WHERE user_id = ? ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list highlights: %w", err)
	}
	defer rows.Close()

	var highlights []domain.Highlight
	for rows.Next() {
		h, err := scanHighlight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan highlight: %w", err)
		}
		highlights = append(highlights, *h)
	}
	return highlights, rows.Err()
}

// CountHighlights returns how many highlights the user has
func (s *Store) CountHighlights(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM highlights WHERE user_id = ?", userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count highlights: %w", err)
	}
	return n, nil
}

func scanHighlight(sc scanner) (*domain.Highlight, error) {
	var (
		h        domain.Highlight
		category string
		title    sql.NullString
		created  int64
		updated  int64
	)
	err := sc.Scan(&h.ID, &h.UserID, &category, &title, &h.Content, &h.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	h.Category = domain.Category(category)
	h.Title = stringPtr(title)
	h.CreatedAt = fromUnix(created)
	h.UpdatedAt = fromUnix(updated)
	return &h, nil
}
