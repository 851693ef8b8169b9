package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pbaille/glean/internal/domain"
)

const itemColumns = "id, user_id, url, title, content, summary, category, merged_into, merged_at, created_at"

// NewItem is the input for AddItem.
type NewItem struct {
	UserID  string
	URL     string
	Title   string
	Content string

	// CreatedAt defaults to now.
	CreatedAt time.Time
}

// AddItem creates a new unenriched item and returns it
func (s *Store) AddItem(ctx context.Context, in NewItem) (*domain.Item, error) {
	id := uuid.New().String()
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	created = created.UTC()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO items (id, user_id, url, title, content, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, in.UserID, in.URL, in.Title, in.Content, toUnix(created),
	)
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}

	return &domain.Item{
		ID:        id,
		UserID:    in.UserID,
		URL:       in.URL,
		Title:     in.Title,
		Content:   in.Content,
		CreatedAt: created,
	}, nil
}

// GetItem retrieves one of the user's items by ID
func (s *Store) GetItem(ctx context.Context, userID, id string) (*domain.Item, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE id = ? AND user_id = ?",
		id, userID,
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// ListItems returns the user's items, newest first
func (s *Store) ListItems(ctx context.Context, userID string, limit, offset int) ([]domain.Item, error) {
	return s.queryItems(ctx, "list items",
		"SELECT "+itemColumns+" FROM items WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?",
		userID, limit, offset,
	)
}

// SearchItems performs a simple text search over title and content. The
// query is matched literally.
func (s *Store) SearchItems(ctx context.Context, userID, query string) ([]domain.Item, error) {
	pattern := "%" + escapeLike(query) + "%"
	return s.queryItems(ctx, "search items",
		`SELECT `+itemColumns+` FROM items
		WHERE user_id = ? AND (title LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\')
		ORDER BY created_at DESC`,
		userID, pattern, pattern,
	)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// ListUnenriched returns items still waiting for a summary, oldest first.
func (s *Store) ListUnenriched(ctx context.Context, userID string, limit int) ([]domain.Item, error) {
	return s.queryItems(ctx, "list unenriched",
		"SELECT "+itemColumns+" FROM items WHERE user_id = ? AND summary IS NULL ORDER BY created_at ASC LIMIT ?",
		userID, limit,
	)
}

// ListUnmergedEnriched returns enriched items not yet folded into a
// highlight, oldest first. A non-zero since further restricts to items
// created after it.
func (s *Store) ListUnmergedEnriched(ctx context.Context, userID string, since time.Time) ([]domain.Item, error) {
	var sinceNanos int64
	if !since.IsZero() {
		sinceNanos = toUnix(since)
	}
	return s.queryItems(ctx, "list unmerged",
		`SELECT `+itemColumns+` FROM items
		WHERE user_id = ?
		  AND summary IS NOT NULL
		  AND category IS NOT NULL
		  AND merged_into IS NULL
		  AND created_at > ?
		ORDER BY created_at ASC, id ASC`,
		userID, sinceNanos,
	)
}

// SetEnrichment attaches summary and category to an unenriched item in one
// statement. An item is enriched at most once: ErrAlreadyEnriched is returned
// when it already carries a summary.
func (s *Store) SetEnrichment(ctx context.Context, userID, id, summary string, category domain.Category) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE items SET summary = ?, category = ? WHERE id = ? AND user_id = ? AND summary IS NULL",
		summary, string(category), id, userID,
	)
	if err != nil {
		return fmt.Errorf("set enrichment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set enrichment: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM items WHERE id = ? AND user_id = ?)", id, userID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("set enrichment: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyEnriched
}

// CountItemsBetween counts the user's captures with from <= created_at < to.
func (s *Store) CountItemsBetween(ctx context.Context, userID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM items WHERE user_id = ? AND created_at >= ? AND created_at < ?",
		userID, toUnix(from), toUnix(to),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

// ListSources returns the most recent pages captured under a category.
func (s *Store) ListSources(ctx context.Context, userID string, category domain.Category, limit int) ([]domain.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT url, title, created_at FROM items WHERE user_id = ? AND category = ? ORDER BY created_at DESC LIMIT ?",
		userID, string(category), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		var src domain.Source
		var created int64
		if err := rows.Scan(&src.URL, &src.Title, &created); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.CreatedAt = fromUnix(created)
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func (s *Store) queryItems(ctx context.Context, op, query string, args ...any) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return items, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (*domain.Item, error) {
	var (
		item       domain.Item
		summary    sql.NullString
		category   sql.NullString
		mergedInto sql.NullString
		mergedAt   sql.NullInt64
		created    int64
	)
	err := sc.Scan(&item.ID, &item.UserID, &item.URL, &item.Title, &item.Content,
		&summary, &category, &mergedInto, &mergedAt, &created)
	if err != nil {
		return nil, err
	}

	item.Summary = stringPtr(summary)
	if category.Valid {
		c := domain.Category(category.String)
		item.Category = &c
	}
	item.MergedInto = stringPtr(mergedInto)
	if mergedAt.Valid {
		t := fromUnix(mergedAt.Int64)
		item.MergedAt = &t
	}
	item.CreatedAt = fromUnix(created)
	return &item, nil
}
