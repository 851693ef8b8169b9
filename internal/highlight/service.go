package highlight

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pbaille/glean/internal/domain"
	gerrors "github.com/pbaille/glean/internal/errors"
	"github.com/pbaille/glean/internal/store"
)

const (
	defaultPageSize    = 20
	maxPageSize        = 100
	defaultSourceLimit = 10
)

// Reader is the read side of highlight persistence.
type Reader interface {
	ListHighlights(ctx context.Context, userID string, limit, offset int) ([]domain.Highlight, error)
	CountHighlights(ctx context.Context, userID string) (int, error)
	GetHighlightByID(ctx context.Context, userID, id string) (*domain.Highlight, error)
	ListSources(ctx context.Context, userID string, category domain.Category, limit int) ([]domain.Source, error)
}

// Page is one page of a user's highlights.
type Page struct {
	Highlights []domain.Highlight `json:"highlights"`
	Pagination Pagination         `json:"pagination"`
}

// Pagination describes a page position.
type Pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"total_pages"`
}

// Service serves highlight reads, running the merge engine lazily first.
type Service struct {
	reader Reader
	engine *Engine
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(reader Reader, engine *Engine, logger *slog.Logger) *Service {
	return &Service{reader: reader, engine: engine, logger: logger}
}

// Engine returns the merge engine behind the service.
func (s *Service) Engine() *Engine {
	return s.engine
}

// List merges pending items for the user, then returns a page of highlights
// ordered by last update. A failed merge run is logged and the list is
// still served.
func (s *Service) List(ctx context.Context, userID string, page, limit int) (*Page, error) {
	if _, err := s.engine.Process(ctx, userID); err != nil {
		s.logger.ErrorContext(ctx, "merge run failed", "user_id", userID, "error", err)
	}

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	total, err := s.reader.CountHighlights(ctx, userID)
	if err != nil {
		return nil, gerrors.NewInternal(err)
	}

	highlights, err := s.reader.ListHighlights(ctx, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, gerrors.NewInternal(err)
	}
	if highlights == nil {
		highlights = []domain.Highlight{}
	}

	return &Page{
		Highlights: highlights,
		Pagination: Pagination{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: (total + limit - 1) / limit,
		},
	}, nil
}

// Get returns one of the user's highlights.
func (s *Service) Get(ctx context.Context, userID, id string) (*domain.Highlight, error) {
	h, err := s.reader.GetHighlightByID(ctx, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, gerrors.NewNotFound("highlight", id)
	}
	if err != nil {
		return nil, gerrors.NewInternal(err)
	}
	return h, nil
}

// Sources lists recent pages captured under category.
func (s *Service) Sources(ctx context.Context, userID, category string, limit int) ([]domain.Source, error) {
	if category == "" {
		return nil, gerrors.NewMissingField("category")
	}
	cat, ok := domain.ParseCategory(category)
	if !ok {
		return nil, gerrors.NewInvalidRequest("unknown category: " + category)
	}
	if limit < 1 || limit > maxPageSize {
		limit = defaultSourceLimit
	}

	sources, err := s.reader.ListSources(ctx, userID, cat, limit)
	if err != nil {
		return nil, gerrors.NewInternal(err)
	}
	if sources == nil {
		sources = []domain.Source{}
	}
	return sources, nil
}
