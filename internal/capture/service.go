// Package capture stores captured pages and attaches summaries to them.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/pbaille/glean/internal/domain"
	gerrors "github.com/pbaille/glean/internal/errors"
	"github.com/pbaille/glean/internal/metrics"
	"github.com/pbaille/glean/internal/store"
)

const (
	defaultListLimit    = 20
	maxListLimit        = 100
	defaultPendingLimit = 20
)

// Store is the item persistence the service needs.
type Store interface {
	AddItem(ctx context.Context, in store.NewItem) (*domain.Item, error)
	GetItem(ctx context.Context, userID, id string) (*domain.Item, error)
	ListItems(ctx context.Context, userID string, limit, offset int) ([]domain.Item, error)
	SearchItems(ctx context.Context, userID, query string) ([]domain.Item, error)
	ListUnenriched(ctx context.Context, userID string, limit int) ([]domain.Item, error)
	SetEnrichment(ctx context.Context, userID, id, summary string, category domain.Category) error
	CountItemsBetween(ctx context.Context, userID string, from, to time.Time) (int, error)
}

// Summarizer produces an enrichment for a page; it never fails.
type Summarizer interface {
	Summarize(ctx context.Context, content, title, url string) domain.Enrichment
}

// Input is a page sent by the browser extension or CLI.
type Input struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Result is the outcome of a capture or enrichment.
type Result struct {
	Item     *domain.Item `json:"item"`
	Enriched bool         `json:"enriched"`
}

// Usage is the capture count for the current month.
type Usage struct {
	MonthlyCaptures int       `json:"monthly_captures"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
}

// Service handles captures and their enrichment.
type Service struct {
	store           Store
	summarizer      Summarizer
	logger          *slog.Logger
	enrichOnCapture bool
}

// NewService creates a Service. When enrichOnCapture is set, Capture runs
// the summarizer before returning.
func NewService(s Store, summarizer Summarizer, logger *slog.Logger, enrichOnCapture bool) *Service {
	return &Service{
		store:           s,
		summarizer:      summarizer,
		logger:          logger,
		enrichOnCapture: enrichOnCapture,
	}
}

// Validate checks required fields and returns the normalized input.
func Validate(in Input) (Input, error) {
	in.URL = strings.TrimSpace(in.URL)
	if in.URL == "" {
		return in, gerrors.NewMissingField("url")
	}
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return in, gerrors.NewInvalidRequest("url must be an absolute http(s) URL")
	}

	in.Content = StripTags(in.Content)
	if in.Content == "" {
		return in, gerrors.NewMissingField("content")
	}

	in.Title = strings.TrimSpace(StripTags(in.Title))
	if in.Title == "" {
		in.Title = in.URL
	}
	return in, nil
}

// Capture validates and stores a page for the user. A failed enrichment
// leaves the item stored without a summary.
func (s *Service) Capture(ctx context.Context, userID string, in Input) (*Result, error) {
	in, err := Validate(in)
	if err != nil {
		return nil, err
	}

	item, err := s.store.AddItem(ctx, store.NewItem{
		UserID:  userID,
		URL:     in.URL,
		Title:   in.Title,
		Content: in.Content,
	})
	if err != nil {
		return nil, gerrors.NewInternal(err)
	}
	metrics.CapturesTotal.Inc()
	s.logger.InfoContext(ctx, "captured page", "user_id", userID, "item_id", item.ID, "url", item.URL)

	res := &Result{Item: item}
	if !s.enrichOnCapture {
		return res, nil
	}
	res.Enriched, err = s.enrich(ctx, item)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Enrich summarizes one of the user's unenriched items and stores the
// result. Items are enriched once; an enriched item is a conflict.
func (s *Service) Enrich(ctx context.Context, userID, id string) (*Result, error) {
	item, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if item.Enriched() {
		return nil, alreadyEnriched(id)
	}
	ok, err := s.enrich(ctx, item)
	if err != nil {
		return nil, err
	}
	return &Result{Item: item, Enriched: ok}, nil
}

// EnrichPending retries enrichment for up to limit unenriched items, oldest
// first, and returns how many were enriched.
func (s *Service) EnrichPending(ctx context.Context, userID string, limit int) (int, error) {
	if limit < 1 {
		limit = defaultPendingLimit
	}
	items, err := s.store.ListUnenriched(ctx, userID, limit)
	if err != nil {
		return 0, gerrors.NewInternal(err)
	}

	enriched := 0
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.enrich(ctx, &items[i])
		if gerrors.Is(err, gerrors.ErrConflict) {
			// Enriched concurrently since it was listed.
			continue
		}
		if err != nil {
			return enriched, err
		}
		if ok {
			enriched++
		}
	}
	s.logger.InfoContext(ctx, "enriched pending items", "user_id", userID, "pending", len(items), "enriched", enriched)
	return enriched, nil
}

// enrich runs the summarizer and persists a successful result on item.
func (s *Service) enrich(ctx context.Context, item *domain.Item) (bool, error) {
	e := s.summarizer.Summarize(ctx, item.Content, item.Title, item.URL)
	if !e.OK {
		s.logger.WarnContext(ctx, "enrichment unavailable, item left unenriched", "item_id", item.ID)
		return false, nil
	}

	if err := s.store.SetEnrichment(ctx, item.UserID, item.ID, e.Summary, e.Category); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return false, gerrors.NewNotFound("item", item.ID)
		case errors.Is(err, store.ErrAlreadyEnriched):
			return false, alreadyEnriched(item.ID)
		}
		return false, gerrors.NewInternal(err)
	}

	summary, category := e.Summary, e.Category
	item.Summary = &summary
	item.Category = &category
	s.logger.InfoContext(ctx, "enriched item", "item_id", item.ID, "category", string(category))
	return true, nil
}

func alreadyEnriched(id string) *gerrors.GleanError {
	err := gerrors.NewConflict("item already enriched: " + id)
	err.Details = map[string]any{"identifier": id}
	return err
}

// Get returns one of the user's items.
func (s *Service) Get(ctx context.Context, userID, id string) (*domain.Item, error) {
	item, err := s.store.GetItem(ctx, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, gerrors.NewNotFound("item", id)
	}
	if err != nil {
		return nil, gerrors.NewInternal(err)
	}
	return item, nil
}

// List returns the user's items, newest first.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]domain.Item, error) {
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	items, err := s.store.ListItems(ctx, userID, limit, offset)
	if err != nil {
		return nil, gerrors.NewInternal(err)
	}
	if items == nil {
		items = []domain.Item{}
	}
	return items, nil
}

// Search matches the query against titles and content.
func (s *Service) Search(ctx context.Context, userID, query string) ([]domain.Item, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, gerrors.NewMissingField("q")
	}
	items, err := s.store.SearchItems(ctx, userID, query)
	if err != nil {
		return nil, gerrors.NewInternal(err)
	}
	if items == nil {
		items = []domain.Item{}
	}
	return items, nil
}

// Usage counts the user's captures in the calendar month containing now.
func (s *Service) Usage(ctx context.Context, userID string, now time.Time) (*Usage, error) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	end := start.AddDate(0, 1, 0)

	n, err := s.store.CountItemsBetween(ctx, userID, start, end)
	if err != nil {
		return nil, gerrors.NewInternal(err)
	}
	return &Usage{MonthlyCaptures: n, PeriodStart: start, PeriodEnd: end}, nil
}
