// Package highlight folds enriched captures into one running note per user
// and category.
package highlight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/pbaille/glean/internal/domain"
	"github.com/pbaille/glean/internal/metrics"
	"github.com/pbaille/glean/internal/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Separator joins bodies when a merge falls back to concatenation.
const Separator = "\n\n"

// Concat is the deterministic fallback merge.
func Concat(existing, text string) string {
	return existing + Separator + text
}

// Title is the title given to a new highlight.
func Title(category domain.Category) string {
	return fmt.Sprintf("%s highlight", category)
}

// Store is the persistence the engine needs.
type Store interface {
	ListUnmergedEnriched(ctx context.Context, userID string, since time.Time) ([]domain.Item, error)
	GetHighlight(ctx context.Context, userID string, category domain.Category) (*domain.Highlight, error)
	CreateHighlight(ctx context.Context, in store.NewHighlight) (*domain.Highlight, error)
	UpdateHighlightBody(ctx context.Context, f store.Fold) (int64, error)
}

// Merger combines an existing body with new text.
type Merger interface {
	Merge(ctx context.Context, existing, newText string, category domain.Category) (string, error)
}

// Options tunes an Engine.
type Options struct {
	// Concurrency bounds how many category groups run at once.
	Concurrency int

	// ConflictRetries bounds re-reads after a version conflict.
	ConflictRetries int

	// RunTimeout bounds one merge run. Defaults to DefaultRunTimeout.
	RunTimeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultRunTimeout bounds a merge run when Options.RunTimeout is unset.
const DefaultRunTimeout = 5 * time.Minute

// Result summarizes one merge run.
type Result struct {
	Items     int `json:"items"`
	Created   int `json:"created"`
	Merged    int `json:"merged"`
	Fallbacks int `json:"fallbacks"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (r *Result) add(o Result) {
	r.Created += o.Created
	r.Merged += o.Merged
	r.Fallbacks += o.Fallbacks
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Engine is the highlight merge engine.
type Engine struct {
	store       Store
	merger      Merger
	logger      *slog.Logger
	now         func() time.Time
	concurrency int
	retries     int
	runTimeout  time.Duration

	runs singleflight.Group
}

// NewEngine creates an Engine.
func NewEngine(s Store, m Merger, logger *slog.Logger, opts Options) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ConflictRetries < 0 {
		opts.ConflictRetries = 0
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:       s,
		merger:      m,
		logger:      logger,
		now:         opts.Now,
		concurrency: opts.Concurrency,
		retries:     opts.ConflictRetries,
		runTimeout:  opts.RunTimeout,
	}
}

// Process folds every enriched, unmerged item of the user into its
// category's highlight, oldest first. Concurrent calls for the same user
// share one run. The run is detached from the caller's cancellation and
// bounded by the engine's run timeout; a caller whose ctx ends stops
// waiting with ctx.Err() while the run completes. Per-item failures are
// logged and counted, not returned; the error is otherwise non-nil only
// when the pending items cannot be listed.
func (e *Engine) Process(ctx context.Context, userID string) (*Result, error) {
	ch := e.runs.DoChan(userID, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.runTimeout)
		defer cancel()
		return e.process(runCtx, userID)
	})

	select {
	case r := <-ch:
		if r.Shared {
			e.logger.DebugContext(ctx, "joined in-flight merge run", "user_id", userID)
		}
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*Result)
		return &res, nil
	case <-ctx.Done():
		e.logger.InfoContext(ctx, "caller left before merge run finished", "user_id", userID)
		return nil, ctx.Err()
	}
}

func (e *Engine) process(ctx context.Context, userID string) (*Result, error) {
	metrics.MergeRunsTotal.Inc()

	items, err := e.store.ListUnmergedEnriched(ctx, userID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}

	res := &Result{Items: len(items)}
	if len(items) == 0 {
		e.logger.DebugContext(ctx, "no pending items", "user_id", userID)
		return res, nil
	}

	categories, groups := groupByCategory(items)
	e.logger.InfoContext(ctx, "merging pending items",
		"user_id", userID,
		"items", len(items),
		"categories", len(categories))

	results := make([]Result, len(categories))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, cat := range categories {
		g.Go(func() error {
			results[i] = e.processGroup(ctx, userID, cat, groups[cat])
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		res.add(r)
	}

	e.logger.InfoContext(ctx, "merge run completed",
		"user_id", userID,
		"created", res.Created,
		"merged", res.Merged,
		"fallbacks", res.Fallbacks,
		"skipped", res.Skipped,
		"failed", res.Failed)
	return res, nil
}

// groupByCategory sorts items by creation time and groups them, keeping the
// order within each group and the order of first appearance across groups.
func groupByCategory(items []domain.Item) ([]domain.Category, map[domain.Category][]domain.Item) {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b domain.Item) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	var order []domain.Category
	groups := make(map[domain.Category][]domain.Item)
	for _, item := range sorted {
		if item.Category == nil {
			continue
		}
		cat := *item.Category
		if _, ok := groups[cat]; !ok {
			order = append(order, cat)
		}
		groups[cat] = append(groups[cat], item)
	}
	return order, groups
}

func (e *Engine) processGroup(ctx context.Context, userID string, cat domain.Category, items []domain.Item) Result {
	var res Result
	logger := e.logger.With("user_id", userID, "category", string(cat))

	h, rest, seeded := e.ensureHighlight(ctx, logger, userID, cat, items)
	res.add(seeded)
	if h == nil {
		return res
	}

	for i, item := range rest {
		if err := ctx.Err(); err != nil {
			logger.WarnContext(ctx, "merge canceled", "remaining", len(rest)-i, "error", err)
			res.Failed += len(rest) - i
			metrics.FoldsTotal.WithLabelValues("failed").Add(float64(len(rest) - i))
			break
		}

		var outcome string
		h, outcome = e.fold(ctx, logger, h, item)
		metrics.RecordFold(outcome)
		switch outcome {
		case "merged":
			res.Merged++
		case "fallback":
			res.Merged++
			res.Fallbacks++
		case "skipped":
			res.Skipped++
		default:
			res.Failed++
		}
	}
	return res
}

// ensureHighlight returns the highlight for the group, creating it from the
// first item when missing, along with the items still to fold.
func (e *Engine) ensureHighlight(ctx context.Context, logger *slog.Logger, userID string, cat domain.Category, items []domain.Item) (*domain.Highlight, []domain.Item, Result) {
	var res Result
	races := 0

	for len(items) > 0 {
		h, err := e.store.GetHighlight(ctx, userID, cat)
		if err == nil {
			return h, items, res
		}
		if !errors.Is(err, store.ErrNotFound) {
			logger.ErrorContext(ctx, "failed to load highlight", "error", err)
			res.Failed += len(items)
			metrics.FoldsTotal.WithLabelValues("failed").Add(float64(len(items)))
			return nil, nil, res
		}

		seed := items[0]
		title := Title(cat)
		h, err = e.store.CreateHighlight(ctx, store.NewHighlight{
			UserID:     userID,
			Category:   cat,
			Title:      &title,
			Content:    seed.FoldText(),
			SeedItemID: seed.ID,
			At:         e.now(),
		})
		switch {
		case err == nil:
			logger.InfoContext(ctx, "created highlight", "highlight_id", h.ID, "item_id", seed.ID)
			metrics.RecordFold("created")
			res.Created++
			return h, items[1:], res
		case errors.Is(err, store.ErrHighlightExists) && races <= e.retries:
			// Another writer created it first; fold into theirs.
			logger.InfoContext(ctx, "highlight created concurrently, refetching")
			races++
		case errors.Is(err, store.ErrItemMerged):
			logger.InfoContext(ctx, "item already merged", "item_id", seed.ID)
			metrics.RecordFold("skipped")
			res.Skipped++
			items = items[1:]
		default:
			logger.ErrorContext(ctx, "failed to create highlight", "item_id", seed.ID, "error", err)
			metrics.RecordFold("failed")
			res.Failed++
			items = items[1:]
		}
	}
	return nil, nil, res
}

// fold merges one item into h and persists the result. It returns the
// highlight as stored afterwards and the outcome label.
func (e *Engine) fold(ctx context.Context, logger *slog.Logger, h *domain.Highlight, item domain.Item) (*domain.Highlight, string) {
	cur := *h
	text := item.FoldText()

	for attempt := 0; ; attempt++ {
		body, fellBack := e.mergeBody(ctx, logger, cur.Content, text, cur.Category, item.ID)
		at := e.now()

		version, err := e.store.UpdateHighlightBody(ctx, store.Fold{
			HighlightID:     cur.ID,
			ExpectedVersion: cur.Version,
			Content:         body,
			ItemID:          item.ID,
			At:              at,
		})
		switch {
		case err == nil:
			cur.Content = body
			cur.Version = version
			cur.UpdatedAt = at.UTC()
			logger.DebugContext(ctx, "folded item", "highlight_id", cur.ID, "item_id", item.ID, "fallback", fellBack)
			if fellBack {
				return &cur, "fallback"
			}
			return &cur, "merged"

		case errors.Is(err, store.ErrItemMerged):
			logger.InfoContext(ctx, "item already merged", "item_id", item.ID)
			return h, "skipped"

		case errors.Is(err, store.ErrVersionConflict) && attempt < e.retries:
			logger.InfoContext(ctx, "highlight changed concurrently, retrying fold",
				"highlight_id", cur.ID, "item_id", item.ID, "attempt", attempt+1)
			metrics.RecordFold("conflict")
			fresh, err := e.store.GetHighlight(ctx, cur.UserID, cur.Category)
			if err != nil {
				logger.ErrorContext(ctx, "failed to reload highlight", "highlight_id", cur.ID, "error", err)
				return h, "failed"
			}
			cur = *fresh

		default:
			logger.ErrorContext(ctx, "failed to fold item", "highlight_id", cur.ID, "item_id", item.ID, "error", err)
			return h, "failed"
		}
	}
}

// mergeBody calls the merger and falls back to concatenation on any error
// or blank reply.
func (e *Engine) mergeBody(ctx context.Context, logger *slog.Logger, existing, text string, cat domain.Category, itemID string) (string, bool) {
	body, err := e.merger.Merge(ctx, existing, text, cat)
	if err == nil && strings.TrimSpace(body) != "" {
		return body, false
	}
	if err == nil {
		err = errors.New("blank merge result")
	}
	logger.WarnContext(ctx, "merge failed, concatenating", "item_id", itemID, "error", err)
	return Concat(existing, text), true
}
