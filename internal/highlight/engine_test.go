package highlight

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pbaille/glean/internal/domain"
	"github.com/pbaille/glean/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "glean.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeClock advances one minute per call.
type fakeClock struct {
	mu   sync.Mutex
	next time.Time
	last time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{next: base.Add(24 * time.Hour)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = c.next
	c.next = c.next.Add(time.Minute)
	return c.last
}

func (c *fakeClock) Last() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type failingMerger struct{}

func (failingMerger) Merge(context.Context, string, string, domain.Category) (string, error) {
	return "", errors.New("service unavailable")
}

// recordingMerger joins with " | " and records the new texts in call order.
type recordingMerger struct {
	mu    sync.Mutex
	calls []string
}

func (m *recordingMerger) Merge(_ context.Context, existing, newText string, _ domain.Category) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, newText)
	return existing + " | " + newText, nil
}

type blankMerger struct{}

func (blankMerger) Merge(context.Context, string, string, domain.Category) (string, error) {
	return "  ", nil
}

func capture(t *testing.T, s *store.Store, user string, at time.Time, summary string, cat domain.Category) *domain.Item {
	t.Helper()
	ctx := context.Background()
	item, err := s.AddItem(ctx, store.NewItem{
		UserID:    user,
		URL:       "https://news.test/" + summary,
		Title:     summary,
		Content:   "raw " + summary,
		CreatedAt: at,
	})
	require.NoError(t, err)
	require.NoError(t, s.SetEnrichment(ctx, user, item.ID, summary, cat))
	return item
}

func newEngine(s Store, m Merger, clock *fakeClock) *Engine {
	return NewEngine(s, m, testLogger(), Options{Concurrency: 4, ConflictRetries: 3, Now: clock.Now})
}

func TestProcess_ThreeItemsOneCategoryMergerDown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := newFakeClock()

	capture(t, s, "u1", base, "S1", domain.CategoryEconomics)
	capture(t, s, "u1", base.Add(time.Hour), "S2", domain.CategoryEconomics)
	capture(t, s, "u1", base.Add(2*time.Hour), "S3", domain.CategoryEconomics)

	res, err := newEngine(s, failingMerger{}, clock).Process(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Items)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 2, res.Merged)
	assert.Equal(t, 2, res.Fallbacks)
	assert.Zero(t, res.Failed)

	n, err := s.CountHighlights(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h, err := s.GetHighlight(ctx, "u1", domain.CategoryEconomics)
	require.NoError(t, err)
	assert.Equal(t, "S1\n\nS2\n\nS3", h.Content)
	assert.True(t, h.UpdatedAt.Equal(clock.Last()), "updated_at is the time of the third fold")
	require.NotNil(t, h.Title)
	assert.Equal(t, "Economics highlight", *h.Title)
}

func TestProcess_TwoCategories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	capture(t, s, "u1", base, "S1", domain.CategoryEconomics)
	capture(t, s, "u1", base.Add(time.Hour), "S2", domain.CategoryHealth)
	capture(t, s, "u1", base.Add(2*time.Hour), "S3", domain.CategoryEconomics)

	_, err := newEngine(s, failingMerger{}, newFakeClock()).Process(ctx, "u1")
	require.NoError(t, err)

	n, err := s.CountHighlights(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	econ, err := s.GetHighlight(ctx, "u1", domain.CategoryEconomics)
	require.NoError(t, err)
	assert.Equal(t, "S1\n\nS3", econ.Content)

	health, err := s.GetHighlight(ctx, "u1", domain.CategoryHealth)
	require.NoError(t, err)
	assert.Equal(t, "S2", health.Content)
}

// reversingStore returns pending items newest first.
type reversingStore struct {
	*store.Store
}

func (r reversingStore) ListUnmergedEnriched(ctx context.Context, userID string, since time.Time) ([]domain.Item, error) {
	items, err := r.Store.ListUnmergedEnriched(ctx, userID, since)
	slices.Reverse(items)
	return items, err
}

func TestProcess_SortsUnorderedInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	capture(t, s, "u1", base, "A", domain.CategoryAI)
	capture(t, s, "u1", base.Add(time.Minute), "B", domain.CategoryAI)
	capture(t, s, "u1", base.Add(2*time.Minute), "C", domain.CategoryAI)

	m := &recordingMerger{}
	_, err := newEngine(reversingStore{s}, m, newFakeClock()).Process(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "C"}, m.calls)
	h, err := s.GetHighlight(ctx, "u1", domain.CategoryAI)
	require.NoError(t, err)
	assert.Equal(t, "A | B | C", h.Content)
}

func TestProcess_RerunIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newEngine(s, failingMerger{}, newFakeClock())

	capture(t, s, "u1", base, "S1", domain.CategoryHistory)
	capture(t, s, "u1", base.Add(time.Hour), "S2", domain.CategoryHistory)

	_, err := e.Process(ctx, "u1")
	require.NoError(t, err)
	first, err := s.GetHighlight(ctx, "u1", domain.CategoryHistory)
	require.NoError(t, err)

	res, err := e.Process(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, res.Items)

	second, err := s.GetHighlight(ctx, "u1", domain.CategoryHistory)
	require.NoError(t, err)
	assert.Equal(t, first.Content, second.Content, "re-running must not fold items twice")
	assert.Equal(t, first.Version, second.Version)

	// A later capture is folded exactly once, whatever its age.
	capture(t, s, "u1", base.Add(-72*time.Hour), "S0", domain.CategoryHistory)
	_, err = e.Process(ctx, "u1")
	require.NoError(t, err)
	third, err := s.GetHighlight(ctx, "u1", domain.CategoryHistory)
	require.NoError(t, err)
	assert.Equal(t, "S1\n\nS2\n\nS0", third.Content)
}

func TestProcess_FoldsIntoExistingHighlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := &recordingMerger{}
	e := newEngine(s, m, newFakeClock())

	capture(t, s, "u1", base, "first", domain.CategoryCareer)
	_, err := e.Process(ctx, "u1")
	require.NoError(t, err)

	capture(t, s, "u1", base.Add(time.Hour), "second", domain.CategoryCareer)
	capture(t, s, "u1", base.Add(2*time.Hour), "third", domain.CategoryCareer)
	res, err := e.Process(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, 2, res.Merged)
	assert.Zero(t, res.Fallbacks)

	h, err := s.GetHighlight(ctx, "u1", domain.CategoryCareer)
	require.NoError(t, err)
	assert.Equal(t, "first | second | third", h.Content)
	assert.Equal(t, int64(3), h.Version)
}

func TestProcess_UsesRawTextWhenSummaryEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.AddItem(ctx, store.NewItem{UserID: "u1", URL: "https://a", Title: "a", Content: "raw A", CreatedAt: base})
	require.NoError(t, err)
	require.NoError(t, s.SetEnrichment(ctx, "u1", a.ID, "", domain.CategoryArt))
	b, err := s.AddItem(ctx, store.NewItem{UserID: "u1", URL: "https://b", Title: "b", Content: "raw B", CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	require.NoError(t, s.SetEnrichment(ctx, "u1", b.ID, "", domain.CategoryArt))

	_, err = newEngine(s, blankMerger{}, newFakeClock()).Process(ctx, "u1")
	require.NoError(t, err)

	h, err := s.GetHighlight(ctx, "u1", domain.CategoryArt)
	require.NoError(t, err)
	assert.Equal(t, "raw A\n\nraw B", h.Content)
}

func TestProcess_UsersAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newEngine(s, failingMerger{}, newFakeClock())

	capture(t, s, "u1", base, "mine", domain.CategorySports)
	capture(t, s, "u2", base, "theirs", domain.CategorySports)

	_, err := e.Process(ctx, "u1")
	require.NoError(t, err)

	_, err = s.GetHighlight(ctx, "u2", domain.CategorySports)
	assert.ErrorIs(t, err, store.ErrNotFound)

	pending, err := s.ListUnmergedEnriched(ctx, "u2", time.Time{})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// racingStore lets another writer fold an item right before the engine's
// first update.
type racingStore struct {
	*store.Store
	once   sync.Once
	before func()
}

func (r *racingStore) UpdateHighlightBody(ctx context.Context, f store.Fold) (int64, error) {
	r.once.Do(r.before)
	return r.Store.UpdateHighlightBody(ctx, f)
}

func TestProcess_RetriesOnVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := capture(t, s, "u1", base, "S1", domain.CategoryPolitics)
	h, err := s.CreateHighlight(ctx, store.NewHighlight{UserID: "u1", Category: domain.CategoryPolitics, Content: "S1", SeedItemID: seed.ID})
	require.NoError(t, err)

	capture(t, s, "u1", base.Add(time.Hour), "S2", domain.CategoryPolitics)

	// Added after the engine's listing would see it, so only the racing writer folds it.
	rs := &racingStore{Store: s}
	rs.before = func() {
		ext, err := s.AddItem(ctx, store.NewItem{UserID: "u1", URL: "https://ext", Title: "ext", Content: "EXT", CreatedAt: base.Add(30 * time.Minute)})
		require.NoError(t, err)
		_, err = s.UpdateHighlightBody(ctx, store.Fold{HighlightID: h.ID, ExpectedVersion: 1, Content: "S1\n\nEXT", ItemID: ext.ID})
		require.NoError(t, err)
	}

	res, err := newEngine(rs, failingMerger{}, newFakeClock()).Process(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)
	assert.Zero(t, res.Failed)

	got, err := s.GetHighlight(ctx, "u1", domain.CategoryPolitics)
	require.NoError(t, err)
	assert.Equal(t, "S1\n\nEXT\n\nS2", got.Content, "neither writer's contribution is lost")
	assert.Equal(t, int64(3), got.Version)
}

// lateCreateStore reports no highlight on the first lookup, as if another
// writer created it between the lookup and the insert.
type lateCreateStore struct {
	*store.Store
	mu     sync.Mutex
	missed bool
}

func (l *lateCreateStore) GetHighlight(ctx context.Context, userID string, cat domain.Category) (*domain.Highlight, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.missed {
		l.missed = true
		return nil, store.ErrNotFound
	}
	return l.Store.GetHighlight(ctx, userID, cat)
}

func TestProcess_CreateRaceFoldsIntoExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	other := capture(t, s, "u1", base, "OTHER", domain.CategoryEnvironment)
	_, err := s.CreateHighlight(ctx, store.NewHighlight{UserID: "u1", Category: domain.CategoryEnvironment, Content: "OTHER", SeedItemID: other.ID})
	require.NoError(t, err)

	capture(t, s, "u1", base.Add(time.Hour), "MINE", domain.CategoryEnvironment)

	res, err := newEngine(&lateCreateStore{Store: s}, failingMerger{}, newFakeClock()).Process(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, 1, res.Merged)

	n, err := s.CountHighlights(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h, err := s.GetHighlight(ctx, "u1", domain.CategoryEnvironment)
	require.NoError(t, err)
	assert.Equal(t, "OTHER\n\nMINE", h.Content)
}

func TestProcess_ConcurrentCallsSingleHighlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newEngine(s, failingMerger{}, newFakeClock())

	var want []string
	for i := range 6 {
		summary := "S" + string(rune('A'+i))
		want = append(want, summary)
		capture(t, s, "u1", base.Add(time.Duration(i)*time.Minute), summary, domain.CategoryTechnology)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Process(ctx, "u1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := s.CountHighlights(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h, err := s.GetHighlight(ctx, "u1", domain.CategoryTechnology)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(want, Separator), h.Content)
}

func TestGroupByCategory(t *testing.T) {
	cat := func(c domain.Category) *domain.Category { return &c }
	items := []domain.Item{
		{ID: "3", CreatedAt: base.Add(3 * time.Minute), Category: cat(domain.CategoryAI)},
		{ID: "1", CreatedAt: base.Add(1 * time.Minute), Category: cat(domain.CategoryArt)},
		{ID: "2", CreatedAt: base.Add(2 * time.Minute), Category: cat(domain.CategoryAI)},
		{ID: "x", CreatedAt: base},
	}

	order, groups := groupByCategory(items)
	assert.Equal(t, []domain.Category{domain.CategoryArt, domain.CategoryAI}, order)
	require.Len(t, groups[domain.CategoryAI], 2)
	assert.Equal(t, "2", groups[domain.CategoryAI][0].ID)
	assert.Equal(t, "3", groups[domain.CategoryAI][1].ID)
	assert.Equal(t, "3", items[0].ID, "input is not reordered")
}

func TestConcat(t *testing.T) {
	assert.Equal(t, "a\n\nb", Concat("a", "b"))
}

// failingFoldStore fails the first fold of one item with a store error.
type failingFoldStore struct {
	*store.Store
	mu     sync.Mutex
	itemID string
	failed bool
}

func (f *failingFoldStore) UpdateHighlightBody(ctx context.Context, fold store.Fold) (int64, error) {
	f.mu.Lock()
	fail := fold.ItemID == f.itemID && !f.failed
	if fail {
		f.failed = true
	}
	f.mu.Unlock()
	if fail {
		return 0, errors.New("disk I/O error")
	}
	return f.Store.UpdateHighlightBody(ctx, fold)
}

func TestProcess_FailedFoldKeepsOtherWorkAndRetriesNextRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	capture(t, s, "u1", base, "E1", domain.CategoryEconomics)
	capture(t, s, "u1", base.Add(time.Minute), "S1", domain.CategorySports)
	capture(t, s, "u1", base.Add(2*time.Minute), "E2", domain.CategoryEconomics)
	e3 := capture(t, s, "u1", base.Add(3*time.Minute), "E3", domain.CategoryEconomics)
	capture(t, s, "u1", base.Add(4*time.Minute), "S2", domain.CategorySports)
	capture(t, s, "u1", base.Add(5*time.Minute), "E4", domain.CategoryEconomics)

	fs := &failingFoldStore{Store: s, itemID: e3.ID}
	engine := newEngine(fs, failingMerger{}, newFakeClock())

	res, err := engine.Process(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 6, res.Items)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 3, res.Merged)
	assert.Equal(t, 1, res.Failed)

	econ, err := s.GetHighlight(ctx, "u1", domain.CategoryEconomics)
	require.NoError(t, err)
	assert.Equal(t, "E1\n\nE2\n\nE4", econ.Content, "folds before and after the failure persist")

	sports, err := s.GetHighlight(ctx, "u1", domain.CategorySports)
	require.NoError(t, err)
	assert.Equal(t, "S1\n\nS2", sports.Content)

	item, err := s.GetItem(ctx, "u1", e3.ID)
	require.NoError(t, err)
	assert.Nil(t, item.MergedInto, "failed item stays pending")

	res, err = engine.Process(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Items)
	assert.Equal(t, 1, res.Merged)
	assert.Zero(t, res.Failed)

	econ, err = s.GetHighlight(ctx, "u1", domain.CategoryEconomics)
	require.NoError(t, err)
	assert.Equal(t, "E1\n\nE2\n\nE4\n\nE3", econ.Content)

	res, err = engine.Process(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, res.Items, "folded exactly once")
}

// failingLookupStore fails the first highlight lookup for one category.
type failingLookupStore struct {
	*store.Store
	mu       sync.Mutex
	category domain.Category
	failed   bool
}

func (f *failingLookupStore) GetHighlight(ctx context.Context, userID string, cat domain.Category) (*domain.Highlight, error) {
	f.mu.Lock()
	fail := cat == f.category && !f.failed
	if fail {
		f.failed = true
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return f.Store.GetHighlight(ctx, userID, cat)
}

func TestProcess_FailedLookupSkipsOnlyThatGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	capture(t, s, "u1", base, "A1", domain.CategoryAI)
	capture(t, s, "u1", base.Add(time.Minute), "H1", domain.CategoryHealth)
	capture(t, s, "u1", base.Add(2*time.Minute), "A2", domain.CategoryAI)
	capture(t, s, "u1", base.Add(3*time.Minute), "H2", domain.CategoryHealth)

	engine := newEngine(&failingLookupStore{Store: s, category: domain.CategoryHealth}, failingMerger{}, newFakeClock())

	res, err := engine.Process(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.Created)

	ai, err := s.GetHighlight(ctx, "u1", domain.CategoryAI)
	require.NoError(t, err)
	assert.Equal(t, "A1\n\nA2", ai.Content)

	_, err = s.GetHighlight(ctx, "u1", domain.CategoryHealth)
	assert.ErrorIs(t, err, store.ErrNotFound)

	res, err = engine.Process(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Items)
	assert.Zero(t, res.Failed)

	health, err := s.GetHighlight(ctx, "u1", domain.CategoryHealth)
	require.NoError(t, err)
	assert.Equal(t, "H1\n\nH2", health.Content)
}

// gatedMerger blocks its first call until released.
type gatedMerger struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (m *gatedMerger) Merge(_ context.Context, existing, newText string, _ domain.Category) (string, error) {
	m.once.Do(func() {
		close(m.started)
		<-m.release
	})
	return existing + " | " + newText, nil
}

func TestProcess_RunOutlivesCanceledCaller(t *testing.T) {
	s := newTestStore(t)

	capture(t, s, "u1", base, "A", domain.CategoryHistory)
	capture(t, s, "u1", base.Add(time.Minute), "B", domain.CategoryHistory)
	capture(t, s, "u1", base.Add(2*time.Minute), "C", domain.CategoryHistory)

	m := &gatedMerger{started: make(chan struct{}), release: make(chan struct{})}
	engine := newEngine(s, m, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := engine.Process(ctx, "u1")
		errCh <- err
	}()

	<-m.started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(m.release)
	_, err := engine.Process(context.Background(), "u1")
	require.NoError(t, err)

	h, err := s.GetHighlight(context.Background(), "u1", domain.CategoryHistory)
	require.NoError(t, err)
	assert.Equal(t, "A | B | C", h.Content, "the shared run was not cut short")
}

func TestProcess_RunTimeout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	capture(t, s, "u1", base, "A", domain.CategoryCareer)
	capture(t, s, "u1", base.Add(time.Minute), "B", domain.CategoryCareer)

	engine := NewEngine(s, &slowMerger{delay: 5 * time.Second}, testLogger(), Options{RunTimeout: 50 * time.Millisecond})
	res, err := engine.Process(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Failed, "fold cut off by the run timeout")

	h, err := s.GetHighlight(ctx, "u1", domain.CategoryCareer)
	require.NoError(t, err)
	assert.Equal(t, "A", h.Content)

	pending, err := s.ListUnmergedEnriched(ctx, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "B", *pending[0].Summary)
}

// slowMerger waits for delay or for ctx to end.
type slowMerger struct {
	delay time.Duration
}

func (m *slowMerger) Merge(ctx context.Context, existing, newText string, _ domain.Category) (string, error) {
	select {
	case <-time.After(m.delay):
		return existing + " | " + newText, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
