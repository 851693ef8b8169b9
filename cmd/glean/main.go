package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pbaille/glean/internal/api"
	"github.com/pbaille/glean/internal/auth"
	"github.com/pbaille/glean/internal/capture"
	"github.com/pbaille/glean/internal/config"
	"github.com/pbaille/glean/internal/fetcher"
	"github.com/pbaille/glean/internal/highlight"
	"github.com/pbaille/glean/internal/llm"
	"github.com/pbaille/glean/internal/store"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
	userID     string
)

func main() {
	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".glean", "config.yaml")

	defaultUser := os.Getenv("GLEAN_USER")
	if defaultUser == "" {
		defaultUser = "local"
	}

	rootCmd := &cobra.Command{
		Use:          "glean",
		Short:        "Capture pages and fold them into per-category highlights",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", defaultUser, "user id to act as")

	rootCmd.AddCommand(captureCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(enrichCmd())
	rootCmd.AddCommand(highlightsCmd())
	rootCmd.AddCommand(sourcesCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the wired services for one command invocation.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	captures   *capture.Service
	highlights *highlight.Service
	auth       *auth.Authenticator
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger()

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	client := llm.New(cfg.LLM)
	if !client.Available() {
		logger.Warn("no LLM credential configured, captures stay unenriched and merges concatenate")
	}
	summarizer := llm.NewSummarizer(client, cfg.LLM.SummaryMaxTokens, cfg.LLM.MaxInputChars, logger)
	merger := llm.NewMerger(client, cfg.LLM.MergeMaxTokens)

	engine := highlight.NewEngine(s, merger, logger, highlight.Options{
		Concurrency:     cfg.Merge.Concurrency,
		ConflictRetries: cfg.Merge.ConflictRetries,
		RunTimeout:      cfg.Merge.RunTimeout,
	})

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      s,
		captures:   capture.NewService(s, summarizer, logger, cfg.EnrichOnCapture),
		highlights: highlight.NewService(s, engine, logger),
		auth:       auth.New(cfg.Auth, logger),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// withApp runs fn with a wired app and closes it afterwards.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, args)
	}
}

func captureCmd() *cobra.Command {
	var url, title string

	cmd := &cobra.Command{
		Use:   "capture [content]",
		Short: "Capture a page; content is fetched from --url when omitted",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			content := strings.Join(args, " ")
			if url == "" {
				return fmt.Errorf("--url is required")
			}

			if strings.TrimSpace(content) == "" {
				fmt.Printf("Fetching %s... ", url)
				page, err := fetcher.New(a.cfg.LLM.Timeout).Fetch(ctx, url)
				if err != nil {
					fmt.Println("failed")
					return err
				}
				fmt.Println("done")
				url, content = page.URL, page.Text
				if title == "" {
					title = page.Title
				}
			}

			res, err := a.captures.Capture(ctx, userID, capture.Input{URL: url, Title: title, Content: content})
			if err != nil {
				return err
			}

			fmt.Printf("Captured: %s\n", shortID(res.Item.ID))
			fmt.Printf("Title:    %s\n", truncate(res.Item.Title, 80))
			if res.Enriched {
				fmt.Printf("Category: %s\n", *res.Item.Category)
				fmt.Printf("Summary:  %s\n", truncate(*res.Item.Summary, 200))
			} else {
				fmt.Println("(not summarized; retry with 'glean enrich --pending')")
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&url, "url", "", "page url")
	cmd.Flags().StringVar(&title, "title", "", "page title")
	return cmd
}

func listCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent captures",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			items, err := a.captures.List(ctx, userID, limit, 0)
			if err != nil {
				return err
			}

			if len(items) == 0 {
				fmt.Println("No captures yet. Use 'glean capture' to add one.")
				return nil
			}

			for _, it := range items {
				cat := "-"
				if it.Category != nil {
					cat = string(*it.Category)
				}
				fmt.Printf("%s  %-14s %s\n", shortID(it.ID), cat, truncate(it.Title, 60))
			}
			return nil
		}),
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of captures to show")
	return cmd
}

// resolveItemID expands an id prefix against the user's recent captures.
func resolveItemID(ctx context.Context, a *app, prefix string) (string, error) {
	items, err := a.captures.List(ctx, userID, 100, 0)
	if err != nil {
		return "", err
	}
	for _, it := range items {
		if strings.HasPrefix(it.ID, prefix) {
			return it.ID, nil
		}
	}
	return prefix, nil
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show capture details",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			id, err := resolveItemID(ctx, a, args[0])
			if err != nil {
				return err
			}
			it, err := a.captures.Get(ctx, userID, id)
			if err != nil {
				return err
			}

			fmt.Printf("ID:       %s\n", it.ID)
			fmt.Printf("URL:      %s\n", it.URL)
			fmt.Printf("Title:    %s\n", it.Title)
			fmt.Printf("Captured: %s\n", it.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			if it.Enriched() {
				fmt.Printf("Category: %s\n", *it.Category)
				fmt.Printf("Summary:\n%s\n", *it.Summary)
			}
			if it.MergedInto != nil {
				fmt.Printf("Merged:   %s into %s\n", it.MergedAt.Local().Format("2006-01-02 15:04:05"), shortID(*it.MergedInto))
			}
			fmt.Printf("\nContent:\n%s\n", it.Content)
			return nil
		}),
	}
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search [query]",
		Short: "Search captures",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			items, err := a.captures.Search(ctx, userID, args[0])
			if err != nil {
				return err
			}

			if len(items) == 0 {
				fmt.Println("No matching captures found.")
				return nil
			}

			for _, it := range items {
				fmt.Printf("%s  %s\n", shortID(it.ID), truncate(it.Title, 60))
			}
			return nil
		}),
	}
}

func enrichCmd() *cobra.Command {
	var pending bool
	var limit int

	cmd := &cobra.Command{
		Use:   "enrich [id]",
		Short: "Summarize and categorize a capture, or all pending ones",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if pending {
				n, err := a.captures.EnrichPending(ctx, userID, limit)
				if err != nil {
					return err
				}
				fmt.Printf("Enriched %d capture(s)\n", n)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("pass a capture id or --pending")
			}

			id, err := resolveItemID(ctx, a, args[0])
			if err != nil {
				return err
			}
			res, err := a.captures.Enrich(ctx, userID, id)
			if err != nil {
				return err
			}
			if !res.Enriched {
				fmt.Println("Summarizer unavailable; capture left unenriched.")
				return nil
			}
			fmt.Printf("Category: %s\n", *res.Item.Category)
			fmt.Printf("Summary:  %s\n", *res.Item.Summary)
			return nil
		}),
	}

	cmd.Flags().BoolVar(&pending, "pending", false, "enrich every capture still missing a summary")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum captures to enrich with --pending")
	return cmd
}

func highlightsCmd() *cobra.Command {
	var page, limit int
	var full bool

	cmd := &cobra.Command{
		Use:   "highlights",
		Short: "Merge pending captures and list highlights",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			res, err := a.highlights.List(ctx, userID, page, limit)
			if err != nil {
				return err
			}

			if len(res.Highlights) == 0 {
				fmt.Println("No highlights yet. Captures are merged once they are summarized.")
				return nil
			}

			for _, h := range res.Highlights {
				fmt.Printf("== %s (v%d, updated %s)\n", h.Category, h.Version, h.UpdatedAt.Local().Format("2006-01-02 15:04"))
				if full {
					fmt.Printf("%s\n\n", h.Content)
				} else {
					fmt.Printf("%s\n\n", truncate(h.Content, 160))
				}
			}
			p := res.Pagination
			fmt.Printf("page %d/%d (%d highlights)\n", p.Page, max(p.TotalPages, 1), p.Total)
			return nil
		}),
	}

	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "highlights per page")
	cmd.Flags().BoolVar(&full, "full", false, "print complete highlight bodies")
	return cmd
}

func sourcesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sources [category]",
		Short: "List recent captures behind a category's highlight",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			sources, err := a.highlights.Sources(ctx, userID, args[0], limit)
			if err != nil {
				return err
			}

			if len(sources) == 0 {
				fmt.Println("No sources for this category.")
				return nil
			}

			for _, src := range sources {
				fmt.Printf("%s  %s\n    %s\n", src.CreatedAt.Local().Format("2006-01-02"), truncate(src.Title, 60), src.URL)
			}
			return nil
		}),
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of sources to show")
	return cmd
}

func usageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show this month's capture count",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			u, err := a.captures.Usage(ctx, userID, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("%d capture(s) since %s\n", u.MonthlyCaptures, u.PeriodStart.Format("2006-01-02"))
			return nil
		}),
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if addr == "" {
				addr = a.cfg.Addr
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := api.New(a.captures, a.highlights, a.store, a.auth, a.logger)
			return server.Run(ctx, addr)
		}),
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (overrides config)")
	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := auth.New(cfg.Auth, cfg.NewLogger()).Issue(userID)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	// Replace newlines with spaces for display
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
