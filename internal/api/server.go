package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pbaille/glean/internal/auth"
	"github.com/pbaille/glean/internal/capture"
	"github.com/pbaille/glean/internal/domain"
	gerrors "github.com/pbaille/glean/internal/errors"
	"github.com/pbaille/glean/internal/highlight"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 5 << 20

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server handles HTTP requests for the capture and highlight API
type Server struct {
	captures   *capture.Service
	highlights *highlight.Service
	db         Pinger
	auth       *auth.Authenticator
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a new API server
func New(captures *capture.Service, highlights *highlight.Service, db Pinger, authn *auth.Authenticator, logger *slog.Logger) *Server {
	return &Server{
		captures:   captures,
		highlights: highlights,
		db:         db,
		auth:       authn,
		logger:     logger,
		now:        time.Now,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Captures
	mux.HandleFunc("POST /contents", s.authed(s.addContent))
	mux.HandleFunc("GET /contents", s.authed(s.listContents))
	mux.HandleFunc("GET /contents/search", s.authed(s.searchContents))
	mux.HandleFunc("GET /contents/{id}", s.authed(s.getContent))
	mux.HandleFunc("POST /contents/{id}/summarize", s.authed(s.summarizeContent))

	// Highlights
	mux.HandleFunc("GET /highlights", s.authed(s.listHighlights))
	mux.HandleFunc("GET /highlights/sources", s.authed(s.listSources))
	mux.HandleFunc("GET /highlights/{id}", s.authed(s.getHighlight))

	// Account
	mux.HandleFunc("GET /account/usage", s.authed(s.usage))

	return withCORS(s.withLogging(mux))
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// withCORS adds CORS headers for the browser extension
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		s.logger.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// authed resolves the calling user and stores it on the request context.
func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.UserID(r)
		if err != nil {
			s.logger.WarnContext(r.Context(), "authentication failed", "path", r.URL.Path, "error", err)
			s.writeErr(w, r, gerrors.NewUnauthorized("authentication required"))
			return
		}
		h(w, r.WithContext(auth.WithUser(r.Context(), userID)))
	}
}

func userID(r *http.Request) string {
	id, _ := auth.UserFrom(r.Context())
	return id
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) addContent(w http.ResponseWriter, r *http.Request) {
	var req capture.Input
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, r, gerrors.NewInvalidRequest("invalid request body"))
		return
	}

	res, err := s.captures.Capture(r.Context(), userID(r), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listContents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	items, err := s.captures.List(r.Context(), userID(r), limit, offset)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contents": items,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	item, err := s.captures.Get(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) summarizeContent(w http.ResponseWriter, r *http.Request) {
	res, err := s.captures.Enrich(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) searchContents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	items, err := s.captures.Search(r.Context(), userID(r), query)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contents": items,
		"query":    query,
	})
}

func (s *Server) listHighlights(w http.ResponseWriter, r *http.Request) {
	page, err := s.highlights.List(r.Context(), userID(r), queryInt(r, "page", 1), queryInt(r, "limit", 20))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HighlightResponse carries a highlight and, on request, its rendered body.
type HighlightResponse struct {
	domain.Highlight
	HTML string `json:"html,omitempty"`
}

func (s *Server) getHighlight(w http.ResponseWriter, r *http.Request) {
	h, err := s.highlights.Get(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	resp := HighlightResponse{Highlight: *h}
	if r.URL.Query().Get("format") == "html" {
		html, err := highlight.RenderHTML(h.Content)
		if err != nil {
			s.writeErr(w, r, gerrors.NewInternal(err))
			return
		}
		resp.HTML = html
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	sources, err := s.highlights.Sources(r.Context(), userID(r), category, queryInt(r, "limit", 0))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"category": category,
		"sources":  sources,
	})
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	u, err := s.captures.Usage(r.Context(), userID(r), s.now())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	gErr := gerrors.From(err)
	if gErr.Status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, gErr.Status, string(gErr.Code), "internal error", nil)
		return
	}
	writeError(w, gErr.Status, string(gErr.Code), gErr.Message, gErr.Details)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
