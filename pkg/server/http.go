// Package server is the HTTP boundary: routing, middleware, error mapping,
// and graceful shutdown around the orchestrator and its tools.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/siplinehq/sipline/pkg/agent"
	"github.com/siplinehq/sipline/pkg/calculator"
	"github.com/siplinehq/sipline/pkg/catalog"
	"github.com/siplinehq/sipline/pkg/llms"
	"github.com/siplinehq/sipline/pkg/outlets"
)

const (
	shutdownTimeout = 5 * time.Second

	// retryAfterMS is the hint returned with 503 responses.
	retryAfterMS = 2000
)

// ChatHandler runs one chat turn. *agent.Orchestrator implements it.
type ChatHandler interface {
	Handle(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// ProductSource serves the direct product endpoint and health flags.
type ProductSource interface {
	SearchSorted(ctx context.Context, query string, k int, key catalog.SortKey) []catalog.Match
	Size() int
}

// OutletSource serves the direct outlet endpoint.
type OutletSource interface {
	Answer(ctx context.Context, question string) outlets.Result
}

// OutletHealth reports outlet store connectivity and row count.
type OutletHealth interface {
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// SessionCounter reports live session count for stats.
type SessionCounter interface {
	Count() int
}

// Config holds the boundary settings.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string

	// LLMConfigured feeds the health flag; the key itself never leaves
	// the process.
	LLMConfigured bool
}

// Server wires the routes to the orchestrator and tools.
type Server struct {
	cfg      Config
	chat     ChatHandler
	products ProductSource
	outlets  OutletSource
	outletDB OutletHealth
	sessions SessionCounter
	metrics  *metrics
	router   chi.Router
	httpSrv  *http.Server
}

// New builds the server and its route table.
func New(cfg Config, chat ChatHandler, products ProductSource, outletSrc OutletSource, outletDB OutletHealth, sessions SessionCounter) *Server {
	s := &Server{
		cfg:      cfg,
		chat:     chat,
		products: products,
		outlets:  outletSrc,
		outletDB: outletDB,
		sessions: sessions,
		metrics:  newMetrics(),
	}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.metrics.middleware)
	r.Use(s.corsMiddleware)

	r.Post("/api/chat", s.handleChat)
	r.Get("/products", s.handleProducts)
	r.Get("/outlets", s.handleOutlets)
	r.Get("/calculate", s.handleCalculate)
	r.Get("/health", s.handleHealth)
	r.Get("/api/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	return r
}

// Start serves until ctx is cancelled or the listener fails, then drains.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests for up to shutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	slog.Info("http server shutting down")
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, allowed := range s.cfg.CORSOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req agent.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := s.chat.Handle(r.Context(), req)
	if err != nil {
		s.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeChatError maps orchestrator errors onto the taxonomy: user input to
// 400, resource exhaustion to 503 with a retry hint, everything else 500.
func (s *Server) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, agent.ErrEmptyQuestion):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, llms.ErrRateLimited), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":          "temporarily overloaded, please retry",
			"retry_after_ms": retryAfterMS,
		})
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		slog.Debug("request cancelled", "path", r.URL.Path)
	default:
		slog.Error("chat request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter is required")
		return
	}

	// k=0 is valid and yields an empty result list.
	k := catalog.DefaultK
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "k must be a non-negative integer")
			return
		}
		k = parsed
	}

	matches := s.products.SearchSorted(r.Context(), query, k, catalog.DetectSortKey(query))
	writeJSON(w, http.StatusOK, map[string]any{
		"query":    query,
		"count":    len(matches),
		"products": matches,
	})
}

func (s *Server) handleOutlets(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, s.outlets.Answer(r.Context(), query))
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	expression := r.URL.Query().Get("expression")
	text := r.URL.Query().Get("text")

	var result calculator.Result
	switch {
	case expression != "":
		result = calculator.Calculate(expression)
	case text != "":
		result = calculator.ParseAndCalculate(text)
	default:
		writeError(w, http.StatusBadRequest, "expression or text parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	outletsAvailable := false
	if s.outletDB != nil {
		outletsAvailable = s.outletDB.Ping(r.Context()) == nil
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "online",
		"llm_configured":    s.cfg.LLMConfigured,
		"index_ready":       s.products != nil,
		"catalog_empty":     s.products.Size() == 0,
		"outlets_available": outletsAvailable,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	outletRows := 0
	if s.outletDB != nil {
		if count, err := s.outletDB.Count(r.Context()); err == nil {
			outletRows = count
		} else {
			slog.Warn("outlet count failed", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"catalog_size":    s.products.Size(),
		"outlet_rows":     outletRows,
		"active_sessions": s.sessions.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
