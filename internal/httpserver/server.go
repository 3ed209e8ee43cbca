// Package httpserver serves the feed generator XRPC endpoints, the stats and
// health endpoints, and Prometheus metrics.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfeeds/domainfeed/internal/config"
	"github.com/openfeeds/domainfeed/internal/domain"
	"github.com/openfeeds/domainfeed/internal/ranking"
)

// Server is the HTTP server for the feed generator.
type Server struct {
	cfg        *config.Config
	store      domain.EventStore
	engine     *ranking.Engine
	streamInfo func() string
	logger     *slog.Logger
	httpServer *http.Server
	now        func() time.Time
}

// NewServer creates the HTTP server. streamInfo reports the firehose
// consumer's connection state for the stats endpoint; it may be nil.
func NewServer(
	cfg *config.Config,
	store domain.EventStore,
	engine *ranking.Engine,
	streamInfo func() string,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		engine:     engine,
		streamInfo: streamInfo,
		logger:     logger,
		now:        time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(withLogging(logger))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/.well-known/did.json", s.handleDIDDoc)
	r.Get("/xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator)
	r.Get("/xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)
	r.Get("/stats", s.handleStats)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "domainfeed",
		"did":     s.cfg.Server.ServiceDID(),
		"feeds":   []string{s.cfg.Server.FeedURI()},
		"endpoints": []string{
			"/xrpc/app.bsky.feed.getFeedSkeleton",
			"/xrpc/app.bsky.feed.describeFeedGenerator",
			"/.well-known/did.json",
			"/stats",
			"/health",
			"/metrics",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.store.Cursor(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "store unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDIDDoc(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.cfg.Server.ServiceDID(),
		"service": []map[string]any{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": fmt.Sprintf("https://%s", s.cfg.Server.Hostname),
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"did": s.cfg.Server.ServiceDID(),
		"feeds": []map[string]string{
			{"uri": s.cfg.Server.FeedURI()},
		},
	})
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	feedURI := r.URL.Query().Get("feed")
	if feedURI == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "feed parameter is required")
		return
	}
	if feedURI != s.cfg.Server.FeedURI() {
		s.logger.Warn("unknown feed requested", "feed", feedURI)
		writeError(w, http.StatusBadRequest, "UnknownFeed", "unknown feed: "+feedURI)
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	cursor := r.URL.Query().Get("cursor")

	skeleton, err := s.feedSkeleton(r.Context(), limit, cursor)
	if err != nil {
		s.logger.Error("failed to build feed skeleton",
			"limit", limit,
			"cursor", cursor,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get feed")
		return
	}

	resp := map[string]any{
		"feed": toSkeletonResponse(skeleton.Posts),
	}
	if skeleton.Cursor != "" {
		resp["cursor"] = skeleton.Cursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// feedSkeleton ranks the current snapshot and slices out the requested page.
func (s *Server) feedSkeleton(ctx context.Context, limit int, cursor string) (*domain.FeedSkeleton, error) {
	maxAge := time.Duration(s.cfg.Ranking.MaxAgeHours) * time.Hour
	snapshot, err := s.store.Snapshot(ctx, maxAge)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	ranked := s.engine.Rank(snapshot, s.now())
	page, next := s.engine.Page(ranked, cursor, limit)

	skeleton := &domain.FeedSkeleton{
		Cursor: next,
		Posts:  make([]domain.SkeletonPost, len(page)),
	}
	for i, p := range page {
		skeleton.Posts[i] = domain.SkeletonPost{Post: p.URI}
	}
	return skeleton, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to load stats", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to load stats")
		return
	}

	resp := map[string]any{
		"posts":      stats.Posts,
		"urls":       stats.URLs,
		"domains":    stats.Domains,
		"cursor_seq": stats.CursorSeq,
		"gap":        stats.Gap,
		"ranking": map[string]any{
			"decay_rate":        s.cfg.Ranking.DecayRate,
			"max_age_hours":     s.cfg.Ranking.MaxAgeHours,
			"min_share_count":   s.cfg.Ranking.MinShareCount,
			"min_repost_count":  s.cfg.Ranking.MinRepostCount,
			"repost_weight":     s.cfg.Ranking.RepostWeight,
			"results_limit":     s.cfg.Ranking.ResultsLimit,
			"max_posts_per_url": s.cfg.Ranking.MaxPostsPerURL,
		},
	}
	if s.streamInfo != nil {
		resp["stream_state"] = s.streamInfo()
	}

	maxAge := time.Duration(s.cfg.Ranking.MaxAgeHours) * time.Hour
	if snapshot, err := s.store.Snapshot(r.Context(), maxAge); err == nil {
		ranked := s.engine.Rank(snapshot, s.now())
		resp["ranked_posts"] = len(ranked)
		if len(ranked) > 0 {
			resp["top_score"] = ranked[0].Score
			resp["top_post"] = ranked[0].URI
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func toSkeletonResponse(posts []domain.SkeletonPost) []map[string]string {
	result := make([]map[string]string, len(posts))
	for i, p := range posts {
		result[i] = map[string]string{"post": p.Post}
	}
	return result
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		})
	}
}
