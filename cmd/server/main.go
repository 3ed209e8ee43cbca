package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openfeeds/domainfeed/internal/config"
	"github.com/openfeeds/domainfeed/internal/extractor"
	"github.com/openfeeds/domainfeed/internal/firehose"
	"github.com/openfeeds/domainfeed/internal/httpserver"
	"github.com/openfeeds/domainfeed/internal/ranking"
	"github.com/openfeeds/domainfeed/internal/store"
	"github.com/openfeeds/domainfeed/internal/whitelist"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Logging.Level),
	}))

	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	logger.Info("store ready", "path", cfg.Database.Path)

	matcher := whitelist.NewMatcher(cfg.Whitelist.Domains, cfg.Whitelist.MatchSubdomains)
	logger.Info("whitelist loaded", "domains", matcher.Len(), "match_subdomains", cfg.Whitelist.MatchSubdomains)

	ext := extractor.New(cfg.Whitelist.RemoveTrackingParams)

	engine := ranking.NewEngine(ranking.Config{
		DecayRate:      cfg.Ranking.DecayRate,
		MaxAgeHours:    cfg.Ranking.MaxAgeHours,
		MinShareCount:  cfg.Ranking.MinShareCount,
		MinRepostCount: cfg.Ranking.MinRepostCount,
		RepostWeight:   cfg.Ranking.RepostWeight,
		ResultsLimit:   cfg.Ranking.ResultsLimit,
		MaxPostsPerURL: cfg.Ranking.MaxPostsPerURL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	subscriber := firehose.NewSubscriber(cfg.Firehose, db, matcher, ext, logger)
	go func() {
		if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("firehose subscriber exited with error", "error", err)
		}
	}()

	go runCleanup(ctx, db, cfg.Cleanup, logger)

	server := httpserver.NewServer(cfg, db, engine, func() string {
		return subscriber.State().String()
	}, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started",
		"port", cfg.Server.Port,
		"hostname", cfg.Server.Hostname,
		"feed", cfg.Server.FeedURI(),
	)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}

// runCleanup periodically removes posts older than the retention window. It
// runs once at startup and then on every tick until ctx is cancelled.
func runCleanup(ctx context.Context, db *store.Store, cfg config.CleanupConfig, logger *slog.Logger) {
	cleanup := func() {
		deleted, err := db.DeleteOldPosts(ctx, cfg.Retention)
		if err != nil {
			logger.Error("post cleanup failed", "error", err)
		} else if deleted > 0 {
			logger.Info("post cleanup complete", "deleted", deleted)
		}
	}

	cleanup()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
