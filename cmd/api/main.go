package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"tablon/api/internal/app"
	"tablon/api/internal/config"
	"tablon/api/internal/realtime"
	"tablon/api/internal/search"
	"tablon/api/internal/session"
	"tablon/api/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "tablon-api").Logger()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)

	// Redis backs both refresh tokens and the cross-replica change feed.
	// Without it, sessions fall back to PostgreSQL and the feed stays
	// in-process.
	var feed realtime.Feed
	var sessions app.SessionStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSessions, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisSessions.Close()

		redisFeed, err := realtime.NewRedisFeed(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis feed connection failed")
		}
		defer redisFeed.Close()

		sessions = redisSessions
		feed = redisFeed
		logger.Info().Msg("using redis for sessions and change feed")
	} else {
		sessions = app.NewPGSessionStore(dataStore)
		feed = realtime.NewLocalFeed()
		logger.Info().Msg("redis not configured, using postgres sessions and local feed")
	}

	service := app.New(cfg, dataStore, sessions, feed, searchService, logger)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn().Err(err).Msg("bootstrap error, will retry on next restart")
	}

	reconcilerCtx, stopReconciler := context.WithCancel(ctx)
	defer stopReconciler()
	service.StartReconciler(reconcilerCtx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: /api/ideas/stream holds the response open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("tablon api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	stopReconciler()
	// Let in-flight board writes land before the process exits.
	service.Flush()
}
