// Command matchchat serves the chat API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/matchu/matchchat/api"
	"github.com/matchu/matchchat/api/validator"
	"github.com/matchu/matchchat/blob"
	"github.com/matchu/matchchat/chat"
	"github.com/matchu/matchchat/config"
	"github.com/matchu/matchchat/memory"
	"github.com/matchu/matchchat/postgres"
	"github.com/matchu/matchchat/redis"
	"github.com/rs/cors"
)

// backend is the set of stores the server runs on.
type backend struct {
	db       api.DB
	store    chat.Store
	summary  chat.SummaryStore
	feed     chat.Feed
	profiles chat.ProfileStore
	blobs    chat.BlobStore
	presence chat.PresenceStore
	closers  []func() error
}

func (b *backend) close(logger *slog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Error("Could not close backend", "error", err.Error())
		}
	}
}

func newMemoryBackend() *backend {
	db := memory.New()
	return &backend{
		db:       db,
		store:    db,
		summary:  db,
		feed:     db,
		profiles: db,
		blobs:    &memory.Blobs{BaseURL: "memory://"},
		presence: memory.NewPresence(),
	}
}

func newPostgresBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{}

	pg, err := postgres.Connect(ctx, cfg.Postgres.DSN, logger)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, pg.Close)
	if cfg.Postgres.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			b.close(logger)
			return nil, err
		}
	}

	rd, err := redis.Connect(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	}, logger)
	if err != nil {
		b.close(logger)
		return nil, err
	}
	b.closers = append(b.closers, rd.Close)

	s3, err := blob.New(ctx, blob.Options{
		Region:    cfg.S3.Region,
		Bucket:    cfg.S3.Bucket,
		Endpoint:  cfg.S3.Endpoint,
		PublicURL: cfg.S3.PublicURL,
	})
	if err != nil {
		b.close(logger)
		return nil, err
	}

	b.db, b.store, b.summary, b.feed, b.profiles = pg, pg, pg, pg, pg
	b.blobs, b.presence = s3, rd
	return b, nil
}

func newEngine(b *backend, cfg *config.Config, logger *slog.Logger) *chat.Engine {
	summaries := &chat.Summaries{
		Logger:   logger,
		Store:    b.summary,
		Messages: b.store,
	}
	return &chat.Engine{
		Logger: logger,
		Messages: &chat.Synchronizer{
			Logger:    logger,
			Store:     b.store,
			Feed:      b.feed,
			Summaries: summaries,
			Blobs:     b.blobs,
		},
		Conversations: &chat.Index{
			Logger:   logger,
			Store:    b.store,
			Feed:     b.feed,
			Profiles: b.profiles,
			Presence: b.presence,
		},
		Summaries:   summaries,
		Presence:    b.presence,
		PresenceTTL: cfg.Presence.TTL,
		Heartbeat:   cfg.Presence.Heartbeat,
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))

	var b *backend
	switch cfg.Backend {
	case config.BackendPostgres:
		b, err = newPostgresBackend(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("connect backend: %w", err)
		}
	default:
		logger.Warn("Using the in-memory backend; data is lost on exit")
		b = newMemoryBackend()
	}
	defer b.close(logger)

	a := &api.API{
		Logger:         logger,
		DB:             b.db,
		Chat:           newEngine(b, cfg, logger),
		Val:            validator.New(),
		MaxImageBytes:  cfg.HTTP.MaxImageBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(a)

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.HTTP.Addr, "backend", cfg.Backend)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, *configPath)
	stop()
	if err != nil {
		slog.Error("Server failed", "error", err.Error())
		os.Exit(1)
	}
}
