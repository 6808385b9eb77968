package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DoyleJ11/trivia-duel-backend/internal/config"
	"github.com/DoyleJ11/trivia-duel-backend/internal/docstore"
	"github.com/DoyleJ11/trivia-duel-backend/internal/engine"
	"github.com/DoyleJ11/trivia-duel-backend/internal/history"
	"github.com/DoyleJ11/trivia-duel-backend/internal/httpapi"
	"github.com/DoyleJ11/trivia-duel-backend/internal/hub"
	"github.com/DoyleJ11/trivia-duel-backend/internal/identity"
	"github.com/DoyleJ11/trivia-duel-backend/internal/lobby"
	"github.com/DoyleJ11/trivia-duel-backend/internal/match"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if cfg.Production() {
		zc = zap.NewProductionConfig()
	}
	lvl, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (docstore.Store, error) {
	switch cfg.Store {
	case config.BackendRedis:
		return docstore.OpenRedis(ctx, cfg.RedisURL, log)
	case config.BackendSQLite:
		return docstore.OpenSQLite(cfg.SQLitePath, cfg.StorePoll, log)
	case config.BackendPostgres:
		return docstore.OpenPostgres(cfg.PostgresDSN, cfg.StorePoll, log)
	default:
		return docstore.NewMemoryStore(context.Background()), nil
	}
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("store ready", zap.String("backend", string(cfg.Store)))

	rooms := lobby.NewManager(store, identity.ContextProvider{}, lobby.Options{
		CodeRetries:       cfg.CodeRetries,
		DefaultDurationMs: cfg.QuestionDurationMs,
		Logger:            logger.Named("lobby"),
	})
	matches := match.NewService(store, rooms, match.Options{
		RevealDelay: cfg.RevealDelay,
		Logger:      logger.Named("match"),
	})
	rooms.UseMatches(matches)
	matches.OnFinished(func(ctx context.Context, code string, _ engine.Match) {
		if err := rooms.MarkFinished(ctx, code); err != nil {
			logger.Warn("failed to mark room finished", zap.String("room", code), zap.Error(err))
		}
	})

	var archive *history.Archive
	if cfg.ArchiveDSN != "" {
		if archive, err = history.Open(cfg.ArchiveDSN, logger.Named("history")); err != nil {
			return multierr.Append(err, store.Close())
		}
		matches.OnFinished(archive.Hook)
		logger.Info("match archive enabled")
	}

	h := hub.NewHub(ctx)
	handler := httpapi.SetupRoutes(ctx, httpapi.Deps{
		Rooms:          rooms,
		Matches:        matches,
		Hub:            h,
		Logger:         logger,
		Archive:        archive,
		PublicURL:      cfg.PublicURL,
		SecureCookies:  cfg.Production(),
		FailoverGrace:  cfg.FailoverGrace,
		OriginPatterns: cfg.OriginPatterns,
		RatePerSec:     cfg.RatePerSec,
		RateBurst:      cfg.RateBurst,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()

	// sessions first so no client writes into a closing store
	h.Shutdown()
	matches.Close()
	if archive != nil {
		err = multierr.Append(err, archive.Close())
	}
	err = multierr.Append(err, store.Close())
	logger.Info("server stopped")
	return err
}
