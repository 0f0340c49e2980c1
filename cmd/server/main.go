package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/config"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/handlers"
	httpx "github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/http"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/presence"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/registry"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/repo"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/service"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := config.NewLogger(cfg, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	conns := registry.NewConnectionRegistry()
	rooms := registry.NewRoomRegistry()
	hub := handlers.NewHub(logger)

	opts := []service.Option{service.WithLogger(logger)}
	var (
		presenceRepo repo.PresenceRepo
		publisher    *presence.Publisher
	)
	if cfg.PresenceEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     10,              // 接続プールサイズ
			MinIdleConns: 5,               // 最小アイドル接続数
			MaxRetries:   3,               // リトライ回数
			DialTimeout:  5 * time.Second, // 接続タイムアウト
			ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
			WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
			PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
		})
		defer rdb.Close()

		// Redis接続確認
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)

		presenceRepo = repo.NewRedisPresenceRepo(rdb)
		publisher = presence.NewPublisher(presenceRepo, rooms, cfg.PresenceTTL, cfg.PresenceRefresh, cfg.PresenceQueue, logger)
		opts = append(opts, service.WithPresence(publisher))
	}
	relay := service.NewRelay(conns, rooms, hub, opts...)

	roomH := handlers.NewRoomHandler(relay, presenceRepo, logger)
	statusH := handlers.NewStatusHandler(relay, hub, started, cfg.PresenceEnabled())
	wsH := handlers.NewWebSocketHandler(relay, hub, cfg.WS, cfg.AllowedOrigin, logger)
	router := httpx.NewRouter(roomH, statusH, wsH, cfg.AllowedOrigin, logger)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Shutdownはハイジャック済みのWebSocket接続を待たないため、先に全接続を閉じる
		hub.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
