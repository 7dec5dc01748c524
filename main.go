// main.go - Entry point
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/python786920-cmyk/realtime-game-backend/internal/account"
	"github.com/python786920-cmyk/realtime-game-backend/internal/config"
	"github.com/python786920-cmyk/realtime-game-backend/internal/directory"
	"github.com/python786920-cmyk/realtime-game-backend/internal/game"
	"github.com/python786920-cmyk/realtime-game-backend/internal/settlement"
	"github.com/python786920-cmyk/realtime-game-backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel, AddSource: true}))
	slog.SetDefault(logger)

	accounts, err := account.NewDB(cfg.DatabasePath, logger)
	if err != nil {
		log.Fatal("Account database failed to open:", err)
	}
	defer accounts.Close()

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(startCtx).Err(); err != nil {
		log.Fatal("Redis is not reachable:", err)
	}
	dir := directory.New(redisClient, cfg.Game.GameDuration+cfg.Game.Grace+time.Minute)
	if err := dir.Reset(startCtx, cfg.Game.Stakes); err != nil {
		slog.Warn("dir.Reset()", "error", err)
	}
	cancelStart()

	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	var pubNub Pubnub
	if cfg.PubNubPublishKey != "" {
		pubNub, err = NewPubnub(&PubNubConfig{
			PublishKey:   cfg.PubNubPublishKey,
			SubscribeKey: cfg.PubNubSubscribeKey,
			SecretKey:    cfg.PubNubSecretKey,
			UserID:       cfg.PubNubUserID,
		})
		if err != nil {
			log.Fatal(err)
		}
	} else {
		slog.Info("PN_PUBLISH_KEY not set, out-of-band notifications disabled")
	}
	notifications := NewNotificationService(asynqClient, pubNub)

	settler := settlement.NewSettler(accounts, logger, settlement.WithReconciler(notifications))

	hub := ws.NewHub(logger)
	opts := []game.Option{
		game.WithLogger(logger),
		game.WithObserver(dir),
		game.WithSettler(settler),
	}
	if pubNub != nil {
		opts = append(opts, game.WithAnnouncer(notifications))
	}
	svc := game.NewService(cfg.Game, accounts, hub, opts...)

	auth := ws.HeaderAuthenticator{Accounts: accounts}
	handlers := &Handlers{
		svc:           svc,
		accounts:      accounts,
		directory:     dir,
		settler:       settler,
		notifications: notifications,
		pubNub:        pubNub,
		hub:           hub,
		auth:          auth,
	}

	workers, err := startAsynqServer(redisOpt, handlers)
	if err != nil {
		log.Fatal("Asynq server failed to start:", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	setupRoutes(e, handlers, echo.WrapHandler(ws.NewHandler(hub, svc, auth, logger)))

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		slog.Info("server listening", "addr", addr, "stakes", cfg.Game.Stakes)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		slog.Error("e.Shutdown()", "error", err)
	}
	svc.Close()
	workers.Shutdown()
}
