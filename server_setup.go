package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
)

type asynqWorkers struct {
	srv       *asynq.Server
	scheduler *asynq.Scheduler
}

func startAsynqServer(redisOpt asynq.RedisClientOpt, handlers *Handlers) (*asynqWorkers, error) {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			Logger:   newAsynqLogger(slog.Default()),
			LogLevel: asynq.InfoLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeQueueSweep, handlers.HandleQueueSweep)
	mux.HandleFunc(TypeSettlementReconcile, handlers.HandleSettlementReconcile)
	mux.HandleFunc(TypeNotifyPlayer, handlers.HandleNotifyPlayer)

	// stale queue entries are swept every minute
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: newAsynqLogger(slog.Default())})
	if _, err := scheduler.Register("*/1 * * * *", NewQueueSweepTask(), asynq.Queue("default"), asynq.MaxRetry(0)); err != nil {
		return nil, err
	}

	if err := scheduler.Start(); err != nil {
		return nil, err
	}
	if err := srv.Start(mux); err != nil {
		scheduler.Shutdown()
		return nil, err
	}
	return &asynqWorkers{srv: srv, scheduler: scheduler}, nil
}

func (w *asynqWorkers) Shutdown() {
	w.scheduler.Shutdown()
	w.srv.Shutdown()
}

func setupRoutes(e *echo.Echo, handlers *Handlers, wsHandler echo.HandlerFunc) {
	api := e.Group("/api/v1")

	api.GET("/health", handlers.Health)
	api.GET("/stats", handlers.Stats)
	api.GET("/stakes", handlers.Stakes)

	// Rooms and history
	api.GET("/rooms/:roomId", handlers.GetRoom)
	api.GET("/matches/:matchId", handlers.GetMatch)
	api.GET("/users/:userId", handlers.GetProfile)
	api.GET("/users/:userId/matches", handlers.GetUserMatches)

	// Push channel access
	api.GET("/push/token", handlers.PushToken)

	e.GET("/ws", wsHandler)
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }

func (a *asynqLogger) Fatal(args ...any) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
