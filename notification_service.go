package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/python786920-cmyk/realtime-game-backend/internal/game"
	"github.com/python786920-cmyk/realtime-game-backend/internal/settlement"
)

var (
	_ game.Announcer        = (*NotificationService)(nil)
	_ settlement.Reconciler = (*NotificationService)(nil)
)

// TaskEnqueuer is the part of *asynq.Client used to hand work to the workers.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NotificationService turns room events and failed settlements into asynq
// tasks, and delivers notify tasks through PubNub.
type NotificationService struct {
	tasks  TaskEnqueuer
	pubnub Pubnub
}

func NewNotificationService(tasks TaskEnqueuer, pn Pubnub) *NotificationService {
	return &NotificationService{tasks: tasks, pubnub: pn}
}

// Announce schedules an out-of-band push of ev to the player's channel.
func (ns *NotificationService) Announce(ctx context.Context, userID int64, ev game.Event) error {
	if ns.pubnub == nil {
		return nil
	}
	task, err := NewNotifyPlayerTask(userID, ev)
	if err != nil {
		return err
	}
	if _, err := ns.tasks.EnqueueContext(ctx, task, asynq.Queue("low"), asynq.MaxRetry(3)); err != nil {
		return fmt.Errorf("ns.tasks.EnqueueContext(%s): %w", TypeNotifyPlayer, err)
	}
	return nil
}

// EnqueueSettlement hands a settlement that could not be applied in-process
// to the reconcile worker, which retries it with asynq's backoff.
func (ns *NotificationService) EnqueueSettlement(ctx context.Context, s settlement.Settlement) error {
	task, err := NewSettlementReconcileTask(s)
	if err != nil {
		return err
	}
	info, err := ns.tasks.EnqueueContext(ctx, task,
		asynq.Queue("critical"),
		asynq.MaxRetry(25),
		asynq.TaskID("settle:"+s.MatchID))
	if err != nil {
		return fmt.Errorf("ns.tasks.EnqueueContext(%s, %s): %w", TypeSettlementReconcile, s.MatchID, err)
	}
	slog.Info("settlement queued", "match_id", s.MatchID, "task_id", info.ID, "queue", info.Queue)
	return nil
}

func (ns *NotificationService) SendNotification(ctx context.Context, payload NotifyPlayerPayload) error {
	if ns.pubnub == nil {
		slog.Debug("pubnub disabled, dropping notification", "user_id", payload.UserID, "type", payload.Type)
		return nil
	}
	ts, err := ns.pubnub.Publish(ctx, payload.UserID, payload)
	if err != nil {
		return fmt.Errorf("ns.pubnub.Publish(%d): %w", payload.UserID, err)
	}
	slog.Info("notification sent", "user_id", payload.UserID, "type", payload.Type, "timetoken", ts)
	return nil
}
