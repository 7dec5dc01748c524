package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/python786920-cmyk/realtime-game-backend/internal/game"
	"github.com/python786920-cmyk/realtime-game-backend/internal/settlement"
)

const (
	TypeQueueSweep          = "queue:sweep"
	TypeSettlementReconcile = "settlement:reconcile"
	TypeNotifyPlayer        = "notify:player"
)

// Task payloads
type QueueSweepPayload struct {
	Reason string `json:"reason"`
}

type SettlementReconcilePayload struct {
	Settlement settlement.Settlement `json:"settlement"`
}

type NotifyPlayerPayload struct {
	UserID int64           `json:"user_id"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func NewQueueSweepTask() *asynq.Task {
	payload, _ := json.Marshal(QueueSweepPayload{Reason: "scheduled"})
	return asynq.NewTask(TypeQueueSweep, payload)
}

func NewSettlementReconcileTask(s settlement.Settlement) (*asynq.Task, error) {
	payload, err := json.Marshal(SettlementReconcilePayload{Settlement: s})
	if err != nil {
		return nil, fmt.Errorf("marshal settlement %s: %w", s.MatchID, err)
	}
	return asynq.NewTask(TypeSettlementReconcile, payload), nil
}

func NewNotifyPlayerTask(userID int64, ev game.Event) (*asynq.Task, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	payload, err := json.Marshal(NotifyPlayerPayload{UserID: userID, Type: ev.Type, Data: data})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeNotifyPlayer, payload), nil
}

// Task handlers
func (h *Handlers) HandleQueueSweep(ctx context.Context, t *asynq.Task) error {
	var payload QueueSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	expired := h.svc.SweepQueues(ctx)

	pruned := 0
	if h.directory != nil {
		n, err := h.directory.PruneExpired(ctx)
		if err != nil {
			slog.Error("h.directory.PruneExpired()", "error", err)
		}
		pruned = n
	}

	slog.Info("queue sweep done", "reason", payload.Reason, "expired", expired, "pruned_rooms", pruned)
	return nil
}

func (h *Handlers) HandleSettlementReconcile(ctx context.Context, t *asynq.Task) error {
	var payload SettlementReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	s := payload.Settlement
	if err := h.settler.Apply(ctx, s); err != nil {
		slog.Error(fmt.Sprintf("h.settler.Apply(%v)", s.MatchID), "error", err)
		return err
	}
	slog.Info("settlement reconciled", "match_id", s.MatchID, "outcome", s.Outcome, "paid", s.Paid())
	return nil
}

func (h *Handlers) HandleNotifyPlayer(ctx context.Context, t *asynq.Task) error {
	var payload NotifyPlayerPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	return h.notifications.SendNotification(ctx, payload)
}
