// Package directory mirrors live rooms and queue depths into Redis so
// operators and other processes can read them without touching the game loop.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/python786920-cmyk/realtime-game-backend/internal/game"
)

var ErrNotFound = errors.New("room not in directory")

const (
	roomSetKey     = "battle:rooms"
	roomKeyPrefix  = "battle:room:"
	queueKeyPrefix = "battle:queue:"
)

func roomKey(id string) string {
	return roomKeyPrefix + id
}

func queueKey(stake int64) string {
	return queueKeyPrefix + strconv.FormatInt(stake, 10)
}

type Directory struct {
	redis *redis.Client
	ttl   time.Duration
}

// New returns a directory whose entries expire after ttl unless refreshed.
func New(rdb *redis.Client, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Directory{redis: rdb, ttl: ttl}
}

func (d *Directory) RoomUpdated(ctx context.Context, snap game.RoomSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal room %s: %w", snap.ID, err)
	}

	pipe := d.redis.TxPipeline()
	pipe.Set(ctx, roomKey(snap.ID), data, d.ttl)
	pipe.SAdd(ctx, roomSetKey, snap.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store room %s: %w", snap.ID, err)
	}
	return nil
}

func (d *Directory) RoomClosed(ctx context.Context, roomID string) error {
	pipe := d.redis.TxPipeline()
	pipe.Del(ctx, roomKey(roomID))
	pipe.SRem(ctx, roomSetKey, roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove room %s: %w", roomID, err)
	}
	return nil
}

func (d *Directory) QueueDepths(ctx context.Context, depths map[int64]int) error {
	pipe := d.redis.Pipeline()
	for stake, n := range depths {
		pipe.Set(ctx, queueKey(stake), n, d.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store queue depths: %w", err)
	}
	return nil
}

// Room reads the last mirrored snapshot of a room.
func (d *Directory) Room(ctx context.Context, roomID string) (game.RoomSnapshot, error) {
	var snap game.RoomSnapshot
	data, err := d.redis.Get(ctx, roomKey(roomID)).Bytes()
	if err == redis.Nil {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("d.redis.Get(%s): %w", roomID, err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return snap, nil
}

func (d *Directory) RoomIDs(ctx context.Context) ([]string, error) {
	ids, err := d.redis.SMembers(ctx, roomSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return ids, nil
}

// QueueDepth returns the mirrored number of waiters for stake.
func (d *Directory) QueueDepth(ctx context.Context, stake int64) (int, error) {
	n, err := d.redis.Get(ctx, queueKey(stake)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// PruneExpired drops ids from the room set whose snapshot key has expired.
func (d *Directory) PruneExpired(ctx context.Context) (int, error) {
	ids, err := d.RoomIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := d.redis.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, roomKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to check room keys: %w", err)
	}

	var stale []any
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			stale = append(stale, ids[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := d.redis.SRem(ctx, roomSetKey, stale...).Err(); err != nil {
		return 0, fmt.Errorf("failed to prune rooms: %w", err)
	}
	slog.Info("Stale rooms pruned from directory", "count", len(stale))
	return len(stale), nil
}

// Reset removes everything a previous process left behind. Rooms do not
// survive a restart, so their mirror must not either.
func (d *Directory) Reset(ctx context.Context, stakes []int64) error {
	ids, err := d.RoomIDs(ctx)
	if err != nil {
		return err
	}

	keys := []string{roomSetKey}
	for _, id := range ids {
		keys = append(keys, roomKey(id))
	}
	for _, stake := range stakes {
		keys = append(keys, queueKey(stake))
	}
	if err := d.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset directory: %w", err)
	}
	slog.Info("Directory reset", "roomsRemoved", len(ids))
	return nil
}
