package main

import (
	"time"

	"github.com/python786920-cmyk/realtime-game-backend/internal/account"
	"github.com/python786920-cmyk/realtime-game-backend/internal/game"
)

type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

type StatsResponse struct {
	game.Stats
	Connections int `json:"connections"`
}

type StakesResponse struct {
	Stakes []int64 `json:"stakes"`
}

// RoomResponse wraps a room snapshot with where it was read from: the live
// table ("live") or the Redis mirror ("directory").
type RoomResponse struct {
	Source string            `json:"source"`
	Room   game.RoomSnapshot `json:"room"`
}

type MatchHistoryResponse struct {
	UserID  int64                  `json:"user_id"`
	Matches []account.HistoryEntry `json:"matches"`
}

type PushTokenResponse struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

type ErrorResponse struct {
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}
