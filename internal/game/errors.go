package game

import (
	"errors"

	"github.com/python786920-cmyk/realtime-game-backend/internal/account"
	"github.com/python786920-cmyk/realtime-game-backend/internal/matchmaking"
	"github.com/python786920-cmyk/realtime-game-backend/internal/settlement"
)

var (
	ErrInvalidStake      = matchmaking.ErrInvalidStake
	ErrAlreadyQueued     = matchmaking.ErrAlreadyQueued
	ErrInsufficientFunds = account.ErrInsufficientFunds
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrNotQueued         = errors.New("not in a queue")
	ErrAlreadyInGame     = errors.New("already in a game")
	ErrRoomNotFound      = errors.New("room not found")
	ErrNotPlaying        = errors.New("room is not playing")
	ErrStaleSubmission   = errors.New("answer does not match the current question")
	ErrAlreadyAnswered   = errors.New("question already answered")
	ErrBadOption         = errors.New("option index out of range")
	ErrBadRequest        = errors.New("bad request")
	ErrShuttingDown      = errors.New("server is shutting down")
	ErrSettlementFailed  = settlement.ErrSettlementFailed
)

// ErrorKind maps an error to the stable kind carried by error events.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidStake):
		return "invalid_stake"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, account.ErrUserNotFound):
		return "not_authenticated"
	case errors.Is(err, ErrAlreadyQueued):
		return "already_queued"
	case errors.Is(err, ErrNotQueued):
		return "not_queued"
	case errors.Is(err, ErrAlreadyInGame):
		return "already_in_game"
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrNotPlaying):
		return "not_playing"
	case errors.Is(err, ErrStaleSubmission):
		return "stale_submission"
	case errors.Is(err, ErrAlreadyAnswered):
		return "already_answered"
	case errors.Is(err, ErrBadOption), errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrSettlementFailed):
		return "settlement_failure"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	default:
		return "internal"
	}
}
