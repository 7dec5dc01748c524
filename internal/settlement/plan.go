package settlement

import (
	"fmt"

	"github.com/python786920-cmyk/realtime-game-backend/internal/account"
)

type Outcome string

const (
	OutcomeWin     Outcome = "win"
	OutcomeDraw    Outcome = "draw"
	OutcomeForfeit Outcome = "forfeit"
	OutcomeVoid    Outcome = "void"
)

type TransferKind string

const (
	KindAward  TransferKind = "award"
	KindRefund TransferKind = "refund"
)

// Transfer is one coin movement out of escrow. Ref makes it idempotent.
type Transfer struct {
	Kind   TransferKind `json:"kind"`
	UserID int64        `json:"user_id"`
	Amount int64        `json:"amount"`
	Ref    string       `json:"ref"`
}

type PlayerResult struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
	Departed bool   `json:"departed"`
}

// Input is what a finished room hands to the engine. Void ends the match
// with no winner whatever the scores, e.g. when the server stops mid-game.
type Input struct {
	MatchID string
	Stake   int64
	Reason  string
	Void    bool
	Players [2]PlayerResult
}

// Settlement is the full, serializable description of how a match pays out.
type Settlement struct {
	MatchID   string          `json:"match_id"`
	Stake     int64           `json:"stake"`
	PrizePool int64           `json:"prize_pool"`
	Outcome   Outcome         `json:"outcome"`
	Reason    string          `json:"reason"`
	WinnerID  *int64          `json:"winner_id"`
	Players   [2]PlayerResult `json:"players"`
	Transfers []Transfer      `json:"transfers"`
}

// Plan decides the outcome of a match and the transfers that settle it.
// A player who departed forfeits to the one still present; if both departed,
// or the input is marked void, both stakes go back.
func Plan(in Input) Settlement {
	s := Settlement{
		MatchID:   in.MatchID,
		Stake:     in.Stake,
		PrizePool: 2 * in.Stake,
		Reason:    in.Reason,
		Players:   in.Players,
	}

	a, b := in.Players[0], in.Players[1]
	switch {
	case in.Void, a.Departed && b.Departed:
		s.Outcome = OutcomeVoid
	case a.Departed:
		s.Outcome = OutcomeForfeit
		s.WinnerID = &b.UserID
	case b.Departed:
		s.Outcome = OutcomeForfeit
		s.WinnerID = &a.UserID
	case a.Score > b.Score:
		s.Outcome = OutcomeWin
		s.WinnerID = &a.UserID
	case b.Score > a.Score:
		s.Outcome = OutcomeWin
		s.WinnerID = &b.UserID
	default:
		s.Outcome = OutcomeDraw
	}

	if s.WinnerID != nil {
		s.Transfers = []Transfer{{
			Kind:   KindAward,
			UserID: *s.WinnerID,
			Amount: s.PrizePool,
			Ref:    ref(in.MatchID, KindAward, *s.WinnerID),
		}}
		return s
	}

	for _, p := range in.Players {
		s.Transfers = append(s.Transfers, Transfer{
			Kind:   KindRefund,
			UserID: p.UserID,
			Amount: in.Stake,
			Ref:    ref(in.MatchID, KindRefund, p.UserID),
		})
	}
	return s
}

// Paid is the total returned to players by the transfers.
func (s Settlement) Paid() int64 {
	var total int64
	for _, t := range s.Transfers {
		total += t.Amount
	}
	return total
}

// Record is the match row written once the transfers have gone through.
func (s Settlement) Record() account.MatchRecord {
	return account.MatchRecord{
		MatchID:   s.MatchID,
		Stake:     s.Stake,
		Player1ID: s.Players[0].UserID,
		Player2ID: s.Players[1].UserID,
		WinnerID:  s.WinnerID,
		Score1:    s.Players[0].Score,
		Score2:    s.Players[1].Score,
		Reason:    s.Reason,
	}
}

func ref(matchID string, kind TransferKind, userID int64) string {
	return fmt.Sprintf("%s:%s:%d", matchID, kind, userID)
}
