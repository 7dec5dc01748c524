package account

import "time"

type Profile struct {
	UserID       int64  `json:"user_id"`
	Username     string `json:"username"`
	ProfileLogo  string `json:"profile_logo"`
	Coins        int64  `json:"coins"`
	TotalMatches int    `json:"total_matches"`
	Wins         int    `json:"wins"`
	Losses       int    `json:"losses"`
}

// MatchRecord is the final result of one room. WinnerID is nil for draws and
// voided matches.
type MatchRecord struct {
	MatchID   string    `json:"match_id"`
	Stake     int64     `json:"stake"`
	Player1ID int64     `json:"player1_id"`
	Player2ID int64     `json:"player2_id"`
	WinnerID  *int64    `json:"winner_id"`
	Score1    int       `json:"score_p1"`
	Score2    int       `json:"score_p2"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Match results from one player's side.
const (
	ResultWin  = "win"
	ResultLoss = "loss"
	ResultDraw = "draw"
)

// HistoryEntry is a recorded match as seen by one of its players.
type HistoryEntry struct {
	MatchRecord
	Player1Name string `json:"player1_username"`
	Player2Name string `json:"player2_username"`
	Result      string `json:"result"`
}

const defaultProfileLogo = "default_avatar.png"
