package game

import (
	"encoding/json"
	"time"

	"github.com/python786920-cmyk/realtime-game-backend/internal/question"
	"github.com/python786920-cmyk/realtime-game-backend/internal/settlement"
)

// Outbound event types.
const (
	EventQueueJoined          = "queueJoined"
	EventQueueLeft            = "queueLeft"
	EventQueueExpired         = "queueExpired"
	EventMatchFound           = "matchFound"
	EventCountdown            = "countdown"
	EventGameStart            = "gameStart"
	EventNewQuestion          = "newQuestion"
	EventAnswerResult         = "answerResult"
	EventScoreUpdate          = "scoreUpdate"
	EventTimeUpdate           = "timeUpdate"
	EventGameOver             = "gameOver"
	EventOpponentDisconnected = "opponentDisconnected"
	EventError                = "error"
)

// Voice signalling kinds relayed between the two room members.
const (
	SignalOffer        = "voiceOffer"
	SignalAnswer       = "voiceAnswer"
	SignalICECandidate = "iceCandidate"
)

// Event is one message pushed to a connection.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type QueueJoined struct {
	Position int   `json:"position"`
	Stake    int64 `json:"stake"`
}

type QueueLeft struct {
	Stake    int64 `json:"stake"`
	Refunded int64 `json:"refunded"`
}

type Opponent struct {
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	ProfileLogo string `json:"profile_logo"`
}

type MatchFound struct {
	RoomID    string   `json:"room_id"`
	Opponent  Opponent `json:"opponent"`
	Stake     int64    `json:"stake"`
	PrizePool int64    `json:"prize_pool"`
	Countdown int      `json:"countdown"`
}

type Countdown struct {
	N int `json:"n"`
}

type GameStart struct {
	RoomID     string            `json:"room_id"`
	Question   question.Question `json:"question"`
	Number     int               `json:"number"`
	Total      int               `json:"total"`
	DurationMs int64             `json:"duration_ms"`
}

type NewQuestion struct {
	Question    question.Question `json:"question"`
	Number      int               `json:"number"`
	Total       int               `json:"total"`
	RemainingMs int64             `json:"remaining_ms"`
}

type AnswerResult struct {
	QuestionID    int  `json:"question_id"`
	Correct       bool `json:"correct"`
	CorrectAnswer int  `json:"correct_answer"`
	CorrectIndex  int  `json:"correct_index"`
	OwnScore      int  `json:"own_score"`
}

type PlayerScore struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
	Answered bool   `json:"answered"`
}

type ScoreUpdate struct {
	Players []PlayerScore `json:"players"`
}

type TimeUpdate struct {
	RemainingMs int64 `json:"remaining_ms"`
}

type GameOver struct {
	RoomID      string             `json:"room_id"`
	Outcome     settlement.Outcome `json:"outcome"`
	Reason      string             `json:"reason"`
	WinnerID    *int64             `json:"winner_id"`
	Draw        bool               `json:"draw"`
	FinalScores []PlayerScore      `json:"final_scores"`
	PrizePool   int64              `json:"prize_pool"`
	CoinsWon    int64              `json:"coins_won"`
}

type OpponentDisconnected struct {
	UserID int64 `json:"user_id"`
}

type ErrorEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Signal struct {
	Payload json.RawMessage `json:"payload"`
	From    int64           `json:"from"`
}

// ErrorEventFor builds the error event sent for err.
func ErrorEventFor(err error) Event {
	return Event{Type: EventError, Data: ErrorEvent{Kind: ErrorKind(err), Message: err.Error()}}
}

func millis(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
