package game

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/python786920-cmyk/realtime-game-backend/internal/matchmaking"
	"github.com/python786920-cmyk/realtime-game-backend/internal/question"
	"github.com/python786920-cmyk/realtime-game-backend/internal/settlement"
)

type State int32

const (
	StateWaiting State = iota
	StateCountdown
	StatePlaying
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateCountdown:
		return "countdown"
	case StatePlaying:
		return "playing"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reasons a room finishes.
const (
	ReasonTimeUp             = "time_up"
	ReasonQuestionsExhausted = "questions_exhausted"
	ReasonForfeitDisconnect  = "forfeit_disconnect"
	ReasonForfeitLeave       = "forfeit_leave"
	ReasonAbandoned          = "abandoned"
	ReasonShutdown           = "shutdown"
)

// Player is a room seat. The seat itself never changes once the room is
// built; Departed and Connected record what happened to its occupant.
type Player struct {
	ConnID      string
	UserID      int64
	Username    string
	ProfileLogo string
	Score       int
	Answered    bool
	Departed    bool
	Connected   bool
	leftByLeave bool
}

// Room is a single match. All mutable state is owned by the goroutine in
// run; everything else talks to it by posting closures to the mailbox.
type Room struct {
	ID        string
	Stake     int64
	PrizePool int64
	CreatedAt time.Time

	svc    *Service
	cfg    Config
	logger *slog.Logger

	state     atomic.Int32
	players   [2]*Player
	questions []question.Question
	current   int
	startedAt time.Time
	endsAt    time.Time
	reason    string
	result    *settlement.Settlement
	settled   bool
	settling  bool
	countdown int

	countdownTimer *time.Timer
	questionTimer  *time.Timer
	advanceTimer   *time.Timer
	deadlineTimer  *time.Timer
	tickTimer      *time.Timer
	cleanupTimer   *time.Timer

	mailbox   chan func()
	done      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
}

func newRoom(svc *Service, id string, pair matchmaking.Pair) *Room {
	r := &Room{
		ID:        id,
		Stake:     pair.Stake,
		PrizePool: 2 * pair.Stake,
		CreatedAt: time.Now(),
		svc:       svc,
		cfg:       svc.cfg,
		logger:    svc.logger.With("room_id", id),
		mailbox:   make(chan func(), 64),
		done:      make(chan struct{}),
	}
	for i, e := range []matchmaking.Entry{pair.First, pair.Second} {
		r.players[i] = &Player{
			ConnID:      e.ConnID,
			UserID:      e.UserID,
			Username:    e.Username,
			ProfileLogo: e.ProfileLogo,
			Connected:   true,
		}
	}
	r.state.Store(int32(StateWaiting))
	// first message, ahead of anything posted once the room is visible
	r.mailbox <- r.beginCountdown
	return r
}

// State is safe to call from any goroutine.
func (r *Room) State() State {
	return State(r.state.Load())
}

func (r *Room) setState(s State) {
	prev := r.State()
	r.state.Store(int32(s))
	r.logger.Info("room state changed", "from", prev, "to", s)
}

func (r *Room) start() {
	if r.started.CompareAndSwap(false, true) {
		go r.run()
	}
}

func (r *Room) run() {
	defer r.stopTimers()
	for {
		select {
		case <-r.done:
			return
		case fn := <-r.mailbox:
			fn()
		}
	}
}

func (r *Room) close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Room) post(fn func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.mailbox <- fn:
		return true
	case <-r.done:
		return false
	}
}

// exec runs fn on the room goroutine and waits for it.
func (r *Room) exec(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !r.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrRoomNotFound
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrRoomNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
}

// after posts fn to the mailbox once d has elapsed.
func (r *Room) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { r.post(fn) })
}

func (r *Room) stopTimers() {
	for _, t := range []*time.Timer{r.countdownTimer, r.questionTimer, r.advanceTimer, r.deadlineTimer, r.tickTimer, r.cleanupTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

func (r *Room) stopPlayTimers() {
	for _, t := range []*time.Timer{r.countdownTimer, r.questionTimer, r.advanceTimer, r.deadlineTimer, r.tickTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

func (r *Room) player(connID string) *Player {
	for _, p := range r.players {
		if p.ConnID == connID {
			return p
		}
	}
	return nil
}

func (r *Room) opponent(connID string) *Player {
	switch connID {
	case r.players[0].ConnID:
		return r.players[1]
	case r.players[1].ConnID:
		return r.players[0]
	}
	return nil
}

func (r *Room) send(p *Player, ev Event) {
	if p == nil || !p.Connected {
		return
	}
	r.svc.notifier.Send(p.ConnID, ev)
}

func (r *Room) broadcast(ev Event) {
	for _, p := range r.players {
		r.send(p, ev)
	}
}

func (r *Room) currentQuestion() question.Question {
	return r.questions[r.current]
}

func (r *Room) remaining() time.Duration {
	return time.Until(r.endsAt)
}

func (r *Room) scores() []PlayerScore {
	out := make([]PlayerScore, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, PlayerScore{UserID: p.UserID, Username: p.Username, Score: p.Score, Answered: p.Answered})
	}
	return out
}

// RoomSnapshot is a read-only copy of a room.
type RoomSnapshot struct {
	ID             string           `json:"room_id"`
	State          State            `json:"state"`
	Stake          int64            `json:"stake"`
	PrizePool      int64            `json:"prize_pool"`
	Players        []PlayerSnapshot `json:"players"`
	QuestionNumber int              `json:"question_number"`
	TotalQuestions int              `json:"total_questions"`
	RemainingMs    int64            `json:"remaining_ms"`
	Reason         string           `json:"reason,omitempty"`
	WinnerID       *int64           `json:"winner_id,omitempty"`
	Settled        bool             `json:"settled"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	EndsAt         *time.Time       `json:"ends_at,omitempty"`
}

type PlayerSnapshot struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Score     int    `json:"score"`
	Answered  bool   `json:"answered"`
	Departed  bool   `json:"departed"`
	Connected bool   `json:"connected"`
}

func (r *Room) snapshot() RoomSnapshot {
	s := RoomSnapshot{
		ID:             r.ID,
		State:          r.State(),
		Stake:          r.Stake,
		PrizePool:      r.PrizePool,
		TotalQuestions: len(r.questions),
		Reason:         r.reason,
		Settled:        r.settled,
		CreatedAt:      r.CreatedAt,
	}
	for _, p := range r.players {
		s.Players = append(s.Players, PlayerSnapshot{
			UserID:    p.UserID,
			Username:  p.Username,
			Score:     p.Score,
			Answered:  p.Answered,
			Departed:  p.Departed,
			Connected: p.Connected,
		})
	}
	if len(r.questions) > 0 {
		s.QuestionNumber = r.current + 1
	}
	if !r.startedAt.IsZero() {
		started, ends := r.startedAt, r.endsAt
		s.StartedAt, s.EndsAt = &started, &ends
		if s.State == StatePlaying {
			s.RemainingMs = millis(r.remaining())
		}
	}
	if r.result != nil {
		s.WinnerID = r.result.WinnerID
	}
	return s
}
