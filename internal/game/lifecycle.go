package game

import (
	"time"

	"github.com/python786920-cmyk/realtime-game-backend/internal/settlement"
)

func (r *Room) beginCountdown() {
	if r.State() != StateWaiting {
		return
	}
	r.setState(StateCountdown)
	r.countdown = r.cfg.countdownSteps()

	for i, p := range r.players {
		opp := r.players[1-i]
		ev := Event{Type: EventMatchFound, Data: MatchFound{
			RoomID:    r.ID,
			Opponent:  Opponent{UserID: opp.UserID, Username: opp.Username, ProfileLogo: opp.ProfileLogo},
			Stake:     r.Stake,
			PrizePool: r.PrizePool,
			Countdown: r.countdown,
		}}
		r.send(p, ev)
		r.svc.announce(p.UserID, ev)
	}
	r.svc.observe(r.snapshot())
	r.logger.Info("match created",
		"stake", r.Stake,
		"player1", r.players[0].UserID,
		"player2", r.players[1].UserID)

	if r.countdown <= 0 {
		r.startGame()
		return
	}
	r.countdownTimer = r.after(r.cfg.CountdownTick, r.countdownStep)
}

func (r *Room) countdownStep() {
	if r.State() != StateCountdown {
		return
	}
	r.countdown--
	r.broadcast(Event{Type: EventCountdown, Data: Countdown{N: r.countdown}})
	if r.countdown <= 0 {
		r.startGame()
		return
	}
	r.countdownTimer = r.after(r.cfg.CountdownTick, r.countdownStep)
}

func (r *Room) startGame() {
	if r.State() != StateCountdown {
		return
	}
	r.questions = r.svc.generator.Sequence(r.cfg.QuestionCount)
	r.current = 0
	r.startedAt = time.Now()
	r.endsAt = r.startedAt.Add(r.cfg.GameDuration)
	r.setState(StatePlaying)

	// someone left during the countdown; the forfeit applies now
	if reason := r.departureReason(); reason != "" {
		r.finish(reason)
		return
	}

	r.broadcast(Event{Type: EventGameStart, Data: GameStart{
		RoomID:     r.ID,
		Question:   r.currentQuestion(),
		Number:     1,
		Total:      len(r.questions),
		DurationMs: millis(r.cfg.GameDuration),
	}})
	r.svc.observe(r.snapshot())

	r.deadlineTimer = r.after(r.cfg.GameDuration, func() { r.finish(ReasonTimeUp) })
	r.tickTimer = r.after(r.cfg.TickInterval, r.tick)
	r.armQuestionTimer()
}

func (r *Room) tick() {
	if r.State() != StatePlaying {
		return
	}
	remaining := r.remaining()
	if remaining <= 0 {
		r.finish(ReasonTimeUp)
		return
	}
	r.broadcast(Event{Type: EventTimeUpdate, Data: TimeUpdate{RemainingMs: millis(remaining)}})
	r.tickTimer = r.after(r.cfg.TickInterval, r.tick)
}

func (r *Room) armQuestionTimer() {
	from := r.current
	if r.questionTimer != nil {
		r.questionTimer.Stop()
	}
	r.questionTimer = r.after(r.cfg.QuestionTimeout, func() { r.advance(from) })
}

// advance moves past question index from. Stale callers (a timeout for a
// question that already moved on) are ignored.
func (r *Room) advance(from int) {
	if r.State() != StatePlaying || r.current != from {
		return
	}
	if r.current+1 >= len(r.questions) {
		r.finish(ReasonQuestionsExhausted)
		return
	}
	if !time.Now().Before(r.endsAt) {
		r.finish(ReasonTimeUp)
		return
	}

	r.current++
	for _, p := range r.players {
		p.Answered = false
	}
	r.broadcast(Event{Type: EventNewQuestion, Data: NewQuestion{
		Question:    r.currentQuestion(),
		Number:      r.current + 1,
		Total:       len(r.questions),
		RemainingMs: millis(r.remaining()),
	}})
	r.armQuestionTimer()
}

// allAnswered reports whether every player still in the room has answered.
func (r *Room) allAnswered() bool {
	for _, p := range r.players {
		if !p.Departed && !p.Answered {
			return false
		}
	}
	return true
}

func (r *Room) departureReason() string {
	a, b := r.players[0], r.players[1]
	switch {
	case a.Departed && b.Departed:
		return ReasonAbandoned
	case a.Departed:
		return forfeitReason(a)
	case b.Departed:
		return forfeitReason(b)
	}
	return ""
}

func forfeitReason(p *Player) string {
	if p.leftByLeave {
		return ReasonForfeitLeave
	}
	return ReasonForfeitDisconnect
}

// depart records that the player behind connID is gone. During play the
// match ends at once; before play the forfeit is applied when play starts.
func (r *Room) depart(connID string, leave bool) {
	p := r.player(connID)
	if p == nil || p.Departed {
		return
	}
	if r.State() == StateFinished {
		p.Connected = p.Connected && leave
		return
	}

	p.Departed = true
	p.leftByLeave = leave
	p.Connected = leave
	r.logger.Info("player departed", "user_id", p.UserID, "leave", leave, "state", r.State())

	r.send(r.opponent(connID), Event{Type: EventOpponentDisconnected, Data: OpponentDisconnected{UserID: p.UserID}})

	if r.State() == StatePlaying {
		r.finish(r.departureReason())
	}
}

// finish is the single PLAYING -> FINISHED transition. Later calls are no-ops,
// which is what makes settlement happen exactly once.
func (r *Room) finish(reason string) {
	if r.State() != StatePlaying {
		return
	}
	r.conclude(reason, false)
}

// abort ends the room early with both stakes refunded, from any state short
// of FINISHED. A finished room whose settlement is not confirmed and not in
// flight gets another attempt instead.
func (r *Room) abort(reason string) {
	if r.State() == StateFinished {
		if r.cleanupTimer != nil {
			r.cleanupTimer.Stop()
		}
		if !r.settled && !r.settling && r.result != nil {
			r.launchSettle()
		}
		return
	}
	r.logger.Warn("aborting room", "state", r.State(), "reason", reason)
	r.conclude(reason, true)
}

func (r *Room) conclude(reason string, void bool) {
	r.setState(StateFinished)
	r.reason = reason
	r.stopPlayTimers()

	in := settlement.Input{MatchID: r.ID, Stake: r.Stake, Reason: reason, Void: void}
	for i, p := range r.players {
		in.Players[i] = settlement.PlayerResult{
			UserID:   p.UserID,
			Username: p.Username,
			Score:    p.Score,
			Departed: p.Departed,
		}
	}
	plan := settlement.Plan(in)
	r.result = &plan

	final := r.scores()
	for _, p := range r.players {
		var won int64
		for _, t := range plan.Transfers {
			if t.UserID == p.UserID {
				won += t.Amount
			}
		}
		ev := Event{Type: EventGameOver, Data: GameOver{
			RoomID:      r.ID,
			Outcome:     plan.Outcome,
			Reason:      reason,
			WinnerID:    plan.WinnerID,
			Draw:        plan.Outcome == settlement.OutcomeDraw,
			FinalScores: final,
			PrizePool:   r.PrizePool,
			CoinsWon:    won,
		}}
		r.send(p, ev)
		r.svc.announce(p.UserID, ev)
	}

	r.logger.Info("match finished",
		"reason", reason,
		"outcome", plan.Outcome,
		"score1", r.players[0].Score,
		"score2", r.players[1].Score)
	r.svc.observe(r.snapshot())

	r.launchSettle()
}

func (r *Room) launchSettle() {
	r.settling = true
	r.svc.goSettle(r, *r.result)
}

// onSettled runs on the room goroutine once a settlement attempt returns.
func (r *Room) onSettled(err error) {
	r.settling = false
	if err != nil {
		r.logger.Error("settlement unconfirmed, keeping room", "error", err)
		r.broadcast(ErrorEventFor(err))
	} else {
		r.settled = true
		r.svc.observe(r.snapshot())
	}
	if r.svc.closing.Load() {
		return
	}
	r.cleanupTimer = r.after(r.cfg.Grace, r.cleanup)
}

// cleanup evicts a settled room, or retries an unconfirmed settlement.
func (r *Room) cleanup() {
	if r.svc.closing.Load() {
		return
	}
	if !r.settled && r.result != nil {
		r.launchSettle()
		return
	}
	r.svc.evict(r)
}
