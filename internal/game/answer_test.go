package game

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/python786920-cmyk/realtime-game-backend/internal/matchmaking"
	"github.com/python786920-cmyk/realtime-game-backend/internal/question"
	"github.com/python786920-cmyk/realtime-game-backend/internal/settlement"
)

// playingRoom builds a room already in PLAYING without starting its goroutine,
// so submit can be driven directly.
func playingRoom(t *testing.T, qs ...question.Question) (*Room, *fakeNotifier) {
	t.Helper()
	n := newFakeNotifier()
	accounts := newFakeAccounts(map[int64]int64{1: 4000, 2: 4000})
	svc := &Service{
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		accounts: accounts,
		notifier: n,
		settler:  settlement.NewSettler(accounts, slog.Default()),
	}
	r := newRoom(svc, "room-1", matchmaking.Pair{
		Stake:  1000,
		First:  matchmaking.Entry{ConnID: "a", UserID: 1, Username: "alice"},
		Second: matchmaking.Entry{ConnID: "b", UserID: 2, Username: "bob"},
	})
	r.questions = qs
	r.endsAt = time.Now().Add(time.Minute)
	r.state.Store(int32(StatePlaying))
	t.Cleanup(r.stopTimers)
	return r, n
}

func sampleQuestion(id int) question.Question {
	return question.Question{ID: id, Prompt: "25 + 32", Options: []int{61, 57, 49, 70}, CorrectIndex: 1}
}

func TestSubmit_CorrectAnswerScores(t *testing.T) {
	r, n := playingRoom(t, sampleQuestion(1), sampleQuestion(2))

	res, err := r.submit("a", 1, 1)
	require.NoError(t, err)
	assert.True(t, res.Correct)
	assert.Equal(t, 57, res.CorrectAnswer)
	assert.Equal(t, 1, res.OwnScore)
	assert.Equal(t, 1, r.players[0].Score)

	assert.Len(t, n.ofType("a", EventAnswerResult), 1)
	assert.Len(t, n.ofType("b", EventScoreUpdate), 1)
	assert.Empty(t, n.ofType("b", EventAnswerResult))
}

func TestSubmit_WrongAnswerKeepsScore(t *testing.T) {
	r, _ := playingRoom(t, sampleQuestion(1), sampleQuestion(2))

	res, err := r.submit("b", 1, 3)
	require.NoError(t, err)
	assert.False(t, res.Correct)
	assert.Equal(t, 1, res.CorrectIndex)
	assert.Zero(t, r.players[1].Score)
	assert.True(t, r.players[1].Answered)
}

func TestSubmit_DuplicateRejected(t *testing.T) {
	r, _ := playingRoom(t, sampleQuestion(1), sampleQuestion(2))

	_, err := r.submit("a", 1, 1)
	require.NoError(t, err)
	_, err = r.submit("a", 1, 1)
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
	assert.Equal(t, 1, r.players[0].Score)
}

func TestSubmit_Rejections(t *testing.T) {
	r, _ := playingRoom(t, sampleQuestion(1), sampleQuestion(2))

	tests := []struct {
		name       string
		connID     string
		questionID int
		option     int
		want       error
	}{
		{"stale question", "a", 2, 1, ErrStaleSubmission},
		{"option out of range", "a", 1, 4, ErrBadOption},
		{"negative option", "a", 1, -1, ErrBadOption},
		{"not a member", "x", 1, 1, ErrRoomNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.submit(tt.connID, tt.questionID, tt.option)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, r.players[0].Score)
	assert.False(t, r.players[0].Answered)
}

func TestSubmit_NotPlaying(t *testing.T) {
	r, _ := playingRoom(t, sampleQuestion(1))
	r.state.Store(int32(StateCountdown))

	_, err := r.submit("a", 1, 1)
	assert.ErrorIs(t, err, ErrNotPlaying)
}

func TestSubmit_BothAnsweredAdvances(t *testing.T) {
	r, n := playingRoom(t, sampleQuestion(1), sampleQuestion(2))

	_, err := r.submit("a", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, r.current)

	_, err = r.submit("b", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, r.current)
	assert.False(t, r.players[0].Answered)
	assert.False(t, r.players[1].Answered)

	evs := n.ofType("b", EventNewQuestion)
	require.Len(t, evs, 1)
	assert.Equal(t, 2, evs[0].Data.(NewQuestion).Number)

	_, err = r.submit("a", 1, 1)
	assert.ErrorIs(t, err, ErrStaleSubmission)
}

func TestAdvance_IgnoresStaleTimeout(t *testing.T) {
	r, _ := playingRoom(t, sampleQuestion(1), sampleQuestion(2), sampleQuestion(3))

	r.advance(0)
	assert.Equal(t, 1, r.current)
	r.advance(0)
	assert.Equal(t, 1, r.current)
}

func TestFinish_OnlyOnce(t *testing.T) {
	r, n := playingRoom(t, sampleQuestion(1), sampleQuestion(2))
	accounts := r.svc.accounts.(*fakeAccounts)

	_, err := r.submit("a", 1, 1)
	require.NoError(t, err)

	r.finish(ReasonTimeUp)
	r.finish(ReasonQuestionsExhausted)
	r.depart("b", false)
	r.svc.settles.Wait()

	assert.Equal(t, StateFinished, r.State())
	assert.Equal(t, ReasonTimeUp, r.reason)
	for _, conn := range []string{"a", "b"} {
		require.Len(t, n.ofType(conn, EventGameOver), 1, conn)
	}
	assert.Len(t, accounts.recorded(), 1)
	assert.Equal(t, int64(6000), accounts.balance(1))
	assert.Equal(t, int64(4000), accounts.balance(2))
}

func TestDepart_BothGoneIsNotADraw(t *testing.T) {
	r, n := playingRoom(t, sampleQuestion(1), sampleQuestion(2))
	r.players[1].Departed = true
	r.players[1].Connected = false

	r.depart("a", true)
	r.svc.settles.Wait()

	over := n.ofType("a", EventGameOver)
	require.Len(t, over, 1)
	got := over[0].Data.(GameOver)
	assert.Equal(t, ReasonAbandoned, got.Reason)
	assert.Equal(t, settlement.OutcomeVoid, got.Outcome)
	assert.Nil(t, got.WinnerID)
	assert.False(t, got.Draw)
	assert.Equal(t, int64(1000), got.CoinsWon)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidStake, "invalid_stake"},
		{ErrInsufficientFunds, "insufficient_funds"},
		{ErrNotAuthenticated, "not_authenticated"},
		{ErrAlreadyQueued, "already_queued"},
		{ErrAlreadyInGame, "already_in_game"},
		{ErrRoomNotFound, "room_not_found"},
		{ErrStaleSubmission, "stale_submission"},
		{ErrAlreadyAnswered, "already_answered"},
		{ErrBadOption, "bad_request"},
		{ErrSettlementFailed, "settlement_failure"},
		{ErrShuttingDown, "shutting_down"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), tt.err.Error())
	}
}
