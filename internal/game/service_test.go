package game

import (
	"context"
	"fmt"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/python786920-cmyk/realtime-game-backend/internal/account"
	"github.com/python786920-cmyk/realtime-game-backend/internal/question"
	"github.com/python786920-cmyk/realtime-game-backend/internal/settlement"
)

type fakeAccounts struct {
	mu       sync.Mutex
	balances map[int64]int64
	refs     map[string]bool
	matches  []account.MatchRecord

	failAwards atomic.Bool
}

func newFakeAccounts(balances map[int64]int64) *fakeAccounts {
	return &fakeAccounts{balances: balances, refs: make(map[string]bool)}
}

func (f *fakeAccounts) Profile(_ context.Context, userID int64) (account.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	coins, ok := f.balances[userID]
	if !ok {
		return account.Profile{}, account.ErrUserNotFound
	}
	return account.Profile{UserID: userID, Username: fmt.Sprintf("user-%d", userID), Coins: coins}, nil
}

func (f *fakeAccounts) move(userID, delta int64, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[ref] {
		return nil
	}
	bal, ok := f.balances[userID]
	if !ok {
		return account.ErrUserNotFound
	}
	if bal+delta < 0 {
		return account.ErrInsufficientFunds
	}
	f.balances[userID] = bal + delta
	f.refs[ref] = true
	return nil
}

func (f *fakeAccounts) Deduct(_ context.Context, userID, amount int64, ref string) error {
	return f.move(userID, -amount, ref)
}

func (f *fakeAccounts) Refund(_ context.Context, userID, amount int64, ref string) error {
	return f.move(userID, amount, ref)
}

func (f *fakeAccounts) Award(_ context.Context, userID, amount int64, ref string) error {
	if f.failAwards.Load() {
		return errors.New("ledger unavailable")
	}
	return f.move(userID, amount, ref)
}

func (f *fakeAccounts) RecordMatch(_ context.Context, rec account.MatchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches = append(f.matches, rec)
	return nil
}

func (f *fakeAccounts) balance(userID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID]
}

func (f *fakeAccounts) recorded() []account.MatchRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]account.MatchRecord(nil), f.matches...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(map[string][]Event)}
}

func (n *fakeNotifier) Send(connID string, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[connID] = append(n.events[connID], ev)
}

func (n *fakeNotifier) ofType(connID, typ string) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, ev := range n.events[connID] {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (n *fakeNotifier) types(connID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events[connID] {
		out = append(out, ev.Type)
	}
	return out
}

// waitFor blocks until connID has received the nth (1-based) event of typ.
func (n *fakeNotifier) waitFor(t *testing.T, connID, typ string, nth int) Event {
	t.Helper()
	var ev Event
	require.Eventually(t, func() bool {
		evs := n.ofType(connID, typ)
		if len(evs) < nth {
			return false
		}
		ev = evs[nth-1]
		return true
	}, 3*time.Second, 5*time.Millisecond, "waiting for %s #%d on %s", typ, nth, connID)
	return ev
}

func testConfig() Config {
	return Config{
		Stakes:          []int64{500, 1000, 2000},
		Countdown:       30 * time.Millisecond,
		CountdownTick:   10 * time.Millisecond,
		GameDuration:    5 * time.Second,
		QuestionTimeout: 2 * time.Second,
		QuestionCount:   3,
		TickInterval:    100 * time.Millisecond,
		Grace:           20 * time.Millisecond,
		QueueTTL:        time.Minute,
		SettleTimeout:   time.Second,
	}
}

func newTestService(t *testing.T, cfg Config, balances map[int64]int64) (*Service, *fakeAccounts, *fakeNotifier) {
	t.Helper()
	accounts := newFakeAccounts(balances)
	notifier := newFakeNotifier()
	svc := NewService(cfg, accounts, notifier,
		WithGenerator(question.NewGenerator(42)),
		WithSettler(settlement.NewSettler(accounts, nil, settlement.WithRetry(2, time.Millisecond))),
	)
	t.Cleanup(svc.Close)
	return svc, accounts, notifier
}

func questionOf(ev Event) question.Question {
	switch d := ev.Data.(type) {
	case GameStart:
		return d.Question
	case NewQuestion:
		return d.Question
	}
	return question.Question{}
}

// pair queues two players on stake and waits for the game to start.
func pair(t *testing.T, svc *Service, n *fakeNotifier, stake int64) string {
	t.Helper()
	ctx := context.Background()
	pos, err := svc.JoinQueue(ctx, Conn{ID: "a", UserID: 1}, stake)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	pos, err = svc.JoinQueue(ctx, Conn{ID: "b", UserID: 2}, stake)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	found := n.waitFor(t, "a", EventMatchFound, 1).Data.(MatchFound)
	n.waitFor(t, "a", EventGameStart, 1)
	n.waitFor(t, "b", EventGameStart, 1)
	return found.RoomID
}

// play answers every question; a always right, b right only when bRight.
func play(t *testing.T, svc *Service, n *fakeNotifier, total int, bRight bool) {
	t.Helper()
	ctx := context.Background()
	q := questionOf(n.waitFor(t, "a", EventGameStart, 1))
	for i := 1; i <= total; i++ {
		_, err := svc.SubmitAnswer(ctx, "a", q.ID, q.CorrectIndex)
		require.NoError(t, err)

		bOption := (q.CorrectIndex + 1) % question.OptionCount
		if bRight {
			bOption = q.CorrectIndex
		}
		_, err = svc.SubmitAnswer(ctx, "b", q.ID, bOption)
		require.NoError(t, err)

		if i < total {
			q = questionOf(n.waitFor(t, "a", EventNewQuestion, i))
			assert.Equal(t, i+1, q.ID)
		}
	}
}

func TestJoinQueue_InvalidStake(t *testing.T) {
	svc, accounts, _ := newTestService(t, testConfig(), map[int64]int64{1: 5000})

	_, err := svc.JoinQueue(context.Background(), Conn{ID: "a", UserID: 1}, 750)
	assert.ErrorIs(t, err, ErrInvalidStake)
	assert.Equal(t, "invalid_stake", ErrorKind(err))
	assert.Equal(t, int64(5000), accounts.balance(1))
}

func TestJoinQueue_InsufficientFunds(t *testing.T) {
	svc, accounts, _ := newTestService(t, testConfig(), map[int64]int64{1: 300})

	_, err := svc.JoinQueue(context.Background(), Conn{ID: "a", UserID: 1}, 500)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, "insufficient_funds", ErrorKind(err))
	assert.Equal(t, int64(300), accounts.balance(1))
	assert.Zero(t, svc.Stats().PlayersQueued)
}

func TestJoinQueue_AlreadyQueued(t *testing.T) {
	svc, accounts, _ := newTestService(t, testConfig(), map[int64]int64{1: 5000})
	ctx := context.Background()

	_, err := svc.JoinQueue(ctx, Conn{ID: "a", UserID: 1}, 500)
	require.NoError(t, err)
	_, err = svc.JoinQueue(ctx, Conn{ID: "a", UserID: 1}, 1000)
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	assert.Equal(t, int64(4500), accounts.balance(1))
}

func TestLeaveQueue_Refunds(t *testing.T) {
	svc, accounts, n := newTestService(t, testConfig(), map[int64]int64{1: 5000})
	ctx := context.Background()

	_, err := svc.JoinQueue(ctx, Conn{ID: "a", UserID: 1}, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), accounts.balance(1))

	require.NoError(t, svc.LeaveQueue(ctx, "a"))
	assert.Equal(t, int64(5000), accounts.balance(1))
	assert.Equal(t, []string{EventQueueJoined, EventQueueLeft}, n.types("a"))

	assert.ErrorIs(t, svc.LeaveQueue(ctx, "a"), ErrNotQueued)
}

func TestSweepQueues_RefundsExpired(t *testing.T) {
	cfg := testConfig()
	cfg.QueueTTL = 10 * time.Millisecond
	svc, accounts, n := newTestService(t, cfg, map[int64]int64{1: 5000})

	_, err := svc.JoinQueue(context.Background(), Conn{ID: "a", UserID: 1}, 2000)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, svc.SweepQueues(context.Background()))
	assert.Equal(t, int64(5000), accounts.balance(1))
	assert.Len(t, n.ofType("a", EventQueueExpired), 1)
	assert.Zero(t, svc.SweepQueues(context.Background()))
}

func TestMatch_QueueJoinedBeforeMatchFound(t *testing.T) {
	svc, _, n := newTestService(t, testConfig(), map[int64]int64{1: 5000, 2: 5000})
	pair(t, svc, n, 1000)

	for _, conn := range []string{"a", "b"} {
		types := n.types(conn)
		require.GreaterOrEqual(t, len(types), 2)
		assert.Equal(t, EventQueueJoined, types[0])
		assert.Equal(t, EventMatchFound, types[1])
	}
	assert.Len(t, n.ofType("a", EventCountdown), 3)
}

func TestMatch_WinnerTakesPool(t *testing.T) {
	svc, accounts, n := newTestService(t, testConfig(), map[int64]int64{1: 5000, 2: 5000})
	roomID := pair(t, svc, n, 1000)
	assert.Equal(t, int64(4000), accounts.balance(1))
	assert.Equal(t, int64(4000), accounts.balance(2))

	play(t, svc, n, 3, false)

	over := n.waitFor(t, "a", EventGameOver, 1).Data.(GameOver)
	assert.Equal(t, ReasonQuestionsExhausted, over.Reason)
	require.NotNil(t, over.WinnerID)
	assert.Equal(t, int64(1), *over.WinnerID)
	assert.Equal(t, int64(2000), over.CoinsWon)
	assert.False(t, over.Draw)

	lost := n.waitFor(t, "b", EventGameOver, 1).Data.(GameOver)
	assert.Zero(t, lost.CoinsWon)

	require.Eventually(t, func() bool {
		_, err := svc.Room(context.Background(), roomID)
		return err != nil
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(6000), accounts.balance(1))
	assert.Equal(t, int64(4000), accounts.balance(2))
	require.Len(t, accounts.recorded(), 1)
	assert.Equal(t, 3, accounts.recorded()[0].Score1)
	assert.Equal(t, 0, accounts.recorded()[0].Score2)
}

func TestMatch_DrawRefundsBoth(t *testing.T) {
	svc, accounts, n := newTestService(t, testConfig(), map[int64]int64{1: 5000, 2: 5000})
	pair(t, svc, n, 2000)

	play(t, svc, n, 3, true)

	over := n.waitFor(t, "b", EventGameOver, 1).Data.(GameOver)
	assert.True(t, over.Draw)
	assert.Nil(t, over.WinnerID)
	assert.Equal(t, int64(2000), over.CoinsWon)

	require.Eventually(t, func() bool {
		return accounts.balance(1) == 5000 && accounts.balance(2) == 5000
	}, 3*time.Second, 5*time.Millisecond)
}

func TestMatch_DisconnectForfeitsRegardlessOfScore(t *testing.T) {
	svc, accounts, n := newTestService(t, testConfig(), map[int64]int64{1: 5000, 2: 5000})
	roomID := pair(t, svc, n, 1000)
	ctx := context.Background()

	q := questionOf(n.waitFor(t, "a", EventGameStart, 1))
	res, err := svc.SubmitAnswer(ctx, "a", q.ID, q.CorrectIndex)
	require.NoError(t, err)
	assert.Equal(t, 1, res.OwnScore)

	svc.Disconnect(ctx, "a")
	svc.Disconnect(ctx, "a")

	n.waitFor(t, "b", EventOpponentDisconnected, 1)
	over := n.waitFor(t, "b", EventGameOver, 1).Data.(GameOver)
	assert.Equal(t, ReasonForfeitDisconnect, over.Reason)
	require.NotNil(t, over.WinnerID)
	assert.Equal(t, int64(2), *over.WinnerID)
	assert.Empty(t, n.ofType("a", EventGameOver))

	require.Eventually(t, func() bool {
		_, err := svc.Room(ctx, roomID)
		return err != nil
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(4000), accounts.balance(1))
	assert.Equal(t, int64(6000), accounts.balance(2))
	assert.Len(t, accounts.recorded(), 1)
}

func TestMatch_LeaveDuringCountdownForfeitsAtStart(t *testing.T) {
	cfg := testConfig()
	cfg.Countdown = 200 * time.Millisecond
	cfg.CountdownTick = 50 * time.Millisecond
	svc, accounts, n := newTestService(t, cfg, map[int64]int64{1: 5000, 2: 5000})
	ctx := context.Background()

	_, err := svc.JoinQueue(ctx, Conn{ID: "a", UserID: 1}, 500)
	require.NoError(t, err)
	_, err = svc.JoinQueue(ctx, Conn{ID: "b", UserID: 2}, 500)
	require.NoError(t, err)
	n.waitFor(t, "b", EventMatchFound, 1)

	require.NoError(t, svc.LeaveGame(ctx, "b"))

	over := n.waitFor(t, "a", EventGameOver, 1).Data.(GameOver)
	assert.Equal(t, ReasonForfeitLeave, over.Reason)
	require.NotNil(t, over.WinnerID)
	assert.Equal(t, int64(1), *over.WinnerID)
	assert.Empty(t, n.ofType("a", EventGameStart))

	require.Eventually(t, func() bool {
		return accounts.balance(1) == 5500 && accounts.balance(2) == 4500
	}, 3*time.Second, 5*time.Millisecond)
}

func TestMatch_ThirdPlayerWaits(t *testing.T) {
	svc, accounts, n := newTestService(t, testConfig(), map[int64]int64{1: 5000, 2: 5000, 3: 5000})
	pair(t, svc, n, 500)

	pos, err := svc.JoinQueue(context.Background(), Conn{ID: "c", UserID: 3}, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Equal(t, int64(4500), accounts.balance(3))

	st := svc.Stats()
	assert.Equal(t, 1, st.PlayersQueued)
	assert.Equal(t, 1, st.ActiveRooms)
	assert.Equal(t, 2, st.PlayersInRooms)
	assert.Empty(t, n.ofType("c", EventMatchFound))
}

func TestJoinQueue_RejectedWhileInGame(t *testing.T) {
	svc, _, n := newTestService(t, testConfig(), map[int64]int64{1: 5000, 2: 5000})
	pair(t, svc, n, 500)

	_, err := svc.JoinQueue(context.Background(), Conn{ID: "a", UserID: 1}, 500)
	assert.ErrorIs(t, err, ErrAlreadyInGame)
}

func TestRelay_ForwardsToOpponent(t *testing.T) {
	svc, _, n := newTestService(t, testConfig(), map[int64]int64{1: 5000, 2: 5000})
	pair(t, svc, n, 500)

	require.NoError(t, svc.Relay("a", SignalOffer, []byte(`{"sdp":"x"}`)))
	sig := n.waitFor(t, "b", SignalOffer, 1).Data.(Signal)
	assert.Equal(t, int64(1), sig.From)
	assert.JSONEq(t, `{"sdp":"x"}`, string(sig.Payload))
	assert.Empty(t, n.ofType("a", SignalOffer))

	assert.ErrorIs(t, svc.Relay("nobody", SignalOffer, nil), ErrRoomNotFound)
}

func TestSubmitAnswer_WithoutRoom(t *testing.T) {
	svc, _, _ := newTestService(t, testConfig(), map[int64]int64{1: 5000})

	_, err := svc.SubmitAnswer(context.Background(), "a", 1, 0)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestMatch_DeadlineEndsWithTimeUp(t *testing.T) {
	cfg := testConfig()
	cfg.GameDuration = 300 * time.Millisecond
	cfg.QuestionTimeout = 5 * time.Second
	cfg.TickInterval = 50 * time.Millisecond
	svc, accounts, n := newTestService(t, cfg, map[int64]int64{1: 5000, 2: 5000})
	pair(t, svc, n, 1000)

	q := questionOf(n.waitFor(t, "a", EventGameStart, 1))
	_, err := svc.SubmitAnswer(context.Background(), "a", q.ID, q.CorrectIndex)
	require.NoError(t, err)

	over := n.waitFor(t, "a", EventGameOver, 1).Data.(GameOver)
	assert.Equal(t, ReasonTimeUp, over.Reason)
	assert.Equal(t, settlement.OutcomeWin, over.Outcome)
	require.NotNil(t, over.WinnerID)
	assert.Equal(t, int64(1), *over.WinnerID)
	assert.Empty(t, n.ofType("a", EventNewQuestion))

	updates := n.ofType("b", EventTimeUpdate)
	require.NotEmpty(t, updates)
	first := updates[0].Data.(TimeUpdate).RemainingMs
	assert.Positive(t, first)
	assert.Less(t, first, int64(300))
	for _, ev := range updates[1:] {
		assert.LessOrEqual(t, ev.Data.(TimeUpdate).RemainingMs, first)
	}

	require.Eventually(t, func() bool {
		return accounts.balance(1) == 6000 && accounts.balance(2) == 4000
	}, 3*time.Second, 5*time.Millisecond)
}

func TestMatch_QuestionTimeoutAdvances(t *testing.T) {
	cfg := testConfig()
	cfg.QuestionTimeout = 80 * time.Millisecond
	svc, accounts, n := newTestService(t, cfg, map[int64]int64{1: 5000, 2: 5000})
	pair(t, svc, n, 500)

	// nobody answers
	assert.Equal(t, 2, n.waitFor(t, "a", EventNewQuestion, 1).Data.(NewQuestion).Number)
	assert.Equal(t, 3, n.waitFor(t, "b", EventNewQuestion, 2).Data.(NewQuestion).Number)

	over := n.waitFor(t, "a", EventGameOver, 1).Data.(GameOver)
	assert.Equal(t, ReasonQuestionsExhausted, over.Reason)
	assert.Equal(t, settlement.OutcomeDraw, over.Outcome)
	assert.True(t, over.Draw)
	assert.Len(t, n.ofType("a", EventNewQuestion), 2)

	require.Eventually(t, func() bool {
		return accounts.balance(1) == 5000 && accounts.balance(2) == 5000
	}, 3*time.Second, 5*time.Millisecond)
}

func TestMatch_SettlementFailureKeepsRoomAndRetries(t *testing.T) {
	svc, accounts, n := newTestService(t, testConfig(), map[int64]int64{1: 5000, 2: 5000})
	roomID := pair(t, svc, n, 1000)
	accounts.failAwards.Store(true)

	play(t, svc, n, 3, false)
	n.waitFor(t, "a", EventGameOver, 1)

	// one error per failed attempt, the second from the grace retry
	for _, conn := range []string{"a", "b"} {
		ev := n.waitFor(t, conn, EventError, 2)
		assert.Equal(t, "settlement_failure", ev.Data.(ErrorEvent).Kind)
	}
	snap, err := svc.Room(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, snap.State)
	assert.False(t, snap.Settled)
	assert.Equal(t, int64(4000), accounts.balance(1))
	assert.Empty(t, accounts.recorded())

	accounts.failAwards.Store(false)
	require.Eventually(t, func() bool {
		_, err := svc.Room(context.Background(), roomID)
		return errors.Is(err, ErrRoomNotFound)
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(6000), accounts.balance(1))
	assert.Equal(t, int64(4000), accounts.balance(2))
	assert.Len(t, accounts.recorded(), 1)
}

func TestStats_FinishedRoomNotCounted(t *testing.T) {
	cfg := testConfig()
	cfg.Grace = time.Minute
	svc, _, n := newTestService(t, cfg, map[int64]int64{1: 5000, 2: 5000})
	pair(t, svc, n, 500)
	assert.Equal(t, 2, svc.Stats().PlayersInRooms)

	play(t, svc, n, 3, false)
	n.waitFor(t, "a", EventGameOver, 1)

	st := svc.Stats()
	assert.Equal(t, 1, st.ActiveRooms)
	assert.Equal(t, 1, st.RoomsByState["finished"])
	assert.Zero(t, st.PlayersInRooms)
}

func TestClose_VoidsLiveRoomAndRefundsQueue(t *testing.T) {
	svc, accounts, n := newTestService(t, testConfig(), map[int64]int64{1: 1000, 2: 1000, 3: 1000})
	roomID := pair(t, svc, n, 500)

	q := questionOf(n.waitFor(t, "a", EventGameStart, 1))
	_, err := svc.SubmitAnswer(context.Background(), "a", q.ID, q.CorrectIndex)
	require.NoError(t, err)

	_, err = svc.JoinQueue(context.Background(), Conn{ID: "c", UserID: 3}, 1000)
	require.NoError(t, err)
	assert.Zero(t, accounts.balance(3))

	svc.Close()

	// a led 1-0 but the shutdown rule is void, not score
	assert.Equal(t, int64(1000), accounts.balance(1))
	assert.Equal(t, int64(1000), accounts.balance(2))
	assert.Equal(t, int64(1000), accounts.balance(3))

	recs := accounts.recorded()
	require.Len(t, recs, 1)
	assert.Equal(t, roomID, recs[0].MatchID)
	assert.Equal(t, ReasonShutdown, recs[0].Reason)
	assert.Nil(t, recs[0].WinnerID)

	over := n.ofType("a", EventGameOver)
	require.Len(t, over, 1)
	got := over[0].Data.(GameOver)
	assert.Equal(t, settlement.OutcomeVoid, got.Outcome)
	assert.False(t, got.Draw)
	assert.Equal(t, int64(500), got.CoinsWon)
	assert.Len(t, n.ofType("c", EventQueueLeft), 1)

	_, err = svc.JoinQueue(context.Background(), Conn{ID: "d", UserID: 3}, 500)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, int64(1000), accounts.balance(3))

	svc.Close()
	assert.Len(t, accounts.recorded(), 1)
}

func TestClose_DuringCountdown(t *testing.T) {
	cfg := testConfig()
	cfg.Countdown = 5 * time.Second
	cfg.CountdownTick = time.Second
	svc, accounts, n := newTestService(t, cfg, map[int64]int64{1: 5000, 2: 5000})
	ctx := context.Background()

	_, err := svc.JoinQueue(ctx, Conn{ID: "a", UserID: 1}, 2000)
	require.NoError(t, err)
	_, err = svc.JoinQueue(ctx, Conn{ID: "b", UserID: 2}, 2000)
	require.NoError(t, err)
	n.waitFor(t, "b", EventMatchFound, 1)

	svc.Close()

	assert.Equal(t, int64(5000), accounts.balance(1))
	assert.Equal(t, int64(5000), accounts.balance(2))
	require.Len(t, accounts.recorded(), 1)
	assert.Equal(t, ReasonShutdown, accounts.recorded()[0].Reason)
	assert.Empty(t, n.ofType("a", EventGameStart))
}
