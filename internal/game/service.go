package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/python786920-cmyk/realtime-game-backend/internal/account"
	"github.com/python786920-cmyk/realtime-game-backend/internal/matchmaking"
	"github.com/python786920-cmyk/realtime-game-backend/internal/question"
	"github.com/python786920-cmyk/realtime-game-backend/internal/settlement"
)

// Accounts is the account service as seen by matchmaking and settlement.
type Accounts interface {
	settlement.Ledger
	Deduct(ctx context.Context, userID, amount int64, ref string) error
	Profile(ctx context.Context, userID int64) (account.Profile, error)
}

// Notifier delivers events to live connections. Send must not block.
type Notifier interface {
	Send(connID string, ev Event)
}

// Announcer pushes events to a user out of band, e.g. when the socket is gone.
type Announcer interface {
	Announce(ctx context.Context, userID int64, ev Event) error
}

// Observer mirrors room and queue state somewhere outside the process.
type Observer interface {
	RoomUpdated(ctx context.Context, snap RoomSnapshot) error
	RoomClosed(ctx context.Context, roomID string) error
	QueueDepths(ctx context.Context, depths map[int64]int) error
}

// Conn identifies an authenticated connection.
type Conn struct {
	ID     string
	UserID int64
}

// Service is the matchmaking service: stake queues, the room table and the
// connection-to-room membership, each behind its own synchronisation.
type Service struct {
	cfg       Config
	logger    *slog.Logger
	accounts  Accounts
	notifier  Notifier
	announcer Announcer
	observer  Observer
	settler   *settlement.Settler
	generator *question.Generator
	queues    *matchmaking.Queues

	mu      sync.Mutex
	rooms   map[string]*Room
	members map[string]*Room

	background chan func(ctx context.Context)
	stop       chan struct{}
	wg         sync.WaitGroup
	settles    sync.WaitGroup
	closing    atomic.Bool
	closeOnce  sync.Once
	startedAt  time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithAnnouncer(a Announcer) Option {
	return func(s *Service) { s.announcer = a }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func WithSettler(st *settlement.Settler) Option {
	return func(s *Service) { s.settler = st }
}

func WithGenerator(g *question.Generator) Option {
	return func(s *Service) { s.generator = g }
}

func NewService(cfg Config, accounts Accounts, notifier Notifier, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:        cfg,
		logger:     slog.Default(),
		accounts:   accounts,
		notifier:   notifier,
		queues:     matchmaking.New(cfg.Stakes),
		rooms:      make(map[string]*Room),
		members:    make(map[string]*Room),
		background: make(chan func(ctx context.Context), 256),
		stop:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.settler == nil {
		s.settler = settlement.NewSettler(accounts, s.logger)
	}
	if s.generator == nil {
		s.generator = question.NewGenerator(0)
	}

	s.wg.Add(1)
	go s.runBackground()
	return s
}

// Close shuts the service down without stranding escrow. New joins are
// refused, every queued stake is refunded and every live room is voided with
// both stakes refunded. Close waits for all settlements in flight; a room
// still unsettled after that is logged with its full plan. Safe to call more
// than once.
func (s *Service) Close() {
	s.closeOnce.Do(s.shutdown)
}

func (s *Service) shutdown() {
	s.mu.Lock()
	s.closing.Store(true)
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SettleTimeout)
	defer cancel()

	drained := s.queues.Drain()
	for _, e := range drained {
		s.refund(ctx, e, "server shutting down")
		s.notifier.Send(e.ConnID, Event{Type: EventQueueLeft, Data: QueueLeft{Stake: e.Stake, Refunded: e.Stake}})
	}
	if len(drained) > 0 {
		s.observeQueues()
	}

	for _, r := range rooms {
		r.start()
		err := r.exec(ctx, func() { r.abort(ReasonShutdown) })
		if err != nil && !errors.Is(err, ErrRoomNotFound) {
			s.logger.Warn("room did not take the shutdown", "room_id", r.ID, "error", err)
		}
	}
	s.settles.Wait()

	reportCtx, cancelReport := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelReport()
	for _, r := range rooms {
		var plan *settlement.Settlement
		err := r.exec(reportCtx, func() {
			if !r.settled {
				plan = r.result
			}
		})
		switch {
		case err == nil && plan != nil:
			s.logger.Error("room closed with unsettled escrow", "room_id", r.ID, "plan", *plan)
		case err != nil && !errors.Is(err, ErrRoomNotFound):
			s.logger.Error("room state unknown at shutdown", "room_id", r.ID, "error", err)
		}
		r.close()
	}
	close(s.stop)
	s.wg.Wait()
}

func (s *Service) Stakes() []int64 {
	return s.queues.Stakes()
}

// JoinQueue reserves the stake and puts the connection in its stake queue.
// When a second player is waiting the two oldest are paired into a room.
func (s *Service) JoinQueue(ctx context.Context, conn Conn, stake int64) (int, error) {
	if !s.queues.Allowed(stake) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidStake, stake)
	}

	s.mu.Lock()
	err := s.checkJoinLocked(conn.ID)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	profile, err := s.accounts.Profile(ctx, conn.UserID)
	if err != nil {
		return 0, fmt.Errorf("profile for user %d: %w", conn.UserID, err)
	}

	ref := "join:" + uuid.NewString()
	if err := s.accounts.Deduct(ctx, conn.UserID, stake, ref); err != nil {
		return 0, fmt.Errorf("deduct stake %d from user %d: %w", stake, conn.UserID, err)
	}

	entry := matchmaking.Entry{
		ConnID:      conn.ID,
		UserID:      conn.UserID,
		Username:    profile.Username,
		ProfileLogo: profile.ProfileLogo,
		Stake:       stake,
		Ref:         ref,
	}

	s.mu.Lock()
	if err := s.checkJoinLocked(conn.ID); err != nil {
		s.mu.Unlock()
		s.refund(ctx, entry, "join rejected")
		return 0, err
	}
	position, pair, err := s.queues.Enqueue(entry)
	if err != nil {
		s.mu.Unlock()
		s.refund(ctx, entry, "join rejected")
		return 0, err
	}
	var room *Room
	if pair != nil {
		room = s.createRoomLocked(*pair)
	}
	s.mu.Unlock()

	s.logger.Info("player queued", "conn_id", conn.ID, "user_id", conn.UserID, "stake", stake, "position", position)
	s.notifier.Send(conn.ID, Event{Type: EventQueueJoined, Data: QueueJoined{Position: position, Stake: stake}})
	if room != nil {
		room.start()
	}
	s.observeQueues()
	return position, nil
}

func (s *Service) checkJoinLocked(connID string) error {
	if s.closing.Load() {
		return ErrShuttingDown
	}
	if r, ok := s.members[connID]; ok && r.State() != StateFinished {
		return ErrAlreadyInGame
	}
	if s.queues.Contains(connID) {
		return ErrAlreadyQueued
	}
	return nil
}

func (s *Service) createRoomLocked(pair matchmaking.Pair) *Room {
	r := newRoom(s, uuid.NewString(), pair)
	s.rooms[r.ID] = r
	s.members[pair.First.ConnID] = r
	s.members[pair.Second.ConnID] = r
	return r
}

// LeaveQueue cancels a queued join and refunds the stake.
func (s *Service) LeaveQueue(ctx context.Context, connID string) error {
	e, ok := s.queues.Remove(connID)
	if !ok {
		return ErrNotQueued
	}
	s.refund(ctx, e, "left queue")
	s.notifier.Send(connID, Event{Type: EventQueueLeft, Data: QueueLeft{Stake: e.Stake, Refunded: e.Stake}})
	s.observeQueues()
	return nil
}

// SweepQueues evicts waiters older than the queue TTL and refunds them.
func (s *Service) SweepQueues(ctx context.Context) int {
	expired := s.queues.Expire(s.cfg.QueueTTL)
	for _, e := range expired {
		s.refund(ctx, e, "queue entry expired")
		s.notifier.Send(e.ConnID, Event{Type: EventQueueExpired, Data: QueueLeft{Stake: e.Stake, Refunded: e.Stake}})
	}
	if len(expired) > 0 {
		s.logger.Info("stale queue entries evicted", "count", len(expired))
		s.observeQueues()
	}
	return len(expired)
}

func (s *Service) refund(ctx context.Context, e matchmaking.Entry, why string) {
	err := s.accounts.Refund(context.WithoutCancel(ctx), e.UserID, e.Stake, e.Ref+":refund")
	if err != nil {
		s.logger.Error("refund needs manual reconciliation",
			"user_id", e.UserID,
			"stake", e.Stake,
			"ref", e.Ref,
			"why", why,
			"error", err)
		return
	}
	s.logger.Info("stake refunded", "user_id", e.UserID, "stake", e.Stake, "why", why)
}

func (s *Service) roomOf(connID string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[connID]
}

// SubmitAnswer hands an answer to the connection's room and waits for the verdict.
func (s *Service) SubmitAnswer(ctx context.Context, connID string, questionID, option int) (AnswerResult, error) {
	r := s.roomOf(connID)
	if r == nil {
		return AnswerResult{}, ErrRoomNotFound
	}
	var (
		res AnswerResult
		err error
	)
	if xerr := r.exec(ctx, func() { res, err = r.submit(connID, questionID, option) }); xerr != nil {
		return AnswerResult{}, xerr
	}
	return res, err
}

// LeaveGame is an explicit forfeit. The connection is free to queue again.
func (s *Service) LeaveGame(ctx context.Context, connID string) error {
	s.mu.Lock()
	r := s.members[connID]
	delete(s.members, connID)
	s.mu.Unlock()
	if r == nil {
		return ErrRoomNotFound
	}
	return r.exec(ctx, func() { r.depart(connID, true) })
}

// Disconnect drops every trace of a connection: its queue entry is refunded
// and a live match is forfeited.
func (s *Service) Disconnect(ctx context.Context, connID string) {
	if e, ok := s.queues.Remove(connID); ok {
		s.refund(ctx, e, "disconnected while queued")
		s.observeQueues()
	}

	s.mu.Lock()
	r := s.members[connID]
	delete(s.members, connID)
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.post(func() { r.depart(connID, false) })
}

// Relay forwards an opaque signalling payload to the opponent.
func (s *Service) Relay(connID, kind string, payload json.RawMessage) error {
	r := s.roomOf(connID)
	if r == nil {
		return ErrRoomNotFound
	}
	r.post(func() {
		from := r.player(connID)
		to := r.opponent(connID)
		if from == nil || to == nil {
			return
		}
		r.send(to, Event{Type: kind, Data: Signal{Payload: payload, From: from.UserID}})
	})
	return nil
}

// Room returns a snapshot of a room still in the table.
func (s *Service) Room(ctx context.Context, roomID string) (RoomSnapshot, error) {
	s.mu.Lock()
	r := s.rooms[roomID]
	s.mu.Unlock()
	if r == nil {
		return RoomSnapshot{}, ErrRoomNotFound
	}
	var snap RoomSnapshot
	if err := r.exec(ctx, func() { snap = r.snapshot() }); err != nil {
		return RoomSnapshot{}, err
	}
	return snap, nil
}

type Stats struct {
	ActiveRooms    int            `json:"active_rooms"`
	RoomsByState   map[string]int `json:"rooms_by_state"`
	PlayersInRooms int            `json:"players_in_rooms"`
	PlayersQueued  int            `json:"players_in_queue"`
	QueueDepths    map[string]int `json:"queue_depths"`
	Stakes         []int64        `json:"stakes"`
	Uptime         time.Duration  `json:"-"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
}

func (s *Service) Stats() Stats {
	st := Stats{
		RoomsByState: make(map[string]int),
		QueueDepths:  make(map[string]int),
		Stakes:       s.queues.Stakes(),
		Uptime:       time.Since(s.startedAt),
	}
	st.UptimeSeconds = st.Uptime.Seconds()

	s.mu.Lock()
	st.ActiveRooms = len(s.rooms)
	for _, r := range s.rooms {
		st.RoomsByState[r.State().String()]++
	}
	for _, r := range s.members {
		if r.State() != StateFinished {
			st.PlayersInRooms++
		}
	}
	s.mu.Unlock()

	for stake, n := range s.queues.Depths() {
		st.QueueDepths[fmt.Sprint(stake)] = n
		st.PlayersQueued += n
	}
	return st
}

// RoomIDs lists the rooms in the table, oldest first.
func (s *Service) RoomIDs() []string {
	s.mu.Lock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.Before(rooms[j].CreatedAt) })
	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.ID
	}
	return ids
}

// goSettle settles plan off the room goroutine. Close waits for it.
func (s *Service) goSettle(r *Room, plan settlement.Settlement) {
	s.settles.Add(1)
	go func() {
		defer s.settles.Done()
		s.settle(r, plan)
	}()
}

func (s *Service) settle(r *Room, plan settlement.Settlement) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SettleTimeout)
	defer cancel()
	err := s.settler.Settle(ctx, plan)
	r.post(func() { r.onSettled(err) })
}

// evict removes a finished room and its memberships from the table.
func (s *Service) evict(r *Room) {
	s.mu.Lock()
	if s.rooms[r.ID] == r {
		delete(s.rooms, r.ID)
	}
	for _, p := range r.players {
		if s.members[p.ConnID] == r {
			delete(s.members, p.ConnID)
		}
	}
	s.mu.Unlock()

	r.close()
	r.logger.Info("room evicted")
	if s.observer != nil {
		id := r.ID
		s.enqueue(func(ctx context.Context) {
			if err := s.observer.RoomClosed(ctx, id); err != nil {
				s.logger.Warn("observer.RoomClosed", "room_id", id, "error", err)
			}
		})
	}
}

func (s *Service) observe(snap RoomSnapshot) {
	if s.observer == nil {
		return
	}
	s.enqueue(func(ctx context.Context) {
		if err := s.observer.RoomUpdated(ctx, snap); err != nil {
			s.logger.Warn("observer.RoomUpdated", "room_id", snap.ID, "error", err)
		}
	})
}

func (s *Service) observeQueues() {
	if s.observer == nil {
		return
	}
	depths := s.queues.Depths()
	s.enqueue(func(ctx context.Context) {
		if err := s.observer.QueueDepths(ctx, depths); err != nil {
			s.logger.Warn("observer.QueueDepths", "error", err)
		}
	})
}

func (s *Service) announce(userID int64, ev Event) {
	if s.announcer == nil {
		return
	}
	s.enqueue(func(ctx context.Context) {
		if err := s.announcer.Announce(ctx, userID, ev); err != nil {
			s.logger.Warn("announcer.Announce", "user_id", userID, "type", ev.Type, "error", err)
		}
	})
}

// enqueue hands fn to the background worker without ever blocking a room.
func (s *Service) enqueue(fn func(ctx context.Context)) {
	select {
	case s.background <- fn:
	default:
		s.logger.Warn("background queue full, dropping task")
	}
}

func (s *Service) runBackground() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case fn := <-s.background:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			fn(ctx)
			cancel()
		}
	}
}
