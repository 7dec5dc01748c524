package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/python786920-cmyk/realtime-game-backend/internal/account"
)

var ErrSettlementFailed = errors.New("settlement failed")

// Ledger is the part of the account service the engine moves coins through.
type Ledger interface {
	Award(ctx context.Context, userID, amount int64, ref string) error
	Refund(ctx context.Context, userID, amount int64, ref string) error
	RecordMatch(ctx context.Context, rec account.MatchRecord) error
}

// Reconciler durably queues a settlement that could not be applied in-process.
type Reconciler interface {
	EnqueueSettlement(ctx context.Context, s Settlement) error
}

type Settler struct {
	ledger     Ledger
	reconciler Reconciler
	logger     *slog.Logger
	attempts   int
	backoff    time.Duration
}

type Option func(*Settler)

// WithRetry sets how many in-process attempts are made and the first backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Settler) {
		if attempts > 0 {
			s.attempts = attempts
		}
		s.backoff = backoff
	}
}

func WithReconciler(r Reconciler) Option {
	return func(s *Settler) { s.reconciler = r }
}

func NewSettler(ledger Ledger, logger *slog.Logger, opts ...Option) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Settler{
		ledger:   ledger,
		logger:   logger,
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetReconciler attaches the durable fallback after construction.
func (s *Settler) SetReconciler(r Reconciler) {
	s.reconciler = r
}

// Settle applies s with bounded retries. When every attempt fails the
// settlement is handed to the reconciler; ErrSettlementFailed is returned
// only when that also fails.
func (s *Settler) Settle(ctx context.Context, st Settlement) error {
	var err error
	wait := s.backoff
retry:
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = s.Apply(ctx, st); err == nil {
			s.logger.Info("match settled",
				"match_id", st.MatchID,
				"outcome", st.Outcome,
				"reason", st.Reason,
				"paid", st.Paid())
			return nil
		}
		s.logger.Warn("settlement attempt failed",
			"match_id", st.MatchID,
			"attempt", attempt,
			"error", err)
		if attempt == s.attempts {
			break
		}
		select {
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
			break retry
		case <-time.After(wait):
			wait *= 2
		}
	}

	if s.reconciler != nil {
		qerr := s.reconciler.EnqueueSettlement(context.WithoutCancel(ctx), st)
		if qerr == nil {
			s.logger.Warn("settlement queued for reconciliation", "match_id", st.MatchID, "error", err)
			return nil
		}
		err = errors.Join(err, qerr)
	}

	s.logger.Error("settlement needs manual reconciliation",
		"match_id", st.MatchID,
		"outcome", st.Outcome,
		"transfers", st.Transfers,
		"error", err)
	return fmt.Errorf("%w: match %s: %v", ErrSettlementFailed, st.MatchID, err)
}

// Apply performs one pass over the transfers and the match record. Every
// step is idempotent so a partial pass can be repeated safely.
func (s *Settler) Apply(ctx context.Context, st Settlement) error {
	for _, t := range st.Transfers {
		var err error
		switch t.Kind {
		case KindAward:
			err = s.ledger.Award(ctx, t.UserID, t.Amount, t.Ref)
		case KindRefund:
			err = s.ledger.Refund(ctx, t.UserID, t.Amount, t.Ref)
		default:
			err = fmt.Errorf("unknown transfer kind %q", t.Kind)
		}
		if err != nil {
			return fmt.Errorf("%s %d to user %d: %w", t.Kind, t.Amount, t.UserID, err)
		}
	}

	if err := s.ledger.RecordMatch(ctx, st.Record()); err != nil {
		return fmt.Errorf("record match %s: %w", st.MatchID, err)
	}
	return nil
}
