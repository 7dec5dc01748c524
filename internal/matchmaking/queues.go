package matchmaking

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrInvalidStake  = errors.New("invalid stake")
	ErrAlreadyQueued = errors.New("connection already queued")
)

// Entry is a player waiting in a stake queue.
type Entry struct {
	ConnID      string    `json:"conn_id"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
	ProfileLogo string    `json:"profile_logo"`
	Stake       int64     `json:"stake"`
	Ref         string    `json:"ref"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Pair holds the two oldest waiters of a stake queue, First being the older.
type Pair struct {
	Stake  int64
	First  Entry
	Second Entry
}

// Queues is one FIFO per allowed stake. Pop-and-pair happens under a single
// lock so a waiter is never handed to two rooms.
type Queues struct {
	mu      sync.Mutex
	queues  map[int64][]Entry
	allowed []int64
	now     func() time.Time
}

func New(stakes []int64) *Queues {
	q := &Queues{
		queues: make(map[int64][]Entry, len(stakes)),
		now:    time.Now,
	}
	for _, s := range stakes {
		if _, ok := q.queues[s]; ok {
			continue
		}
		q.queues[s] = nil
		q.allowed = append(q.allowed, s)
	}
	sort.Slice(q.allowed, func(i, j int) bool { return q.allowed[i] < q.allowed[j] })
	return q
}

// WithClock replaces the time source used for enqueue stamps and expiry.
func (q *Queues) WithClock(now func() time.Time) *Queues {
	q.now = now
	return q
}

// Stakes returns the allowed stake tiers in ascending order.
func (q *Queues) Stakes() []int64 {
	out := make([]int64, len(q.allowed))
	copy(out, q.allowed)
	return out
}

func (q *Queues) Allowed(stake int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queues[stake]
	return ok
}

// Enqueue appends e to its stake queue and returns its 1-based position. When
// the queue holds two or more entries the two oldest are removed and returned
// as a pair. A user may wait in at most one queue at a time.
func (q *Queues) Enqueue(e Entry) (int, *Pair, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, ok := q.queues[e.Stake]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %d", ErrInvalidStake, e.Stake)
	}
	if q.indexLocked(e.ConnID) != nil || q.hasUserLocked(e.UserID) {
		return 0, nil, ErrAlreadyQueued
	}

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	queue = append(queue, e)
	position := len(queue)

	if len(queue) < 2 {
		q.queues[e.Stake] = queue
		return position, nil, nil
	}

	pair := &Pair{Stake: e.Stake, First: queue[0], Second: queue[1]}
	q.queues[e.Stake] = append(queue[:0:0], queue[2:]...)
	return position, pair, nil
}

// Remove drops the entry for connID from whichever queue holds it.
func (q *Queues) Remove(connID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	loc := q.indexLocked(connID)
	if loc == nil {
		return Entry{}, false
	}
	queue := q.queues[loc.stake]
	e := queue[loc.index]
	q.queues[loc.stake] = append(queue[:loc.index:loc.index], queue[loc.index+1:]...)
	return e, true
}

// Contains reports whether connID currently waits in any queue.
func (q *Queues) Contains(connID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexLocked(connID) != nil
}

// Expire removes and returns every entry older than ttl.
func (q *Queues) Expire(ttl time.Duration) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-ttl)
	var expired []Entry
	for stake, queue := range q.queues {
		var valid []Entry
		for _, e := range queue {
			if e.EnqueuedAt.Before(cutoff) {
				expired = append(expired, e)
				continue
			}
			valid = append(valid, e)
		}
		q.queues[stake] = valid
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].EnqueuedAt.Before(expired[j].EnqueuedAt) })
	return expired
}

// Drain empties every queue and returns what was waiting, oldest first.
func (q *Queues) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Entry
	for stake, queue := range q.queues {
		out = append(out, queue...)
		q.queues[stake] = nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

func (q *Queues) Len(stake int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[stake])
}

// Depths returns the number of waiters per stake.
func (q *Queues) Depths() map[int64]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[int64]int, len(q.queues))
	for s, queue := range q.queues {
		out[s] = len(queue)
	}
	return out
}

// Total is the number of waiters across all stakes.
func (q *Queues) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, queue := range q.queues {
		n += len(queue)
	}
	return n
}

type location struct {
	stake int64
	index int
}

func (q *Queues) indexLocked(connID string) *location {
	for stake, queue := range q.queues {
		for i, e := range queue {
			if e.ConnID == connID {
				return &location{stake: stake, index: i}
			}
		}
	}
	return nil
}

func (q *Queues) hasUserLocked(userID int64) bool {
	for _, queue := range q.queues {
		for _, e := range queue {
			if e.UserID == userID {
				return true
			}
		}
	}
	return false
}
