package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// ErrQuotaExceeded is returned (wrapped) when a session may not start another turn.
var ErrQuotaExceeded = errors.New("turn quota exceeded")

// Checker decides whether a session may start a generation turn.
type Checker interface {
	// Reserve holds one turn for the session. The turn counts against the
	// session unless the reservation is cancelled.
	Reserve(ctx context.Context, sessionID string) (Reservation, error)
}

// Reservation is one held turn.
type Reservation interface {
	// Cancel gives the turn back. The request rate is not refunded. It is
	// safe to call more than once.
	Cancel()
}

// Unlimited allows every turn.
type Unlimited struct{}

func (Unlimited) Reserve(context.Context, string) (Reservation, error) { return noop{}, nil }

type noop struct{}

func (noop) Cancel() {}

// Limiter enforces a per-session turn ceiling and a per-session request rate.
// Counts survive session deletion so a recreated session ID does not get a
// fresh budget.
type Limiter struct {
	maxTurns  int
	perMinute int

	mu       sync.Mutex
	turns    map[string]int
	limiters map[string]*rate.Limiter
}

// New creates a Limiter. A zero maxTurns or perMinute disables that check.
func New(maxTurns, perMinute int) *Limiter {
	return &Limiter{
		maxTurns:  maxTurns,
		perMinute: perMinute,
		turns:     make(map[string]int),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Reserve holds one turn for the session or reports why it cannot.
func (l *Limiter) Reserve(ctx context.Context, sessionID string) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxTurns > 0 && l.turns[sessionID] >= l.maxTurns {
		return nil, fmt.Errorf("%w: %d of %d turns used", ErrQuotaExceeded, l.turns[sessionID], l.maxTurns)
	}
	if l.perMinute > 0 {
		r := l.limiterLocked(sessionID).Reserve()
		if !r.OK() || r.Delay() > 0 {
			r.Cancel()
			return nil, fmt.Errorf("%w: more than %d turns per minute", ErrQuotaExceeded, l.perMinute)
		}
	}
	l.turns[sessionID]++
	return &reservation{l: l, sessionID: sessionID}, nil
}

// Remaining returns the turns left for the session, or -1 when unlimited.
func (l *Limiter) Remaining(sessionID string) int {
	if l.maxTurns <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxTurns - l.turns[sessionID]
}

func (l *Limiter) limiterLocked(sessionID string) *rate.Limiter {
	if lim, ok := l.limiters[sessionID]; ok {
		return lim
	}
	rps := float64(l.perMinute) / 60.0
	burst := max(1, l.perMinute/5)
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	l.limiters[sessionID] = lim

	slog.Debug("Created turn rate limiter", "sessionID", sessionID, "rpm", l.perMinute, "burst", burst)
	return lim
}

type reservation struct {
	l         *Limiter
	sessionID string
	once      sync.Once
}

func (r *reservation) Cancel() {
	r.once.Do(func() {
		r.l.mu.Lock()
		defer r.l.mu.Unlock()
		if r.l.turns[r.sessionID] > 0 {
			r.l.turns[r.sessionID]--
		}
	})
}
