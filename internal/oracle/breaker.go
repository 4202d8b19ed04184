package oracle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breaker around an Oracle.
type BreakerSettings struct {
	Timeout          time.Duration // per-call deadline
	OpenFor          time.Duration // how long the breaker stays open
	FailureThreshold uint32        // consecutive failures that trip it
}

// Breaker decorates an Oracle with a per-call timeout and a circuit
// breaker. A missing post is an answer, not a fault, and never trips it.
type Breaker struct {
	next    Oracle
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewBreaker wraps next.
func NewBreaker(name string, next Oracle, s BreakerSettings) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrPostNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("oracle breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{
		next:    next,
		cb:      gobreaker.NewCircuitBreaker(st),
		timeout: s.Timeout,
	}
}

func (b *Breaker) Score(ctx context.Context, postID string) (float64, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Score(ctx, postID)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

var _ Oracle = (*Breaker)(nil)
