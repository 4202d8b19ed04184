package lightning

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardSettings tunes the rate limiter and circuit breaker around a Rail.
type GuardSettings struct {
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration // per-call deadline
	OpenFor           time.Duration
	FailureThreshold  uint32
}

// Guarded decorates a Rail with a token-bucket rate limiter and a circuit
// breaker. A PaymentError is the rail's answer about one invoice, so it
// counts as success for the breaker; only transport faults trip it.
type Guarded struct {
	next    Rail
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewGuarded wraps next.
func NewGuarded(next Rail, s GuardSettings) *Guarded {
	if s.RequestsPerSecond <= 0 {
		s.RequestsPerSecond = 5
	}
	if s.Burst <= 0 {
		s.Burst = 1
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}

	st := gobreaker.Settings{
		Name:        "lightning",
		MaxRequests: 1,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			var pe *PaymentError
			return err == nil || errors.As(err, &pe)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("lightning breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Guarded{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(s.RequestsPerSecond), s.Burst),
		cb:      gobreaker.NewCircuitBreaker(st),
		timeout: s.Timeout,
	}
}

func (g *Guarded) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	v, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.next.CreateInvoice(ctx, amountSats, memo)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Invoice), nil
}

func (g *Guarded) CheckInvoice(ctx context.Context, invoiceID string) (bool, error) {
	v, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.next.CheckInvoice(ctx, invoiceID)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (g *Guarded) SendPayment(ctx context.Context, bolt11 string) (*Payment, error) {
	v, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.next.SendPayment(ctx, bolt11)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Payment), nil
}

func (g *Guarded) Balance(ctx context.Context) (*Balance, error) {
	v, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.next.Balance(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Balance), nil
}

func (g *Guarded) call(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return g.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
}

// State reports the breaker state.
func (g *Guarded) State() gobreaker.State {
	return g.cb.State()
}

var _ Rail = (*Guarded)(nil)
