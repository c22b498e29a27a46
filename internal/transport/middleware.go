package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"campaignd/internal/observability"
)

type BreakerConfig struct {
	Name                string
	MaxRequests         uint32
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// WithBreaker fails fast while the provider looks down. Permanent errors are
// the recipient's fault and do not count against the provider.
func WithBreaker(next Sender, cfg BreakerConfig) Sender {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 10
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= cfg.ConsecutiveFailures },
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("transport breaker state change", "name", name, "from", from.String(), "to", to.String())
			observability.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	observability.BreakerState.WithLabelValues(cfg.Name).Set(float64(gobreaker.StateClosed))
	return &breakerSender{next: next, cb: cb}
}

type breakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

func (b *breakerSender) Send(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Provider: b.cb.Name(), Code: "breaker_open", Err: err}
	}
	return err
}

// WithLimiter caps the process-wide send rate regardless of how many campaigns
// are running. It sits below the per-account rate governor.
func WithLimiter(next Sender, l *rate.Limiter) Sender {
	if l == nil {
		return next
	}
	return SenderFunc(func(ctx context.Context, msg Message) error {
		if err := l.Wait(ctx); err != nil {
			return &Error{Provider: "limiter", Code: "rate_limited_local", Err: err}
		}
		return next.Send(ctx, msg)
	})
}

// Instrument records send outcomes and latency per provider.
func Instrument(next Sender, provider string) Sender {
	return SenderFunc(func(ctx context.Context, msg Message) error {
		start := time.Now()
		err := next.Send(ctx, msg)
		observability.SendLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
		result := "ok"
		switch {
		case err == nil:
		case IsPermanent(err):
			result = "permanent_error"
		default:
			result = "error"
		}
		observability.Sends.WithLabelValues(provider, result).Inc()
		return err
	})
}
