package retry

import (
	"errors"
	"math/rand/v2"
	"time"
)

type Config struct {
	// MaxRetries is the number of attempts allowed beyond the first.
	MaxRetries      int
	BaseDelay       time.Duration
	DelayMultiplier float64
	// SkipPermanent stops retrying errors the classifier marks permanent.
	// Off by default: every failure gets MaxRetries more attempts.
	SkipPermanent bool
}

var ErrInvalidConfig = errors.New("invalid retry config")

func (c Config) Validate() error {
	if c.MaxRetries < 0 || c.BaseDelay < 0 || c.DelayMultiplier < 0 {
		return ErrInvalidConfig
	}
	return nil
}

type Action struct {
	Retry bool
	Delay time.Duration
}

var GiveUp = Action{}

type Policy struct {
	cfg       Config
	rand      func() float64
	permanent func(error) bool
}

type Option func(*Policy)

// WithJitter replaces the random source. fn must return a value in [0,1).
func WithJitter(fn func() float64) Option {
	return func(p *Policy) { p.rand = fn }
}

// WithClassifier sets the function used to detect permanent errors when
// SkipPermanent is enabled.
func WithClassifier(fn func(error) bool) Option {
	return func(p *Policy) { p.permanent = fn }
}

func New(cfg Config, opts ...Option) *Policy {
	p := &Policy{cfg: cfg, rand: rand.Float64}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Next decides what to do after a failed attempt. retries is how many retries
// the recipient already had (0 after the initial attempt fails).
func (p *Policy) Next(retries int, err error) Action {
	if retries >= p.cfg.MaxRetries {
		return GiveUp
	}
	if p.cfg.SkipPermanent && p.permanent != nil && err != nil && p.permanent(err) {
		return GiveUp
	}
	jitter := 1 + 0.3*p.rand()
	d := float64(p.cfg.BaseDelay) * p.cfg.DelayMultiplier * float64(retries+1) * jitter
	return Action{Retry: true, Delay: time.Duration(d)}
}

func (p *Policy) MaxAttempts() int { return p.cfg.MaxRetries + 1 }
