// Package governor computes inter-send waits that keep a sending account under
// its per-hour, per-minute and burst ceilings over any sliding hour or minute.
package governor

import (
	"errors"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"
)

const (
	hourWindow   = time.Hour
	minuteWindow = time.Minute
)

// Reason names which rule produced a wait. Used for metrics and logs.
type Reason string

const (
	ReasonNone   Reason = "none"
	ReasonHour   Reason = "hour_cap"
	ReasonMinute Reason = "minute_cap"
	ReasonBurst  Reason = "burst_cooldown"
	ReasonPacing Reason = "pacing"
)

type Config struct {
	PerHourCap     int
	PerMinuteCap   int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	BurstSize      int
	BurstCooldown  time.Duration
	ProgressFactor float64
}

var ErrInvalidConfig = errors.New("invalid rate governor config")

func (c Config) Validate() error {
	switch {
	case c.PerHourCap <= 0, c.PerMinuteCap <= 0, c.BurstSize <= 0:
		return ErrInvalidConfig
	case c.BaseDelay < 0, c.MaxDelay < 0, c.BurstCooldown < 0:
		return ErrInvalidConfig
	case c.MaxDelay < c.BaseDelay:
		return ErrInvalidConfig
	case c.ProgressFactor < 0:
		return ErrInvalidConfig
	}
	return nil
}

type Option func(*Governor)

// WithJitter replaces the random source. fn must return a value in [0,1).
func WithJitter(fn func() float64) Option {
	return func(g *Governor) { g.rand = fn }
}

// WithStart sets the epoch of the burst cooldown. Defaults to the time of the
// first Reserve.
func WithStart(t time.Time) Option {
	return func(g *Governor) { g.reset(t) }
}

// Governor is a sliding-window throttle. It never errors; it only computes
// durations. One instance is shared by every campaign of a sending account.
type Governor struct {
	mu  sync.Mutex
	cfg Config

	rand func() float64

	started    bool
	hour       window
	minute     window
	burstCount int
	lastBurst  time.Time
}

func New(cfg Config, opts ...Option) *Governor {
	g := &Governor{
		cfg:    cfg,
		rand:   rand.Float64,
		hour:   window{span: hourWindow, limit: cfg.PerHourCap},
		minute: window{span: minuteWindow, limit: cfg.PerMinuteCap},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Governor) reset(t time.Time) {
	g.started = true
	g.lastBurst = t
}

// Reserve returns how long the caller must wait before sending message index
// of total. Only one rule fires per call, in priority order hour, minute,
// burst, pacing.
func (g *Governor) Reserve(index, total int, now time.Time) time.Duration {
	d, _ := g.ReserveReason(index, total, now)
	return d
}

// ReserveReason is Reserve plus the rule that produced the wait. A full hour
// or minute window waits until its oldest counted send leaves the window, so
// no sliding span ever holds more than the cap.
func (g *Governor) ReserveReason(index, total int, now time.Time) (time.Duration, Reason) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		g.reset(now)
	}
	g.hour.prune(now)
	g.minute.prune(now)

	if g.hour.full() {
		return g.hour.wait(now), ReasonHour
	}
	if g.minute.full() {
		return g.minute.wait(now), ReasonMinute
	}

	if g.burstCount >= g.cfg.BurstSize {
		elapsed := now.Sub(g.lastBurst)
		g.burstCount = 0
		if elapsed < g.cfg.BurstCooldown {
			return g.cfg.BurstCooldown - elapsed, ReasonBurst
		}
	}

	if index > 0 && total > 0 {
		return g.pacing(index, total), ReasonPacing
	}
	return 0, ReasonNone
}

func (g *Governor) pacing(index, total int) time.Duration {
	progress := float64(index) / float64(total)
	jitter := 1 + 0.3*g.rand()
	d := time.Duration(float64(g.cfg.BaseDelay) * (1 + progress*g.cfg.ProgressFactor) * jitter)
	if d > g.cfg.MaxDelay {
		d = g.cfg.MaxDelay
	}
	return d
}

// RecordSend counts one delivered message against every window and the burst.
// The dispatch loop calls it only after a successful send.
func (g *Governor) RecordSend(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		g.reset(now)
	}
	g.hour.add(now)
	g.minute.add(now)
	g.burstCount++
	if now.After(g.lastBurst) {
		g.lastBurst = now
	}
}

// Counts reports the sends held by each window as of the last call that
// pruned them.
type Counts struct {
	Hour   int
	Minute int
	Burst  int
}

func (g *Governor) Counts() Counts {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Counts{Hour: len(g.hour.times), Minute: len(g.minute.times), Burst: g.burstCount}
}

// window holds the times of the most recent sends inside span, oldest first.
// It never keeps more than limit entries: older ones cannot affect the cap.
type window struct {
	span  time.Duration
	limit int
	times []time.Time
}

func (w *window) prune(now time.Time) {
	i := 0
	for i < len(w.times) && now.Sub(w.times[i]) >= w.span {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

func (w *window) add(t time.Time) {
	// concurrent campaigns may record slightly out of order
	i := sort.Search(len(w.times), func(i int) bool { return w.times[i].After(t) })
	w.times = slices.Insert(w.times, i, t)
	if over := len(w.times) - w.limit; over > 0 {
		w.times = append(w.times[:0], w.times[over:]...)
	}
}

func (w *window) full() bool { return len(w.times) >= w.limit }

func (w *window) wait(now time.Time) time.Duration {
	if len(w.times) == 0 {
		return w.span
	}
	return remaining(w.times[0], w.span, now)
}

func remaining(start time.Time, window time.Duration, now time.Time) time.Duration {
	d := start.Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Registry hands out one Governor per sending account.
type Registry struct {
	mu   sync.Mutex
	cfg  Config
	opts []Option
	byID map[string]*Governor
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{cfg: cfg, opts: opts, byID: map[string]*Governor{}}
}

// For returns the account's governor, creating it on first use. cfg is only
// applied on creation; later campaigns of the same account share its windows.
func (r *Registry) For(accountID string, cfg *Config) *Governor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.byID[accountID]; ok {
		return g
	}
	c := r.cfg
	if cfg != nil {
		c = *cfg
	}
	g := New(c, r.opts...)
	r.byID[accountID] = g
	return g
}
