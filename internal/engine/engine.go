// Package engine runs campaign dispatch loops: one sequential goroutine per
// campaign, paced by the sending account's rate governor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"campaignd/internal/domain"
	"campaignd/internal/governor"
	"campaignd/internal/observability"
	"campaignd/internal/personalize"
	"campaignd/internal/progress"
	"campaignd/internal/retry"
	"campaignd/internal/transport"
)

// Store is the part of the record store the loop writes through.
type Store interface {
	Save(ctx context.Context, c *domain.Campaign) error
	UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus, lastError string) error
}

// Pacer is the rate governor as seen by the loop.
type Pacer interface {
	ReserveReason(index, total int, now time.Time) (time.Duration, governor.Reason)
	RecordSend(now time.Time)
}

type Deps struct {
	Store    Store
	Sender   transport.Sender
	Renderer personalize.Renderer
	Clock    Clock
	Logger   *slog.Logger
	// Governors scopes rate windows per sending account. Created on demand.
	Governors *governor.Registry
	// Pacers overrides Governors when set.
	Pacers func(accountID string, cfg governor.Config) Pacer
	// Progress receives a snapshot after every checkpoint and at the end.
	Progress progress.Sink
	// RetryOptions are passed to every campaign's retry policy.
	RetryOptions []retry.Option
}

type Engine struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	running map[string]*Handle
	wg      sync.WaitGroup
}

func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Sender == nil {
		return nil, errors.New("engine: store and sender are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Renderer == nil {
		deps.Renderer = personalize.New()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Governors == nil {
		deps.Governors = governor.NewRegistry(cfg.Governor)
	}
	if deps.Pacers == nil {
		reg := deps.Governors
		deps.Pacers = func(accountID string, c governor.Config) Pacer { return reg.For(accountID, &c) }
	}
	return &Engine{deps: deps, cfg: cfg.withDefaults(), running: map[string]*Handle{}}, nil
}

// Start validates c and cfg, then dispatches c in the background. The loop
// works on its own copy of c and lives until ctx is cancelled, the handle is
// cancelled or every recipient is resolved. A nil cfg uses the engine's.
func (e *Engine) Start(ctx context.Context, c *domain.Campaign, cfg *Config) (*Handle, error) {
	if c == nil || c.ID == "" {
		return nil, fmt.Errorf("%w: campaign id", domain.ErrMissingFields)
	}
	run := e.cfg
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		run = cfg.withDefaults()
	}
	if c.Status != domain.CampaignPending && c.Status != domain.CampaignSending {
		return nil, fmt.Errorf("%w: campaign is %s", domain.ErrInvalidTransition, c.Status)
	}
	if c.TotalRecipients != len(c.Recipients) {
		return nil, fmt.Errorf("%w: total %d but %d recipients", ErrInvalidConfig, c.TotalRecipients, len(c.Recipients))
	}

	e.mu.Lock()
	if _, ok := e.running[c.ID]; ok {
		e.mu.Unlock()
		return nil, domain.ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{ID: c.ID, cancel: cancel, done: make(chan struct{})}
	e.running[c.ID] = h
	e.wg.Add(1)
	e.mu.Unlock()

	l := &loop{
		deps:   e.deps,
		cfg:    run,
		c:      c.Clone(),
		pacer:  e.deps.Pacers(c.AccountID, run.Governor),
		policy: retry.New(run.Retry, append([]retry.Option{retry.WithClassifier(transport.IsPermanent)}, e.deps.RetryOptions...)...),
		log:    e.deps.Logger.With("campaign_id", c.ID, "account_id", c.AccountID),
	}

	observability.Active.Inc()
	go func() {
		defer e.wg.Done()
		defer observability.Active.Dec()
		defer cancel()

		err := l.run(runCtx)
		observability.Runs.WithLabelValues(string(l.c.Status)).Inc()

		e.mu.Lock()
		delete(e.running, c.ID)
		e.mu.Unlock()
		h.finish(l.c.Clone(), err)
	}()
	return h, nil
}

// Cancel stops a running campaign. It reports whether one was running.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	h, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		h.Cancel()
	}
	return ok
}

func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

// Shutdown cancels every loop and waits for them to persist their state.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, h := range e.running {
		h.Cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Handle struct {
	ID string

	cancel context.CancelFunc
	done   chan struct{}
	err    error
	result *domain.Campaign
}

func (h *Handle) Cancel() { h.cancel() }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is nil until the loop ends, then reports a structural failure or
// domain.ErrCancelled. Per-recipient failures never surface here.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the loop ends and returns its final campaign state.
func (h *Handle) Wait(ctx context.Context) (*domain.Campaign, error) {
	select {
	case <-h.done:
		return h.result.Clone(), h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) finish(result *domain.Campaign, err error) {
	h.result, h.err = result, err
	close(h.done)
}
