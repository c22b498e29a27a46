// Package progress derives progress snapshots from stored campaigns and pushes
// them to subscribers until the campaign reaches a terminal status.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"campaignd/internal/domain"
)

const DefaultInterval = 2 * time.Second

type Sink interface {
	Publish(ctx context.Context, snap domain.ProgressSnapshot) error
}

type SinkFunc func(ctx context.Context, snap domain.ProgressSnapshot) error

func (f SinkFunc) Publish(ctx context.Context, snap domain.ProgressSnapshot) error { return f(ctx, snap) }

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, snap domain.ProgressSnapshot) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Loader interface {
	Load(ctx context.Context, id string) (*domain.Campaign, error)
}

type Reporter struct {
	Store    Loader
	Interval time.Duration
	Logger   *slog.Logger
}

// Poll returns the current snapshot or domain.ErrNotFound.
func (r *Reporter) Poll(ctx context.Context, id string) (domain.ProgressSnapshot, error) {
	c, err := r.Store.Load(ctx, id)
	if err != nil {
		return domain.ProgressSnapshot{}, err
	}
	return domain.SnapshotOf(c), nil
}

type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Cancel stops the subscription. Safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: nil after a terminal snapshot or a
// cancel, domain.ErrNotFound when the campaign disappeared.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the subscription ends or ctx is done.
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe polls id every interval (the reporter default when <= 0) and
// publishes each snapshot to sink. The first terminal snapshot is published
// once and ends the subscription. Storage errors other than not-found are
// logged and retried on the next tick.
func (r *Reporter) Subscribe(ctx context.Context, id string, sink Sink, interval time.Duration) *Subscription {
	if interval <= 0 {
		interval = r.Interval
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer cancel()
		s.err = r.run(ctx, id, sink, interval)
	}()
	return s
}

func (r *Reporter) run(ctx context.Context, id string, sink Sink, interval time.Duration) error {
	log := r.logger().With("campaign_id", id)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap, err := r.Poll(ctx, id)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, domain.ErrNotFound):
			return err
		case err != nil:
			log.Warn("progress poll failed", "err", err)
		default:
			if perr := sink.Publish(ctx, snap); perr != nil && ctx.Err() == nil {
				log.Warn("progress publish failed", "err", perr)
			}
			if snap.Status.Terminal() {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reporter) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
