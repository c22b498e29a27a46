package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"campaignd/internal/domain"
	"campaignd/internal/governor"
	"campaignd/internal/observability"
	"campaignd/internal/personalize"
	"campaignd/internal/retry"
	"campaignd/internal/transport"
)

type loop struct {
	deps   Deps
	cfg    Config
	c      *domain.Campaign
	pacer  Pacer
	policy *retry.Policy
	log    *slog.Logger
}

// run owns l.c until it returns. The returned error is nil for a completed
// campaign, domain.ErrCancelled after a cancel, or the structural failure.
func (l *loop) run(ctx context.Context) error {
	c := l.c
	now := l.deps.Clock.Now()
	if c.Status == domain.CampaignPending {
		_ = c.Transition(domain.CampaignSending)
	}
	if c.StartedAt == nil {
		c.StartedAt = &now
	}
	// a campaign with nothing left to send goes straight to the final save
	if c.Processed() < c.TotalRecipients {
		if err := l.save(ctx, c); err != nil {
			l.log.Error("campaign start failed", "err", err)
			l.abort(ctx, fmt.Sprintf("start: %v", err))
			return err
		}
	}
	l.log.Info("campaign dispatch started", "total", c.TotalRecipients, "processed", c.Processed())

	total := len(c.Recipients)
	sinceCheckpoint := 0
	for i := range c.Recipients {
		r := &c.Recipients[i]
		if r.Resolved() {
			continue
		}
		if ctx.Err() != nil {
			return l.cancelled(ctx)
		}

		wait, reason := l.pacer.ReserveReason(i, total, l.deps.Clock.Now())
		observability.GovernorWait.WithLabelValues(string(reason)).Observe(wait.Seconds())
		if wait > 0 && reason != governor.ReasonPacing {
			l.log.Info("rate governor wait", "reason", reason, "wait", wait, "index", i)
		}
		if err := l.deps.Clock.Sleep(ctx, wait); err != nil {
			return l.cancelled(ctx)
		}

		attempts, err := l.deliver(ctx, r)
		if errors.Is(err, domain.ErrCancelled) {
			return l.cancelled(ctx)
		}
		at := l.deps.Clock.Now()
		if err != nil {
			_ = r.MarkFailed(err.Error(), attempts)
			c.FailedCount++
			l.log.Warn("recipient failed", "recipient", r.Address, "attempt", attempts, "err", err)
		} else {
			_ = r.MarkSent(at, attempts)
			c.SuccessCount++
			// only delivered messages consume a governor slot
			l.pacer.RecordSend(at)
		}

		// the last recipient is persisted by the final save
		sinceCheckpoint++
		if sinceCheckpoint >= l.cfg.CheckpointEvery && c.Processed() < c.TotalRecipients {
			sinceCheckpoint = 0
			l.checkpoint(ctx)
		}
	}

	return l.complete(ctx)
}

// deliver renders and sends to one recipient, retrying per policy. It returns
// the number of attempts made and the last error.
func (l *loop) deliver(ctx context.Context, r *domain.RecipientOutcome) (int, error) {
	vars := personalize.MergeVars(l.c.Template.Defaults, r.Variables, r.Address, r.DisplayName)
	unsubscribe := ""
	if l.cfg.Unsubscribe != "" {
		// recipient data lands in a URL and a raw header line
		uv := make(map[string]string, len(vars)+1)
		for k, v := range vars {
			uv[k] = url.QueryEscape(v)
		}
		uv["campaign_id"] = url.QueryEscape(l.c.ID)
		unsubscribe = personalize.Substitute(l.cfg.Unsubscribe, uv)
	}
	headers := transport.Headers(l.c.ID, unsubscribe)

	for retries := 0; ; retries++ {
		attempt := retries + 1
		err := l.attempt(ctx, r, vars, headers)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, domain.ErrCancelled
		}
		act := l.policy.Next(retries, err)
		if !act.Retry {
			return attempt, err
		}
		observability.Retries.Inc()
		l.log.Debug("retrying send", "recipient", r.Address, "attempt", attempt, "delay", act.Delay, "err", err)
		if err := l.deps.Clock.Sleep(ctx, act.Delay); err != nil {
			return attempt, domain.ErrCancelled
		}
	}
}

func (l *loop) attempt(ctx context.Context, r *domain.RecipientOutcome, vars, headers map[string]string) error {
	out, err := l.deps.Renderer.Render(l.c.Template, vars)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return l.deps.Sender.Send(ctx, transport.Message{
		To:      r.Address,
		Name:    r.DisplayName,
		Subject: out.Subject,
		Text:    out.Text,
		HTML:    out.HTML,
		Headers: headers,
	})
}

// checkpoint failures are logged and swallowed; in-memory state stays the
// source of truth until the next one.
func (l *loop) checkpoint(ctx context.Context) {
	if err := l.save(ctx, l.c); err != nil {
		observability.Checkpoints.WithLabelValues("error").Inc()
		l.log.Warn("checkpoint failed", "processed", l.c.Processed(), "err", err)
		return
	}
	observability.Checkpoints.WithLabelValues("ok").Inc()
	l.publish(ctx)
}

func (l *loop) complete(ctx context.Context) error {
	c := l.c
	now := l.deps.Clock.Now()
	final := c.Clone()
	_ = final.Transition(domain.CampaignCompleted)
	final.CompletedAt = &now
	if err := l.save(ctx, final); err != nil {
		l.log.Error("final save failed", "err", err)
		l.abort(ctx, fmt.Sprintf("final save: %v", err))
		return err
	}
	l.c = final
	l.log.Info("campaign completed", "sent", final.SuccessCount, "failed", final.FailedCount, "total", final.TotalRecipients)
	l.publish(ctx)
	return nil
}

func (l *loop) cancelled(ctx context.Context) error {
	l.log.Info("campaign cancelled", "processed", l.c.Processed(), "total", l.c.TotalRecipients)
	l.abort(ctx, domain.ErrCancelled.Error())
	return domain.ErrCancelled
}

// abort marks the campaign failed and makes a best-effort attempt to persist
// it: the full record first, then just the status.
func (l *loop) abort(ctx context.Context, reason string) {
	c := l.c
	now := l.deps.Clock.Now()
	_ = c.Transition(domain.CampaignFailed)
	c.LastError = reason
	c.CompletedAt = &now
	if err := l.save(ctx, c); err == nil {
		l.publish(ctx)
		return
	}
	sctx, cancel := l.saveCtx(ctx)
	defer cancel()
	if err := l.deps.Store.UpdateStatus(sctx, c.ID, domain.CampaignFailed, reason); err != nil {
		l.log.Error("could not record failed status", "err", err)
		return
	}
	l.publish(ctx)
}

// save writes a copy of c. Writes outlive cancellation of the loop context so
// a cancelled campaign can still record where it stopped.
func (l *loop) save(ctx context.Context, c *domain.Campaign) error {
	sctx, cancel := l.saveCtx(ctx)
	defer cancel()
	return l.deps.Store.Save(sctx, c.Clone())
}

func (l *loop) saveCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.cfg.SaveTimeout)
}

func (l *loop) publish(ctx context.Context) {
	if l.deps.Progress == nil {
		return
	}
	pctx, cancel := l.saveCtx(ctx)
	defer cancel()
	if err := l.deps.Progress.Publish(pctx, domain.SnapshotOf(l.c)); err != nil {
		l.log.Warn("progress publish failed", "err", err)
	}
}
