package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campaignd/internal/domain"
	"campaignd/internal/engine"
	"campaignd/internal/progress"
	"campaignd/internal/store"
)

type Dispatcher interface {
	Start(ctx context.Context, c *domain.Campaign, cfg *engine.Config) (*engine.Handle, error)
	Cancel(id string) bool
	Running(id string) bool
}

type CampaignService struct {
	Store    store.Store
	Engine   Dispatcher
	Reporter *progress.Reporter
	// RunCtx bounds every dispatch loop; request contexts end with the request.
	RunCtx context.Context
}

func (s *CampaignService) Create(ctx context.Context, req domain.CreateCampaignRequest, id string, now time.Time) (domain.CreateResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.CreateResponse{}, err
	}
	if req.Template.Format == "" {
		req.Template.Format = domain.FormatText
	}
	c := domain.NewCampaign(id, req.AccountID, req.Template, req.Outcomes(), now)
	if err := s.Store.Create(ctx, c); err != nil {
		return domain.CreateResponse{}, err
	}
	return domain.CreateResponse{CampaignID: c.ID, Status: string(c.Status), Total: c.TotalRecipients}, nil
}

// Send starts dispatching a pending campaign and returns without waiting.
func (s *CampaignService) Send(ctx context.Context, id string) (domain.ProgressSnapshot, error) {
	c, err := s.Store.Load(ctx, id)
	if err != nil {
		return domain.ProgressSnapshot{}, err
	}
	if c.Status != domain.CampaignPending {
		if s.Engine.Running(id) {
			return domain.ProgressSnapshot{}, domain.ErrAlreadyRunning
		}
		return domain.ProgressSnapshot{}, fmt.Errorf("%w: campaign is %s", domain.ErrInvalidTransition, c.Status)
	}
	runCtx := s.RunCtx
	if runCtx == nil {
		runCtx = context.WithoutCancel(ctx)
	}
	if _, err := s.Engine.Start(runCtx, c, nil); err != nil {
		return domain.ProgressSnapshot{}, err
	}
	snap := domain.SnapshotOf(c)
	snap.Status = domain.CampaignSending
	return snap, nil
}

func (s *CampaignService) Cancel(ctx context.Context, id string) error {
	if s.Engine.Cancel(id) {
		return nil
	}
	if _, err := s.Store.Load(ctx, id); err != nil {
		return err
	}
	return domain.ErrNotRunning
}

func (s *CampaignService) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.Store.Load(ctx, id)
}

func (s *CampaignService) List(ctx context.Context, accountID string, limit int) ([]*domain.Campaign, error) {
	return s.Store.List(ctx, accountID, limit)
}

func (s *CampaignService) Progress(ctx context.Context, id string) (domain.ProgressSnapshot, error) {
	return s.Reporter.Poll(ctx, id)
}

// Subscribe streams progress for id to sink until the campaign is terminal.
func (s *CampaignService) Subscribe(ctx context.Context, id string, sink progress.Sink, interval time.Duration) *progress.Subscription {
	return s.Reporter.Subscribe(ctx, id, sink, interval)
}

// Delete removes a campaign unless it is being dispatched.
func (s *CampaignService) Delete(ctx context.Context, id string) error {
	if s.Engine.Running(id) {
		return domain.ErrCampaignRunning
	}
	c, err := s.Store.Load(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == domain.CampaignSending {
		return domain.ErrCampaignRunning
	}
	return s.Store.Delete(ctx, id)
}

// IsClientError reports whether err is the caller's fault rather than a
// dependency failure.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrMissingFields) || errors.Is(err, domain.ErrNoRecipients)
}
