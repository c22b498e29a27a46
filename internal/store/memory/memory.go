// Package memory is an in-process campaign store. Records are deep-copied on
// the way in and out so callers never share state with the store.
package memory

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"campaignd/internal/domain"
	"campaignd/internal/store"
)

var errDuplicate = errors.New("campaign already exists")

type Store struct {
	mu   sync.RWMutex
	byID map[string]*domain.Campaign

	// hooks run before the matching operation; a non-nil error aborts it
	saveHook   func(c *domain.Campaign) error
	loadHook   func(id string) error
	updateHook func(id string, status domain.CampaignStatus) error

	saves int
}

func New() *Store {
	return &Store{byID: map[string]*domain.Campaign{}}
}

func (s *Store) Create(ctx context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; ok {
		return store.Wrap("create", errDuplicate)
	}
	s.byID[c.ID] = c.Clone()
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.loadHook != nil {
		if err := s.loadHook(id); err != nil {
			return nil, store.Wrap("load", err)
		}
	}
	c, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) Save(ctx context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveHook != nil {
		if err := s.saveHook(c); err != nil {
			return store.Wrap("save", err)
		}
	}
	if _, ok := s.byID[c.ID]; !ok {
		return domain.ErrNotFound
	}
	s.byID[c.ID] = c.Clone()
	s.saves++
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateHook != nil {
		if err := s.updateHook(id, status); err != nil {
			return store.Wrap("update_status", err)
		}
	}
	c, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := c.Transition(status); err != nil {
		return err
	}
	c.LastError = lastError
	if status.Terminal() && c.CompletedAt == nil {
		now := time.Now().UTC()
		c.CompletedAt = &now
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

func (s *Store) List(ctx context.Context, accountID string, limit int) ([]*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Campaign, 0, len(s.byID))
	for _, c := range s.byID {
		if accountID == "" || c.AccountID == accountID {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Campaign) int {
		if d := b.CreatedAt.Compare(a.CreatedAt); d != 0 {
			return d
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit = store.ClampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// SetSaveHook installs fn to run before every Save. Tests use it to inject
// storage failures.
func (s *Store) SetSaveHook(fn func(c *domain.Campaign) error) {
	s.mu.Lock()
	s.saveHook = fn
	s.mu.Unlock()
}

func (s *Store) SetLoadHook(fn func(id string) error) {
	s.mu.Lock()
	s.loadHook = fn
	s.mu.Unlock()
}

func (s *Store) SetUpdateStatusHook(fn func(id string, status domain.CampaignStatus) error) {
	s.mu.Lock()
	s.updateHook = fn
	s.mu.Unlock()
}

// Saves reports how many Save calls succeeded.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
