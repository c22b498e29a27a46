// Package store defines the campaign record store. Backends live in the
// memory, pg and sqlite subpackages.
package store

import (
	"context"
	"errors"
	"fmt"

	"campaignd/internal/domain"
)

type Store interface {
	Create(ctx context.Context, c *domain.Campaign) error
	Load(ctx context.Context, id string) (*domain.Campaign, error)
	// Save overwrites the full record, outcomes and counters included.
	Save(ctx context.Context, c *domain.Campaign) error
	// UpdateStatus atomically sets status and last error if the stored status
	// may transition to status.
	UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus, lastError string) error
	Delete(ctx context.Context, id string) error
	// List returns the newest campaigns first. An empty accountID lists all.
	List(ctx context.Context, accountID string, limit int) ([]*domain.Campaign, error)
	Ping(ctx context.Context) error
	Close() error
}

// Error is a storage failure other than a missing record.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil for nil and passes domain sentinel errors through
// unchanged; anything else becomes an *Error.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

const DefaultListLimit = 50

const MaxListLimit = 500

func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
