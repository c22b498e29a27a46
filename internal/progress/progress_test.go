package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"campaignd/internal/domain"
)

// scriptedLoader returns the campaigns in order, repeating the last one.
type scriptedLoader struct {
	mu    sync.Mutex
	steps []*domain.Campaign
	errs  []error
	calls int
}

func (l *scriptedLoader) Load(ctx context.Context, id string) (*domain.Campaign, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.calls
	l.calls++
	if i < len(l.errs) && l.errs[i] != nil {
		return nil, l.errs[i]
	}
	if i >= len(l.steps) {
		i = len(l.steps) - 1
	}
	return l.steps[i].Clone(), nil
}

func (l *scriptedLoader) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []domain.ProgressSnapshot
}

func (s *recordingSink) Publish(ctx context.Context, snap domain.ProgressSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *recordingSink) all() []domain.ProgressSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProgressSnapshot(nil), s.snaps...)
}

func campaignAt(status domain.CampaignStatus, sent int) *domain.Campaign {
	return &domain.Campaign{ID: "c1", Status: status, SuccessCount: sent, TotalRecipients: 4}
}

func TestPollNotFound(t *testing.T) {
	r := &Reporter{Store: &scriptedLoader{errs: []error{domain.ErrNotFound}}}
	if _, err := r.Poll(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscribeStopsAfterOneTerminalSnapshot(t *testing.T) {
	loader := &scriptedLoader{steps: []*domain.Campaign{
		campaignAt(domain.CampaignSending, 1),
		campaignAt(domain.CampaignSending, 2),
		campaignAt(domain.CampaignCompleted, 4),
	}}
	sink := &recordingSink{}
	r := &Reporter{Store: loader}

	sub := r.Subscribe(context.Background(), "c1", sink, 5*time.Millisecond)
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not stop after terminal status")
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// several more ticks would have elapsed had the loop kept running
	time.Sleep(30 * time.Millisecond)
	snaps := sink.all()
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d: %+v", len(snaps), snaps)
	}
	last := snaps[len(snaps)-1]
	if last.Status != domain.CampaignCompleted || last.Percent != 100 {
		t.Fatalf("unexpected final snapshot %+v", last)
	}
	if loader.Calls() != 3 {
		t.Fatalf("expected polling to stop, got %d loads", loader.Calls())
	}
}

func TestSubscribeRetriesTransientErrors(t *testing.T) {
	loader := &scriptedLoader{
		steps: []*domain.Campaign{campaignAt(domain.CampaignCompleted, 4)},
		errs:  []error{errors.New("connection refused")},
	}
	sink := &recordingSink{}
	sub := (&Reporter{Store: loader}).Subscribe(context.Background(), "c1", sink, 5*time.Millisecond)
	if err := sub.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(sink.all()); n != 1 {
		t.Fatalf("expected one snapshot after recovering, got %d", n)
	}
}

func TestSubscribeEndsOnNotFound(t *testing.T) {
	sub := (&Reporter{Store: &scriptedLoader{errs: []error{domain.ErrNotFound}}}).
		Subscribe(context.Background(), "gone", &recordingSink{}, 5*time.Millisecond)
	if err := sub.Wait(context.Background()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelStopsCleanly(t *testing.T) {
	loader := &scriptedLoader{steps: []*domain.Campaign{campaignAt(domain.CampaignSending, 1)}}
	sink := &recordingSink{}
	sub := (&Reporter{Store: loader}).Subscribe(context.Background(), "c1", sink, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	sub.Cancel()
	sub.Cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("cancel did not stop the subscription")
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("cancel must not surface an error, got %v", err)
	}
	n := len(sink.all())
	time.Sleep(20 * time.Millisecond)
	if len(sink.all()) != n {
		t.Fatalf("sink invoked after cancel")
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	var hits int
	ok := SinkFunc(func(context.Context, domain.ProgressSnapshot) error { hits++; return nil })
	bad := SinkFunc(func(context.Context, domain.ProgressSnapshot) error { hits++; return errors.New("queue down") })
	err := Fanout{ok, nil, bad}.Publish(context.Background(), domain.ProgressSnapshot{})
	if err == nil || hits != 2 {
		t.Fatalf("expected both sinks invoked and an error, hits=%d err=%v", hits, err)
	}
}
