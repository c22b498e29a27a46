package governor

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func noJitter() float64 { return 0 }

func roomyConfig() Config {
	return Config{
		PerHourCap:     100000,
		PerMinuteCap:   100000,
		BaseDelay:      2 * time.Second,
		MaxDelay:       10 * time.Second,
		BurstSize:      1 << 30,
		BurstCooldown:  time.Minute,
		ProgressFactor: 0.5,
	}
}

func TestFirstMessageIsImmediate(t *testing.T) {
	g := New(roomyConfig(), WithJitter(noJitter))
	if d := g.Reserve(0, 10, t0); d != 0 {
		t.Fatalf("expected 0 wait for first message, got %v", d)
	}
}

func TestPacingGrowsWithProgressAndIsCapped(t *testing.T) {
	cfg := roomyConfig()
	g := New(cfg, WithJitter(noJitter))

	early := g.Reserve(1, 100, t0)
	late := g.Reserve(99, 100, t0)
	if early < cfg.BaseDelay {
		t.Fatalf("expected at least base delay, got %v", early)
	}
	if late <= early {
		t.Fatalf("expected later messages to wait longer: early=%v late=%v", early, late)
	}
	if late > time.Duration(float64(cfg.BaseDelay)*1.5) {
		t.Fatalf("pacing exceeded 1.5x base: %v", late)
	}

	cfg.MaxDelay = 2500 * time.Millisecond
	capped := New(cfg, WithJitter(func() float64 { return 0.99 }))
	if d := capped.Reserve(99, 100, t0); d != cfg.MaxDelay {
		t.Fatalf("expected max delay cap %v, got %v", cfg.MaxDelay, d)
	}
}

func TestJitterStaysInRange(t *testing.T) {
	cfg := roomyConfig()
	cfg.ProgressFactor = 0
	g := New(cfg)
	for i := 1; i < 500; i++ {
		d := g.Reserve(i, 1000, t0)
		if d < cfg.BaseDelay || d >= time.Duration(float64(cfg.BaseDelay)*1.3) {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}

// maxInWindow returns the most sends any half-open span [s, s+span) holds.
func maxInWindow(sends []time.Time, span time.Duration) int {
	most := 0
	for i := range sends {
		end := sends[i].Add(span)
		count := 0
		for j := i; j < len(sends) && sends[j].Before(end); j++ {
			count++
		}
		most = max(most, count)
	}
	return most
}

func drive(g *Governor, n int) []time.Time {
	now := t0
	sends := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		now = now.Add(g.Reserve(i, n, now))
		sends = append(sends, now)
		g.RecordSend(now)
	}
	return sends
}

func TestMinuteCapRespectedOverSlidingWindows(t *testing.T) {
	cfg := roomyConfig()
	cfg.PerMinuteCap = 5

	sources := map[string]func() float64{"none": noJitter, "default": rand.Float64}
	for _, seed := range []uint64{1, 7, 42, 1234, 99991} {
		sources[fmt.Sprintf("seed-%d", seed)] = rand.New(rand.NewPCG(seed, seed*31)).Float64
	}
	for name, src := range sources {
		g := New(cfg, WithJitter(src))
		if got := maxInWindow(drive(g, 1000), time.Minute); got > cfg.PerMinuteCap {
			t.Fatalf("jitter %s: a sliding minute holds %d sends, cap %d", name, got, cfg.PerMinuteCap)
		}
	}

	g := New(cfg)
	if got := maxInWindow(drive(g, 1000), time.Minute); got > cfg.PerMinuteCap {
		t.Fatalf("default source: a sliding minute holds %d sends, cap %d", got, cfg.PerMinuteCap)
	}
}

func TestHourCapRespectedOverSlidingWindows(t *testing.T) {
	cfg := roomyConfig()
	cfg.PerHourCap = 20
	cfg.PerMinuteCap = 5
	for _, seed := range []uint64{3, 11, 2026} {
		g := New(cfg, WithJitter(rand.New(rand.NewPCG(seed, seed+1)).Float64))
		sends := drive(g, 300)
		if got := maxInWindow(sends, time.Hour); got > cfg.PerHourCap {
			t.Fatalf("seed %d: a sliding hour holds %d sends, cap %d", seed, got, cfg.PerHourCap)
		}
		if got := maxInWindow(sends, time.Minute); got > cfg.PerMinuteCap {
			t.Fatalf("seed %d: a sliding minute holds %d sends, cap %d", seed, got, cfg.PerMinuteCap)
		}
	}
}

// Sends clustered at the end of one clock minute must still hold back sends at
// the start of the next.
func TestMinuteCapCountsTrailingSends(t *testing.T) {
	cfg := roomyConfig()
	cfg.PerMinuteCap = 5
	g := New(cfg, WithJitter(noJitter), WithStart(t0))

	for s := 55; s < 60; s++ {
		g.RecordSend(t0.Add(time.Duration(s) * time.Second))
	}
	d, reason := g.ReserveReason(5, 10, t0.Add(61*time.Second))
	if reason != ReasonMinute || d != 54*time.Second {
		t.Fatalf("expected 54s minute wait, got %v (%s)", d, reason)
	}

	// Once the oldest send leaves the window one slot opens.
	if _, reason := g.ReserveReason(5, 10, t0.Add(115*time.Second)); reason != ReasonPacing {
		t.Fatalf("expected pacing after the oldest send expired, got %s", reason)
	}
	if c := g.Counts(); c.Minute != 4 {
		t.Fatalf("expected 4 sends left in the minute window, got %d", c.Minute)
	}
}

func TestHourCapTakesPriority(t *testing.T) {
	cfg := roomyConfig()
	cfg.PerHourCap = 3
	cfg.PerMinuteCap = 3
	g := New(cfg, WithJitter(noJitter), WithStart(t0))

	now := t0
	for i := 0; i < 3; i++ {
		g.RecordSend(now)
		now = now.Add(time.Second)
	}
	d, reason := g.ReserveReason(3, 10, now)
	if reason != ReasonHour {
		t.Fatalf("expected hour cap to win, got %s", reason)
	}
	if want := time.Hour - 3*time.Second; d != want {
		t.Fatalf("expected %v, got %v", want, d)
	}

	// Reserve does not consume a slot, so asking again gives the same answer.
	if d2, _ := g.ReserveReason(3, 10, now); d2 != d {
		t.Fatalf("repeat reserve changed the wait: %v then %v", d, d2)
	}
	if _, reason := g.ReserveReason(3, 10, now.Add(d)); reason != ReasonPacing {
		t.Fatalf("expected pacing once the first send left the hour, got %s", reason)
	}
	if c := g.Counts(); c.Hour != 2 {
		t.Fatalf("expected 2 sends left in the hour window, got %+v", c)
	}
}

func TestMinuteCapWaitsOutWindow(t *testing.T) {
	cfg := roomyConfig()
	cfg.PerMinuteCap = 2
	g := New(cfg, WithJitter(noJitter), WithStart(t0))

	g.RecordSend(t0)
	g.RecordSend(t0.Add(10 * time.Second))
	d, reason := g.ReserveReason(2, 10, t0.Add(20*time.Second))
	if reason != ReasonMinute || d != 40*time.Second {
		t.Fatalf("expected 40s minute wait, got %v (%s)", d, reason)
	}

	// The send at t0 has left the window, so pacing applies again.
	d, reason = g.ReserveReason(2, 10, t0.Add(time.Minute))
	if reason != ReasonPacing {
		t.Fatalf("expected pacing after reset, got %s (%v)", reason, d)
	}
}

func TestBurstCooldown(t *testing.T) {
	cfg := roomyConfig()
	cfg.BaseDelay = 0
	cfg.MaxDelay = 0
	cfg.BurstSize = 3
	cfg.BurstCooldown = 10 * time.Second
	g := New(cfg, WithJitter(noJitter))

	now := t0
	for i := 0; i < 3; i++ {
		now = now.Add(g.Reserve(i, 10, now))
		g.RecordSend(now)
	}

	now = now.Add(time.Second)
	d, reason := g.ReserveReason(3, 10, now)
	if reason != ReasonBurst {
		t.Fatalf("expected burst cooldown, got %s", reason)
	}
	if d < cfg.BurstCooldown-time.Second {
		t.Fatalf("expected wait >= %v, got %v", cfg.BurstCooldown-time.Second, d)
	}
	if c := g.Counts(); c.Burst != 0 {
		t.Fatalf("expected burst counter reset, got %d", c.Burst)
	}

	now = now.Add(d)
	g.RecordSend(now)
	if _, reason := g.ReserveReason(4, 10, now); reason == ReasonBurst {
		t.Fatalf("cooldown re-triggered right after reset")
	}
}

func TestBurstResetsQuietlyAfterIdle(t *testing.T) {
	cfg := roomyConfig()
	cfg.BurstSize = 2
	cfg.BurstCooldown = 5 * time.Second
	g := New(cfg, WithJitter(noJitter))

	g.RecordSend(t0)
	g.RecordSend(t0)
	_, reason := g.ReserveReason(2, 10, t0.Add(time.Minute/2))
	if reason != ReasonPacing {
		t.Fatalf("expected pacing once cooldown elapsed, got %s", reason)
	}
	if c := g.Counts(); c.Burst != 0 {
		t.Fatalf("expected burst counter reset, got %d", c.Burst)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := roomyConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := []func(*Config){
		func(c *Config) { c.PerHourCap = 0 },
		func(c *Config) { c.PerMinuteCap = -1 },
		func(c *Config) { c.BurstSize = 0 },
		func(c *Config) { c.BaseDelay = -time.Second },
		func(c *Config) { c.MaxDelay = time.Millisecond },
		func(c *Config) { c.ProgressFactor = -1 },
	}
	for i, mut := range bad {
		c := roomyConfig()
		mut(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestRegistrySharesPerAccount(t *testing.T) {
	r := NewRegistry(roomyConfig())
	a1 := r.For("acct-a", nil)
	a2 := r.For("acct-a", nil)
	b := r.For("acct-b", nil)
	if a1 != a2 {
		t.Fatalf("expected the same governor for one account")
	}
	if a1 == b {
		t.Fatalf("expected separate governors per account")
	}
	a1.RecordSend(t0)
	if b.Counts().Minute != 0 {
		t.Fatalf("accounts share window state")
	}
}
