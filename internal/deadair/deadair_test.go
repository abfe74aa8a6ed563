package deadair

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a hand-advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu       sync.Mutex
	checkins []int
	endedFor string
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		Checkin: func(_ context.Context, count int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.checkins = append(r.checkins, count)
		},
		End: func(_ context.Context, reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.endedFor = reason
		},
	}
}

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *fakeClock, *recorder) {
	t.Helper()
	clock := newFakeClock()
	rec := &recorder{}
	s := New(cfg, rec.hooks(), nil, WithClock(clock.Now))
	return s, clock, rec
}

func TestIsHoldOn(t *testing.T) {
	positives := []string{
		"hold on",
		"Hang on a second",
		"just a sec, let me grab my card",
		"give me a second",
		"one moment please",
		"holdon", // sloppy transcript
	}
	for _, u := range positives {
		if !IsHoldOn(u) {
			t.Errorf("IsHoldOn(%q) = false, want true", u)
		}
	}

	negatives := []string{
		"yes that works for me",
		"what is the price",
		"",
	}
	for _, u := range negatives {
		if IsHoldOn(u) {
			t.Errorf("IsHoldOn(%q) = true, want false", u)
		}
	}
}

func TestIsMeaningful(t *testing.T) {
	if IsMeaningful("yeah") || IsMeaningful("uh huh") || IsMeaningful("ok okay") {
		t.Error("bare acknowledgments must not count as meaningful")
	}
	if !IsMeaningful("yeah the budget is fine") {
		t.Error("content beyond acknowledgment must count as meaningful")
	}
	if IsMeaningful("   ") {
		t.Error("blank input is not meaningful")
	}
}

func TestSupervisor_ChecksInAfterNormalTimeout(t *testing.T) {
	cfg := Config{SilenceTimeoutNormal: 10 * time.Second, MaxCheckins: 2}
	s, clock, rec := newTestSupervisor(t, cfg)
	ctx := context.Background()

	s.AgentFinishedSpeaking()
	clock.Advance(9 * time.Second)
	s.Evaluate(ctx)
	if len(rec.checkins) != 0 {
		t.Fatal("check-in fired before the silence timeout")
	}

	clock.Advance(2 * time.Second)
	s.Evaluate(ctx)
	if len(rec.checkins) != 1 || rec.checkins[0] != 1 {
		t.Fatalf("expected first check-in, got %v", rec.checkins)
	}
}

func TestSupervisor_HoldOnStretchesWindow(t *testing.T) {
	cfg := Config{SilenceTimeoutNormal: 10 * time.Second, SilenceTimeoutHoldOn: 25 * time.Second}
	s, clock, rec := newTestSupervisor(t, cfg)
	ctx := context.Background()

	s.UserUtterance("hang on, let me check")
	s.AgentFinishedSpeaking()

	clock.Advance(15 * time.Second)
	s.Evaluate(ctx)
	if len(rec.checkins) != 0 {
		t.Fatal("hold-on window must exceed the normal timeout")
	}

	clock.Advance(11 * time.Second)
	s.Evaluate(ctx)
	if len(rec.checkins) != 1 {
		t.Fatalf("expected check-in after hold-on window, got %v", rec.checkins)
	}
}

func TestSupervisor_HoldOnWindowSurvivesCheckins(t *testing.T) {
	cfg := Config{
		SilenceTimeoutNormal: 7 * time.Second,
		SilenceTimeoutHoldOn: 25 * time.Second,
		MaxCheckins:          2,
	}
	s, clock, rec := newTestSupervisor(t, cfg)
	ctx := context.Background()

	s.UserUtterance("hold on, let me find my card")
	s.AgentFinishedSpeaking()

	clock.Advance(25 * time.Second)
	s.Evaluate(ctx)
	if len(rec.checkins) != 1 {
		t.Fatalf("expected first check-in at the hold-on window, got %v", rec.checkins)
	}

	// 7s after the first check-in the normal window has elapsed, but the
	// caller asked to hold and has not spoken since.
	clock.Advance(7 * time.Second)
	s.Evaluate(ctx)
	if len(rec.checkins) != 1 {
		t.Fatalf("check-in fired on the normal window during a hold-on streak, got %v", rec.checkins)
	}

	clock.Advance(18 * time.Second)
	s.Evaluate(ctx)
	if len(rec.checkins) != 2 {
		t.Fatalf("expected second check-in one hold-on window later, got %v", rec.checkins)
	}

	clock.Advance(25 * time.Second)
	s.Evaluate(ctx)
	if rec.endedFor != EndReasonUnresponsive {
		t.Errorf("expected unresponsive end after max check-ins, got %q", rec.endedFor)
	}

	// Speaking again drops the stretched window.
	s2, clock2, rec2 := newTestSupervisor(t, cfg)
	s2.UserUtterance("hang on a second")
	s2.AgentFinishedSpeaking()
	clock2.Advance(25 * time.Second)
	s2.Evaluate(ctx)
	s2.UserUtterance("okay I'm back, the card number is ready")
	s2.AgentFinishedSpeaking()
	clock2.Advance(8 * time.Second)
	s2.Evaluate(ctx)
	if len(rec2.checkins) != 2 {
		t.Errorf("normal window must apply again after the caller returns, got %v", rec2.checkins)
	}
}

func TestSupervisor_SilenceClockOnlyRunsAwaitingUser(t *testing.T) {
	cfg := Config{SilenceTimeoutNormal: 5 * time.Second}
	s, clock, rec := newTestSupervisor(t, cfg)
	ctx := context.Background()

	// Agent speaking: no clock.
	clock.Advance(time.Minute)
	s.Evaluate(ctx)

	// Caller speaking: no clock.
	s.UserStartedSpeaking()
	clock.Advance(time.Minute)
	s.Evaluate(ctx)

	if len(rec.checkins) != 0 {
		t.Fatalf("check-ins outside awaiting-user phase: %v", rec.checkins)
	}
}

func TestSupervisor_MeaningfulResponseResetsCount(t *testing.T) {
	cfg := Config{SilenceTimeoutNormal: 5 * time.Second, MaxCheckins: 2}
	s, clock, rec := newTestSupervisor(t, cfg)
	ctx := context.Background()

	s.AgentFinishedSpeaking()
	clock.Advance(6 * time.Second)
	s.Evaluate(ctx)

	s.UserUtterance("sorry, I was grabbing my statement")
	if got := s.Checkins(); got != 0 {
		t.Errorf("meaningful response must reset the counter, got %d", got)
	}

	// An acknowledgment-only answer keeps the count.
	s.AgentFinishedSpeaking()
	clock.Advance(6 * time.Second)
	s.Evaluate(ctx)
	s.UserUtterance("yeah")
	if got := s.Checkins(); got != 1 {
		t.Errorf("acknowledgment must keep the counter, got %d", got)
	}
	_ = rec
}

func TestSupervisor_EndsAfterMaxCheckinsPlusOneWindow(t *testing.T) {
	cfg := Config{SilenceTimeoutNormal: 5 * time.Second, MaxCheckins: 2}
	s, clock, rec := newTestSupervisor(t, cfg)
	ctx := context.Background()

	s.AgentFinishedSpeaking()
	for i := 0; i < 2; i++ {
		clock.Advance(6 * time.Second)
		s.Evaluate(ctx)
	}
	if len(rec.checkins) != 2 || rec.endedFor != "" {
		t.Fatalf("expected two check-ins and no end yet, got %v / %q", rec.checkins, rec.endedFor)
	}

	clock.Advance(6 * time.Second)
	s.Evaluate(ctx)
	if rec.endedFor != EndReasonUnresponsive {
		t.Errorf("expected unresponsive end after one more silent window, got %q", rec.endedFor)
	}

	// Once ended, nothing more fires.
	clock.Advance(time.Minute)
	s.Evaluate(ctx)
	if len(rec.checkins) != 2 {
		t.Errorf("supervisor must stay quiet after ending, got %v", rec.checkins)
	}
}

func TestSupervisor_RateLimitBetweenCheckins(t *testing.T) {
	cfg := Config{SilenceTimeoutNormal: time.Second, MaxCheckins: 5}
	s, clock, rec := newTestSupervisor(t, cfg)
	ctx := context.Background()

	s.AgentFinishedSpeaking()
	clock.Advance(1500 * time.Millisecond)
	s.Evaluate(ctx)
	clock.Advance(1500 * time.Millisecond)
	s.Evaluate(ctx)
	if len(rec.checkins) != 1 {
		t.Fatalf("second check-in must wait out the minimum gap, got %v", rec.checkins)
	}

	clock.Advance(2 * time.Second)
	s.Evaluate(ctx)
	if len(rec.checkins) != 2 {
		t.Errorf("expected second check-in after the gap, got %v", rec.checkins)
	}
}

func TestSupervisor_SuspendedDuringWebhook(t *testing.T) {
	cfg := Config{SilenceTimeoutNormal: 5 * time.Second}
	s, clock, rec := newTestSupervisor(t, cfg)
	ctx := context.Background()

	s.AgentFinishedSpeaking()
	s.Suspend()
	clock.Advance(time.Minute)
	s.Evaluate(ctx)
	if len(rec.checkins) != 0 {
		t.Fatal("suspended supervisor must not check in")
	}

	s.Resume()
	s.Evaluate(ctx)
	if len(rec.checkins) != 0 {
		t.Fatal("resume must restart the silence clock, not fire immediately")
	}

	clock.Advance(6 * time.Second)
	s.Evaluate(ctx)
	if len(rec.checkins) != 1 {
		t.Errorf("expected check-in one window after resume, got %v", rec.checkins)
	}
}

func TestSupervisor_MaxCallDuration(t *testing.T) {
	cfg := Config{MaxCallDuration: 25 * time.Minute}
	s, clock, rec := newTestSupervisor(t, cfg)
	ctx := context.Background()

	// Even mid-conversation the hard cap applies.
	s.UserStartedSpeaking()
	clock.Advance(25 * time.Minute)
	s.Evaluate(ctx)
	if rec.endedFor != EndReasonMaxDuration {
		t.Errorf("expected max-duration end, got %q", rec.endedFor)
	}
}
