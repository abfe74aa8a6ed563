// Package deadair supervises call silence: it injects check-in prompts when
// the caller goes quiet, waits longer after "hold on" style utterances,
// ends calls that stay unresponsive, and enforces the maximum call
// duration. Supervision is suspended while a webhook executes so slow
// integrations are not mistaken for a silent caller.
package deadair

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxloop/voxloop/internal/observe"
)

// Phase is the supervisor's view of who holds the floor.
type Phase int

const (
	// PhaseAgentSpeaking means playback is in progress.
	PhaseAgentSpeaking Phase = iota

	// PhaseAwaitingUser means the agent finished and the caller has the
	// floor. The silence clock runs only in this phase.
	PhaseAwaitingUser

	// PhaseUserSpeaking means the caller is talking or the turn is being
	// processed.
	PhaseUserSpeaking
)

// End reasons passed to [Hooks.End].
const (
	EndReasonUnresponsive = "unresponsive"
	EndReasonMaxDuration  = "max_duration"
)

// Defaults applied when the agent's settings leave a knob at zero.
const (
	DefaultSilenceTimeoutNormal = 10 * time.Second
	DefaultSilenceTimeoutHoldOn = 25 * time.Second
	DefaultMaxCheckins          = 2
	DefaultMaxCallDuration      = 25 * time.Minute

	// checkinMinGap is the minimum spacing between two check-ins.
	checkinMinGap = 3 * time.Second

	// tickInterval is how often the supervisor re-evaluates its timers.
	tickInterval = 250 * time.Millisecond
)

// Config tunes a [Supervisor].
type Config struct {
	SilenceTimeoutNormal time.Duration
	SilenceTimeoutHoldOn time.Duration
	MaxCheckins          int
	MaxCallDuration      time.Duration
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.SilenceTimeoutNormal <= 0 {
		c.SilenceTimeoutNormal = DefaultSilenceTimeoutNormal
	}
	if c.SilenceTimeoutHoldOn <= 0 {
		c.SilenceTimeoutHoldOn = DefaultSilenceTimeoutHoldOn
	}
	if c.MaxCheckins <= 0 {
		c.MaxCheckins = DefaultMaxCheckins
	}
	if c.MaxCallDuration <= 0 {
		c.MaxCallDuration = DefaultMaxCallDuration
	}
	return c
}

// Hooks are the supervisor's outbound actions. Both are invoked from the
// supervisor goroutine without internal locks held; they must not block
// for long.
type Hooks struct {
	// Checkin speaks a check-in prompt. count is 1-based.
	Checkin func(ctx context.Context, count int)

	// End terminates the call with the given reason. Called at most once.
	End func(ctx context.Context, reason string)
}

// Supervisor tracks floor state and silence timers for one call.
type Supervisor struct {
	cfg    Config
	hooks  Hooks
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	phase        Phase
	callStart    time.Time
	silenceStart time.Time
	lastCheckin  time.Time
	checkins     int
	holdOn       bool
	suspended    bool
	ended        bool
}

// Option configures a [Supervisor].
type Option func(*Supervisor)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New creates a supervisor in the agent-speaking phase.
func New(cfg Config, hooks Hooks, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:    cfg.withDefaults(),
		hooks:  hooks,
		logger: logger,
		now:    time.Now,
		phase:  PhaseAgentSpeaking,
	}
	for _, o := range opts {
		o(s)
	}
	s.callStart = s.now()
	s.silenceStart = s.callStart
	return s
}

// Run evaluates timers until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate(ctx)
		}
	}
}

// AgentStartedSpeaking marks playback start.
func (s *Supervisor) AgentStartedSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseAgentSpeaking
}

// AgentFinishedSpeaking hands the floor to the caller and starts the
// silence clock.
func (s *Supervisor) AgentFinishedSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseAwaitingUser
	s.silenceStart = s.now()
}

// UserStartedSpeaking stops the silence clock.
func (s *Supervisor) UserStartedSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseUserSpeaking
}

// UserUtterance classifies a final transcript: hold-on phrases stretch
// every silence window until the caller speaks again, and meaningful
// content resets the check-in counter.
// Bare acknowledgments keep the counter so a caller answering every
// check-in with "yeah" still runs out of patience eventually.
func (s *Supervisor) UserUtterance(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseUserSpeaking
	s.holdOn = IsHoldOn(text)
	if IsMeaningful(text) && !s.holdOn {
		s.checkins = 0
	}
}

// Suspend pauses silence supervision, used while a webhook executes.
func (s *Supervisor) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
}

// Resume re-enables supervision and restarts the silence clock.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = false
	s.silenceStart = s.now()
}

// Checkins returns how many check-ins the current silence streak has used.
func (s *Supervisor) Checkins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkins
}

// Evaluate runs one timer pass. Exposed so tests can drive the supervisor
// with a fake clock instead of sleeping.
func (s *Supervisor) Evaluate(ctx context.Context) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	now := s.now()

	if now.Sub(s.callStart) >= s.cfg.MaxCallDuration {
		s.ended = true
		s.mu.Unlock()
		s.logger.Info("max call duration reached, ending call")
		if s.hooks.End != nil {
			s.hooks.End(ctx, EndReasonMaxDuration)
		}
		return
	}

	if s.suspended || s.phase != PhaseAwaitingUser {
		s.mu.Unlock()
		return
	}

	timeout := s.cfg.SilenceTimeoutNormal
	if s.holdOn {
		timeout = s.cfg.SilenceTimeoutHoldOn
	}
	if now.Sub(s.silenceStart) < timeout || now.Sub(s.lastCheckin) < checkinMinGap {
		s.mu.Unlock()
		return
	}

	if s.checkins >= s.cfg.MaxCheckins {
		s.ended = true
		s.mu.Unlock()
		s.logger.Info("caller unresponsive after max check-ins, ending call")
		if s.hooks.End != nil {
			s.hooks.End(ctx, EndReasonUnresponsive)
		}
		return
	}

	s.checkins++
	count := s.checkins
	s.lastCheckin = now
	s.silenceStart = now
	s.mu.Unlock()

	observe.DefaultMetrics().Checkins.Add(ctx, 1)
	s.logger.Debug("injecting dead-air check-in", "count", count)
	if s.hooks.Checkin != nil {
		s.hooks.Checkin(ctx, count)
	}
}
