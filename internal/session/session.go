// Package session owns the lifecycle of live calls: one Session per call
// wires the STT stream, turn orchestrator, barge-in and dead-air
// supervisors together, persists cross-worker state after every turn, and
// tears everything down on hangup. The Manager tracks sessions per worker
// and reconstructs state for calls created elsewhere.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxloop/voxloop/internal/bargein"
	"github.com/voxloop/voxloop/internal/deadair"
	"github.com/voxloop/voxloop/internal/flow"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/player"
	"github.com/voxloop/voxloop/internal/store"
	"github.com/voxloop/voxloop/internal/telephony"
	"github.com/voxloop/voxloop/internal/turn"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/types"
)

// webhookFlagTTL bounds how long the executing-webhook flag can outlive a
// crashed worker.
const webhookFlagTTL = time.Minute

// Session is one live call on this worker.
type Session struct {
	CallID string

	agent  *flow.Agent
	state  *flow.State
	orch   *turn.Orchestrator
	silent *deadair.Supervisor
	barge  *bargein.Supervisor
	player *player.Player
	tel    telephony.Client
	store  store.Store
	recon  *Reconnector
	summer Summariser
	logger *slog.Logger

	sttMu sync.Mutex
	stt   stt.SessionHandle

	from, to  string
	startedAt time.Time
	ttl       time.Duration

	cancel     context.CancelFunc
	closeOnce  sync.Once
	onClose    func(callID string)
	pendingEnd atomic.Bool
	speaking   atomic.Bool
	closed     atomic.Bool
}

// handle returns the current STT stream.
func (s *Session) handle() stt.SessionHandle {
	s.sttMu.Lock()
	defer s.sttMu.Unlock()
	return s.stt
}

// setHandle swaps in a reconnected STT stream.
func (s *Session) setHandle(h stt.SessionHandle) {
	s.sttMu.Lock()
	s.stt = h
	s.sttMu.Unlock()
}

// Run consumes the STT streams until the session closes, reopening the
// stream when the provider drops it mid-call. Blocks; callers run it in its
// own goroutine.
func (s *Session) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.silent.Run(ctx)

	for {
		if s.consume(ctx) {
			return
		}
		if s.recon == nil {
			return
		}
		handle, err := s.recon.Reconnect(ctx)
		if err != nil {
			s.logger.Error("stt stream lost for good, ending call", "error", err)
			s.hangup(ctx)
			return
		}
		s.setHandle(handle)
	}
}

// consume drains one STT stream until it closes. Returns true when the
// session itself is done rather than just the stream.
func (s *Session) consume(ctx context.Context) bool {
	handle := s.handle()
	partials := handle.Partials()
	finals := handle.Finals()
	speech := handle.Speech()

	for {
		select {
		case <-ctx.Done():
			return true
		case _, ok := <-partials:
			// Partials only prove liveness; history gets finals.
			if !ok {
				partials = nil
			}
		case ev, ok := <-speech:
			if !ok {
				speech = nil
				continue
			}
			s.handleSpeech(ctx, ev)
		case tr, ok := <-finals:
			if !ok {
				return s.closed.Load()
			}
			if tr.Text != "" {
				go s.handleFinal(ctx, tr.Text)
			}
		}
	}
}

// SendAudio forwards a carrier media frame into the STT stream.
func (s *Session) SendAudio(chunk []byte) error {
	return s.handle().SendAudio(chunk)
}

// handleSpeech reacts to voice-activity events: speech during agent
// playback is a barge-in.
func (s *Session) handleSpeech(ctx context.Context, ev types.SpeechEvent) {
	switch ev.Kind {
	case types.SpeechStart:
		s.silent.UserStartedSpeaking()
		if s.speaking.Load() {
			s.barge.Interrupt(ctx, s.CallID)
			s.speaking.Store(false)
		}
	case types.SpeechEnd:
		// The final transcript drives the turn; nothing to do here.
	}
}

// handleFinal runs one user turn.
func (s *Session) handleFinal(ctx context.Context, text string) {
	s.silent.UserUtterance(text)

	result, err := s.orch.Respond(ctx, text)
	if err != nil {
		s.logger.Error("turn failed", "call_id", s.CallID, "error", err)
		return
	}
	s.speaking.Store(true)
	s.silent.AgentStartedSpeaking()
	s.persist(ctx)
	s.applyResult(ctx, result)
}

// HandleDigit runs a DTMF press through the flow.
func (s *Session) HandleDigit(ctx context.Context, digit string) {
	result, err := s.orch.RespondDigit(ctx, digit)
	if err != nil {
		s.logger.Warn("digit handling failed", "call_id", s.CallID, "digit", digit, "error", err)
		return
	}
	s.speaking.Store(true)
	s.silent.AgentStartedSpeaking()
	s.persist(ctx)
	s.applyResult(ctx, result)
}

// HandlePlaybackEnded processes a carrier playback-finished webhook.
func (s *Session) HandlePlaybackEnded(ctx context.Context, playbackID string) {
	remaining, err := s.player.PlaybackEnded(ctx, s.CallID, playbackID)
	if err != nil {
		s.logger.Warn("playback bookkeeping failed", "call_id", s.CallID, "error", err)
		return
	}
	if remaining > 0 {
		return
	}
	s.speaking.Store(false)
	s.silent.AgentFinishedSpeaking()
	if s.pendingEnd.Load() {
		s.hangup(ctx)
	}
}

// Greet speaks the opening line and arms supervision.
func (s *Session) Greet(ctx context.Context) {
	if err := s.orch.Greet(ctx); err != nil {
		s.logger.Error("greeting failed", "call_id", s.CallID, "error", err)
	}
	if len(s.state.History) > 0 {
		s.speaking.Store(true)
		s.silent.AgentStartedSpeaking()
	} else {
		// Caller speaks first; the silence clock starts immediately so a
		// mute caller still gets the silence greeting.
		s.silent.AgentFinishedSpeaking()
	}
	s.persist(ctx)
}

// applyResult executes the call-control consequences of a turn.
func (s *Session) applyResult(ctx context.Context, result *turn.Result) {
	if result.SMS != nil {
		// Outbound SMS goes through the backend's messaging pipeline, not
		// call control; record it for the post-call webhook.
		s.logger.Info("sms requested", "call_id", s.CallID, "to", result.SMS.To)
	}
	if result.Transfer != nil {
		target := s.state.TransferTarget
		if err := s.tel.Transfer(ctx, s.CallID, telephony.TransferRequest{To: target}); err != nil {
			s.logger.Error("transfer failed", "call_id", s.CallID, "target", target, "error", err)
		}
		return
	}
	if result.EndCall {
		// The farewell is still queued on the carrier; hang up once the
		// last playback drains.
		s.pendingEnd.Store(true)
	}
}

// checkinHook is the dead-air supervisor's prompt action.
func (s *Session) checkinHook(ctx context.Context, count int) {
	s.orch.Checkin(ctx, count)
	s.speaking.Store(true)
	s.silent.AgentStartedSpeaking()
	s.persist(ctx)
}

// endHook is the dead-air supervisor's termination action.
func (s *Session) endHook(ctx context.Context, reason string) {
	s.logger.Info("supervisor ending call", "call_id", s.CallID, "reason", reason)
	s.hangup(ctx)
}

// hangup tears the call down at the carrier and closes the session.
func (s *Session) hangup(ctx context.Context) {
	if err := s.tel.Hangup(ctx, s.CallID); err != nil {
		s.logger.Warn("hangup failed", "call_id", s.CallID, "error", err)
	}
	s.Close(ctx)
}

// persist writes the session record for cross-worker pickup.
func (s *Session) persist(ctx context.Context) {
	rec := snapshotRecord(s.state, s.agent, s.from, s.to, s.startedAt)
	fields, err := rec.Fields()
	if err != nil {
		s.logger.Error("session snapshot failed", "call_id", s.CallID, "error", err)
		return
	}
	if err := s.store.UpdateSession(ctx, s.CallID, fields, s.recordTTL()); err != nil {
		s.logger.Warn("session persist failed", "call_id", s.CallID, "error", err)
	}
}

// recordTTL is the configured record lifetime, defaulting to
// DefaultRecordTTL.
func (s *Session) recordTTL() time.Duration {
	if s.ttl > 0 {
		return s.ttl
	}
	return DefaultRecordTTL
}

// Close releases the session's resources and removes the call's
// cross-worker state. Safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := s.handle().Close(); err != nil {
			s.logger.Debug("stt close", "call_id", s.CallID, "error", err)
		}
		_ = s.store.SetClear(ctx, store.PlaybacksKey(s.CallID))
		_ = s.store.DeleteFlag(ctx, store.FlagKey(s.CallID, turn.WebhookFlagName))
		_ = s.store.DeleteFlag(ctx, store.ReadyKey(s.CallID))
		observe.DefaultMetrics().ActiveCalls.Add(ctx, -1)
		if s.cancel != nil {
			s.cancel()
		}
		if s.onClose != nil {
			s.onClose(s.CallID)
		}
		if s.summer != nil && len(s.state.History) > 0 {
			go s.finalize(context.WithoutCancel(ctx))
		} else {
			s.dropRecord(ctx)
		}
	})
}

// finalize summarises the finished call and then drops its record.
func (s *Session) finalize(ctx context.Context) {
	s.summarise(ctx)
	s.dropRecord(ctx)
}

// dropRecord removes the call's cross-worker session record.
func (s *Session) dropRecord(ctx context.Context) {
	if err := s.store.DeleteSession(ctx, s.CallID); err != nil {
		s.logger.Warn("session record delete failed", "call_id", s.CallID, "error", err)
	}
}

// summarise stores a post-call summary under its own key, where the
// post-call reporting pipeline picks it up after the session record is
// gone.
func (s *Session) summarise(ctx context.Context) {
	summary, err := s.summer.Summarise(ctx, s.state.History)
	if err != nil {
		s.logger.Warn("call summary failed", "call_id", s.CallID, "error", err)
		return
	}
	if summary == "" {
		return
	}
	if err := s.store.SetFlag(ctx, store.SummaryKey(s.CallID), summary, s.recordTTL()); err != nil {
		s.logger.Warn("call summary persist failed", "call_id", s.CallID, "error", err)
	}
}

// ─── webhook gate ───

// gate publishes webhook execution windows: silence supervision pauses and
// other workers' turns wait on the store flag.
type gate struct{ s *Session }

var _ flow.Gate = gate{}

func (g gate) WebhookStarted(ctx context.Context, callID string) {
	g.s.silent.Suspend()
	if err := g.s.store.SetFlag(ctx, store.FlagKey(callID, turn.WebhookFlagName), "1", webhookFlagTTL); err != nil {
		g.s.logger.Warn("webhook flag set failed", "call_id", callID, "error", err)
	}
}

func (g gate) WebhookFinished(ctx context.Context, callID string) {
	g.s.silent.Resume()
	if err := g.s.store.DeleteFlag(ctx, store.FlagKey(callID, turn.WebhookFlagName)); err != nil {
		g.s.logger.Warn("webhook flag clear failed", "call_id", callID, "error", err)
	}
}
