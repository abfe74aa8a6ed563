// Package bargein handles caller interruptions: when speech starts while
// the agent is playing audio, the in-flight turn stops synthesising,
// playback is cut immediately and, if the interrupted line was a check-in
// the caller never heard, it is removed from history so the model does
// not believe it asked a question.
package bargein

import (
	"context"
	"log/slog"
	"strings"

	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/player"
	"github.com/voxloop/voxloop/pkg/types"
)

// shortQuestionMax is the length under which a trailing "?" marks a turn
// as a probably-unheard prompt. Heuristic backstop for history recorded
// before check-in turns carried an explicit marker.
const shortQuestionMax = 50

// Turns is the slice of the turn orchestrator a barge-in needs.
type Turns interface {
	// CancelDelivery aborts the remaining synthesis and playback of the
	// turn being delivered, if any.
	CancelDelivery()

	// Interrupted prunes an unheard check-in from the history tail and
	// clears the silence-greeting marker, under the turn lock. Returns
	// the pruned text when something was removed.
	Interrupted() (string, bool)
}

// Supervisor executes barge-ins for live calls.
type Supervisor struct {
	player *player.Player
	turns  Turns
	logger *slog.Logger
}

// New creates a barge-in supervisor.
func New(p *player.Player, turns Turns, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{player: p, turns: turns, logger: logger}
}

// Interrupt cuts the agent off: the turn in flight stops synthesising,
// every queued playback is stopped at the carrier, and an unheard
// check-in is removed from history. Call on SpeechStart while the agent
// holds the floor.
func (s *Supervisor) Interrupt(ctx context.Context, callID string) {
	s.turns.CancelDelivery()
	if err := s.player.Stop(ctx, callID); err != nil {
		// Playback may already have drained at the carrier; history
		// still needs the rewrite below.
		s.logger.Warn("playback stop failed during barge-in", "call_id", callID, "error", err)
	}
	observe.DefaultMetrics().BargeIns.Add(ctx, 1)

	if text, pruned := s.turns.Interrupted(); pruned {
		s.logger.Debug("pruned interrupted check-in from history", "call_id", callID, "text", text)
	}
}

// Prunable reports whether an interrupted assistant turn should be removed
// from history: explicit check-ins always, otherwise short interrogatives
// the caller most likely talked over without hearing.
func Prunable(turn types.Turn) bool {
	if turn.Role != types.RoleAssistant {
		return false
	}
	if turn.Checkin {
		return true
	}
	text := strings.TrimSpace(turn.Text)
	return len(text) <= shortQuestionMax && strings.HasSuffix(text, "?")
}
