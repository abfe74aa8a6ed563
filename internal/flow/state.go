package flow

import (
	"time"

	"github.com/voxloop/voxloop/pkg/types"
)

// historyWindow is the number of recent turns shown to the LLM for
// transition evaluation and variable extraction.
const historyWindow = 10

// State is the mutable per-call conversation state the interpreter reads
// and writes. It is owned by a single goroutine per call; cross-worker
// persistence happens through the session record, not here.
type State struct {
	CallID  string
	AgentID string

	// Vars holds collected call variables, including webhook responses and
	// promoted webhook fields.
	Vars map[string]any

	// History is the full ordered turn log of the call.
	History []types.Turn

	// CurrentNodeID is the flow node the call sits on. Empty before the
	// first assistant flow turn.
	CurrentNodeID string

	ShouldEndCall     bool
	EndingMessageSent bool
	ExecutingWebhook  bool
	TransferRequested bool
	TransferTarget    string

	// SilenceGreetingSent marks that the opening turn was a dead-air
	// greeting rather than a scripted one.
	SilenceGreetingSent bool

	// UserHasSpoken is set on the first caller turn and never cleared.
	UserHasSpoken bool
}

// NewState creates an empty state for a call.
func NewState(callID, agentID string) *State {
	return &State{
		CallID:  callID,
		AgentID: agentID,
		Vars:    make(map[string]any),
	}
}

// SetVar stores a variable, keeping customer_name and callerName in sync
// so prompts and webhook templates can reference either name.
func (s *State) SetVar(name string, value any) {
	if s.Vars == nil {
		s.Vars = make(map[string]any)
	}
	s.Vars[name] = value
	switch name {
	case "customer_name":
		s.Vars["callerName"] = value
	case "callerName":
		s.Vars["customer_name"] = value
	}
}

// Var returns a variable's value and whether it is present and non-nil.
func (s *State) Var(name string) (any, bool) {
	v, ok := s.Vars[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// HasVar reports whether a variable is present and non-nil.
func (s *State) HasVar(name string) bool {
	_, ok := s.Var(name)
	return ok
}

// AppendUser records a caller turn.
func (s *State) AppendUser(text string) {
	s.UserHasSpoken = true
	s.History = append(s.History, types.Turn{
		Role: types.RoleUser,
		Text: text,
		At:   time.Now(),
	})
}

// AppendAssistant records an agent turn attributed to a flow node.
func (s *State) AppendAssistant(text, nodeID string) {
	s.History = append(s.History, types.Turn{
		Role:   types.RoleAssistant,
		Text:   text,
		NodeID: nodeID,
		At:     time.Now(),
	})
}

// AppendCheckin records a dead-air check-in turn. Check-in turns are
// removable by the barge-in supervisor and never move the current node.
func (s *State) AppendCheckin(text string) {
	s.History = append(s.History, types.Turn{
		Role:    types.RoleAssistant,
		Text:    text,
		Checkin: true,
		At:      time.Now(),
	})
}

// LastAssistant returns the most recent assistant turn, or nil.
func (s *State) LastAssistant() *types.Turn {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == types.RoleAssistant {
			return &s.History[i]
		}
	}
	return nil
}

// LastUser returns the most recent user turn's text, or "".
func (s *State) LastUser() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == types.RoleUser {
			return s.History[i].Text
		}
	}
	return ""
}

// PopLastAssistant removes and returns the most recent assistant turn when
// it is the final history entry. Used when a check-in is interrupted before
// the caller could have heard it.
func (s *State) PopLastAssistant() *types.Turn {
	if len(s.History) == 0 {
		return nil
	}
	last := s.History[len(s.History)-1]
	if last.Role != types.RoleAssistant {
		return nil
	}
	s.History = s.History[:len(s.History)-1]
	return &last
}

// Recent returns the last n turns of history.
func (s *State) Recent(n int) []types.Turn {
	if len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// Messages renders the last n turns as LLM chat messages.
func (s *State) Messages(n int) []types.Message {
	recent := s.Recent(n)
	msgs := make([]types.Message, 0, len(recent))
	for _, t := range recent {
		msgs = append(msgs, types.Message{Role: t.Role, Content: t.Text})
	}
	return msgs
}

// NodeForTurn implements current-node resolution: the explicit current node
// wins; otherwise the node of the last assistant turn; otherwise "".
func (s *State) NodeForTurn() string {
	if s.CurrentNodeID != "" {
		return s.CurrentNodeID
	}
	if last := s.LastAssistant(); last != nil {
		return last.NodeID
	}
	return ""
}

// FirstTurn reports whether no assistant flow turn has happened yet.
func (s *State) FirstTurn() bool {
	for i := range s.History {
		if s.History[i].Role == types.RoleAssistant && !s.History[i].Checkin {
			return false
		}
	}
	return true
}
