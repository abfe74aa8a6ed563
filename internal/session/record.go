package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/voxloop/voxloop/internal/flow"
	"github.com/voxloop/voxloop/pkg/types"
)

// DefaultRecordTTL is how long a session record outlives its last update.
// Longer than any permitted call so a record never expires mid-call.
const DefaultRecordTTL = time.Hour

// Record is the cross-worker snapshot of a call. Everything a worker needs
// to pick up a webhook for a call it did not create is here; providers and
// supervisors are rebuilt locally from the agent snapshot.
type Record struct {
	CallID        string
	AgentID       string
	UserID        string
	From          string
	To            string
	CurrentNodeID string
	Vars          map[string]any
	History       []types.Turn
	ShouldEndCall bool

	// SilenceGreeting marks that the opening turn was a dead-air greeting;
	// a worker resuming the call must replay the real opening when the
	// caller finally answers.
	SilenceGreeting bool

	// UserHasSpoken distinguishes a mute caller from one mid-conversation.
	UserHasSpoken bool

	StartedAt time.Time
}

// snapshotRecord captures the persistable view of a call state.
func snapshotRecord(state *flow.State, agent *flow.Agent, from, to string, startedAt time.Time) *Record {
	return &Record{
		CallID:        state.CallID,
		AgentID:       agent.ID,
		UserID:        agent.UserID,
		From:          from,
		To:            to,
		CurrentNodeID:   state.CurrentNodeID,
		Vars:            state.Vars,
		History:         state.History,
		ShouldEndCall:   state.ShouldEndCall,
		SilenceGreeting: state.SilenceGreetingSent,
		UserHasSpoken:   state.UserHasSpoken,
		StartedAt:       startedAt,
	}
}

// Fields flattens the record into the store's field map. Composite values
// are JSON-encoded strings so field-level merges stay atomic.
func (r *Record) Fields() (map[string]any, error) {
	vars, err := json.Marshal(r.Vars)
	if err != nil {
		return nil, fmt.Errorf("session: encode vars: %w", err)
	}
	history, err := json.Marshal(r.History)
	if err != nil {
		return nil, fmt.Errorf("session: encode history: %w", err)
	}
	return map[string]any{
		"call_id":                    r.CallID,
		"agent_id":                   r.AgentID,
		"user_id":                    r.UserID,
		"from":                       r.From,
		"to":                         r.To,
		"current_node_id":            r.CurrentNodeID,
		"vars":                       string(vars),
		"history":                    string(history),
		"should_end_call":            r.ShouldEndCall,
		"silence_greeting_triggered": r.SilenceGreeting,
		"user_has_spoken":            r.UserHasSpoken,
		"started_at":                 r.StartedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// RecordFromFields rebuilds a record from a store field map.
func RecordFromFields(fields map[string]any) (*Record, error) {
	r := &Record{
		CallID:        asString(fields["call_id"]),
		AgentID:       asString(fields["agent_id"]),
		UserID:        asString(fields["user_id"]),
		From:          asString(fields["from"]),
		To:            asString(fields["to"]),
		CurrentNodeID: asString(fields["current_node_id"]),
		Vars:          map[string]any{},
	}
	if r.CallID == "" {
		return nil, fmt.Errorf("session: record missing call_id")
	}
	if raw := asString(fields["vars"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.Vars); err != nil {
			return nil, fmt.Errorf("session: decode vars: %w", err)
		}
	}
	if raw := asString(fields["history"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.History); err != nil {
			return nil, fmt.Errorf("session: decode history: %w", err)
		}
	}
	if b, ok := fields["should_end_call"].(bool); ok {
		r.ShouldEndCall = b
	}
	if b, ok := fields["silence_greeting_triggered"].(bool); ok {
		r.SilenceGreeting = b
	}
	if b, ok := fields["user_has_spoken"].(bool); ok {
		r.UserHasSpoken = b
	}
	if raw := asString(fields["started_at"]); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			r.StartedAt = ts
		}
	}
	return r, nil
}

// Restore writes the record back into a fresh call state.
func (r *Record) Restore() *flow.State {
	state := flow.NewState(r.CallID, r.AgentID)
	for k, v := range r.Vars {
		state.Vars[k] = v
	}
	state.History = r.History
	state.CurrentNodeID = r.CurrentNodeID
	state.ShouldEndCall = r.ShouldEndCall
	state.SilenceGreetingSent = r.SilenceGreeting
	state.UserHasSpoken = r.UserHasSpoken
	return state
}

// asString tolerates both plain strings and JSON-decoded values.
func asString(v any) string {
	s, _ := v.(string)
	return s
}
