// Package types defines the shared types used across all Voxloop packages.
//
// These types form the lingua franca between providers, the flow interpreter,
// the turn orchestrator, and the session layer. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// SpeechEventKind enumerates voice-activity signals derived by STT providers.
type SpeechEventKind int

const (
	// SpeechStart indicates the caller has just begun speaking.
	SpeechStart SpeechEventKind = iota

	// SpeechEnd indicates the caller has just stopped speaking.
	SpeechEnd
)

// SpeechEvent is a voice-activity signal emitted alongside transcripts.
// The barge-in and dead-air supervisors consume these.
type SpeechEvent struct {
	Kind SpeechEventKind
	At   time.Time
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`
}

// Turn is one entry of a call's conversation history.
type Turn struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Text is the spoken content of the turn.
	Text string `json:"text"`

	// NodeID is the flow node that produced an assistant turn. Empty for user
	// turns and for single-prompt agents.
	NodeID string `json:"node_id,omitempty"`

	// Checkin marks an assistant turn injected by the dead-air supervisor
	// (silence greeting or "are you still there?"). The barge-in supervisor
	// uses this to decide whether the turn may be removed from history.
	Checkin bool `json:"checkin,omitempty"`

	// At is when the turn was recorded.
	At time.Time `json:"at,omitempty"`
}

// RoleUser and RoleAssistant are the two history roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)
