// Package tts defines the provider interfaces for Text-to-Speech backends.
//
// Two capability shapes exist. Provider is the streaming shape: it consumes a
// channel of sentence fragments and emits raw PCM chunks as they are
// synthesised, enabling low-latency pipelining between the LLM output and
// telephony playback. Batch is the REST shape: one blocking call per
// utterance, returning a single audio blob. The player prefers streaming and
// falls back to batch, then to the carrier's built-in speak action.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceSettings describes the voice configuration for synthesis.
type VoiceSettings struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `json:"voice_id"`

	// Model selects the synthesis model (e.g., "eleven_flash_v2_5").
	Model string `json:"model,omitempty"`

	// Stability and SimilarityBoost tune ElevenLabs-style voices. Zero values
	// mean provider defaults.
	Stability       float64 `json:"stability,omitempty"`
	SimilarityBoost float64 `json:"similarity_boost,omitempty"`

	// Speed adjusts speaking rate (0.5–2.0, 0 = default).
	Speed float64 `json:"speed,omitempty"`
}

// Provider is the streaming synthesis abstraction.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices (16-bit LE mono
	// at 16 kHz) as they are synthesised.
	//
	// The returned audio channel is closed by the implementation when all text
	// has been synthesised or when ctx is cancelled. The caller must drain the
	// audio channel to avoid blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceSettings) (<-chan []byte, error)
}

// Batch is the one-shot REST synthesis abstraction, used as fallback when
// streaming synthesis fails.
type Batch interface {
	// Synthesize renders text into a single audio blob of 16-bit LE mono PCM
	// at 16 kHz.
	Synthesize(ctx context.Context, text string, voice VoiceSettings) ([]byte, error)
}
