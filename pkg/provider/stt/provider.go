// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or
// AssemblyAI) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw audio
// frames from the telephony media stream and emits two streams of Transcript
// values — low-latency partials for responsiveness and authoritative finals
// for the turn orchestrator — plus voice-activity events the barge-in and
// dead-air supervisors consume.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/voxloop/voxloop/pkg/types"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format for a new STT session. All fields
// must be compatible with what the underlying provider supports.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony media streams are
	// commonly 8000; provider-optimised PCM is 16000.
	SampleRate int

	// Encoding is the wire codec of frames passed to SendAudio: "linear16"
	// (little-endian PCM) or "mulaw" (G.711, as carriers deliver it).
	Encoding string

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes to the provider. The chunk
	// must match the encoding and sample rate agreed in StreamConfig.
	// Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting low-latency interim
	// transcripts. These drive responsiveness signals but must not be written
	// to the conversation history. Closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel emitting authoritative transcripts at
	// utterance boundaries. These are the values the turn orchestrator
	// consumes. Closed when the session ends.
	Finals() <-chan types.Transcript

	// Speech returns a read-only channel emitting voice-activity events
	// (speech start / speech end) derived by the provider. Closed when the
	// session ends.
	Speech() <-chan types.SpeechEvent

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the output channels will
	// be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per active call).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio configuration. The returned SessionHandle is ready to accept audio
	// immediately. The caller owns the handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
