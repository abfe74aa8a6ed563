// Package telephony wraps the carrier's call-control API and media stream.
//
// The Client interface covers every call action the pipeline needs: answer,
// hangup, audio playback with stop (barge-in), carrier-side speak as the
// last TTS fallback, DTMF, recording, and transfer. The production
// implementation is [Telnyx]; tests use the package mock.
package telephony

import (
	"context"
	"errors"
)

// ErrPlaybackNotFound is returned by Stop when the carrier reports the
// playback no longer exists. Callers racing against natural playback
// completion should tolerate it.
var ErrPlaybackNotFound = errors.New("telephony: playback not found")

// DialRequest describes an outbound call attempt.
type DialRequest struct {
	// To is the destination number in E.164 form.
	To string

	// From is the caller ID number in E.164 form.
	From string

	// StreamURL is the WebSocket endpoint the carrier pushes call audio to.
	StreamURL string

	// TimeoutSecs is how long to ring before giving up. Zero means carrier
	// default.
	TimeoutSecs int
}

// TransferRequest describes handing the call off to another number.
type TransferRequest struct {
	// To is the destination number in E.164 form.
	To string

	// From overrides the caller ID shown to the transferee. Empty keeps the
	// original caller's number.
	From string
}

// Client is the carrier call-control abstraction. callID is always the
// carrier's call control identifier.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Dial starts an outbound call and returns its call control ID.
	Dial(ctx context.Context, req DialRequest) (string, error)

	// Answer accepts an inbound call.
	Answer(ctx context.Context, callID string) error

	// Reject declines an inbound call.
	Reject(ctx context.Context, callID string) error

	// Hangup terminates the call.
	Hangup(ctx context.Context, callID string) error

	// Play starts playback of the audio file at url and returns a playback
	// ID for later Stop calls.
	Play(ctx context.Context, callID, url string) (string, error)

	// Stop cancels a specific playback. Returns ErrPlaybackNotFound when the
	// playback already finished.
	Stop(ctx context.Context, callID, playbackID string) error

	// StopAll cancels every active playback on the call.
	StopAll(ctx context.Context, callID string) error

	// Speak plays text using the carrier's built-in TTS. Last-resort
	// fallback when all synthesis providers are down.
	Speak(ctx context.Context, callID, text string) error

	// SendDTMF plays a DTMF digit sequence into the call.
	SendDTMF(ctx context.Context, callID, digits string) error

	// StartRecording begins dual-channel call recording.
	StartRecording(ctx context.Context, callID string) error

	// StopRecording ends call recording.
	StopRecording(ctx context.Context, callID string) error

	// Transfer hands the call off to another number.
	Transfer(ctx context.Context, callID string, req TransferRequest) error
}
