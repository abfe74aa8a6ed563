// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript and SpeechEvent
// values and inspect which audio chunks were delivered.
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new default Session with buffered channels.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Tests push values
// into PartialsCh, FinalsCh, and SpeechCh and inspect SendAudioCalls.
type Session struct {
	mu sync.Mutex

	PartialsCh chan types.Transcript
	FinalsCh   chan types.Transcript
	SpeechCh   chan types.SpeechEvent

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// SendAudioCalls records copies of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	closed bool
}

// NewSession returns a Session with buffered channels ready for use.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
		SpeechCh:   make(chan types.SpeechEvent, 16),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return nil
}

func (s *Session) Partials() <-chan types.Transcript { return s.PartialsCh }
func (s *Session) Finals() <-chan types.Transcript   { return s.FinalsCh }
func (s *Session) Speech() <-chan types.SpeechEvent  { return s.SpeechCh }

// Close closes the output channels. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.PartialsCh)
	close(s.FinalsCh)
	close(s.SpeechCh)
	return nil
}

var _ stt.SessionHandle = (*Session)(nil)
