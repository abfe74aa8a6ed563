// Package mock provides test doubles for the tts package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/tts"
)

// Provider is a mock tts.Provider and tts.Batch. For each text fragment
// consumed from the stream it emits one audio chunk (ChunkFor applied to the
// fragment, or a fixed Audio payload).
type Provider struct {
	mu sync.Mutex

	// Audio is the chunk emitted per consumed fragment when ChunkFor is nil.
	Audio []byte

	// ChunkFor, if set, derives the emitted chunk from the fragment text.
	ChunkFor func(text string) []byte

	// StreamErr is returned by SynthesizeStream before any work happens.
	StreamErr error

	// BatchErr is returned by Synthesize.
	BatchErr error

	// StreamedText records every fragment consumed across all streams.
	StreamedText []string

	// BatchCalls records every text passed to Synthesize.
	BatchCalls []string

	// Voices records the voice settings of every call.
	Voices []tts.VoiceSettings
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceSettings) (<-chan []byte, error) {
	p.mu.Lock()
	err := p.StreamErr
	p.Voices = append(p.Voices, voice)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.StreamedText = append(p.StreamedText, fragment)
				chunk := p.Audio
				if p.ChunkFor != nil {
					chunk = p.ChunkFor(fragment)
				}
				p.mu.Unlock()
				if chunk == nil {
					chunk = []byte{0x00, 0x00}
				}
				select {
				case audioCh <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

// Synthesize implements tts.Batch.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceSettings) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.BatchCalls = append(p.BatchCalls, text)
	p.Voices = append(p.Voices, voice)
	if p.BatchErr != nil {
		return nil, p.BatchErr
	}
	if p.ChunkFor != nil {
		return p.ChunkFor(text), nil
	}
	if p.Audio != nil {
		return p.Audio, nil
	}
	return []byte{0x00, 0x00}, nil
}

// Streamed returns a copy of all fragments consumed so far.
func (p *Provider) Streamed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.StreamedText))
	copy(out, p.StreamedText)
	return out
}

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Batch    = (*Provider)(nil)
)
