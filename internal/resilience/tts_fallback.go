package resilience

import (
	"context"

	"github.com/voxloop/voxloop/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple streaming TTS backends. Each backend has its own circuit breaker.
// Only initial stream setup is covered by failover; mid-stream errors are
// the player's responsibility (it re-speaks the sentence through its batch
// and carrier fallbacks).
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional streaming TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream consumes text fragments and returns a channel of audio
// bytes, trying the first healthy provider.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceSettings) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// BatchFallback implements [tts.Batch] with failover across REST synthesis
// backends.
type BatchFallback struct {
	group *FallbackGroup[tts.Batch]
}

var _ tts.Batch = (*BatchFallback)(nil)

// NewBatchFallback creates a [BatchFallback] with primary as the preferred
// backend.
func NewBatchFallback(primary tts.Batch, primaryName string, cfg FallbackConfig) *BatchFallback {
	return &BatchFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional batch synthesis backend.
func (f *BatchFallback) AddFallback(name string, provider tts.Batch) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders text through the first healthy backend.
func (f *BatchFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceSettings) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Batch) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}
