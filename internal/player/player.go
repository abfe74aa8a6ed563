// Package player turns reply text into carrier playback. Sentences arrive
// on a channel as the splitter emits them; each one is synthesised,
// transcoded to 8 kHz µ-law WAV, published on the audio host, and played on
// the call. Playback IDs are tracked in the session store so a barge-in can
// stop every clip from any worker.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/store"
	"github.com/voxloop/voxloop/internal/telephony"
	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/provider/tts"
)

// providerSampleRate is the PCM rate synthesis providers emit.
const providerSampleRate = 16000

// synthTimeout bounds synthesis of a single sentence.
const synthTimeout = 10 * time.Second

// Player renders sentences into call audio for one or more calls.
// Safe for concurrent use across calls.
type Player struct {
	stream tts.Provider
	batch  tts.Batch
	tel    telephony.Client
	host   *AudioHost
	store  store.Store
	logger *slog.Logger
}

// New creates a Player. batch may be nil; the carrier's built-in speak is
// always the last resort.
func New(stream tts.Provider, batch tts.Batch, tel telephony.Client, host *AudioHost, st store.Store, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{stream: stream, batch: batch, tel: tel, host: host, store: st, logger: logger}
}

// Speak plays every sentence from the channel on the call, in order, until
// the channel closes or ctx is cancelled. Each sentence is attempted
// exactly once; a sentence that fails all synthesis paths is spoken by the
// carrier, and a sentence that fails even that is logged and dropped rather
// than replayed out of order.
func (p *Player) Speak(ctx context.Context, callID string, sentences <-chan string, voice tts.VoiceSettings) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sentence, ok := <-sentences:
			if !ok {
				return nil
			}
			if sentence == "" {
				continue
			}
			if err := p.playSentence(ctx, callID, sentence, voice); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Error("dropping sentence after all playback paths failed",
					"call_id", callID, "error", err)
			}
		}
	}
}

// SpeakText plays a single complete text (greeting, check-in, farewell).
func (p *Player) SpeakText(ctx context.Context, callID, text string, voice tts.VoiceSettings) error {
	if text == "" {
		return nil
	}
	return p.playSentence(ctx, callID, text, voice)
}

// playSentence synthesises one sentence and starts carrier playback,
// recording the playback ID for barge-in.
func (p *Player) playSentence(ctx context.Context, callID, sentence string, voice tts.VoiceSettings) error {
	start := time.Now()
	pcm, err := p.synthesize(ctx, sentence, voice)
	if err != nil || len(pcm) == 0 {
		p.logger.Warn("synthesis failed, falling back to carrier speak",
			"call_id", callID, "error", err)
		if speakErr := p.tel.Speak(ctx, callID, sentence); speakErr != nil {
			return fmt.Errorf("player: carrier speak: %w", speakErr)
		}
		return nil
	}
	observe.DefaultMetrics().TTSFirstChunkLatency.Record(ctx, time.Since(start).Seconds())

	wav := audio.WAVMulaw(audio.ToCarrierMulaw(pcm, providerSampleRate))
	url := p.host.Put(wav)

	playbackID, err := p.tel.Play(ctx, callID, url)
	if err != nil {
		p.host.Remove(url)
		return fmt.Errorf("player: start playback: %w", err)
	}
	if err := p.store.SetAdd(ctx, store.PlaybacksKey(callID), playbackID); err != nil {
		p.logger.Warn("failed to track playback id", "call_id", callID, "error", err)
	}
	return nil
}

// synthesize renders one sentence to PCM, streaming first, batch second.
func (p *Player) synthesize(ctx context.Context, sentence string, voice tts.VoiceSettings) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, synthTimeout)
	defer cancel()

	pcm, err := p.synthesizeStream(ctx, sentence, voice)
	if err == nil && len(pcm) > 0 {
		return pcm, nil
	}
	if p.batch == nil {
		return nil, err
	}

	pcm, batchErr := p.batch.Synthesize(ctx, sentence, voice)
	if batchErr != nil {
		if err != nil {
			return nil, fmt.Errorf("stream: %w; batch: %v", err, batchErr)
		}
		return nil, batchErr
	}
	return pcm, nil
}

// synthesizeStream runs one sentence through the streaming provider and
// collects the audio.
func (p *Player) synthesizeStream(ctx context.Context, sentence string, voice tts.VoiceSettings) ([]byte, error) {
	text := make(chan string, 1)
	text <- sentence
	close(text)

	chunks, err := p.stream.SynthesizeStream(ctx, text, voice)
	if err != nil {
		return nil, err
	}

	var pcm []byte
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return pcm, nil
			}
			pcm = append(pcm, chunk...)
		}
	}
}

// Stop halts every active playback on the call and clears the tracking
// set. Used by barge-in and call teardown.
func (p *Player) Stop(ctx context.Context, callID string) error {
	if err := p.tel.StopAll(ctx, callID); err != nil {
		return fmt.Errorf("player: stop all playbacks: %w", err)
	}
	if err := p.store.SetClear(ctx, store.PlaybacksKey(callID)); err != nil {
		return fmt.Errorf("player: clear playback set: %w", err)
	}
	return nil
}

// PlaybackEnded records that a playback finished naturally and returns how
// many are still active. Zero means the agent yielded the floor.
func (p *Player) PlaybackEnded(ctx context.Context, callID, playbackID string) (int, error) {
	if err := p.store.SetRemove(ctx, store.PlaybacksKey(callID), playbackID); err != nil {
		return 0, fmt.Errorf("player: untrack playback: %w", err)
	}
	return p.store.SetCount(ctx, store.PlaybacksKey(callID))
}
