package player

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxloop/voxloop/internal/store"
	telmock "github.com/voxloop/voxloop/internal/telephony/mock"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	ttsmock "github.com/voxloop/voxloop/pkg/provider/tts/mock"
)

func newTestPlayer(stream *ttsmock.Provider, batch tts.Batch, tel *telmock.Client) (*Player, *AudioHost, store.Store) {
	host := NewAudioHost("https://calls.example.com")
	st := store.NewMemory()
	return New(stream, batch, tel, host, st, nil), host, st
}

func sentenceChan(sentences ...string) <-chan string {
	ch := make(chan string, len(sentences))
	for _, s := range sentences {
		ch <- s
	}
	close(ch)
	return ch
}

func TestSpeak_PlaysEachSentenceOnce(t *testing.T) {
	stream := &ttsmock.Provider{Audio: []byte{0x10, 0x00, 0x20, 0x00}}
	tel := &telmock.Client{}
	p, host, st := newTestPlayer(stream, nil, tel)

	err := p.Speak(context.Background(), "cc-1", sentenceChan("Hello there.", "How can I help?"), tts.VoiceSettings{VoiceID: "v1"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	plays := tel.CallsTo("Play")
	if len(plays) != 2 {
		t.Fatalf("expected 2 playbacks, got %d", len(plays))
	}
	for _, call := range plays {
		if !strings.HasPrefix(call.Arg, "https://calls.example.com/audio/") || !strings.HasSuffix(call.Arg, ".wav") {
			t.Errorf("unexpected playback URL %q", call.Arg)
		}
	}
	if host.Len() != 2 {
		t.Errorf("expected 2 hosted clips, got %d", host.Len())
	}

	ids, err := st.SetMembers(context.Background(), store.PlaybacksKey("cc-1"))
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 tracked playback ids, got %v", ids)
	}
}

func TestSpeak_HostedClipIsMulawWAV(t *testing.T) {
	stream := &ttsmock.Provider{Audio: []byte{0x10, 0x00, 0x20, 0x00}}
	tel := &telmock.Client{}
	p, host, _ := newTestPlayer(stream, nil, tel)

	if err := p.SpeakText(context.Background(), "cc-1", "Hi.", tts.VoiceSettings{}); err != nil {
		t.Fatalf("SpeakText: %v", err)
	}

	url := tel.CallsTo("Play")[0].Arg
	req := httptest.NewRequest("GET", "/audio/"+idFromPath(url)+".wav", nil)
	rec := httptest.NewRecorder()
	host.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("clip fetch status %d", rec.Code)
	}
	body := rec.Body.Bytes()
	if !bytes.HasPrefix(body, []byte("RIFF")) {
		t.Error("clip is not a WAV container")
	}
	// Format code 7 (µ-law) at offset 20.
	if len(body) < 22 || body[20] != 7 {
		t.Errorf("clip is not µ-law encoded: %v", body[:24])
	}
}

func TestSpeak_BatchFallbackWhenStreamFails(t *testing.T) {
	stream := &ttsmock.Provider{StreamErr: errors.New("ws down")}
	batch := &ttsmock.Provider{Audio: []byte{0x05, 0x00}}
	tel := &telmock.Client{}
	p, _, _ := newTestPlayer(stream, batch, tel)

	if err := p.SpeakText(context.Background(), "cc-1", "Hello.", tts.VoiceSettings{}); err != nil {
		t.Fatalf("SpeakText: %v", err)
	}
	if len(batch.BatchCalls) != 1 || batch.BatchCalls[0] != "Hello." {
		t.Errorf("expected batch fallback call, got %v", batch.BatchCalls)
	}
	if len(tel.CallsTo("Play")) != 1 {
		t.Error("expected playback from batch audio")
	}
}

func TestSpeak_CarrierSpeakAsLastResort(t *testing.T) {
	stream := &ttsmock.Provider{StreamErr: errors.New("ws down")}
	batch := &ttsmock.Provider{BatchErr: errors.New("rest down")}
	tel := &telmock.Client{}
	p, _, _ := newTestPlayer(stream, batch, tel)

	if err := p.SpeakText(context.Background(), "cc-1", "Hello.", tts.VoiceSettings{}); err != nil {
		t.Fatalf("SpeakText: %v", err)
	}
	speaks := tel.CallsTo("Speak")
	if len(speaks) != 1 || speaks[0].Arg != "Hello." {
		t.Errorf("expected carrier speak fallback, got %v", speaks)
	}
	if len(tel.CallsTo("Play")) != 0 {
		t.Error("no playback should happen when synthesis is down")
	}
}

func TestStop_ClearsPlaybackTracking(t *testing.T) {
	stream := &ttsmock.Provider{Audio: []byte{0x01, 0x00}}
	tel := &telmock.Client{}
	p, _, st := newTestPlayer(stream, nil, tel)
	ctx := context.Background()

	if err := p.SpeakText(ctx, "cc-1", "One.", tts.VoiceSettings{}); err != nil {
		t.Fatalf("SpeakText: %v", err)
	}
	if err := p.Stop(ctx, "cc-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(tel.CallsTo("StopAll")) != 1 {
		t.Error("expected StopAll on the carrier")
	}
	if n, _ := st.SetCount(ctx, store.PlaybacksKey("cc-1")); n != 0 {
		t.Errorf("playback set must be cleared, got %d", n)
	}
}

func TestPlaybackEnded_ReportsRemaining(t *testing.T) {
	stream := &ttsmock.Provider{Audio: []byte{0x01, 0x00}}
	tel := &telmock.Client{}
	p, _, _ := newTestPlayer(stream, nil, tel)
	ctx := context.Background()

	_ = p.SpeakText(ctx, "cc-1", "One.", tts.VoiceSettings{})
	_ = p.SpeakText(ctx, "cc-1", "Two.", tts.VoiceSettings{})

	ids := tel.CallsTo("Play")
	if len(ids) != 2 {
		t.Fatalf("expected 2 playbacks, got %d", len(ids))
	}

	remaining, err := p.PlaybackEnded(ctx, "cc-1", "playback-1")
	if err != nil {
		t.Fatalf("PlaybackEnded: %v", err)
	}
	if remaining != 1 {
		t.Errorf("expected 1 remaining playback, got %d", remaining)
	}
	remaining, _ = p.PlaybackEnded(ctx, "cc-1", "playback-2")
	if remaining != 0 {
		t.Errorf("expected floor handed over at 0, got %d", remaining)
	}
}

func TestAudioHost_RemoveAndExpiry(t *testing.T) {
	host := NewAudioHost("https://x")
	url := host.Put([]byte("RIFFdata"))
	if host.Len() != 1 {
		t.Fatalf("expected 1 clip, got %d", host.Len())
	}
	host.Remove(url)
	if host.Len() != 0 {
		t.Errorf("expected clip removed, got %d", host.Len())
	}

	rec := httptest.NewRecorder()
	host.ServeHTTP(rec, httptest.NewRequest("GET", "/audio/missing.wav", nil))
	if rec.Code != 404 {
		t.Errorf("missing clip must 404, got %d", rec.Code)
	}
}
