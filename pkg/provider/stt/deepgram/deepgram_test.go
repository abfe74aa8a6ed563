package deepgram

import (
	"strings"
	"testing"

	"github.com/voxloop/voxloop/pkg/provider/stt"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestBuildURLDefaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatal(err)
	}
	u, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"model=nova-3",
		"language=en",
		"sample_rate=8000",
		"encoding=mulaw",
		"interim_results=true",
		"vad_events=true",
		"channels=1",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("URL missing %q: %s", want, u)
		}
	}
}

func TestBuildURLOverrides(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de"), WithEndpointing(300))
	if err != nil {
		t.Fatal(err)
	}
	u, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Encoding: "linear16", Language: "en-US"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"model=base",
		"language=en-US", // config beats provider default
		"sample_rate=16000",
		"encoding=linear16",
		"endpointing=300",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("URL missing %q: %s", want, u)
		}
	}
}

func TestResultTranscript(t *testing.T) {
	var resp deepgramResponse
	resp.Type = "Results"
	resp.IsFinal = true
	resp.Channel.Alternatives = []struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
	}{{Transcript: "hello there", Confidence: 0.97}}

	tr, ok := resultTranscript(resp)
	if !ok {
		t.Fatal("expected usable transcript")
	}
	if tr.Text != "hello there" || !tr.IsFinal || tr.Confidence != 0.97 {
		t.Fatalf("unexpected transcript: %+v", tr)
	}
}

func TestResultTranscriptEmpty(t *testing.T) {
	var resp deepgramResponse
	resp.Type = "Results"
	if _, ok := resultTranscript(resp); ok {
		t.Fatal("expected no transcript for empty alternatives")
	}
}
