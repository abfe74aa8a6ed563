package assemblyai

import "testing"

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestConvertMessageFinal(t *testing.T) {
	tr, final, ok := convertMessage(realtimeMessage{
		MessageType: "FinalTranscript",
		Text:        "book me for tuesday",
		Confidence:  0.91,
		AudioStart:  1000,
		AudioEnd:    2500,
	})
	if !ok || !final {
		t.Fatalf("ok=%v final=%v, want true/true", ok, final)
	}
	if tr.Text != "book me for tuesday" || !tr.IsFinal {
		t.Fatalf("unexpected transcript: %+v", tr)
	}
	if tr.Duration.Milliseconds() != 1500 {
		t.Fatalf("duration = %v, want 1.5s", tr.Duration)
	}
}

func TestConvertMessagePartial(t *testing.T) {
	tr, final, ok := convertMessage(realtimeMessage{MessageType: "PartialTranscript", Text: "book me"})
	if !ok || final {
		t.Fatalf("ok=%v final=%v, want true/false", ok, final)
	}
	if tr.IsFinal {
		t.Fatal("partial transcript marked final")
	}
}

func TestConvertMessageIgnoresControl(t *testing.T) {
	if _, _, ok := convertMessage(realtimeMessage{MessageType: "SessionBegins"}); ok {
		t.Fatal("control message should be ignored")
	}
	if _, _, ok := convertMessage(realtimeMessage{MessageType: "PartialTranscript", Text: ""}); ok {
		t.Fatal("empty transcript should be ignored")
	}
}
