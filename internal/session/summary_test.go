package session

import (
	"context"
	"strings"
	"testing"

	llmmock "github.com/voxloop/voxloop/pkg/provider/llm/mock"
	"github.com/voxloop/voxloop/pkg/types"
)

func TestSummarise_LabelsSpeakers(t *testing.T) {
	m := &llmmock.Provider{Response: "Caller booked a quote callback for Tuesday."}
	s := NewLLMSummariser(m)

	history := []types.Turn{
		{Role: types.RoleAssistant, Text: "Hi, this is Alex."},
		{Role: types.RoleUser, Text: "I'd like a quote."},
	}
	summary, err := s.Summarise(context.Background(), history)
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if summary != "Caller booked a quote callback for Tuesday." {
		t.Errorf("unexpected summary %q", summary)
	}

	sent := m.CompleteCalls[0].Messages[0].Content
	if !strings.Contains(sent, "Agent: Hi, this is Alex.") || !strings.Contains(sent, "Caller: I'd like a quote.") {
		t.Errorf("transcript not labelled by speaker:\n%s", sent)
	}
}

func TestSummarise_EmptyHistorySkipsProvider(t *testing.T) {
	m := &llmmock.Provider{Response: "nope"}
	s := NewLLMSummariser(m)

	summary, err := s.Summarise(context.Background(), nil)
	if err != nil || summary != "" {
		t.Errorf("empty history must yield empty summary, got %q, %v", summary, err)
	}
	if len(m.CompleteCalls) != 0 {
		t.Error("provider must not be called for an empty transcript")
	}
}
