package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

// summaryPrompt is the system prompt for post-call summarisation.
const summaryPrompt = `Summarise the following phone call between an AI agent and a caller.
Preserve: the caller's intent, commitments made by either side, collected details
(names, numbers, dates, amounts), and how the call ended. Two to four sentences.`

// summaryMaxTokens caps the summary length.
const summaryMaxTokens = 200

// Summariser produces a concise summary of a finished call.
type Summariser interface {
	// Summarise condenses a call transcript into a short summary string.
	Summarise(ctx context.Context, history []types.Turn) (string, error)
}

// LLMSummariser summarises calls with an LLM.
type LLMSummariser struct {
	provider llm.Provider
}

var _ Summariser = (*LLMSummariser)(nil)

// NewLLMSummariser creates a summariser backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{provider: provider}
}

// Summarise sends the transcript to the LLM and returns its summary.
// An empty transcript yields an empty summary with no provider call.
func (s *LLMSummariser) Summarise(ctx context.Context, history []types.Turn) (string, error) {
	if len(history) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, turn := range history {
		speaker := "Caller"
		if turn.Role == types.RoleAssistant {
			speaker = "Agent"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, turn.Text)
	}

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: b.String()},
		},
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("session: summarise call: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
